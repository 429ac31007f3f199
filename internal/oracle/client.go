package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"content-allocator/internal/telemetry"
)

// ErrRateLimited signals the oracle asked us to back off.
var ErrRateLimited = errors.New("oracle rate limited")

// Request carries the context the oracle needs to produce one title.
type Request struct {
	ChannelName   string   `json:"channel_name"`
	RulesText     string   `json:"rules_text,omitempty"`
	RequiredFlair string   `json:"required_flair,omitempty"`
	PriorTitles   []string `json:"prior_titles,omitempty"`
	AssetKind     string   `json:"asset_kind,omitempty"`
	NicheTag      string   `json:"niche_tag,omitempty"`
}

// Client calls the external text oracle over HTTP. Rate-limit responses are
// retried with bounded exponential backoff; every other error class is
// returned to the caller, who falls back to canned text.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retries    int
	backoff    time.Duration
	log        *zap.Logger
}

// New builds a client with a hard request timeout.
func New(baseURL string, timeout time.Duration, retries int, backoffInitial time.Duration, log *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		retries:    retries,
		backoff:    backoffInitial,
		log:        log,
	}
}

type generateResponse struct {
	Title string `json:"title"`
}

// Generate requests one candidate title.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	backoff := c.backoff
	for attempt := 0; ; attempt++ {
		title, err := c.generateOnce(ctx, req)
		if err == nil {
			return title, nil
		}
		if !errors.Is(err, ErrRateLimited) || attempt >= c.retries {
			return "", err
		}
		telemetry.OracleRetries.Inc()
		c.log.Warn("oracle rate limited, backing off",
			zap.String("channel", req.ChannelName),
			zap.Duration("backoff", backoff),
			zap.Int("attempt", attempt+1))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *Client) generateOnce(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal oracle request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build oracle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("call oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("oracle status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode oracle response: %w", err)
	}
	title := strings.TrimSpace(out.Title)
	if title == "" {
		return "", errors.New("oracle returned empty title")
	}
	// Upstream sometimes leaks its own failure text into the body; treat
	// recognizable markers as a failed call.
	lowered := strings.ToLower(title)
	if strings.Contains(lowered, "error") || strings.Contains(lowered, "unauthorized") {
		return "", fmt.Errorf("oracle returned error marker: %q", title)
	}
	return title, nil
}
