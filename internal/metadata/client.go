package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Rules is the channel metadata the fetcher returns.
type Rules struct {
	RulesText     string `json:"rules_text"`
	RequiredFlair string `json:"required_flair,omitempty"`
}

// Client fetches channel posting rules from the external metadata service.
// Best effort: callers treat any error as "no rules available".
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New builds a client with a hard request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// FetchRules returns the channel's rules text and flair requirement.
func (c *Client) FetchRules(ctx context.Context, channelName string) (Rules, error) {
	u := fmt.Sprintf("%s/rules?channel=%s", c.baseURL, url.QueryEscape(channelName))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Rules{}, fmt.Errorf("build metadata request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Rules{}, fmt.Errorf("fetch rules: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Rules{}, fmt.Errorf("metadata status %d", resp.StatusCode)
	}
	var out Rules
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Rules{}, fmt.Errorf("decode metadata response: %w", err)
	}
	return out, nil
}
