package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"content-allocator/internal/config"
	"content-allocator/internal/guard"
	"content-allocator/internal/models"
	"content-allocator/internal/queue"
	"content-allocator/internal/ratelimit"
	"content-allocator/internal/store"
	"content-allocator/internal/telemetry"
)

const dateLayout = "2006-01-02"

// Server wires HTTP handlers for the operator control plane.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RedisQueue
	limiter *ratelimit.TriggerLimiter
	log     *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, limiter *ratelimit.TriggerLimiter, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/models", s.handleCreateModel)
	r.Post("/models/{id}/accounts", s.handleCreateAccount)
	r.Post("/models/{id}/channels", s.handleCreateChannel)
	r.Post("/models/{id}/runs", s.handleTriggerRun)
	r.Get("/models/{id}/runs", s.handleGetRun)
	r.Get("/models/{id}/tasks", s.handleListTasks)

	r.Post("/tasks/{id}/outcome", s.handleRecordOutcome)
	r.Post("/tasks/{id}/status", s.handleTaskStatus)

	r.Get("/channels/{id}", s.handleGetChannel)
	r.Post("/channels/{id}/failures", s.handleChannelFailure)
	r.Post("/channels/{id}/unblock", s.handleChannelUnblock)

	return r
}

type createModelRequest struct {
	Name              string `json:"name"`
	AssetSourcePrefix string `json:"asset_source_prefix"`
}

func (s *Server) handleCreateModel(w http.ResponseWriter, r *http.Request) {
	var req createModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	m, err := s.store.CreateModel(r.Context(), req.Name, req.AssetSourcePrefix)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type createAccountRequest struct {
	Username   string     `json:"username"`
	Reputation int        `json:"reputation"`
	DailyCap   int        `json:"daily_cap"`
	Verified   bool       `json:"verified"`
	JoinedAt   *time.Time `json:"joined_at"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}
	joined := time.Now().UTC()
	if req.JoinedAt != nil {
		joined = *req.JoinedAt
	}
	acc, err := s.store.CreateAccount(r.Context(), store.CreateAccountParams{
		ModelID:    chi.URLParam(r, "id"),
		Username:   req.Username,
		Reputation: req.Reputation,
		DailyCap:   req.DailyCap,
		Verified:   req.Verified,
		JoinedAt:   joined,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

type createChannelRequest struct {
	Name            string `json:"name"`
	NicheTag        string `json:"niche_tag"`
	PinnedAccountID string `json:"pinned_account_id"`
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	ch, err := s.store.CreateChannel(r.Context(), store.CreateChannelParams{
		ModelID:         chi.URLParam(r, "id"),
		Name:            req.Name,
		NicheTag:        req.NicheTag,
		PinnedAccountID: req.PinnedAccountID,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, ch)
}

type triggerRunRequest struct {
	Date  string     `json:"date"`
	RunAt *time.Time `json:"run_at"`
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	modelID := chi.URLParam(r, "id")
	var req triggerRunRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if _, err := s.store.GetModel(r.Context(), modelID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), modelID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.TriggerRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	date := req.Date
	if date == "" {
		date = time.Now().UTC().Format(dateLayout)
	} else if _, err := time.Parse(dateLayout, date); err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	runReq := queue.RunRequest{ModelID: modelID, Date: date}
	var err error
	if req.RunAt != nil && req.RunAt.After(time.Now()) {
		err = s.queue.ScheduleRun(r.Context(), runReq, *req.RunAt)
	} else {
		err = s.queue.EnqueueRun(r.Context(), runReq)
	}
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"model_id": modelID, "date": date, "status": "queued"})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	date, ok := parseDateParam(w, r)
	if !ok {
		return
	}
	run, found, err := s.store.LatestRun(r.Context(), chi.URLParam(r, "id"), date)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "no run for date", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	date, ok := parseDateParam(w, r)
	if !ok {
		return
	}
	tasks, err := s.store.ListDayTasks(r.Context(), chi.URLParam(r, "id"), date)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type outcomeRequest struct {
	Engagement int    `json:"engagement"`
	Removed    bool   `json:"removed"`
	Note       string `json:"note"`
}

func (s *Server) handleRecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	taskID := chi.URLParam(r, "id")
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	o, err := s.store.CreateOutcome(r.Context(), taskID, req.Engagement, req.Removed, req.Note)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

type taskStatusRequest struct {
	Status string `json:"status"`
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req taskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Status != models.TaskClosed && req.Status != models.TaskFailed {
		http.Error(w, "status must be closed or failed", http.StatusBadRequest)
		return
	}
	if err := s.store.UpdateTaskStatus(r.Context(), chi.URLParam(r, "id"), req.Status); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type failureRequest struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

// handleChannelFailure turns a free-text operator failure report into
// structural channel constraints. Always succeeds from the caller's side
// once the channel exists.
func (s *Server) handleChannelFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ch, err := s.store.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	inf := guard.RecordFailure(&ch, req.Reason, req.Detail, time.Now().UTC())
	if err := s.store.SaveChannel(r.Context(), ch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.ChannelCooldowns.Inc()
	s.log.Info("channel placed in cooldown",
		zap.String("channel", ch.ID),
		zap.Int("cooldown_days", inf.CooldownDays),
		zap.Int("min_age_days", ch.Constraints.MinAccountAgeDays),
		zap.Int("min_reputation", ch.Constraints.MinReputation))
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleChannelUnblock(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.GetChannel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	guard.Unblock(&ch, time.Now().UTC())
	if err := s.store.SaveChannel(r.Context(), ch); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// decodeOptionalBody decodes a JSON body that callers may omit. An empty
// body is fine; chunked requests carry no Content-Length, so the body is
// always read rather than gated on it.
func decodeOptionalBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseDateParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		raw = time.Now().UTC().Format(dateLayout)
	}
	date, err := time.Parse(dateLayout, raw)
	if err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return time.Time{}, false
	}
	return date, true
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
