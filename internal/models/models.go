package models

import (
	"time"
)

// Account maturity phases persisted in Postgres.
const (
	PhaseWarming = "warming"
	PhaseReady   = "ready"
	PhaseActive  = "active"
	PhaseResting = "resting"
	PhaseBurned  = "burned"
)

// Channel trust states.
const (
	ChannelTesting  = "testing"
	ChannelProven   = "proven"
	ChannelRejected = "rejected"
	ChannelCooldown = "cooldown"
)

// Task types.
const (
	TaskPost       = "post"
	TaskEngagement = "engagement"
	TaskWarmup     = "warmup"
)

// Task lifecycle statuses.
const (
	TaskGenerated = "generated"
	TaskClosed    = "closed"
	TaskFailed    = "failed"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Asset kinds.
const (
	AssetImage = "image"
	AssetVideo = "video"
)

// Model is one campaign: the tenant owning accounts, channels and assets.
type Model struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	AssetSourcePrefix string    `json:"asset_source_prefix,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Account is a posting identity moving through maturity phases.
type Account struct {
	ID                    string     `json:"id"`
	ModelID               string     `json:"model_id"`
	Username              string     `json:"username"`
	Phase                 string     `json:"phase"`
	Reputation            int        `json:"reputation"`
	Suspended             bool       `json:"suspended"`
	Verified              bool       `json:"verified"`
	ConsecutiveActiveDays int        `json:"consecutive_active_days"`
	DailyCap              int        `json:"daily_cap"`
	JoinedAt              time.Time  `json:"joined_at"`
	LastActiveDate        *time.Time `json:"last_active_date,omitempty"`
	RestUntil             *time.Time `json:"rest_until,omitempty"`
	PhaseChangedAt        time.Time  `json:"phase_changed_at"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// AgeDays is the account's platform age in whole days as of now.
func (a Account) AgeDays(now time.Time) int {
	return int(now.Sub(a.JoinedAt).Hours() / 24)
}

// ChannelError is one failure report kept in the channel's bounded history.
type ChannelError struct {
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Constraints are the posting requirements inferred for a channel.
// Zero values mean "no requirement known".
type Constraints struct {
	MinAccountAgeDays    int  `json:"min_account_age_days"`
	MinReputation        int  `json:"min_reputation"`
	VerificationRequired bool `json:"verification_required"`
}

// Channel is a target community with a trust state and inferred constraints.
type Channel struct {
	ID              string         `json:"id"`
	ModelID         string         `json:"model_id"`
	Name            string         `json:"name"`
	State           string         `json:"state"`
	NicheTag        string         `json:"niche_tag,omitempty"`
	Constraints     Constraints    `json:"constraints"`
	CooldownUntil   *time.Time     `json:"cooldown_until,omitempty"`
	PinnedAccountID *string        `json:"pinned_account_id,omitempty"`
	ErrorCount      int            `json:"error_count"`
	ErrorHistory    []ChannelError `json:"error_history,omitempty"`
	SampleCount     int            `json:"sample_count"`
	RemovedCount    int            `json:"removed_count"`
	AvgEngagement   float64        `json:"avg_engagement"`
	RulesText       string         `json:"rules_text,omitempty"`
	RequiredFlair   string         `json:"required_flair,omitempty"`
	RulesFetchedAt  *time.Time     `json:"rules_fetched_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RemovalPct is the share of sampled outcomes that were removed, 0-100.
func (c Channel) RemovalPct() float64 {
	if c.SampleCount == 0 {
		return 0
	}
	return float64(c.RemovedCount) / float64(c.SampleCount) * 100
}

// Asset is a reusable media item.
type Asset struct {
	ID         string     `json:"id"`
	ModelID    string     `json:"model_id"`
	ExternalID string     `json:"external_id,omitempty"`
	Kind       string     `json:"kind"`
	NicheTag   string     `json:"niche_tag,omitempty"`
	Approved   bool       `json:"approved"`
	TimesUsed  int        `json:"times_used"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Width      int        `json:"width,omitempty"`
	Height     int        `json:"height,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Task is one concrete daily assignment for an account.
type Task struct {
	ID          string    `json:"id"`
	ModelID     string    `json:"model_id"`
	AccountID   string    `json:"account_id"`
	ChannelID   string    `json:"channel_id,omitempty"`
	AssetID     *string   `json:"asset_id,omitempty"`
	Date        time.Time `json:"date"`
	Type        string    `json:"type"`
	Title       string    `json:"title,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Outcome is an execution-layer report for one task. Append-only.
type Outcome struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Engagement int       `json:"engagement"`
	Removed    bool      `json:"removed"`
	Note       string    `json:"note,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Run records one generation invocation for a (model, date) pair.
type Run struct {
	ID              string     `json:"id"`
	ModelID         string     `json:"model_id"`
	Date            time.Time  `json:"date"`
	Status          string     `json:"status"`
	PostTasks       int        `json:"post_tasks"`
	EngagementTasks int        `json:"engagement_tasks"`
	WarmupTasks     int        `json:"warmup_tasks"`
	Error           *string    `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// OutcomeStats aggregates outcome samples for one account or channel.
type OutcomeStats struct {
	Samples       int
	Removed       int
	EngagementSum int
}

// RemovalRate is the removed fraction in 0-1, or 0 with no samples.
func (s OutcomeStats) RemovalRate() float64 {
	if s.Samples == 0 {
		return 0
	}
	return float64(s.Removed) / float64(s.Samples)
}
