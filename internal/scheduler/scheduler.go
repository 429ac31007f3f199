package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"content-allocator/internal/config"
	"content-allocator/internal/guard"
	"content-allocator/internal/lifecycle"
	"content-allocator/internal/metadata"
	"content-allocator/internal/models"
	"content-allocator/internal/oracle"
	"content-allocator/internal/signature"
	"content-allocator/internal/telemetry"
)

// Configuration errors: the run cannot proceed and is not retried.
var (
	ErrNoEligibleAccounts = errors.New("no eligible accounts for model")
	ErrNoChannels         = errors.New("no channels configured for model")
	ErrNoApprovedAssets   = errors.New("no approved assets for model")
)

// Store is the persistence surface the scheduler depends on.
type Store interface {
	GetModel(ctx context.Context, id string) (models.Model, error)

	ListAccounts(ctx context.Context) ([]models.Account, error)
	ListModelAccounts(ctx context.Context, modelID string) ([]models.Account, error)
	SaveAccount(ctx context.Context, acc models.Account) error
	AccountOutcomeStats(ctx context.Context) (map[string]models.OutcomeStats, error)

	ListModelChannels(ctx context.Context, modelID string) ([]models.Channel, error)
	SaveChannel(ctx context.Context, ch models.Channel) error
	ChannelOutcomeStats(ctx context.Context, modelID string) (map[string]models.OutcomeStats, error)
	UnlinkedOutcomes(ctx context.Context, modelID string) ([]models.Outcome, error)

	ListApprovedAssets(ctx context.Context, modelID string) ([]models.Asset, error)
	MarkAssetUsed(ctx context.Context, id string, usedAt time.Time) error

	ListDayTasks(ctx context.Context, modelID string, date time.Time) ([]models.Task, error)
	CreateTasks(ctx context.Context, tasks []models.Task) error
	ChannelTitles(ctx context.Context, channelID string, since time.Time) ([]string, error)
	CountTestingPosts(ctx context.Context, modelID string, date time.Time) (int, error)

	StartRun(ctx context.Context, modelID string, date time.Time) (models.Run, error)
	FinishRun(ctx context.Context, run models.Run) error
}

// TextOracle produces candidate titles.
type TextOracle interface {
	Generate(ctx context.Context, req oracle.Request) (string, error)
}

// MetadataFetcher retrieves channel posting rules, best effort.
type MetadataFetcher interface {
	FetchRules(ctx context.Context, channelName string) (metadata.Rules, error)
}

// AssetSource imports new media into the pool. May be nil when unconfigured.
type AssetSource interface {
	Refresh(ctx context.Context, modelID, prefix string) (int, error)
}

// SyncPublisher announces completed batches downstream, fire-and-forget.
type SyncPublisher interface {
	PublishSync(ctx context.Context, modelID, date string) error
}

// Scheduler produces the full daily assignment set for one model.
type Scheduler struct {
	cfg     config.Config
	store   Store
	oracle  TextOracle
	fetcher MetadataFetcher
	source  AssetSource
	sync    SyncPublisher
	titles  *signature.Guard
	newRand func() *rand.Rand
	log     *zap.Logger
}

// New wires a scheduler from its collaborators. source and sync may be nil.
func New(cfg config.Config, st Store, or TextOracle, mf MetadataFetcher, src AssetSource, sp SyncPublisher, log *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		store:   st,
		oracle:  or,
		fetcher: mf,
		source:  src,
		sync:    sp,
		titles:  signature.NewGuard(),
		newRand: func() *rand.Rand { return rand.New(rand.NewSource(time.Now().UnixNano())) },
		log:     log,
	}
}

// WithRand overrides the random source, used in tests.
func (s *Scheduler) WithRand(r *rand.Rand) *Scheduler {
	s.newRand = func() *rand.Rand { return r }
	return s
}

// Run generates the assignment set for (model, date). Lifecycle evaluators
// run first, then allocation; a failed run reports the missing precondition.
func (s *Scheduler) Run(ctx context.Context, modelID string, date time.Time) (models.Run, error) {
	telemetry.RunsStarted.Inc()
	date = time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)

	model, err := s.store.GetModel(ctx, modelID)
	if err != nil {
		return models.Run{}, err
	}
	run, err := s.store.StartRun(ctx, model.ID, date)
	if err != nil {
		return models.Run{}, err
	}

	allocErr := s.allocate(ctx, model, date, &run)
	if allocErr != nil {
		run.Status = models.RunFailed
		msg := allocErr.Error()
		run.Error = &msg
		telemetry.RunsFailed.Inc()
	} else {
		run.Status = models.RunSucceeded
	}
	if err := s.store.FinishRun(ctx, run); err != nil {
		s.log.Error("finish run", zap.String("run", run.ID), zap.Error(err))
	}
	return run, allocErr
}

func (s *Scheduler) allocate(ctx context.Context, model models.Model, date time.Time, run *models.Run) error {
	now := time.Now().UTC()

	if err := s.sweepAccounts(ctx, now); err != nil {
		return err
	}
	if err := s.sweepChannels(ctx, model.ID, now); err != nil {
		return err
	}

	accounts, err := s.store.ListModelAccounts(ctx, model.ID)
	if err != nil {
		return err
	}
	var postable, warming []models.Account
	for _, acc := range accounts {
		switch acc.Phase {
		case models.PhaseReady, models.PhaseActive:
			postable = append(postable, acc)
		case models.PhaseWarming:
			warming = append(warming, acc)
		}
	}
	if len(postable) == 0 && len(warming) == 0 {
		return ErrNoEligibleAccounts
	}

	channels, err := s.store.ListModelChannels(ctx, model.ID)
	if err != nil {
		return err
	}
	if len(channels) == 0 {
		return ErrNoChannels
	}

	if s.source != nil {
		if n, err := s.source.Refresh(ctx, model.ID, model.AssetSourcePrefix); err != nil {
			s.log.Warn("asset refresh failed", zap.String("model", model.ID), zap.Error(err))
		} else if n > 0 {
			s.log.Info("imported assets from source", zap.String("model", model.ID), zap.Int("count", n))
		}
	}
	assets, err := s.store.ListApprovedAssets(ctx, model.ID)
	if err != nil {
		return err
	}
	if len(assets) == 0 {
		return ErrNoApprovedAssets
	}

	testingUsed, err := s.store.CountTestingPosts(ctx, model.ID, date)
	if err != nil {
		return err
	}
	budget := s.cfg.DailyTestingLimit - testingUsed
	if budget < 0 {
		budget = 0
	}

	rc := newRunContext(model.ID, date, now, budget)
	// Concurrent runs each draw from their own source.
	rc.rng = s.newRand()
	for i := range assets {
		rc.assets = append(rc.assets, &assetState{asset: assets[i]})
	}
	existing, err := s.store.ListDayTasks(ctx, model.ID, date)
	if err != nil {
		return err
	}
	rc.absorb(existing, s.cfg.PostInterval, s.cfg.EngagementInterval)

	proven, testing, open := s.partitionChannels(channels, now)
	pool := append(append([]models.Channel{}, testing...), proven...)
	usingFallback := len(pool) == 0
	if usingFallback {
		pool = open
	}

	quotas := s.fairShare(postable, pool, rc)

	for idx, acc := range postable {
		s.allocateAccount(ctx, rc, acc, idx, quotas[acc.ID], pool, usingFallback)
	}
	s.emitEngagement(rc, postable, pool)
	s.emitWarmups(rc, warming)

	if err := s.persist(ctx, rc, run); err != nil {
		return err
	}
	return nil
}

// sweepAccounts re-evaluates every account's maturity phase, across all
// models, once per generation cycle.
func (s *Scheduler) sweepAccounts(ctx context.Context, now time.Time) error {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	stats, err := s.store.AccountOutcomeStats(ctx)
	if err != nil {
		return err
	}
	policy := lifecycle.AccountPolicy{
		MinWarmupDays:            s.cfg.MinWarmupDays,
		MinWarmupReputation:      s.cfg.MinWarmupReputation,
		MaxConsecutiveActiveDays: s.cfg.MaxConsecutiveActiveDays,
		RestDurationDays:         s.cfg.RestDurationDays,
		RemovalBurnPct:           s.cfg.AccountRemovalBurnPct,
	}
	for i := range accounts {
		acc := accounts[i]
		if policy.EvaluateAccount(&acc, stats[acc.ID], now) {
			if err := s.store.SaveAccount(ctx, acc); err != nil {
				return err
			}
			s.log.Info("account phase changed",
				zap.String("account", acc.ID), zap.String("phase", acc.Phase))
		}
	}
	return nil
}

// sweepChannels refreshes trust classification for the model's channels.
// Outcomes that lost their channel link are matched back by name.
func (s *Scheduler) sweepChannels(ctx context.Context, modelID string, now time.Time) error {
	channels, err := s.store.ListModelChannels(ctx, modelID)
	if err != nil {
		return err
	}
	stats, err := s.store.ChannelOutcomeStats(ctx, modelID)
	if err != nil {
		return err
	}
	unlinked, err := s.store.UnlinkedOutcomes(ctx, modelID)
	if err != nil {
		return err
	}
	mergeUnlinked(stats, channels, unlinked)

	policy := lifecycle.ChannelPolicy{
		TestsBeforeClassification: s.cfg.TestsBeforeClassification,
		RemovalThresholdPct:       s.cfg.RemovalThresholdPct,
	}
	for i := range channels {
		ch := channels[i]
		if policy.EvaluateChannel(&ch, stats[ch.ID], now) {
			if err := s.store.SaveChannel(ctx, ch); err != nil {
				return err
			}
		}
	}
	return nil
}

// mergeUnlinked folds orphaned outcomes into channel stats by matching the
// channel name inside the outcome note (usually a post URL).
func mergeUnlinked(stats map[string]models.OutcomeStats, channels []models.Channel, unlinked []models.Outcome) {
	for _, o := range unlinked {
		for _, ch := range channels {
			if ch.Name == "" || !containsFold(o.Note, ch.Name) {
				continue
			}
			st := stats[ch.ID]
			st.Samples++
			st.EngagementSum += o.Engagement
			if o.Removed {
				st.Removed++
			}
			stats[ch.ID] = st
			break
		}
	}
}

// partitionChannels splits non-blocked channels by trust state. open is the
// fallback pool, every channel that is not blocked for posting.
func (s *Scheduler) partitionChannels(channels []models.Channel, now time.Time) (proven, testing, open []models.Channel) {
	for _, ch := range channels {
		c := ch
		if guard.BlockedForPosting(&c, now) {
			continue
		}
		open = append(open, c)
		switch c.State {
		case models.ChannelProven:
			proven = append(proven, c)
		case models.ChannelTesting:
			testing = append(testing, c)
		}
	}
	return proven, testing, open
}

// fairShare computes per-account quotas. When the channel inventory cannot
// satisfy every account's daily cap, the inventory is split evenly so one
// account cannot starve its siblings.
func (s *Scheduler) fairShare(postable []models.Account, pool []models.Channel, rc *runContext) map[string]int {
	quotas := make(map[string]int, len(postable))
	if len(postable) == 0 {
		return quotas
	}

	capacity := 0
	for _, ch := range pool {
		if s.cfg.AllowChannelRepeats {
			if left := s.cfg.MaxPostsPerChannelPerDay - rc.channelUse[ch.ID]; left > 0 {
				capacity += left
			}
		} else if rc.channelUse[ch.ID] == 0 {
			capacity++
		}
	}

	capSum := 0
	for _, acc := range postable {
		capSum += acc.DailyCap
	}
	share := capacity / len(postable)
	for _, acc := range postable {
		q := acc.DailyCap
		if capacity < capSum && share < q {
			q = share
		}
		quotas[acc.ID] = q
	}
	return quotas
}

// allocateAccount fills one account's posting quota from the channel pool:
// fresh channels first, then, if repeats are allowed, a backfill pass over
// channels already used today.
func (s *Scheduler) allocateAccount(ctx context.Context, rc *runContext, acc models.Account, idx, quota int, pool []models.Channel, usingFallback bool) {
	remaining := quota - rc.accountPosts[acc.ID]
	if remaining <= 0 {
		return
	}

	ordered := orderForAccount(acc, pool)
	remaining = s.fillFromChannels(ctx, rc, acc, idx, remaining, ordered, usingFallback, false)
	if remaining > 0 && s.cfg.AllowChannelRepeats {
		s.fillFromChannels(ctx, rc, acc, idx, remaining, ordered, usingFallback, true)
	}
}

func (s *Scheduler) fillFromChannels(ctx context.Context, rc *runContext, acc models.Account, idx, remaining int, ordered []models.Channel, usingFallback, repeats bool) int {
	for _, ch := range ordered {
		if remaining <= 0 {
			break
		}
		if rc.pairUsed[rc.pairKey(acc.ID, ch.ID)] {
			continue
		}
		used := rc.channelUse[ch.ID]
		if !repeats && used > 0 {
			continue
		}
		if used >= s.cfg.MaxPostsPerChannelPerDay {
			continue
		}
		if !usingFallback && ch.State == models.ChannelTesting && rc.testingBudget <= 0 {
			continue
		}
		if !s.accountMeets(acc, ch, rc.now) {
			continue
		}
		st, pass := selectAsset(rc, ch, s.cfg.AssetReuseCooldownDays, s.cfg.MaxPostsPerAssetPerDay)
		if st == nil {
			continue
		}

		title := s.titleFor(ctx, rc, &ch, st.asset)
		assetID := st.asset.ID
		rc.tasks = append(rc.tasks, models.Task{
			ID:          uuid.New().String(),
			ModelID:     rc.modelID,
			AccountID:   acc.ID,
			ChannelID:   ch.ID,
			AssetID:     &assetID,
			Date:        rc.date,
			Type:        models.TaskPost,
			Title:       title,
			ScheduledAt: rc.slot(acc.ID, idx, s.cfg.PostInterval, s.cfg.AccountStagger),
			Status:      models.TaskGenerated,
			CreatedAt:   rc.now,
		})
		st.use(rc.now)
		rc.channelUse[ch.ID]++
		rc.accountPosts[acc.ID]++
		rc.pairUsed[rc.pairKey(acc.ID, ch.ID)] = true
		if ch.State == models.ChannelTesting {
			rc.testingBudget--
		}
		remaining--
		s.log.Debug("asset matched",
			zap.String("channel", ch.Name), zap.String("pass", pass))
	}
	return remaining
}

// orderForAccount sorts the pool for one account: pinned channels first,
// testing before proven within each group.
func orderForAccount(acc models.Account, pool []models.Channel) []models.Channel {
	var pinned, rest []models.Channel
	for _, ch := range pool {
		if ch.PinnedAccountID != nil && *ch.PinnedAccountID == acc.ID {
			pinned = append(pinned, ch)
		} else if ch.PinnedAccountID == nil {
			rest = append(rest, ch)
		}
	}
	return append(pinned, rest...)
}

// accountMeets applies the channel's inferred constraints to the account.
func (s *Scheduler) accountMeets(acc models.Account, ch models.Channel, now time.Time) bool {
	if ch.Constraints.MinReputation > acc.Reputation {
		return false
	}
	if ch.Constraints.MinAccountAgeDays > acc.AgeDays(now) {
		return false
	}
	if ch.Constraints.VerificationRequired && !acc.Verified {
		return false
	}
	return true
}

// emitEngagement adds 2-3 lightweight tasks for every account that got at
// least one posting task today. These never touch the asset pool.
func (s *Scheduler) emitEngagement(rc *runContext, postable []models.Account, pool []models.Channel) {
	for idx, acc := range postable {
		if rc.accountPosts[acc.ID] == 0 || rc.engagementDone[acc.ID] > 0 {
			continue
		}
		eligible := make([]models.Channel, 0, len(pool))
		for _, ch := range pool {
			if s.accountMeets(acc, ch, rc.now) {
				eligible = append(eligible, ch)
			}
		}
		if len(eligible) == 0 {
			continue
		}
		n := 2 + rc.rng.Intn(2)
		for i := 0; i < n; i++ {
			ch := eligible[rc.rng.Intn(len(eligible))]
			rc.tasks = append(rc.tasks, models.Task{
				ID:          uuid.New().String(),
				ModelID:     rc.modelID,
				AccountID:   acc.ID,
				ChannelID:   ch.ID,
				Date:        rc.date,
				Type:        models.TaskEngagement,
				ScheduledAt: rc.slot(acc.ID, idx, s.cfg.EngagementInterval, s.cfg.AccountStagger),
				Status:      models.TaskGenerated,
				CreatedAt:   rc.now,
			})
			rc.engagementDone[acc.ID]++
		}
	}
}

// emitWarmups adds 3 warm-up tasks for warming accounts with nothing
// scheduled today. No channel, asset, or title involved.
func (s *Scheduler) emitWarmups(rc *runContext, warming []models.Account) {
	for idx, acc := range warming {
		if rc.accountPosts[acc.ID] > 0 || rc.warmupDone[acc.ID] > 0 {
			continue
		}
		for i := 0; i < 3; i++ {
			rc.tasks = append(rc.tasks, models.Task{
				ID:          uuid.New().String(),
				ModelID:     rc.modelID,
				AccountID:   acc.ID,
				Date:        rc.date,
				Type:        models.TaskWarmup,
				ScheduledAt: rc.slot(acc.ID, idx, s.cfg.EngagementInterval, s.cfg.AccountStagger),
				Status:      models.TaskGenerated,
				CreatedAt:   rc.now,
			})
			rc.warmupDone[acc.ID]++
		}
	}
}

// persist writes the batch, bumps asset usage, marks accounts active, and
// notifies the sync boundary.
func (s *Scheduler) persist(ctx context.Context, rc *runContext, run *models.Run) error {
	if err := s.store.CreateTasks(ctx, rc.tasks); err != nil {
		return fmt.Errorf("persist batch: %w", err)
	}

	active := make(map[string]bool)
	for _, t := range rc.tasks {
		active[t.AccountID] = true
		switch t.Type {
		case models.TaskPost:
			run.PostTasks++
			if t.AssetID != nil {
				if err := s.store.MarkAssetUsed(ctx, *t.AssetID, rc.now); err != nil {
					s.log.Warn("mark asset used", zap.String("asset", *t.AssetID), zap.Error(err))
				}
			}
		case models.TaskEngagement:
			run.EngagementTasks++
		case models.TaskWarmup:
			run.WarmupTasks++
		}
		telemetry.TasksGenerated.WithLabelValues(t.Type).Inc()
	}

	accounts, err := s.store.ListModelAccounts(ctx, rc.modelID)
	if err != nil {
		return err
	}
	for i := range accounts {
		acc := accounts[i]
		if !active[acc.ID] {
			continue
		}
		if lifecycle.MarkActiveToday(&acc, rc.date) {
			if err := s.store.SaveAccount(ctx, acc); err != nil {
				return err
			}
		}
	}

	if s.sync != nil && len(rc.tasks) > 0 {
		if err := s.sync.PublishSync(ctx, rc.modelID, rc.date.Format("2006-01-02")); err != nil {
			s.log.Warn("sync publish failed", zap.Error(err))
		}
	}
	return nil
}

func containsFold(haystack, needle string) bool {
	return needle != "" && strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
