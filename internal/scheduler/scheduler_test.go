package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"go.uber.org/zap"

	"content-allocator/internal/config"
	"content-allocator/internal/metadata"
	"content-allocator/internal/models"
	"content-allocator/internal/oracle"
	"content-allocator/internal/signature"
)

// fakeStore is an in-memory Store for scheduler tests.
type fakeStore struct {
	model    models.Model
	accounts []models.Account
	channels []models.Channel
	assets   []models.Asset
	tasks    []models.Task
	finished []models.Run

	accountStats map[string]models.OutcomeStats
	channelStats map[string]models.OutcomeStats
	unlinked     []models.Outcome
	priorTitles  map[string][]string
	testingPosts int
	runSeq       int
}

func (f *fakeStore) GetModel(_ context.Context, id string) (models.Model, error) {
	if id != f.model.ID {
		return models.Model{}, fmt.Errorf("model %s not found", id)
	}
	return f.model, nil
}

func (f *fakeStore) ListAccounts(context.Context) ([]models.Account, error) {
	return append([]models.Account{}, f.accounts...), nil
}

func (f *fakeStore) ListModelAccounts(_ context.Context, modelID string) ([]models.Account, error) {
	var out []models.Account
	for _, a := range f.accounts {
		if a.ModelID == modelID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveAccount(_ context.Context, acc models.Account) error {
	for i := range f.accounts {
		if f.accounts[i].ID == acc.ID {
			f.accounts[i] = acc
			return nil
		}
	}
	return fmt.Errorf("account %s not found", acc.ID)
}

func (f *fakeStore) AccountOutcomeStats(context.Context) (map[string]models.OutcomeStats, error) {
	if f.accountStats == nil {
		return map[string]models.OutcomeStats{}, nil
	}
	return f.accountStats, nil
}

func (f *fakeStore) ListModelChannels(_ context.Context, modelID string) ([]models.Channel, error) {
	var out []models.Channel
	for _, ch := range f.channels {
		if ch.ModelID == modelID {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveChannel(_ context.Context, ch models.Channel) error {
	for i := range f.channels {
		if f.channels[i].ID == ch.ID {
			f.channels[i] = ch
			return nil
		}
	}
	return fmt.Errorf("channel %s not found", ch.ID)
}

func (f *fakeStore) ChannelOutcomeStats(context.Context, string) (map[string]models.OutcomeStats, error) {
	if f.channelStats == nil {
		return map[string]models.OutcomeStats{}, nil
	}
	return f.channelStats, nil
}

func (f *fakeStore) UnlinkedOutcomes(context.Context, string) ([]models.Outcome, error) {
	return f.unlinked, nil
}

func (f *fakeStore) ListApprovedAssets(_ context.Context, modelID string) ([]models.Asset, error) {
	var out []models.Asset
	for _, a := range f.assets {
		if a.ModelID == modelID && a.Approved {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkAssetUsed(_ context.Context, id string, usedAt time.Time) error {
	for i := range f.assets {
		if f.assets[i].ID == id {
			f.assets[i].TimesUsed++
			t := usedAt
			f.assets[i].LastUsedAt = &t
			return nil
		}
	}
	return fmt.Errorf("asset %s not found", id)
}

func (f *fakeStore) ListDayTasks(_ context.Context, modelID string, date time.Time) ([]models.Task, error) {
	var out []models.Task
	for _, t := range f.tasks {
		if t.ModelID == modelID && t.Date.Equal(date) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateTasks(_ context.Context, tasks []models.Task) error {
	f.tasks = append(f.tasks, tasks...)
	return nil
}

func (f *fakeStore) ChannelTitles(_ context.Context, channelID string, _ time.Time) ([]string, error) {
	return f.priorTitles[channelID], nil
}

func (f *fakeStore) CountTestingPosts(context.Context, string, time.Time) (int, error) {
	return f.testingPosts, nil
}

func (f *fakeStore) StartRun(_ context.Context, modelID string, date time.Time) (models.Run, error) {
	f.runSeq++
	return models.Run{
		ID:        fmt.Sprintf("run-%d", f.runSeq),
		ModelID:   modelID,
		Date:      date,
		Status:    models.RunRunning,
		StartedAt: time.Now().UTC(),
	}, nil
}

func (f *fakeStore) FinishRun(_ context.Context, run models.Run) error {
	f.finished = append(f.finished, run)
	return nil
}

// fakeOracle returns titles from a list, cycling with a counter suffix once
// the list runs out.
type fakeOracle struct {
	titles []string
	calls  int
	err    error
}

func (f *fakeOracle) Generate(_ context.Context, _ oracle.Request) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.calls++
	if len(f.titles) == 0 {
		return fmt.Sprintf("quiet afternoon number %d out here", f.calls), nil
	}
	return f.titles[(f.calls-1)%len(f.titles)], nil
}

type fakeFetcher struct{ rules metadata.Rules }

func (f *fakeFetcher) FetchRules(context.Context, string) (metadata.Rules, error) {
	return f.rules, nil
}

func testConfig() config.Config {
	return config.Config{
		DailyTestingLimit:         3,
		TestsBeforeClassification: 3,
		RemovalThresholdPct:       20,
		AssetReuseCooldownDays:    7,
		MaxPostsPerChannelPerDay:  5,
		MaxPostsPerAssetPerDay:    5,
		AllowChannelRepeats:       false,
		PostInterval:              45 * time.Minute,
		EngagementInterval:        10 * time.Minute,
		AccountStagger:            5 * time.Minute,
		TitleLookbackDays:         90,
		MinWarmupDays:             7,
		MinWarmupReputation:       100,
		MaxConsecutiveActiveDays:  5,
		RestDurationDays:          2,
		AccountRemovalBurnPct:     60,
	}
}

var distinctTitles = []string{
	"morning light over the harbor today",
	"trying a new ramen spot downtown",
	"weekend project finally coming together",
	"first frost of the season outside",
	"small win after a rough week",
	"found this place completely by chance",
	"two hours of practice paying off",
	"caught the last minutes of daylight",
	"old hobby picked back up again",
	"made it to the summit eventually",
	"best seat in the whole house",
	"slow sunday doing absolutely nothing useful",
}

func newTestScheduler(cfg config.Config, st *fakeStore, or TextOracle) *Scheduler {
	return New(cfg, st, or, &fakeFetcher{}, nil, nil, zap.NewNop()).
		WithRand(rand.New(rand.NewSource(1)))
}

func readyAccount(id, modelID string, dailyCap int) models.Account {
	now := time.Now().UTC()
	return models.Account{
		ID:         id,
		ModelID:    modelID,
		Username:   id,
		Phase:      models.PhaseReady,
		Reputation: 500,
		DailyCap:   dailyCap,
		JoinedAt:   now.AddDate(0, 0, -60),
	}
}

func provenChannel(id, modelID, name string) models.Channel {
	return models.Channel{ID: id, ModelID: modelID, Name: name, State: models.ChannelProven}
}

func freshAsset(id, modelID string) models.Asset {
	return models.Asset{ID: id, ModelID: modelID, Kind: models.AssetImage, Approved: true}
}

func baseStore(numAccounts, numChannels, numAssets int) *fakeStore {
	st := &fakeStore{model: models.Model{ID: "m1", Name: "m1"}}
	for i := 0; i < numAccounts; i++ {
		st.accounts = append(st.accounts, readyAccount(fmt.Sprintf("a%d", i+1), "m1", 3))
	}
	for i := 0; i < numChannels; i++ {
		st.channels = append(st.channels, provenChannel(fmt.Sprintf("c%d", i+1), "m1", fmt.Sprintf("community%d", i+1)))
	}
	for i := 0; i < numAssets; i++ {
		st.assets = append(st.assets, freshAsset(fmt.Sprintf("x%d", i+1), "m1"))
	}
	return st
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func postsByAccount(tasks []models.Task) map[string]int {
	out := make(map[string]int)
	for _, t := range tasks {
		if t.Type == models.TaskPost {
			out[t.AccountID]++
		}
	}
	return out
}

func TestFairShareUnderScarcity(t *testing.T) {
	// Two accounts with cap 3 each, but only four channels and no repeats:
	// inventory splits evenly, two posts per account.
	st := baseStore(2, 4, 8)
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != models.RunSucceeded {
		t.Fatalf("status = %s", run.Status)
	}
	if run.PostTasks != 4 {
		t.Fatalf("post tasks = %d, want 4", run.PostTasks)
	}
	byAcc := postsByAccount(st.tasks)
	if byAcc["a1"] != 2 || byAcc["a2"] != 2 {
		t.Fatalf("posts per account = %v, want 2 each", byAcc)
	}

	// Each account that posted gets 2-3 engagement tasks.
	if run.EngagementTasks < 4 || run.EngagementTasks > 6 {
		t.Fatalf("engagement tasks = %d, want 4-6", run.EngagementTasks)
	}

	// No channel carries two posts when repeats are off.
	perChannel := make(map[string]int)
	for _, task := range st.tasks {
		if task.Type == models.TaskPost {
			perChannel[task.ChannelID]++
		}
	}
	for id, n := range perChannel {
		if n > 1 {
			t.Fatalf("channel %s used %d times without repeats", id, n)
		}
	}
}

func TestAmpleInventoryFillsDailyCap(t *testing.T) {
	st := baseStore(1, 6, 6)
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PostTasks != 3 {
		t.Fatalf("post tasks = %d, want daily cap 3", run.PostTasks)
	}
}

func TestTestingBudgetShared(t *testing.T) {
	cfg := testConfig()
	cfg.DailyTestingLimit = 1
	st := baseStore(1, 0, 4)
	for i := 0; i < 3; i++ {
		ch := provenChannel(fmt.Sprintf("c%d", i+1), "m1", fmt.Sprintf("new%d", i+1))
		ch.State = models.ChannelTesting
		st.channels = append(st.channels, ch)
	}
	s := newTestScheduler(cfg, st, &fakeOracle{titles: distinctTitles})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PostTasks != 1 {
		t.Fatalf("post tasks = %d, testing budget should cap at 1", run.PostTasks)
	}
}

func TestTestingBudgetAccountsForExistingPosts(t *testing.T) {
	cfg := testConfig()
	cfg.DailyTestingLimit = 2
	st := baseStore(1, 0, 4)
	for i := 0; i < 3; i++ {
		ch := provenChannel(fmt.Sprintf("c%d", i+1), "m1", fmt.Sprintf("new%d", i+1))
		ch.State = models.ChannelTesting
		st.channels = append(st.channels, ch)
	}
	st.testingPosts = 2 // budget already spent earlier today
	s := newTestScheduler(cfg, st, &fakeOracle{titles: distinctTitles})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PostTasks != 0 {
		t.Fatalf("post tasks = %d, want 0 with budget exhausted", run.PostTasks)
	}
	if run.Status != models.RunSucceeded {
		t.Fatalf("an exhausted budget is not a failure, got %s", run.Status)
	}
}

func TestFallbackPoolWhenNothingTrusted(t *testing.T) {
	st := baseStore(1, 0, 2)
	ch := provenChannel("c1", "m1", "rough")
	ch.State = models.ChannelRejected
	st.channels = append(st.channels, ch)
	st.accounts[0].DailyCap = 1
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PostTasks != 1 {
		t.Fatalf("post tasks = %d, fallback pool should still allocate", run.PostTasks)
	}
}

func TestCooldownChannelExcluded(t *testing.T) {
	st := baseStore(1, 1, 2)
	until := time.Now().UTC().Add(48 * time.Hour)
	st.channels[0].State = models.ChannelCooldown
	st.channels[0].CooldownUntil = &until
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PostTasks != 0 || run.EngagementTasks != 0 {
		t.Fatalf("blocked channel produced tasks: %+v", run)
	}
	if run.Status != models.RunSucceeded {
		t.Fatalf("empty allocation is still a successful run, got %s", run.Status)
	}
}

func TestAssetReuseCooldown(t *testing.T) {
	st := baseStore(1, 1, 0)
	st.accounts[0].DailyCap = 1
	recent := time.Now().UTC().AddDate(0, 0, -1)
	cooling := freshAsset("cooling", "m1")
	cooling.LastUsedAt = &recent
	fresh := freshAsset("fresh", "m1")
	st.assets = append(st.assets, cooling, fresh)
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PostTasks != 1 {
		t.Fatalf("post tasks = %d", run.PostTasks)
	}
	for _, task := range st.tasks {
		if task.Type == models.TaskPost && *task.AssetID != "fresh" {
			t.Fatalf("cooling asset chosen over fresh one: %s", *task.AssetID)
		}
	}
}

func TestAssetCooldownOverriddenWhenPoolExhausted(t *testing.T) {
	st := baseStore(1, 1, 0)
	st.accounts[0].DailyCap = 1
	recent := time.Now().UTC().AddDate(0, 0, -1)
	cooling := freshAsset("cooling", "m1")
	cooling.LastUsedAt = &recent
	st.assets = append(st.assets, cooling)
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PostTasks != 1 {
		t.Fatalf("post tasks = %d, cooldown should yield when nothing else is left", run.PostTasks)
	}
}

func TestNicheMatchingPrefersExact(t *testing.T) {
	st := baseStore(1, 0, 0)
	st.accounts[0].DailyCap = 1
	ch := provenChannel("c1", "m1", "gymrats")
	ch.NicheTag = "fitness"
	st.channels = append(st.channels, ch)
	st.assets = append(st.assets,
		models.Asset{ID: "plain", ModelID: "m1", Kind: models.AssetImage, Approved: true},
		models.Asset{ID: "fit", ModelID: "m1", Kind: models.AssetImage, NicheTag: "fitness", Approved: true},
	)
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	if _, err := s.Run(context.Background(), "m1", date(2024, 6, 10)); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, task := range st.tasks {
		if task.Type == models.TaskPost && *task.AssetID != "fit" {
			t.Fatalf("exact niche match skipped, got asset %s", *task.AssetID)
		}
	}
}

func TestConstraintGating(t *testing.T) {
	st := baseStore(1, 0, 2)
	st.channels = append(st.channels, models.Channel{
		ID: "strict", ModelID: "m1", Name: "strict", State: models.ChannelProven,
		Constraints: models.Constraints{MinReputation: 1000},
	})
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PostTasks != 0 {
		t.Fatalf("account with 500 reputation posted to a 1000-reputation channel")
	}

	// Verification gate.
	st2 := baseStore(1, 0, 2)
	st2.channels = append(st2.channels, models.Channel{
		ID: "verified-only", ModelID: "m1", Name: "verified-only", State: models.ChannelProven,
		Constraints: models.Constraints{VerificationRequired: true},
	})
	s2 := newTestScheduler(testConfig(), st2, &fakeOracle{titles: distinctTitles})
	run2, err := s2.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run2.PostTasks != 0 {
		t.Fatalf("unverified account posted to a verification-required channel")
	}
}

func TestTitlesUniqueRunWide(t *testing.T) {
	// Oracle repeats itself; salting must keep every stored title distinct.
	st := baseStore(1, 3, 3)
	or := &fakeOracle{titles: []string{"same exact thought every single time"}}
	s := newTestScheduler(testConfig(), st, or)

	if _, err := s.Run(context.Background(), "m1", date(2024, 6, 10)); err != nil {
		t.Fatalf("run: %v", err)
	}

	seen := make(map[string]bool)
	for _, task := range st.tasks {
		if task.Type != models.TaskPost {
			continue
		}
		norm := signature.Normalize(task.Title)
		if seen[norm] {
			t.Fatalf("duplicate title in one run: %q", task.Title)
		}
		seen[norm] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct titles, got %d", len(seen))
	}
}

func TestPriorTitlesForceRegeneration(t *testing.T) {
	st := baseStore(1, 1, 1)
	st.accounts[0].DailyCap = 1
	st.priorTitles = map[string][]string{"c1": {"morning light over the harbor today"}}
	// First candidate collides with channel history, second is clean.
	or := &fakeOracle{titles: []string{
		"morning light over the harbor today",
		"completely unrelated afternoon by the river",
	}}
	s := newTestScheduler(testConfig(), st, or)

	if _, err := s.Run(context.Background(), "m1", date(2024, 6, 10)); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, task := range st.tasks {
		if task.Type == models.TaskPost && task.Title != "completely unrelated afternoon by the river" {
			t.Fatalf("duplicate of channel history accepted: %q", task.Title)
		}
	}
}

func TestOracleFailureFallsBackToCannedText(t *testing.T) {
	st := baseStore(1, 0, 1)
	st.accounts[0].DailyCap = 1
	ch := provenChannel("c1", "m1", "gymrats")
	ch.NicheTag = "fitness"
	st.channels = append(st.channels, ch)
	s := newTestScheduler(testConfig(), st, &fakeOracle{err: errors.New("oracle down")})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("oracle failure must not fail the run: %v", err)
	}
	if run.PostTasks != 1 {
		t.Fatalf("post tasks = %d", run.PostTasks)
	}
	want := signature.SafeFallback("fitness")
	for _, task := range st.tasks {
		if task.Type == models.TaskPost && task.Title != want {
			t.Fatalf("title = %q, want fallback %q", task.Title, want)
		}
	}
}

func TestIdempotentRerun(t *testing.T) {
	st := baseStore(2, 4, 8)
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})
	day := date(2024, 6, 10)

	first, err := s.Run(context.Background(), "m1", day)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.PostTasks == 0 {
		t.Fatalf("first run produced nothing")
	}
	total := len(st.tasks)

	second, err := s.Run(context.Background(), "m1", day)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.PostTasks != 0 || second.EngagementTasks != 0 || second.WarmupTasks != 0 {
		t.Fatalf("re-run duplicated work: %+v", second)
	}
	if len(st.tasks) != total {
		t.Fatalf("task count grew from %d to %d on re-run", total, len(st.tasks))
	}
}

func TestPreconditionErrors(t *testing.T) {
	day := date(2024, 6, 10)

	noAccounts := baseStore(0, 2, 2)
	s := newTestScheduler(testConfig(), noAccounts, &fakeOracle{})
	run, err := s.Run(context.Background(), "m1", day)
	if !errors.Is(err, ErrNoEligibleAccounts) {
		t.Fatalf("err = %v, want ErrNoEligibleAccounts", err)
	}
	if run.Status != models.RunFailed || run.Error == nil {
		t.Fatalf("failed run not recorded: %+v", run)
	}

	noChannels := baseStore(1, 0, 2)
	s = newTestScheduler(testConfig(), noChannels, &fakeOracle{})
	if _, err := s.Run(context.Background(), "m1", day); !errors.Is(err, ErrNoChannels) {
		t.Fatalf("err = %v, want ErrNoChannels", err)
	}

	noAssets := baseStore(1, 2, 0)
	s = newTestScheduler(testConfig(), noAssets, &fakeOracle{})
	if _, err := s.Run(context.Background(), "m1", day); !errors.Is(err, ErrNoApprovedAssets) {
		t.Fatalf("err = %v, want ErrNoApprovedAssets", err)
	}
}

func TestWarmupTasks(t *testing.T) {
	st := baseStore(0, 1, 1)
	warming := readyAccount("w1", "m1", 3)
	warming.Phase = models.PhaseWarming
	warming.Reputation = 10
	warming.JoinedAt = time.Now().UTC().AddDate(0, 0, -2)
	st.accounts = append(st.accounts, warming)
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.WarmupTasks != 3 || run.PostTasks != 0 {
		t.Fatalf("run = %+v, want 3 warm-ups and no posts", run)
	}
	for _, task := range st.tasks {
		if task.Type != models.TaskWarmup {
			t.Fatalf("unexpected task type %s", task.Type)
		}
		if task.ChannelID != "" || task.AssetID != nil {
			t.Fatalf("warm-up task should carry no channel or asset: %+v", task)
		}
	}
}

func TestScheduleSpacing(t *testing.T) {
	cfg := testConfig()
	st := baseStore(2, 6, 8)
	s := newTestScheduler(cfg, st, &fakeOracle{titles: distinctTitles})
	day := date(2024, 6, 10)

	if _, err := s.Run(context.Background(), "m1", day); err != nil {
		t.Fatalf("run: %v", err)
	}

	byAccount := make(map[string][]models.Task)
	for _, task := range st.tasks {
		if task.Type == models.TaskPost {
			byAccount[task.AccountID] = append(byAccount[task.AccountID], task)
		}
	}
	for idx, id := range []string{"a1", "a2"} {
		tasks := byAccount[id]
		if len(tasks) == 0 {
			t.Fatalf("no posts for %s", id)
		}
		wantStart := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC).
			Add(time.Duration(idx) * cfg.AccountStagger)
		if !tasks[0].ScheduledAt.Equal(wantStart) {
			t.Fatalf("%s first slot = %v, want %v", id, tasks[0].ScheduledAt, wantStart)
		}
		for i := 1; i < len(tasks); i++ {
			if got := tasks[i].ScheduledAt.Sub(tasks[i-1].ScheduledAt); got != cfg.PostInterval {
				t.Fatalf("%s slot gap = %v, want %v", id, got, cfg.PostInterval)
			}
		}
	}
}

func TestPinnedChannelsFirst(t *testing.T) {
	st := baseStore(1, 0, 4)
	st.accounts[0].DailyCap = 1
	pin := "a1"
	st.channels = append(st.channels,
		provenChannel("open1", "m1", "open1"),
		models.Channel{ID: "mine", ModelID: "m1", Name: "mine", State: models.ChannelProven, PinnedAccountID: &pin},
	)
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	if _, err := s.Run(context.Background(), "m1", date(2024, 6, 10)); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, task := range st.tasks {
		if task.Type == models.TaskPost && task.ChannelID != "mine" {
			t.Fatalf("pinned channel not preferred, posted to %s", task.ChannelID)
		}
	}
}

func TestPinnedToOtherAccountExcluded(t *testing.T) {
	st := baseStore(1, 0, 2)
	st.accounts[0].DailyCap = 1
	other := "someone-else"
	st.channels = append(st.channels, models.Channel{
		ID: "theirs", ModelID: "m1", Name: "theirs", State: models.ChannelProven, PinnedAccountID: &other,
	})
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PostTasks != 0 {
		t.Fatalf("posted to a channel pinned to another account")
	}
}

func TestChannelSweepClassifiesDuringRun(t *testing.T) {
	st := baseStore(1, 0, 2)
	st.channels = append(st.channels, models.Channel{
		ID: "c1", ModelID: "m1", Name: "c1", State: models.ChannelTesting,
	})
	st.channelStats = map[string]models.OutcomeStats{
		"c1": {Samples: 5, Removed: 0, EngagementSum: 40},
	}
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})

	if _, err := s.Run(context.Background(), "m1", date(2024, 6, 10)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.channels[0].State != models.ChannelProven {
		t.Fatalf("channel not classified during sweep: %s", st.channels[0].State)
	}
}

func TestMergeUnlinkedOutcomes(t *testing.T) {
	channels := []models.Channel{
		{ID: "c1", Name: "GymRats"},
		{ID: "c2", Name: "FoodPics"},
	}
	stats := map[string]models.OutcomeStats{}
	unlinked := []models.Outcome{
		{Note: "https://example.com/r/gymrats/post/123", Engagement: 7, Removed: false},
		{Note: "removed from FoodPics by mods", Removed: true},
		{Note: "no channel mentioned here"},
	}

	mergeUnlinked(stats, channels, unlinked)

	if stats["c1"].Samples != 1 || stats["c1"].EngagementSum != 7 {
		t.Fatalf("gymrats stats = %+v", stats["c1"])
	}
	if stats["c2"].Samples != 1 || stats["c2"].Removed != 1 {
		t.Fatalf("foodpics stats = %+v", stats["c2"])
	}
	if len(stats) != 2 {
		t.Fatalf("unmatched outcome created stats: %v", stats)
	}
}

func TestMarkActiveAfterAllocation(t *testing.T) {
	st := baseStore(1, 2, 2)
	s := newTestScheduler(testConfig(), st, &fakeOracle{titles: distinctTitles})
	day := date(2024, 6, 10)

	if _, err := s.Run(context.Background(), "m1", day); err != nil {
		t.Fatalf("run: %v", err)
	}
	acc := st.accounts[0]
	if acc.Phase != models.PhaseActive {
		t.Fatalf("phase = %s, allocation should promote ready to active", acc.Phase)
	}
	if acc.LastActiveDate == nil || !acc.LastActiveDate.Equal(day) {
		t.Fatalf("last active date = %v", acc.LastActiveDate)
	}
	if acc.ConsecutiveActiveDays != 1 {
		t.Fatalf("streak = %d, want 1", acc.ConsecutiveActiveDays)
	}
}

// recordingOracle keeps every request it sees, cycling titles like fakeOracle.
type recordingOracle struct {
	fakeOracle
	reqs []oracle.Request
}

func (r *recordingOracle) Generate(ctx context.Context, req oracle.Request) (string, error) {
	r.reqs = append(r.reqs, req)
	return r.fakeOracle.Generate(ctx, req)
}

type countingFetcher struct {
	rules metadata.Rules
	calls int
}

func (f *countingFetcher) FetchRules(context.Context, string) (metadata.Rules, error) {
	f.calls++
	return f.rules, nil
}

func TestRulesFetchedOnceAndReusedAcrossAccounts(t *testing.T) {
	// With repeats allowed, two accounts post to the same channel in one
	// run. The rules fetched for the first post must reach the oracle on
	// the second too, without fetching again.
	cfg := testConfig()
	cfg.AllowChannelRepeats = true
	st := baseStore(2, 1, 4)
	or := &recordingOracle{fakeOracle: fakeOracle{titles: distinctTitles}}
	fetcher := &countingFetcher{rules: metadata.Rules{RulesText: "no links in titles", RequiredFlair: "oc"}}
	s := New(cfg, st, or, fetcher, nil, nil, zap.NewNop()).
		WithRand(rand.New(rand.NewSource(1)))

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.PostTasks != 2 {
		t.Fatalf("post tasks = %d, want 2", run.PostTasks)
	}
	if fetcher.calls != 1 {
		t.Fatalf("rules fetches = %d, want 1", fetcher.calls)
	}
	if len(or.reqs) == 0 {
		t.Fatal("oracle never called")
	}
	for i, req := range or.reqs {
		if req.RulesText != "no links in titles" {
			t.Fatalf("request %d rules = %q, want fetched rules", i, req.RulesText)
		}
		if req.RequiredFlair != "oc" {
			t.Fatalf("request %d flair = %q", i, req.RequiredFlair)
		}
	}
}

func TestEngagementDrawsFromRunScopedRand(t *testing.T) {
	// No pinned source: the run builds its own. Counts still land in the
	// 2-3 band per posting account.
	st := baseStore(2, 4, 8)
	s := New(testConfig(), st, &fakeOracle{titles: distinctTitles}, &fakeFetcher{}, nil, nil, zap.NewNop())

	run, err := s.Run(context.Background(), "m1", date(2024, 6, 10))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	perAccount := make(map[string]int)
	for _, task := range st.tasks {
		if task.Type == models.TaskEngagement {
			perAccount[task.AccountID]++
		}
	}
	if len(perAccount) != 2 {
		t.Fatalf("accounts with engagement = %d, want 2", len(perAccount))
	}
	for id, n := range perAccount {
		if n < 2 || n > 3 {
			t.Fatalf("engagement tasks for %s = %d, want 2-3", id, n)
		}
	}
	if run.EngagementTasks < 4 || run.EngagementTasks > 6 {
		t.Fatalf("engagement total = %d, want 4-6", run.EngagementTasks)
	}
}
