package scheduler

import (
	"math/rand"
	"time"

	"content-allocator/internal/metadata"
	"content-allocator/internal/models"
	"content-allocator/internal/signature"
)

// assetState tracks one pool asset across a single run. The reuse-cooldown
// check happens on first touch and sticks for the rest of the run.
type assetState struct {
	asset           models.Asset
	usedToday       int
	cooldownChecked bool
	onCooldown      bool
}

// runContext is the arena for one generation invocation. All allocation
// counters live here, never in package state, so concurrent runs for
// different models cannot interfere.
type runContext struct {
	modelID string
	date    time.Time
	now     time.Time

	channelUse     map[string]int // posts per channel today (existing + this run)
	accountPosts   map[string]int // post tasks per account today
	engagementDone map[string]int // engagement tasks per account today
	warmupDone     map[string]int // warm-up tasks per account today
	pairUsed       map[string]bool
	usedTitles     map[string]bool     // normalized, run-wide
	runTitles      map[string][]string // accepted this run, per channel
	priorTitles    map[string][]string // lookback titles, fetched lazily
	rulesTried     map[string]bool     // channels whose rules fetch ran this run
	rules          map[string]metadata.Rules
	clocks         map[string]time.Time
	testingBudget  int
	rng            *rand.Rand

	assets []*assetState
	tasks  []models.Task
}

func newRunContext(modelID string, date, now time.Time, testingBudget int) *runContext {
	return &runContext{
		modelID:        modelID,
		date:           date,
		now:            now,
		channelUse:     make(map[string]int),
		accountPosts:   make(map[string]int),
		engagementDone: make(map[string]int),
		warmupDone:     make(map[string]int),
		pairUsed:       make(map[string]bool),
		usedTitles:     make(map[string]bool),
		runTitles:      make(map[string][]string),
		priorTitles:    make(map[string][]string),
		rulesTried:     make(map[string]bool),
		rules:          make(map[string]metadata.Rules),
		clocks:         make(map[string]time.Time),
		testingBudget:  testingBudget,
	}
}

// absorb folds tasks already generated for the day into the counters so a
// re-run tops up missing quota instead of re-allocating. Clocks resume
// after the latest existing slot plus that task's interval.
func (rc *runContext) absorb(existing []models.Task, postAdv, lightAdv time.Duration) {
	assetUse := make(map[string]int)
	for _, t := range existing {
		adv := lightAdv
		switch t.Type {
		case models.TaskPost:
			adv = postAdv
			rc.channelUse[t.ChannelID]++
			rc.accountPosts[t.AccountID]++
			rc.pairUsed[rc.pairKey(t.AccountID, t.ChannelID)] = true
			rc.usedTitles[signature.Normalize(t.Title)] = true
			if t.AssetID != nil {
				assetUse[*t.AssetID]++
			}
		case models.TaskEngagement:
			rc.engagementDone[t.AccountID]++
		case models.TaskWarmup:
			rc.warmupDone[t.AccountID]++
		}
		if next := t.ScheduledAt.Add(adv); next.After(rc.clocks[t.AccountID]) {
			rc.clocks[t.AccountID] = next
		}
	}
	for _, st := range rc.assets {
		st.usedToday = assetUse[st.asset.ID]
	}
}

// startHour is the first posting slot of a generation day, UTC.
const startHour = 9

// slot hands out the scheduled time for the account's next task and bumps
// the clock by the task's interval, keeping times strictly increasing
// within one account's day. New accounts start staggered by index.
func (rc *runContext) slot(accountID string, accountIdx int, advance, stagger time.Duration) time.Time {
	clock, ok := rc.clocks[accountID]
	if !ok || clock.IsZero() {
		clock = time.Date(rc.date.Year(), rc.date.Month(), rc.date.Day(), startHour, 0, 0, 0, time.UTC).
			Add(time.Duration(accountIdx) * stagger)
	}
	rc.clocks[accountID] = clock.Add(advance)
	return clock
}

func (rc *runContext) pairKey(accountID, channelID string) string {
	return accountID + "|" + channelID
}
