package guard

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"content-allocator/internal/models"
)

// Defaults applied when a report only carries qualitative phrasing.
const (
	DefaultMinAgeDays    = 14
	DefaultMinReputation = 100
	DefaultCooldownDays  = 7
	maxErrorHistory      = 10
)

// Inferred is the structural constraint set extracted from one failure report.
type Inferred struct {
	MinAccountAgeDays    int
	MinReputation        int
	VerificationRequired bool
	CooldownDays         int
}

// rule maps a text pattern to a constraint mutation. Numeric rules read the
// first capture group; qualitative rules apply a default.
type rule struct {
	pattern *regexp.Regexp
	apply   func(inf *Inferred, n int)
	numeric bool
}

var rules = []rule{
	{
		pattern: regexp.MustCompile(`(\d+)\s*days?`),
		numeric: true,
		apply:   func(inf *Inferred, n int) { inf.MinAccountAgeDays = maxInt(inf.MinAccountAgeDays, n) },
	},
	{
		pattern: regexp.MustCompile(`(too new|new account|account age)`),
		apply:   func(inf *Inferred, _ int) { inf.MinAccountAgeDays = maxInt(inf.MinAccountAgeDays, DefaultMinAgeDays) },
	},
	{
		pattern: regexp.MustCompile(`(\d+)\s*(karma|points?|reputation)`),
		numeric: true,
		apply:   func(inf *Inferred, n int) { inf.MinReputation = maxInt(inf.MinReputation, n) },
	},
	{
		pattern: regexp.MustCompile(`((not enough|low|insufficient) (karma|reputation|points))`),
		apply:   func(inf *Inferred, _ int) { inf.MinReputation = maxInt(inf.MinReputation, DefaultMinReputation) },
	},
	{
		pattern: regexp.MustCompile(`(verify|verified email|verification)`),
		apply:   func(inf *Inferred, _ int) { inf.VerificationRequired = true },
	},
}

// Parse runs the rule table over a lower-cased failure report and returns
// the inferred constraints. Cooldown defaults to 7 days and is raised to the
// inferred minimum age when that is larger.
func Parse(reason, detail string) Inferred {
	text := strings.ToLower(reason + " " + detail)
	inf := Inferred{CooldownDays: DefaultCooldownDays}
	for _, r := range rules {
		m := r.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		n := 0
		if r.numeric {
			parsed, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			n = parsed
		}
		r.apply(&inf, n)
	}
	if inf.MinAccountAgeDays > inf.CooldownDays {
		inf.CooldownDays = inf.MinAccountAgeDays
	}
	return inf
}

// Tighten merges inferred constraints into existing ones, field-wise max.
// A previously stricter requirement is never loosened.
func Tighten(existing models.Constraints, inf Inferred) models.Constraints {
	return models.Constraints{
		MinAccountAgeDays:    maxInt(existing.MinAccountAgeDays, inf.MinAccountAgeDays),
		MinReputation:        maxInt(existing.MinReputation, inf.MinReputation),
		VerificationRequired: existing.VerificationRequired || inf.VerificationRequired,
	}
}

// RecordFailure applies one operator failure report to a channel: the
// channel enters cooldown, constraints tighten, and the report joins the
// bounded history. The channel is mutated in place; the caller persists it.
func RecordFailure(ch *models.Channel, reason, detail string, now time.Time) Inferred {
	inf := Parse(reason, detail)
	ch.Constraints = Tighten(ch.Constraints, inf)
	until := now.Add(time.Duration(inf.CooldownDays) * 24 * time.Hour)
	ch.State = models.ChannelCooldown
	ch.CooldownUntil = &until
	ch.ErrorCount++
	ch.ErrorHistory = append(ch.ErrorHistory, models.ChannelError{
		Reason:     reason,
		Detail:     detail,
		RecordedAt: now,
	})
	if len(ch.ErrorHistory) > maxErrorHistory {
		ch.ErrorHistory = ch.ErrorHistory[len(ch.ErrorHistory)-maxErrorHistory:]
	}
	ch.UpdatedAt = now
	return inf
}

// BlockedForPosting reports whether the channel is in an unexpired cooldown.
func BlockedForPosting(ch *models.Channel, now time.Time) bool {
	return ch.State == models.ChannelCooldown && ch.CooldownUntil != nil && now.Before(*ch.CooldownUntil)
}

// Unblock is the operator override: cooldown channels return to testing and
// the cooldown timestamp clears. Constraints stay tightened.
func Unblock(ch *models.Channel, now time.Time) {
	if ch.State != models.ChannelCooldown {
		return
	}
	ch.State = models.ChannelTesting
	ch.CooldownUntil = nil
	ch.UpdatedAt = now
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
