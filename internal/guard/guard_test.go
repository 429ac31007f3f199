package guard

import (
	"testing"
	"time"

	"content-allocator/internal/models"
)

func TestParseNumericAge(t *testing.T) {
	inf := Parse("account too new", "needs 30 days of history")
	if inf.MinAccountAgeDays != 30 {
		t.Fatalf("min age = %d, want 30", inf.MinAccountAgeDays)
	}
	if inf.CooldownDays != 30 {
		t.Fatalf("cooldown should rise to min age, got %d", inf.CooldownDays)
	}
}

func TestParseQualitativeDefaults(t *testing.T) {
	inf := Parse("rejected", "account too new for this community")
	if inf.MinAccountAgeDays != DefaultMinAgeDays {
		t.Fatalf("min age = %d, want default %d", inf.MinAccountAgeDays, DefaultMinAgeDays)
	}
	if inf.CooldownDays != DefaultMinAgeDays {
		t.Fatalf("cooldown = %d, want %d", inf.CooldownDays, DefaultMinAgeDays)
	}

	inf = Parse("not enough karma", "")
	if inf.MinReputation != DefaultMinReputation {
		t.Fatalf("min reputation = %d, want default %d", inf.MinReputation, DefaultMinReputation)
	}
	if inf.CooldownDays != DefaultCooldownDays {
		t.Fatalf("cooldown = %d, want default %d", inf.CooldownDays, DefaultCooldownDays)
	}
}

func TestParseNumericReputation(t *testing.T) {
	inf := Parse("post removed", "requires 500 karma minimum")
	if inf.MinReputation != 500 {
		t.Fatalf("min reputation = %d, want 500", inf.MinReputation)
	}
}

func TestParseVerification(t *testing.T) {
	inf := Parse("blocked", "please verify your email to post")
	if !inf.VerificationRequired {
		t.Fatalf("expected verification requirement")
	}
}

func TestParseUnrecognized(t *testing.T) {
	inf := Parse("something odd happened", "")
	if inf.MinAccountAgeDays != 0 || inf.MinReputation != 0 || inf.VerificationRequired {
		t.Fatalf("unrecognized text should infer nothing, got %+v", inf)
	}
	if inf.CooldownDays != DefaultCooldownDays {
		t.Fatalf("cooldown = %d, want default %d", inf.CooldownDays, DefaultCooldownDays)
	}
}

func TestTightenNeverLoosens(t *testing.T) {
	existing := models.Constraints{MinAccountAgeDays: 60, MinReputation: 50, VerificationRequired: true}
	got := Tighten(existing, Inferred{MinAccountAgeDays: 30, MinReputation: 200})
	if got.MinAccountAgeDays != 60 {
		t.Fatalf("min age loosened to %d", got.MinAccountAgeDays)
	}
	if got.MinReputation != 200 {
		t.Fatalf("min reputation = %d, want 200", got.MinReputation)
	}
	if !got.VerificationRequired {
		t.Fatalf("verification requirement dropped")
	}
}

func TestRecordFailure(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ch := models.Channel{ID: "c1", State: models.ChannelProven}

	inf := RecordFailure(&ch, "account too new", "needs 30 days", now)

	if ch.State != models.ChannelCooldown {
		t.Fatalf("state = %s, want cooldown", ch.State)
	}
	if ch.CooldownUntil == nil || !ch.CooldownUntil.Equal(now.Add(30*24*time.Hour)) {
		t.Fatalf("cooldown until = %v", ch.CooldownUntil)
	}
	if ch.Constraints.MinAccountAgeDays != 30 {
		t.Fatalf("constraints not tightened: %+v", ch.Constraints)
	}
	if ch.ErrorCount != 1 || len(ch.ErrorHistory) != 1 {
		t.Fatalf("error history not recorded: count=%d len=%d", ch.ErrorCount, len(ch.ErrorHistory))
	}
	if inf.CooldownDays != 30 {
		t.Fatalf("inferred cooldown = %d", inf.CooldownDays)
	}
}

func TestRecordFailureHistoryBounded(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	ch := models.Channel{ID: "c1", State: models.ChannelTesting}
	for i := 0; i < 15; i++ {
		RecordFailure(&ch, "spam filter", "", now.Add(time.Duration(i)*time.Hour))
	}
	if len(ch.ErrorHistory) != maxErrorHistory {
		t.Fatalf("history len = %d, want %d", len(ch.ErrorHistory), maxErrorHistory)
	}
	if ch.ErrorCount != 15 {
		t.Fatalf("error count = %d, want 15", ch.ErrorCount)
	}
	// Oldest entries dropped, newest kept.
	last := ch.ErrorHistory[len(ch.ErrorHistory)-1]
	if !last.RecordedAt.Equal(now.Add(14 * time.Hour)) {
		t.Fatalf("newest entry not kept: %v", last.RecordedAt)
	}
}

func TestBlockedForPosting(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	until := now.Add(24 * time.Hour)
	ch := models.Channel{State: models.ChannelCooldown, CooldownUntil: &until}

	if !BlockedForPosting(&ch, now) {
		t.Fatalf("expected blocked during cooldown")
	}
	if BlockedForPosting(&ch, until.Add(time.Minute)) {
		t.Fatalf("expected unblocked after expiry")
	}

	open := models.Channel{State: models.ChannelProven}
	if BlockedForPosting(&open, now) {
		t.Fatalf("proven channel should not be blocked")
	}
}

func TestUnblock(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	until := now.Add(48 * time.Hour)
	ch := models.Channel{
		State:         models.ChannelCooldown,
		CooldownUntil: &until,
		Constraints:   models.Constraints{MinAccountAgeDays: 30},
	}

	Unblock(&ch, now)
	if ch.State != models.ChannelTesting || ch.CooldownUntil != nil {
		t.Fatalf("unblock did not reset state: %s %v", ch.State, ch.CooldownUntil)
	}
	if ch.Constraints.MinAccountAgeDays != 30 {
		t.Fatalf("constraints should survive unblock")
	}

	proven := models.Channel{State: models.ChannelProven}
	Unblock(&proven, now)
	if proven.State != models.ChannelProven {
		t.Fatalf("unblock should only act on cooldown channels")
	}
}
