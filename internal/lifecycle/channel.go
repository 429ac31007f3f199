package lifecycle

import (
	"time"

	"content-allocator/internal/models"
)

// ChannelPolicy holds the thresholds for channel trust classification.
type ChannelPolicy struct {
	TestsBeforeClassification int
	RemovalThresholdPct       float64
}

// EvaluateChannel refreshes a channel's rolling statistics from the
// accumulated outcome samples and, once enough samples exist, classifies it
// proven or rejected. Channels inside an unexpired cooldown are skipped
// entirely; an expired cooldown returns the channel to testing first.
func (p ChannelPolicy) EvaluateChannel(ch *models.Channel, stats models.OutcomeStats, now time.Time) bool {
	if ch.State == models.ChannelCooldown {
		if ch.CooldownUntil != nil && now.Before(*ch.CooldownUntil) {
			return false
		}
		ch.State = models.ChannelTesting
		ch.CooldownUntil = nil
		ch.UpdatedAt = now
	}

	changed := updateStats(ch, stats, now)

	if stats.Samples < p.TestsBeforeClassification {
		return changed
	}

	next := models.ChannelProven
	if stats.RemovalRate()*100 > p.RemovalThresholdPct {
		next = models.ChannelRejected
	}
	if ch.State != next {
		ch.State = next
		ch.UpdatedAt = now
		changed = true
	}
	return changed
}

func updateStats(ch *models.Channel, stats models.OutcomeStats, now time.Time) bool {
	avg := 0.0
	if stats.Samples > 0 {
		avg = float64(stats.EngagementSum) / float64(stats.Samples)
	}
	if ch.SampleCount == stats.Samples && ch.RemovedCount == stats.Removed && ch.AvgEngagement == avg {
		return false
	}
	ch.SampleCount = stats.Samples
	ch.RemovedCount = stats.Removed
	ch.AvgEngagement = avg
	ch.UpdatedAt = now
	return true
}
