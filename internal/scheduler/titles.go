package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"content-allocator/internal/models"
	"content-allocator/internal/oracle"
	"content-allocator/internal/signature"
	"content-allocator/internal/telemetry"
)

// titleAttempts bounds the generate-screen-retry loop per pair.
const titleAttempts = 4

// titleFor produces a screened title for one (channel, asset) pair. Oracle
// failures and quality rejections fall through to canned text; the result
// is always unique run-wide, salting with a numeric suffix as last resort.
func (s *Scheduler) titleFor(ctx context.Context, rc *runContext, ch *models.Channel, asset models.Asset) string {
	s.ensureRules(ctx, rc, ch)
	prior := s.priorTitles(ctx, rc, ch.ID)
	existing := append(append([]string{}, prior...), rc.runTitles[ch.ID]...)

	title := ""
	for attempt := 0; attempt < titleAttempts; attempt++ {
		cand, err := s.oracle.Generate(ctx, oracle.Request{
			ChannelName:   ch.Name,
			RulesText:     ch.RulesText,
			RequiredFlair: ch.RequiredFlair,
			PriorTitles:   existing,
			AssetKind:     asset.Kind,
			NicheTag:      asset.NicheTag,
		})
		if err != nil {
			s.log.Debug("oracle attempt failed", zap.String("channel", ch.Name), zap.Error(err))
			continue
		}
		switch {
		case s.titles.TooCloseAny(cand, existing):
			telemetry.TitleRejections.WithLabelValues("too_close").Inc()
		case s.titles.LowQuality(cand):
			telemetry.TitleRejections.WithLabelValues("low_quality").Inc()
		case s.titles.ContextMismatch(cand, asset.Kind):
			telemetry.TitleRejections.WithLabelValues("context_mismatch").Inc()
		default:
			title = cand
		}
		if title != "" {
			break
		}
	}
	if title == "" {
		niche := ch.NicheTag
		if niche == "" {
			niche = asset.NicheTag
		}
		title = signature.SafeFallback(niche)
		telemetry.FallbackTitles.Inc()
	}

	if rc.usedTitles[signature.Normalize(title)] {
		for n := 2; ; n++ {
			salted := signature.WithSalt(title, n)
			if !rc.usedTitles[signature.Normalize(salted)] {
				title = salted
				break
			}
		}
	}
	rc.usedTitles[signature.Normalize(title)] = true
	rc.runTitles[ch.ID] = append(rc.runTitles[ch.ID], title)
	return title
}

// ensureRules lazily fetches channel rules, once per run per channel. The
// pool hands out value copies, so fetched rules are kept in the run context
// for later posts to the same channel. Failure is non-fatal; empty rules
// are accepted.
func (s *Scheduler) ensureRules(ctx context.Context, rc *runContext, ch *models.Channel) {
	if cached, ok := rc.rules[ch.ID]; ok {
		ch.RulesText = cached.RulesText
		ch.RequiredFlair = cached.RequiredFlair
		return
	}
	if ch.RulesFetchedAt != nil || rc.rulesTried[ch.ID] {
		return
	}
	rc.rulesTried[ch.ID] = true
	rules, err := s.fetcher.FetchRules(ctx, ch.Name)
	if err != nil {
		s.log.Debug("rules fetch failed", zap.String("channel", ch.Name), zap.Error(err))
		return
	}
	rc.rules[ch.ID] = rules
	now := time.Now().UTC()
	ch.RulesText = rules.RulesText
	ch.RequiredFlair = rules.RequiredFlair
	ch.RulesFetchedAt = &now
	if err := s.store.SaveChannel(ctx, *ch); err != nil {
		s.log.Warn("cache channel rules", zap.String("channel", ch.ID), zap.Error(err))
	}
}

// priorTitles loads the lookback window for a channel once per run.
func (s *Scheduler) priorTitles(ctx context.Context, rc *runContext, channelID string) []string {
	if titles, ok := rc.priorTitles[channelID]; ok {
		return titles
	}
	since := rc.now.AddDate(0, 0, -s.cfg.TitleLookbackDays)
	titles, err := s.store.ChannelTitles(ctx, channelID, since)
	if err != nil {
		s.log.Warn("load prior titles", zap.String("channel", channelID), zap.Error(err))
		titles = nil
	}
	rc.priorTitles[channelID] = titles
	return titles
}
