package scheduler

import (
	"strings"
	"time"

	"content-allocator/internal/models"
)

// assetMatcher is one strategy in the selection cascade. It returns nil on
// no match; the orchestrator tries strategies in order.
type assetMatcher struct {
	name  string
	match func(rc *runContext, ch models.Channel, cooldownDays, dailyCap int) *assetState
}

// nicheSynonyms maps equivalent niche phrasings used by the fuzzy matcher.
var nicheSynonyms = map[string][]string{
	"fitness": {"gym", "workout"},
	"gaming":  {"gamer", "games"},
	"cosplay": {"costume"},
}

var matchers = []assetMatcher{
	{name: "exact", match: matchExactNiche},
	{name: "fuzzy", match: matchFuzzyNiche},
	{name: "fallback", match: matchAnyEligible},
}

// eligible applies the per-asset daily cap and, on first touch, the reuse
// cooldown. allowCooldown lets the fallback pass use assets still cooling
// down when nothing else is left.
func eligible(st *assetState, rc *runContext, cooldownDays, dailyCap int, allowCooldown bool) bool {
	if st.usedToday >= dailyCap {
		return false
	}
	if !st.cooldownChecked {
		st.cooldownChecked = true
		if st.asset.LastUsedAt != nil {
			cutoff := rc.now.AddDate(0, 0, -cooldownDays)
			st.onCooldown = st.asset.LastUsedAt.After(cutoff)
		}
	}
	if st.onCooldown && !allowCooldown {
		return false
	}
	return true
}

// matchExactNiche pairs a channel with an asset carrying the same niche tag.
func matchExactNiche(rc *runContext, ch models.Channel, cooldownDays, dailyCap int) *assetState {
	if ch.NicheTag == "" {
		return nil
	}
	for _, st := range rc.assets {
		if st.asset.NicheTag == "" || !strings.EqualFold(st.asset.NicheTag, ch.NicheTag) {
			continue
		}
		if eligible(st, rc, cooldownDays, dailyCap, false) {
			return st
		}
	}
	return nil
}

// matchFuzzyNiche accepts an asset whose niche tag (or a synonym of it)
// appears in the channel name.
func matchFuzzyNiche(rc *runContext, ch models.Channel, cooldownDays, dailyCap int) *assetState {
	name := strings.ToLower(ch.Name)
	for _, st := range rc.assets {
		tag := strings.ToLower(st.asset.NicheTag)
		if tag == "" {
			continue
		}
		if !nameMentions(name, tag) {
			continue
		}
		if eligible(st, rc, cooldownDays, dailyCap, false) {
			return st
		}
	}
	return nil
}

func nameMentions(channelName, tag string) bool {
	if strings.Contains(channelName, tag) {
		return true
	}
	for _, syn := range nicheSynonyms[tag] {
		if strings.Contains(channelName, syn) {
			return true
		}
	}
	return false
}

// matchAnyEligible is the last resort: any asset under cap, untagged assets
// first so niche assets are not burned on mismatched channels. Assets on
// cooldown are taken only when no cooldown-respecting asset remains.
func matchAnyEligible(rc *runContext, ch models.Channel, cooldownDays, dailyCap int) *assetState {
	for _, allowCooldown := range []bool{false, true} {
		// untagged first
		for _, st := range rc.assets {
			if st.asset.NicheTag == "" && eligible(st, rc, cooldownDays, dailyCap, allowCooldown) {
				return st
			}
		}
		for _, st := range rc.assets {
			if st.asset.NicheTag != "" && eligible(st, rc, cooldownDays, dailyCap, allowCooldown) {
				return st
			}
		}
	}
	return nil
}

// selectAsset walks the cascade for one (account, channel) pair.
func selectAsset(rc *runContext, ch models.Channel, cooldownDays, dailyCap int) (*assetState, string) {
	for _, m := range matchers {
		if st := m.match(rc, ch, cooldownDays, dailyCap); st != nil {
			return st, m.name
		}
	}
	return nil, ""
}

// use records the selection in the run counters.
func (st *assetState) use(usedAt time.Time) {
	st.usedToday++
	t := usedAt
	st.asset.TimesUsed++
	st.asset.LastUsedAt = &t
}
