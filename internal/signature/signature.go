package signature

import (
	"fmt"
	"regexp"
	"strings"

	"content-allocator/internal/models"
)

// Guard screens generated titles for near-duplicates, low quality text,
// and asset/context mismatches. It holds no state of its own.
type Guard struct {
	// SimilarityThreshold above which two titles count as duplicates.
	SimilarityThreshold float64
	// ContainmentSlack is the max length difference for the
	// substring-containment duplicate check.
	ContainmentSlack int
	MinWords         int
	MaxWords         int
}

// NewGuard returns a guard with the production thresholds.
func NewGuard() *Guard {
	return &Guard{
		SimilarityThreshold: 0.86,
		ContainmentSlack:    8,
		MinWords:            3,
		MaxWords:            18,
	}
}

var (
	nonAlnum   = regexp.MustCompile(`[^a-z0-9 ]+`)
	multiSpace = regexp.MustCompile(`\s+`)

	lowQualityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`link in (my )?bio`),
		regexp.MustCompile(`check (out )?my (profile|page)`),
		regexp.MustCompile(`\bdm me\b`),
		regexp.MustCompile(`\bfollow (me|for)\b`),
		regexp.MustCompile(`\b(onlyfans|fansly|patreon)\b`),
		regexp.MustCompile(`\b(telegram|snapchat|kik|whatsapp)\b`),
		regexp.MustCompile(`\bsubscribe\b`),
		regexp.MustCompile(`\berror\b`),
		regexp.MustCompile(`\bunauthorized\b`),
		regexp.MustCompile(`\bas an ai\b`),
		regexp.MustCompile(`i (cannot|can't) (generate|create|assist)`),
		regexp.MustCompile(`\b(swipe|carousel|gallery)\b`),
		regexp.MustCompile(`slide \d`),
	}

	carouselPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(swipe|carousel|gallery)\b`),
		regexp.MustCompile(`\bslides?\b`),
		regexp.MustCompile(`before (and|&) after`),
	}

	videoOnlyPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(video|watch|sound on|volume up)\b`),
		regexp.MustCompile(`till the end`),
	}
)

// Normalize lower-cases text, strips emoji and everything non-alphanumeric,
// and collapses runs of whitespace.
func Normalize(text string) string {
	lowered := strings.ToLower(text)
	var b strings.Builder
	b.Grow(len(lowered))
	for _, r := range lowered {
		if isPictograph(r) {
			continue
		}
		b.WriteRune(r)
	}
	cleaned := nonAlnum.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(multiSpace.ReplaceAllString(cleaned, " "))
}

func isPictograph(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF: // symbols, pictographs, emoticons
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols, dingbats
		return true
	case r >= 0xFE00 && r <= 0xFE0F: // variation selectors
		return true
	case r == 0x200D: // zero-width joiner
		return true
	}
	return false
}

// Similarity returns 1 - levenshtein(a', b')/max(len) over normalized forms.
// Identical strings score 1, fully distinct strings approach 0.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return 1
	}
	longest := len(na)
	if len(nb) > longest {
		longest = len(nb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(na, nb))/float64(longest)
}

// levenshtein computes edit distance over bytes of already-normalized
// (ASCII-only) strings with a two-row table.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// TooClose reports whether candidate duplicates existing: equal normalized
// forms, similarity at or above the threshold, or one containing the other
// with a small length difference.
func (g *Guard) TooClose(candidate, existing string) bool {
	nc, ne := Normalize(candidate), Normalize(existing)
	if nc == ne {
		return true
	}
	if Similarity(candidate, existing) >= g.SimilarityThreshold {
		return true
	}
	diff := len(nc) - len(ne)
	if diff < 0 {
		diff = -diff
	}
	if diff <= g.ContainmentSlack && (strings.Contains(nc, ne) || strings.Contains(ne, nc)) {
		return true
	}
	return false
}

// TooCloseAny reports whether candidate duplicates any prior title.
func (g *Guard) TooCloseAny(candidate string, existing []string) bool {
	for _, e := range existing {
		if g.TooClose(candidate, e) {
			return true
		}
	}
	return false
}

// LowQuality rejects titles outside the word-count window or matching any
// disallowed pattern (solicitation, meta error text, carousel language).
func (g *Guard) LowQuality(candidate string) bool {
	words := strings.Fields(strings.TrimSpace(candidate))
	if len(words) < g.MinWords || len(words) > g.MaxWords {
		return true
	}
	lowered := strings.ToLower(candidate)
	for _, p := range lowQualityPatterns {
		if p.MatchString(lowered) {
			return true
		}
	}
	return false
}

// ContextMismatch rejects titles whose framing cannot match the asset:
// carousel/slide/before-after language always, video language on images.
func (g *Guard) ContextMismatch(candidate, assetKind string) bool {
	lowered := strings.ToLower(candidate)
	for _, p := range carouselPatterns {
		if p.MatchString(lowered) {
			return true
		}
	}
	if assetKind == models.AssetImage {
		for _, p := range videoOnlyPatterns {
			if p.MatchString(lowered) {
				return true
			}
		}
	}
	return false
}

var fallbackByNiche = map[string]string{
	"fitness":   "Finally seeing some progress after months of work",
	"cosplay":   "Tried a new look this weekend, thoughts?",
	"gaming":    "Late night session went better than expected",
	"fashion":   "Put this outfit together from thrift finds",
	"art":       "Spent way too long on the details here",
	"travel":    "Found this spot completely by accident",
	"food":      "First attempt at making this from scratch",
	"general":   "Feeling good about how this one turned out",
}

// SafeFallback returns deterministic canned text for a niche, used when all
// generation attempts are exhausted.
func SafeFallback(nicheTag string) string {
	if t, ok := fallbackByNiche[strings.ToLower(nicheTag)]; ok {
		return t
	}
	return fallbackByNiche["general"]
}

// WithSalt appends a numeric suffix, the last-resort uniqueness escape.
func WithSalt(title string, n int) string {
	return fmt.Sprintf("%s %d", title, n)
}
