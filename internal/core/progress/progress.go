// Package progress holds the pure rules that turn stage activity and raw
// backend output into monotonic pipeline percentages.
package progress

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/artpar/shipyard/internal/core/domain"
)

// =============================================================================
// Clamping Policy
// =============================================================================

// Resolve returns the percent to publish for a stage event.
//
// requested is clamped to [0,100], then into the stage band [low, high-1],
// then raised to current so a run never moves backwards. A nil requested
// keeps current. An unknown or nil stage only applies the monotonic rule.
func Resolve(current int, stage *domain.Stage, requested *int) int {
	if requested == nil {
		return current
	}
	p := clampPercent(*requested)
	if stage != nil {
		if band, ok := domain.BandFor(*stage); ok {
			p = band.Clamp(p)
		}
	}
	if p < current {
		return current
	}
	return p
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > domain.ProgressComplete {
		return domain.ProgressComplete
	}
	return p
}

// Int returns a pointer to p.
func Int(p int) *int {
	return &p
}

// =============================================================================
// Build Output Translation
// =============================================================================

var stepPattern = regexp.MustCompile(`(?i)^\s*step\s+(\d+)\s*/\s*(\d+)`)

// BuildTranslator tracks a raw 0-100 build progress value from build output
// lines. It is not safe for concurrent use.
type BuildTranslator struct {
	raw int
}

// Observe folds one output line into the raw progress and reports whether
// the line moved it.
//
//	Fetching / Pulling  +2, capped at 30
//	Step i/n            i/n of the 30..70 range
//	Step (no total)     +3, capped at 70
//	Pushing             +5, capped at 90
//	DONE / SUCCESS      95
func (t *BuildTranslator) Observe(line string) (int, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return t.raw, false
	}
	next := t.raw
	upper := strings.ToUpper(trimmed)

	switch {
	case strings.HasPrefix(upper, "FETCHING") || strings.HasPrefix(upper, "PULLING"):
		next = min(t.raw+2, 30)
	case stepPattern.MatchString(trimmed):
		m := stepPattern.FindStringSubmatch(trimmed)
		i, _ := strconv.Atoi(m[1])
		n, _ := strconv.Atoi(m[2])
		if n > 0 {
			next = 30 + min(i, n)*40/n
		} else {
			next = min(t.raw+3, 70)
		}
	case strings.HasPrefix(upper, "STEP") || strings.HasPrefix(trimmed, "#"):
		next = min(t.raw+3, 70)
	case strings.HasPrefix(upper, "PUSHING") || strings.HasPrefix(upper, "PUSHED"):
		next = min(max(t.raw, 70)+5, 90)
	case strings.HasPrefix(upper, "DONE") || strings.Contains(upper, "SUCCESS"):
		next = 95
	}

	if next <= t.raw {
		return t.raw, false
	}
	t.raw = next
	return t.raw, true
}

// Raw returns the current raw progress.
func (t *BuildTranslator) Raw() int {
	return t.raw
}

// =============================================================================
// Deploy Status Translation
// =============================================================================

// DeployTranslator advances a raw 0-100 deploy progress by a fixed step per
// status line, capped at 90 until the deploy completes.
type DeployTranslator struct {
	raw int
}

// Observe advances the raw progress for a non-empty status line.
func (t *DeployTranslator) Observe(line string) (int, bool) {
	if strings.TrimSpace(line) == "" || t.raw >= 90 {
		return t.raw, false
	}
	t.raw = min(t.raw+5, 90)
	return t.raw, true
}

// Raw returns the current raw progress.
func (t *DeployTranslator) Raw() int {
	return t.raw
}
