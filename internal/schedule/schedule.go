package schedule

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var (
	// ErrOutOfRange is returned when a noise level has no bracketing pair of
	// schedule entries.
	ErrOutOfRange = errors.New("sigma outside schedule range")
	// ErrInvalid is returned by Validate and the builders for malformed schedules.
	ErrInvalid = errors.New("invalid noise schedule")
)

// Schedule is the ordered list of noise levels a sampler steps through, from
// pure noise to data. Values are non-increasing. A Schedule is never mutated
// after construction.
type Schedule []float32

// Validate checks that the schedule has at least two finite, non-negative,
// non-increasing entries.
func (s Schedule) Validate() error {
	if len(s) < 2 {
		return fmt.Errorf("%w: %d entries (need at least 2)", ErrInvalid, len(s))
	}
	for i, v := range s {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || v < 0 {
			return fmt.Errorf("%w: entry %d is %v", ErrInvalid, i, v)
		}
		if i > 0 && v > s[i-1] {
			return fmt.Errorf("%w: entry %d (%v) > entry %d (%v)", ErrInvalid, i, v, i-1, s[i-1])
		}
	}
	return nil
}

// SearchRight returns the first index whose value is strictly below sigma.
// This is a right-sided binary search over the negated schedule, so an exact
// hit resolves to the position after the hit.
func (s Schedule) SearchRight(sigma float32) int {
	return sort.Search(len(s), func(i int) bool { return s[i] < sigma })
}

// SearchLeft returns the first index whose value is at or below sigma.
func (s Schedule) SearchLeft(sigma float32) int {
	return sort.Search(len(s), func(i int) bool { return s[i] <= sigma })
}

// Bracket returns the schedule entries around sigma: the entry before the
// right-biased search position (the current level) and the entry at it (the
// next level). A sigma sitting exactly on a schedule value is bracketed by
// that value and its successor, which is what a multi-stage sampler
// re-entering at an already visited level expects. For [1, .75, .5, .25, 0]
// and sigma 0.5 it returns (0.5, 0.25); use BracketLeft for (0.75, 0.5).
func (s Schedule) Bracket(sigma float32) (curr, next float32, err error) {
	return s.bracketAt(s.SearchRight(sigma), sigma)
}

// BracketLeft is the left-biased variant: an exact hit is bracketed by its
// predecessor and the hit itself, i.e. the interval that ends at sigma.
// Second evaluations of two-stage samplers happen at the end of the step.
func (s Schedule) BracketLeft(sigma float32) (curr, next float32, err error) {
	return s.bracketAt(s.SearchLeft(sigma), sigma)
}

func (s Schedule) bracketAt(i int, sigma float32) (float32, float32, error) {
	if i <= 0 {
		return 0, 0, fmt.Errorf("%w: sigma %v resolves to index 0 of %d (no preceding entry)", ErrOutOfRange, sigma, len(s))
	}
	if i >= len(s) {
		return 0, 0, fmt.Errorf("%w: sigma %v resolves past the last of %d entries", ErrOutOfRange, sigma, len(s))
	}
	return s[i-1], s[i], nil
}

// Parse reads a comma separated list of noise levels.
func Parse(text string) (Schedule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalid)
	}
	parts := strings.Split(text, ",")
	s := make(Schedule, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("%w: parse %q: %v", ErrInvalid, p, err)
		}
		s = append(s, float32(v))
	}
	return s, nil
}

// String formats the schedule so that Parse returns identical values.
func (s Schedule) String() string {
	parts := make([]string, len(s))
	for i, v := range s {
		parts[i] = strconv.FormatFloat(float64(v), 'g', -1, 32)
	}
	return strings.Join(parts, ",")
}
