// Package rank turns label scores into a bounded, ordered ranking.
//
// A ranking keeps scores strictly above the threshold, orders them by score
// descending and then label ascending, and holds at most n entries. It never
// pads. Non-finite scores are dropped and counted.
package rank

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
)

var ErrInvalidArgument = errors.New("invalid argument")

type InvalidArgumentError struct {
	Arg    string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %s: %s", e.Arg, e.Reason)
}

func (e *InvalidArgumentError) Is(target error) bool { return target == ErrInvalidArgument }

type Entry struct {
	Label string  `json:"label"`
	Score float32 `json:"score"`
}

// Ranking is ordered by score descending, ties broken by label ascending.
type Ranking []Entry

func (r Ranking) Labels() []string {
	out := make([]string, len(r))
	for i, e := range r {
		out[i] = e.Label
	}
	return out
}

// Top returns the best entry, if any.
func (r Ranking) Top() (Entry, bool) {
	if len(r) == 0 {
		return Entry{}, false
	}
	return r[0], true
}

// Stats counts what happened to each score. Filtered is the number of
// above-threshold candidates the filter rejected, including ones that would
// have been truncated anyway.
type Stats struct {
	Considered     int `json:"considered"`
	Kept           int `json:"kept"`
	BelowThreshold int `json:"below_threshold"`
	NonFinite      int `json:"non_finite"`
	Filtered       int `json:"filtered"`
}

type Option func(*options)

type options struct {
	filter *Filter
}

// WithFilter drops candidates the filter rejects before truncation.
func WithFilter(f *Filter) Option {
	return func(o *options) {
		o.filter = f
	}
}

func Rank(scores map[string]float32, n int, threshold float32, opts ...Option) (Ranking, error) {
	r, _, err := RankWithStats(scores, n, threshold, opts...)
	return r, err
}

func RankWithStats(scores map[string]float32, n int, threshold float32, opts ...Option) (Ranking, Stats, error) {
	if n <= 0 {
		return nil, Stats{}, &InvalidArgumentError{Arg: "n", Reason: fmt.Sprintf("must be positive, got %d", n)}
	}
	if math.IsNaN(float64(threshold)) {
		return nil, Stats{}, &InvalidArgumentError{Arg: "threshold", Reason: "must not be NaN"}
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	stats := Stats{Considered: len(scores)}
	kept := make(Ranking, 0, min(len(scores), n))
	for label, score := range scores {
		switch {
		case math.IsNaN(float64(score)) || math.IsInf(float64(score), 0):
			stats.NonFinite++
			continue
		case score <= threshold:
			stats.BelowThreshold++
			continue
		}
		kept = append(kept, Entry{Label: label, Score: score})
	}

	slices.SortFunc(kept, compareEntries)

	if o.filter != nil {
		filtered := kept[:0]
		for _, e := range kept {
			ok, err := o.filter.Keep(e.Label, e.Score)
			if err != nil {
				return nil, Stats{}, err
			}
			if !ok {
				stats.Filtered++
				continue
			}
			filtered = append(filtered, e)
		}
		kept = filtered
	}

	if len(kept) > n {
		kept = kept[:n]
	}
	stats.Kept = len(kept)
	return kept, stats, nil
}

func compareEntries(a, b Entry) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	return cmp.Compare(a.Label, b.Label)
}
