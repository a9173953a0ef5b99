// Package extract turns document text into entity occurrences.
package extract

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/OpenUpSA/dexi/internal/common"
)

// Occurrence is one entity mention. Start and End are Unicode code point
// offsets into the text, End exclusive.
type Occurrence struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label,omitempty"`
}

func (o Occurrence) Len() int { return o.End - o.Start }

// Strategy yields occurrences in left-to-right offset order. The sequence is
// finite; iteration stops at the first error.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, text string) iter.Seq2[Occurrence, error]
}

// Collect drains a sequence.
func Collect(seq iter.Seq2[Occurrence, error]) ([]Occurrence, error) {
	var out []Occurrence
	for o, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
	return out, nil
}

// failure wraps a strategy error so callers can classify it.
func failure(strategy string, err error) error {
	return fmt.Errorf("%s: %w: %w", strategy, common.ErrStrategyFailure, err)
}

// fromSlice yields the occurrences of a precomputed slice, checking ctx
// between items.
func fromSlice(ctx context.Context, name string, occs []Occurrence) iter.Seq2[Occurrence, error] {
	return func(yield func(Occurrence, error) bool) {
		for _, o := range occs {
			if err := ctx.Err(); err != nil {
				yield(Occurrence{}, failure(name, err))
				return
			}
			if !yield(o, nil) {
				return
			}
		}
	}
}

// selectNonOverlapping keeps the earliest candidate at each position and,
// among candidates starting together, the longest; ties go to the lower rank.
// The result is sorted by Start.
func selectNonOverlapping(cands []candidate) []Occurrence {
	slices.SortStableFunc(cands, func(a, b candidate) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Len(), a.Len()); c != 0 {
			return c
		}
		return cmp.Compare(a.rank, b.rank)
	})
	out := make([]Occurrence, 0, len(cands))
	end := -1
	for _, c := range cands {
		if c.Start < end || c.Len() <= 0 {
			continue
		}
		out = append(out, c.Occurrence)
		end = c.End
	}
	return out
}

type candidate struct {
	Occurrence
	rank int
}
