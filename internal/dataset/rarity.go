package dataset

import (
	"fmt"
	"sort"

	"github.com/inferloop/gridsynth/pkg/models"
)

// Combination is one distinct categorical context combination.
type Combination struct {
	Key     string                   `json:"key" yaml:"key"`
	Context models.ContextAssignment `json:"context" yaml:"context"`
	Count   int                      `json:"count" yaml:"count"`
	Rare    bool                     `json:"rare" yaml:"rare"`
}

// CombinationKey identifies the categorical part of an encoded context.
func CombinationKey(c models.EncodedContext) string {
	return fmt.Sprint(c.Indices)
}

// CombinationRarities marks rows whose categorical combination falls outside
// the most frequent combinations covering the given fraction of rows.
// Combinations are ranked by count (ties by key); a combination is common
// while the rows covered before it are below coverage*N.
func (d *Dataset) CombinationRarities(coverage float64) ([]bool, []Combination) {
	counts := make(map[string]int)
	first := make(map[string]int)
	for i, c := range d.contexts {
		k := CombinationKey(c)
		if _, ok := first[k]; !ok {
			first[k] = i
		}
		counts[k]++
	}

	combos := make([]Combination, 0, len(counts))
	for k, n := range counts {
		ctx := d.contexts[first[k]]
		combos = append(combos, Combination{
			Key:     k,
			Context: d.encoder.Decode(models.EncodedContext{Indices: ctx.Indices, Values: make([]float64, len(ctx.Values)), Present: categoricalPresence(d.encoder, ctx)}),
			Count:   n,
		})
	}
	sort.Slice(combos, func(i, j int) bool {
		if combos[i].Count != combos[j].Count {
			return combos[i].Count > combos[j].Count
		}
		return combos[i].Key < combos[j].Key
	})

	threshold := coverage * float64(len(d.contexts))
	rareKeys := make(map[string]bool)
	covered := 0
	for i := range combos {
		if float64(covered) >= threshold {
			combos[i].Rare = true
			rareKeys[combos[i].Key] = true
		}
		covered += combos[i].Count
	}

	flags := make([]bool, len(d.contexts))
	for i, c := range d.contexts {
		flags[i] = rareKeys[CombinationKey(c)]
	}
	return flags, combos
}

// RareIndices lists row indices flagged by CombinationRarities.
func (d *Dataset) RareIndices(coverage float64) []int {
	flags, _ := d.CombinationRarities(coverage)
	var out []int
	for i, f := range flags {
		if f {
			out = append(out, i)
		}
	}
	return out
}

// categoricalPresence keeps presence flags of categorical variables only.
func categoricalPresence(enc *Encoder, c models.EncodedContext) []bool {
	out := make([]bool, len(c.Present))
	for i, v := range enc.catalog {
		if i < len(c.Present) && v.IsCategorical() {
			out[i] = c.Present[i]
		}
	}
	return out
}
