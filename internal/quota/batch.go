package quota

import (
	"errors"
	"fmt"

	"realm-steward/internal/storage"
)

var ErrInvalidBatch = errors.New("invalid contribution batch")

// Main credits run leaders. Completed and Failed apply to every member listed.
type Main struct {
	Members   []string
	Completed int
	Failed    int
}

// Assists credits assisting leaders with Count assists each.
type Assists struct {
	Members []string
	Count   int
}

type Contribution struct {
	Main    Main
	Assists Assists
}

// Batch groups the contributions of one logging call by category.
type Batch map[Category]Contribution

func (b Batch) Validate() error {
	if len(b) == 0 {
		return fmt.Errorf("%w: no categories", ErrInvalidBatch)
	}
	for category, contribution := range b {
		if !category.Valid() {
			return fmt.Errorf("%w: unknown category %q", ErrInvalidBatch, category)
		}
		if contribution.Main.Completed < 0 || contribution.Main.Failed < 0 || contribution.Assists.Count < 0 {
			return fmt.Errorf("%w: negative count in %s", ErrInvalidBatch, category)
		}
	}
	return nil
}

// Members returns the write-set of the batch, the union of every listed member.
func (b Batch) Members() []string {
	seen := make(map[string]struct{})
	var members []string
	for _, category := range Categories {
		contribution, ok := b[category]
		if !ok {
			continue
		}
		for _, list := range [][]string{contribution.Main.Members, contribution.Assists.Members} {
			for _, member := range list {
				if member == "" {
					continue
				}
				if _, dup := seen[member]; dup {
					continue
				}
				seen[member] = struct{}{}
				members = append(members, member)
			}
		}
	}
	return members
}

// Deltas folds the batch into one increment per (member, category). A member
// listed twice in the same list is credited once. Zero deltas are dropped.
func (b Batch) Deltas() []storage.QuotaDelta {
	type key struct {
		member   string
		category Category
	}
	merged := make(map[key]*storage.QuotaDelta)
	var order []key

	add := func(member string, category Category, counts storage.Counts) {
		k := key{member: member, category: category}
		delta, ok := merged[k]
		if !ok {
			delta = &storage.QuotaDelta{MemberID: member, Category: string(category)}
			merged[k] = delta
			order = append(order, k)
		}
		delta.Completed += counts.Completed
		delta.Failed += counts.Failed
		delta.Assists += counts.Assists
	}

	for _, category := range Categories {
		contribution, ok := b[category]
		if !ok {
			continue
		}
		for _, member := range unique(contribution.Main.Members) {
			add(member, category, storage.Counts{Completed: contribution.Main.Completed, Failed: contribution.Main.Failed})
		}
		for _, member := range unique(contribution.Assists.Members) {
			add(member, category, storage.Counts{Assists: contribution.Assists.Count})
		}
	}

	deltas := make([]storage.QuotaDelta, 0, len(order))
	for _, k := range order {
		if merged[k].IsZero() {
			continue
		}
		deltas = append(deltas, *merged[k])
	}
	return deltas
}

func unique(members []string) []string {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, member := range members {
		if member == "" {
			continue
		}
		if _, ok := seen[member]; ok {
			continue
		}
		seen[member] = struct{}{}
		out = append(out, member)
	}
	return out
}
