package store

import (
	"slices"
	"strings"
	"time"
)

func sortByPosition(opts []*PollOption) {
	slices.SortFunc(opts, func(a, b *PollOption) int { return a.Position - b.Position })
}

// sortByCreated orders records by creation time, id as a deterministic
// tie-break so map iteration order never leaks into results.
func sortByCreated[T any](items []*T, created func(*T) time.Time, id func(*T) string) {
	slices.SortFunc(items, func(a, b *T) int {
		if c := created(a).Compare(created(b)); c != 0 {
			return c
		}
		return strings.Compare(id(a), id(b))
	})
}
