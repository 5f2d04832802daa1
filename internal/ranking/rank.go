package ranking

import "sort"

type Entry[T any] struct {
	Rank   int
	Record T
	Total  int
}

// Rank assigns tied ranks to records already sorted by total, highest first.
// Equal totals share a rank and the next distinct total skips past the tie
// group, so totals 50,50,30 rank 1,1,3.
func Rank[T any](records []T, total func(T) int) []Entry[T] {
	if len(records) == 0 {
		return []Entry[T]{}
	}

	entries := make([]Entry[T], 0, len(records))
	rank := 1
	groupTotal := total(records[0])
	for i, record := range records {
		value := total(record)
		if i > 0 && value != groupTotal {
			rank = i + 1
			groupTotal = value
		}
		entries = append(entries, Entry[T]{Rank: rank, Record: record, Total: value})
	}
	return entries
}

// SortAndRank orders a copy of records by total descending, breaking ties by
// key, and ranks the result.
func SortAndRank[T any](records []T, total func(T) int, key func(T) string) []Entry[T] {
	sorted := append([]T(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti, tj := total(sorted[i]), total(sorted[j])
		if ti != tj {
			return ti > tj
		}
		return key(sorted[i]) < key(sorted[j])
	})
	return Rank(sorted, total)
}

// Top truncates a ranked board to at most limit entries. A limit of zero or
// less keeps everything.
func Top[T any](entries []Entry[T], limit int) []Entry[T] {
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	return entries[:limit]
}
