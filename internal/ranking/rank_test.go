package ranking

import (
	"reflect"
	"testing"
)

type member struct {
	id    string
	total int
}

func totalOf(m member) int { return m.total }

func idOf(m member) string { return m.id }

func ranks(entries []Entry[member]) []int {
	out := make([]int, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Rank)
	}
	return out
}

func TestRankTieLaw(t *testing.T) {
	input := []member{{"a", 50}, {"b", 50}, {"c", 30}, {"d", 10}, {"e", 10}, {"f", 10}}
	got := ranks(Rank(input, totalOf))
	want := []int{1, 1, 3, 4, 4, 4}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestRankEdgeCases(t *testing.T) {
	if got := Rank(nil, totalOf); len(got) != 0 {
		t.Fatalf("expected empty output, got %v", got)
	}

	single := Rank([]member{{"a", 7}}, totalOf)
	if len(single) != 1 || single[0].Rank != 1 || single[0].Total != 7 {
		t.Fatalf("unexpected single entry %+v", single)
	}

	equal := ranks(Rank([]member{{"a", 3}, {"b", 3}, {"c", 3}}, totalOf))
	if !reflect.DeepEqual(equal, []int{1, 1, 1}) {
		t.Fatalf("expected all rank 1, got %v", equal)
	}

	zeros := ranks(Rank([]member{{"a", 4}, {"b", 0}, {"c", 0}}, totalOf))
	if !reflect.DeepEqual(zeros, []int{1, 2, 2}) {
		t.Fatalf("unexpected zero ranks %v", zeros)
	}
}

func TestRankIsDeterministic(t *testing.T) {
	input := []member{{"a", 9}, {"b", 5}, {"c", 5}, {"d", 1}}
	first := Rank(input, totalOf)
	second := Rank(input, totalOf)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("rank is not deterministic: %v vs %v", first, second)
	}
	if input[1].id != "b" {
		t.Fatalf("input mutated")
	}
}

func TestSortAndRank(t *testing.T) {
	input := []member{{"d", 10}, {"b", 50}, {"c", 30}, {"a", 50}}
	entries := SortAndRank(input, totalOf, idOf)

	var order []string
	for _, entry := range entries {
		order = append(order, entry.Record.id)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c", "d"}) {
		t.Fatalf("unexpected order %v", order)
	}
	if !reflect.DeepEqual(ranks(entries), []int{1, 1, 3, 4}) {
		t.Fatalf("unexpected ranks %v", ranks(entries))
	}
	if input[0].id != "d" {
		t.Fatalf("input mutated")
	}
}

func TestTop(t *testing.T) {
	entries := Rank([]member{{"a", 3}, {"b", 2}, {"c", 1}}, totalOf)
	if len(Top(entries, 2)) != 2 {
		t.Fatalf("expected truncation")
	}
	if len(Top(entries, 0)) != 3 {
		t.Fatalf("expected all entries")
	}
}
