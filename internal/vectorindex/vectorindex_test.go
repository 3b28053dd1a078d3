package vectorindex

import (
	"testing"
)

type fakeRow struct {
	RowID    int64
	Vector   []float32
	Metadata map[string]any
}

func rowsFn(rows []fakeRow) func() ([]struct {
	RowID    int64
	Vector   []float32
	Metadata map[string]any
}, error) {
	return func() ([]struct {
		RowID    int64
		Vector   []float32
		Metadata map[string]any
	}, error) {
		out := make([]struct {
			RowID    int64
			Vector   []float32
			Metadata map[string]any
		}, len(rows))
		for i, r := range rows {
			out[i] = r
		}
		return out, nil
	}
}

func TestSearch_ReturnsKNearestOrderedByDistance(t *testing.T) {
	rows := []fakeRow{
		{RowID: 1, Vector: []float32{0, 0}},
		{RowID: 2, Vector: []float32{1, 0}},
		{RowID: 3, Vector: []float32{5, 0}},
		{RowID: 4, Vector: []float32{2, 0}},
	}
	hits, err := Search(SearchRequest{Vector: []float32{0, 0}, K: 2}, rowsFn(rows))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].RowID != 1 || hits[1].RowID != 2 {
		t.Fatalf("hits = %+v, want rowids [1, 2] in distance order", hits)
	}
}

func TestSearch_ZeroKReturnsEmpty(t *testing.T) {
	hits, err := Search(SearchRequest{Vector: []float32{0, 0}, K: 0}, rowsFn([]fakeRow{{RowID: 1, Vector: []float32{0, 0}}}))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("got %d hits, want 0", len(hits))
	}
}

func TestSearch_NegativeKIsRejected(t *testing.T) {
	_, err := Search(SearchRequest{Vector: []float32{0, 0}, K: -1}, rowsFn(nil))
	if err == nil {
		t.Fatal("expected an error for a negative k")
	}
}

func TestSearch_TiedDistancesDoNotCollapse(t *testing.T) {
	rows := []fakeRow{
		{RowID: 10, Vector: []float32{1, 0}},
		{RowID: 20, Vector: []float32{0, 1}},
		{RowID: 30, Vector: []float32{-1, 0}},
	}
	hits, err := Search(SearchRequest{Vector: []float32{0, 0}, K: 3}, rowsFn(rows))
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("got %d hits, want 3 — equidistant rows must not collapse into one tree entry", len(hits))
	}
	seen := map[int64]bool{}
	for _, h := range hits {
		seen[h.RowID] = true
	}
	for _, want := range []int64{10, 20, 30} {
		if !seen[want] {
			t.Fatalf("missing rowid %d from results %+v", want, hits)
		}
	}
}

func TestCandidateLess_BreaksTiesByRowID(t *testing.T) {
	a := candidate{SearchHit{RowID: 1, Distance: 2.0}}
	b := candidate{SearchHit{RowID: 2, Distance: 2.0}}
	if !candidateLess(a, b) {
		t.Fatal("expected candidate with lower rowid to sort first on a distance tie")
	}
	if candidateLess(b, a) {
		t.Fatal("candidateLess must be asymmetric")
	}
	if candidateLess(a, a) {
		t.Fatal("candidateLess(a, a) must be false")
	}
}
