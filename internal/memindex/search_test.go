package memindex

import (
	"math"
	"testing"
)

func TestRankCandidates_CombinedScore(t *testing.T) {
	merged := map[int64]*candidate{
		1: {chunkID: 1, path: "a", text: "alpha", vecScore: 0.9, textScore: 0.1},
		2: {chunkID: 2, path: "b", text: "beta", vecScore: 0.2, textScore: 0.8},
		3: {chunkID: 3, path: "c", text: "gamma", vecScore: 0, textScore: 0.4},
	}

	got := rankCandidates(merged, "query", SearchOptions{
		MaxResults:   10,
		VectorWeight: 0.7,
		TextWeight:   0.3,
	})
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}

	// 1: 0.9*0.7 + 0.1*0.3 = 0.66; 2: 0.2*0.7 + 0.8*0.3 = 0.38; 3: 0.12
	if got[0].ChunkID != 1 || got[1].ChunkID != 2 || got[2].ChunkID != 3 {
		t.Errorf("order = %d, %d, %d", got[0].ChunkID, got[1].ChunkID, got[2].ChunkID)
	}
	if math.Abs(got[0].Score-0.66) > 1e-9 {
		t.Errorf("score[0] = %v, want 0.66", got[0].Score)
	}
	if math.Abs(got[1].Score-0.38) > 1e-9 {
		t.Errorf("score[1] = %v, want 0.38", got[1].Score)
	}
}

func TestRankCandidates_MinScoreFilters(t *testing.T) {
	merged := map[int64]*candidate{
		1: {chunkID: 1, text: "alpha", vecScore: 0.9},
		2: {chunkID: 2, text: "beta", vecScore: 0.1},
	}

	got := rankCandidates(merged, "q", SearchOptions{
		MaxResults:   10,
		MinScore:     0.5,
		VectorWeight: 0.7,
		TextWeight:   0.3,
	})
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if got[0].ChunkID != 1 {
		t.Errorf("surviving chunk = %d", got[0].ChunkID)
	}
}

func TestRankCandidates_MaxResultsCaps(t *testing.T) {
	merged := map[int64]*candidate{
		1: {chunkID: 1, text: "x", vecScore: 0.9},
		2: {chunkID: 2, text: "x", vecScore: 0.8},
		3: {chunkID: 3, text: "x", vecScore: 0.7},
	}
	got := rankCandidates(merged, "q", SearchOptions{
		MaxResults:   2,
		VectorWeight: 1,
	})
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ChunkID != 1 || got[1].ChunkID != 2 {
		t.Errorf("top results = %d, %d", got[0].ChunkID, got[1].ChunkID)
	}
}

func TestRankCandidates_MissingScoreCountsAsZero(t *testing.T) {
	merged := map[int64]*candidate{
		7: {chunkID: 7, text: "x", vecScore: 0.5},
		8: {chunkID: 8, text: "x", textScore: 0.5},
	}
	got := rankCandidates(merged, "q", SearchOptions{
		MaxResults:   10,
		VectorWeight: 0.7,
		TextWeight:   0.3,
	})
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ChunkID != 7 {
		t.Errorf("vector-weighted hit should rank first, got %d", got[0].ChunkID)
	}
	if math.Abs(got[0].Score-0.35) > 1e-9 || math.Abs(got[1].Score-0.15) > 1e-9 {
		t.Errorf("scores = %v, %v; want 0.35, 0.15", got[0].Score, got[1].Score)
	}
}

// Equal scores fall back to id order so paging is stable across runs.
func TestRankCandidates_TieBreaksOnChunkID(t *testing.T) {
	merged := map[int64]*candidate{
		42: {chunkID: 42, text: "x", vecScore: 0.5},
		7:  {chunkID: 7, text: "x", vecScore: 0.5},
	}
	got := rankCandidates(merged, "q", SearchOptions{MaxResults: 10, VectorWeight: 1})
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ChunkID != 7 || got[1].ChunkID != 42 {
		t.Errorf("tie order = %d, %d; want 7, 42", got[0].ChunkID, got[1].ChunkID)
	}
}
