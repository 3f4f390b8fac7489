package engine_test

import (
	"testing"

	"github.com/rvickery/taleturn/internal/engine"
)

func TestFilterMemoryHits(t *testing.T) {
	t.Parallel()

	hits := []engine.MemoryHit{
		{TurnID: 2, Content: "a"},
		{TurnID: 5, Content: "b"},
		{TurnID: 9, Content: "c"},
	}

	watermark := func(v int64) *int64 { return &v }

	tests := []struct {
		name      string
		hits      []engine.MemoryHit
		watermark *int64
		wantIDs   []int64
	}{
		{"nil watermark keeps everything", hits, nil, []int64{2, 5, 9}},
		{"watermark drops later turns", hits, watermark(5), []int64{2, 5}},
		{"watermark before everything", hits, watermark(1), nil},
		{"empty input", nil, watermark(5), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := engine.FilterMemoryHits(tt.hits, tt.watermark)
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got %d hits, want %d", len(got), len(tt.wantIDs))
			}
			for i, h := range got {
				if h.TurnID != tt.wantIDs[i] {
					t.Errorf("hit %d turn id = %d, want %d", i, h.TurnID, tt.wantIDs[i])
				}
			}
		})
	}
}
