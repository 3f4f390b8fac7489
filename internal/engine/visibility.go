package engine

// FilterMemoryHits applies the rewind visibility watermark to raw retrieval
// results. A nil watermark means the campaign was never rewound and every hit
// is visible; otherwise hits derived from turns past the watermark are
// dropped, even if their vectors still exist because pruning has not caught
// up yet.
func FilterMemoryHits(hits []MemoryHit, watermark *int64) []MemoryHit {
	if watermark == nil {
		return hits
	}
	out := hits[:0:0]
	for _, h := range hits {
		if h.TurnID <= *watermark {
			out = append(out, h)
		}
	}
	return out
}
