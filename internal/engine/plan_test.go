package engine

import "testing"

func TestBuildPlanCoversSizeExactly(t *testing.T) {
	sizes := []int64{1, 1048576, 5*1024*1024 + 1, 60_000_000_000}
	chunk := int64(5 * 1024 * 1024)

	for _, size := range sizes {
		plan := BuildPlan(size, chunk)
		if len(plan.Ranges) == 0 {
			t.Fatalf("size %d: empty plan", size)
		}
		if len(plan.Ranges) > MaxPartCount {
			t.Fatalf("size %d: %d parts exceeds cap", size, len(plan.Ranges))
		}

		var cursor int64
		for i, r := range plan.Ranges {
			if r.PartNumber != int32(i+1) {
				t.Fatalf("size %d: part number %d at index %d", size, r.PartNumber, i)
			}
			if r.Start != cursor {
				t.Fatalf("size %d: gap/overlap at part %d: start=%d want=%d", size, r.PartNumber, r.Start, cursor)
			}
			if r.Length <= 0 {
				t.Fatalf("size %d: non-positive length at part %d", size, r.PartNumber)
			}
			if r.Length > plan.EffectiveChunk {
				t.Fatalf("size %d: part %d length %d exceeds effective chunk %d", size, r.PartNumber, r.Length, plan.EffectiveChunk)
			}
			cursor += r.Length
		}
		if cursor != size {
			t.Fatalf("size %d: ranges cover %d bytes, want %d", size, cursor, size)
		}
	}
}

func TestBuildPlanDeterministic(t *testing.T) {
	a := BuildPlan(123_456_789, 5*1024*1024)
	b := BuildPlan(123_456_789, 5*1024*1024)
	if len(a.Ranges) != len(b.Ranges) || a.EffectiveChunk != b.EffectiveChunk {
		t.Fatalf("non-deterministic plan lengths/chunks")
	}
	for i := range a.Ranges {
		if a.Ranges[i] != b.Ranges[i] {
			t.Fatalf("non-deterministic range at %d: %+v vs %+v", i, a.Ranges[i], b.Ranges[i])
		}
	}
}

func TestBuildPlanSingleSmallObject(t *testing.T) {
	plan := BuildPlan(1048576, 5*1024*1024)
	if len(plan.Ranges) != 1 {
		t.Fatalf("expected single part, got %d", len(plan.Ranges))
	}
	r := plan.Ranges[0]
	if r.PartNumber != 1 || r.Start != 0 || r.Length != 1048576 {
		t.Fatalf("unexpected range: %+v", r)
	}
}

func TestBuildPlanAdjustsChunkForPartCap(t *testing.T) {
	size := int64(60_000_000_000)
	plan := BuildPlan(size, 5*1024*1024)

	if plan.EffectiveChunk < 5*1024*1024 {
		t.Fatalf("effective chunk %d shrank below requested chunk", plan.EffectiveChunk)
	}
	if len(plan.Ranges) > MaxPartCount {
		t.Fatalf("plan exceeds part cap: %d", len(plan.Ranges))
	}
	wantChunk := size/MaxPartCount + 1024
	if plan.EffectiveChunk != wantChunk {
		t.Fatalf("effective chunk = %d, want %d", plan.EffectiveChunk, wantChunk)
	}
}
