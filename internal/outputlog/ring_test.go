package outputlog

import "testing"

func TestRingTailReturnsOldestFirst(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Append("stdout", []byte{byte('a' + i)}, int64(i))
	}

	tail := r.Tail(3)
	if len(tail) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(tail))
	}
	for i, line := range tail {
		if line.Seq != int64(2+i) {
			t.Fatalf("tail[%d].Seq = %d, want %d", i, line.Seq, 2+i)
		}
	}
}

func TestRingEvictsOldestOnOverflow(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 5; i++ {
		r.Append("stdout", []byte{byte('a' + i)}, 0)
	}
	tail := r.Tail(10)
	if len(tail) != 3 {
		t.Fatalf("expected ring capped at 3 lines, got %d", len(tail))
	}
	if tail[0].Seq != 2 {
		t.Fatalf("expected oldest surviving seq 2, got %d", tail[0].Seq)
	}
}

func TestRingSince(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 5; i++ {
		r.Append("stdout", nil, 0)
	}
	since := r.Since(2)
	if len(since) != 2 {
		t.Fatalf("expected 2 lines after seq 2, got %d", len(since))
	}
	if since[0].Seq != 3 || since[1].Seq != 4 {
		t.Fatalf("unexpected seqs: %v %v", since[0].Seq, since[1].Seq)
	}
}

func TestRingSlice(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 6; i++ {
		r.Append("stdout", nil, 0)
	}
	sl := r.Slice(1, 3)
	if len(sl) != 3 {
		t.Fatalf("expected 3 lines in [1,3], got %d", len(sl))
	}
	if sl[0].Seq != 1 || sl[2].Seq != 3 {
		t.Fatalf("unexpected slice bounds: %+v", sl)
	}
}

func TestRingSeedContinuesSequencing(t *testing.T) {
	r := NewRing(10)
	r.Seed([]Line{{Seq: 0}, {Seq: 1}, {Seq: 2}})
	line := r.Append("stdout", nil, 0)
	if line.Seq != 3 {
		t.Fatalf("expected next seq 3 after seeding, got %d", line.Seq)
	}
}
