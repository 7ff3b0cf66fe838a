package bufpool

import "testing"

// Ring tail monotonicity invariant from spec.md §8.
func TestSharedRingTailMonotonic(t *testing.T) {
	sr, err := NewSharedRing(64, 128, 7, false)
	if err != nil {
		t.Fatalf("NewSharedRing: %v", err)
	}
	defer sr.Close()

	last := sr.Tail()
	if last != 64 {
		t.Fatalf("got initial tail=%d, want 64", last)
	}

	for round := 0; round < 4; round++ {
		for i := uint16(0); i < returnBatchSize; i++ {
			sr.ReturnIndex(i)
		}
		cur := sr.Tail()
		if cur < last {
			t.Fatalf("tail decreased: %d -> %d", last, cur)
		}
		last = cur
	}
}

func TestSharedRingNeedsPublishAlwaysFalse(t *testing.T) {
	sr, err := NewSharedRing(8, 64, 1, false)
	if err != nil {
		t.Fatalf("NewSharedRing: %v", err)
	}
	defer sr.Close()
	sr.ReturnIndex(0)
	if sr.NeedsPublish() {
		t.Fatalf("shared ring must never need an explicit publish")
	}
}

func TestSharedRingGetDataDistinctBuffers(t *testing.T) {
	sr, err := NewSharedRing(4, 32, 1, false)
	if err != nil {
		t.Fatalf("NewSharedRing: %v", err)
	}
	defer sr.Close()
	b0 := sr.GetData(0)
	b1 := sr.GetData(1)
	b0[0] = 0x42
	if b1[0] == 0x42 {
		t.Fatalf("buffers must not alias")
	}
}

func TestNextPow2(t *testing.T) {
	cases := map[int]int{1: 1, 2: 2, 3: 4, 5: 8, 8: 8, 9: 16}
	for in, want := range cases {
		if got := nextPow2(in); got != want {
			t.Fatalf("nextPow2(%d) = %d, want %d", in, got, want)
		}
	}
}
