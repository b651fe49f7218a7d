package msf

import "testing"

func TestAllocatorAllocateLowestFree(t *testing.T) {
	a := newBlockAllocator(512, 10)
	a.markAllFree()

	if got := a.allocate(); got != 3 {
		t.Fatalf("first allocation = %d, want 3 (0-2 are reserved)", got)
	}
	if got := a.allocate(); got != 4 {
		t.Fatalf("second allocation = %d, want 4", got)
	}
	if a.fpm.get(3) || !a.fresh.get(3) {
		t.Error("allocated block 3 should be in-use and fresh")
	}
}

func TestAllocatorFreeFreshReturnsToPool(t *testing.T) {
	a := newBlockAllocator(512, 10)
	a.markAllFree()

	b := a.allocate()
	a.free(b)
	if !a.fpm.get(b) || a.fresh.get(b) || a.freed.get(b) {
		t.Error("freeing a fresh block should return it to the pool immediately")
	}
	if got := a.allocate(); got != b {
		t.Errorf("reallocation = %d, want %d", got, b)
	}
}

func TestAllocatorFreeCommittedIsDeferred(t *testing.T) {
	a := newBlockAllocator(512, 10)
	a.markAllFree()
	a.markUsed(5) // simulate a committed block

	a.free(5)
	if a.fpm.get(5) {
		t.Error("committed block must stay in-use until commit")
	}
	if !a.freed.get(5) {
		t.Error("committed free must be deferred via the freed bitmap")
	}

	a.commitFold()
	if !a.fpm.get(5) || a.freed.get(5) {
		t.Error("commitFold should publish the deferred free")
	}
}

func TestAllocatorDiscardRollsBack(t *testing.T) {
	a := newBlockAllocator(512, 10)
	a.markAllFree()
	a.markUsed(5)

	b := a.allocate()
	a.free(5)
	a.discard()

	if !a.fpm.get(b) || a.fresh.get(b) {
		t.Error("discard should return fresh blocks to the pool")
	}
	if a.fpm.get(5) || a.freed.get(5) {
		t.Error("discard should forget deferred frees")
	}
}

func TestAllocatorGrowSkipsFPMBlocks(t *testing.T) {
	// Interval is blockSize*8 = 4096 for 512-byte blocks. Exhaust the first
	// interval and verify growth steps over the FPM pair.
	a := newBlockAllocator(512, 4096)
	// Nothing free: every allocation grows the file.
	got := a.allocate()
	if got != 4096 {
		t.Fatalf("first grown block = %d, want 4096", got)
	}
	if a.numBlocks != 4099 {
		t.Fatalf("numBlocks = %d, want 4099 (FPM pair appended)", a.numBlocks)
	}
	if got := a.allocate(); got != 4099 {
		t.Fatalf("next grown block = %d, want 4099", got)
	}
	for _, b := range []uint32{4097, 4098} {
		if a.fpm.get(b) || a.fresh.get(b) {
			t.Errorf("FPM block %d must be reserved, not free or fresh", b)
		}
	}
}

func TestAllocatorReservedNeverAllocated(t *testing.T) {
	a := newBlockAllocator(512, 4200)
	a.markAllFree()

	seen := map[uint32]bool{}
	for i := 0; i < 4200; i++ {
		b := a.allocate()
		if a.isReserved(b) {
			t.Fatalf("allocated reserved block %d", b)
		}
		if seen[b] {
			t.Fatalf("block %d allocated twice", b)
		}
		seen[b] = true
	}
}

func TestAllocateRunContiguous(t *testing.T) {
	a := newBlockAllocator(512, 100)
	a.markAllFree()
	a.markUsed(5) // hole in the free space

	run := a.allocateRun(4)
	if len(run) != 4 {
		t.Fatalf("run length = %d, want 4", len(run))
	}
	for i := 1; i < len(run); i++ {
		if run[i] != run[i-1]+1 {
			t.Fatalf("run is not contiguous: %v", run)
		}
	}
	for _, b := range run {
		if b == 5 {
			t.Fatalf("run includes the in-use block 5: %v", run)
		}
	}
}

func TestBitvecFirstSet(t *testing.T) {
	v := newBitvec(200)
	v.set(70)
	v.set(130)

	if got, ok := v.firstSet(0); !ok || got != 70 {
		t.Errorf("firstSet(0) = %d,%v, want 70,true", got, ok)
	}
	if got, ok := v.firstSet(71); !ok || got != 130 {
		t.Errorf("firstSet(71) = %d,%v, want 130,true", got, ok)
	}
	if _, ok := v.firstSet(131); ok {
		t.Error("firstSet(131) should find nothing")
	}
}
