package msf

import "math/bits"

// bitvec is a fixed-width bit vector backed by 64-bit words. The free block
// map and the allocator's transaction state all use the same representation;
// bit order within a byte matches the on-disk FPM (bit i of byte b describes
// block b*8+i).
type bitvec struct {
	words []uint64
	n     uint32
}

func newBitvec(n uint32) bitvec {
	return bitvec{words: make([]uint64, (int(n)+63)/64), n: n}
}

func (v *bitvec) len() uint32 { return v.n }

func (v *bitvec) get(i uint32) bool {
	return v.words[i/64]&(1<<(i%64)) != 0
}

func (v *bitvec) set(i uint32) {
	v.words[i/64] |= 1 << (i % 64)
}

func (v *bitvec) clear(i uint32) {
	v.words[i/64] &^= 1 << (i % 64)
}

func (v *bitvec) setTo(i uint32, b bool) {
	if b {
		v.set(i)
	} else {
		v.clear(i)
	}
}

// resize grows the vector to n bits; new bits are zero.
func (v *bitvec) resize(n uint32) {
	need := (int(n) + 63) / 64
	for len(v.words) < need {
		v.words = append(v.words, 0)
	}
	v.n = n
}

// firstSet returns the index of the lowest set bit at or above from,
// or false if none exists.
func (v *bitvec) firstSet(from uint32) (uint32, bool) {
	if from >= v.n {
		return 0, false
	}
	w := from / 64
	masked := v.words[w] &^ ((1 << (from % 64)) - 1)
	for {
		if masked != 0 {
			i := uint32(w)*64 + uint32(bits.TrailingZeros64(masked))
			if i >= v.n {
				return 0, false
			}
			return i, true
		}
		w++
		if int(w) >= len(v.words) {
			return 0, false
		}
		masked = v.words[w]
	}
}

// count returns the number of set bits.
func (v *bitvec) count() uint32 {
	var c uint32
	for i, w := range v.words {
		if uint32(i+1)*64 > v.n {
			w &= (1 << (v.n % 64)) - 1
		}
		c += uint32(bits.OnesCount64(w))
	}
	return c
}

// bytes serializes the first n bits into ceil(n/8) bytes, little-endian bit
// order, exactly as FPM blocks store them.
func (v *bitvec) bytes(n uint32) []byte {
	out := make([]byte, (n+7)/8)
	for i := uint32(0); i < n && i < v.n; i++ {
		if v.get(i) {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// blockAllocator tracks the allocation state of every block in an open
// writable MSF file. Each block carries three orthogonal bits:
//
//	fpm   - block is free (set bit = free, the documented FPM convention)
//	fresh - block was allocated by the current uncommitted transaction
//	freed - block was released by the current transaction and becomes
//	        free when the transaction commits
//
// Blocks holding the superblock and the FPM copies are permanently reserved:
// their fpm bit is never set and allocation skips them.
type blockAllocator struct {
	blockSize uint32
	numBlocks uint32
	fpm       bitvec
	fresh     bitvec
	freed     bitvec
}

func newBlockAllocator(blockSize, numBlocks uint32) *blockAllocator {
	a := &blockAllocator{
		blockSize: blockSize,
		numBlocks: numBlocks,
		fpm:       newBitvec(numBlocks),
		fresh:     newBitvec(numBlocks),
		freed:     newBitvec(numBlocks),
	}
	return a
}

// isReserved reports whether the block can never hold stream data: block 0 is
// the superblock, and the two FPM copies occupy blocks 1 and 2 of every FPM
// interval.
func (a *blockAllocator) isReserved(block uint32) bool {
	if block == 0 {
		return true
	}
	m := block % (a.blockSize * 8)
	return m == 1 || m == 2
}

// markAllFree sets every non-reserved block free. Used when rebuilding
// allocator state from a directory rather than from an on-disk FPM.
func (a *blockAllocator) markAllFree() {
	for b := uint32(0); b < a.numBlocks; b++ {
		if !a.isReserved(b) {
			a.fpm.set(b)
		}
	}
}

// markUsed clears the free bit for a block known to belong to committed data.
func (a *blockAllocator) markUsed(block uint32) {
	a.fpm.clear(block)
}

// allocate returns the lowest free, non-fresh block, growing the file by one
// block when no free block exists. The returned block is marked in-use and
// fresh.
func (a *blockAllocator) allocate() uint32 {
	from := uint32(0)
	for {
		b, ok := a.fpm.firstSet(from)
		if !ok {
			break
		}
		if !a.fresh.get(b) {
			a.fpm.clear(b)
			a.fresh.set(b)
			return b
		}
		from = b + 1
	}
	return a.grow()
}

// grow extends the file by one usable block. Reserved FPM positions at the
// tail are appended as in-use blocks, both before the new block and after it,
// so that the FPM pair covering any existing block always exists in the file.
func (a *blockAllocator) grow() uint32 {
	for a.isReserved(a.numBlocks) {
		a.appendBlock()
	}
	b := a.numBlocks
	a.appendBlock()
	a.fresh.set(b)
	for a.isReserved(a.numBlocks) {
		a.appendBlock()
	}
	return b
}

func (a *blockAllocator) appendBlock() {
	a.numBlocks++
	a.fpm.resize(a.numBlocks)
	a.fresh.resize(a.numBlocks)
	a.freed.resize(a.numBlocks)
}

// allocateRun returns n physically contiguous blocks. A run never straddles
// reserved blocks, so it falls back to growing the file when no free run of
// the required length exists below the current tail.
func (a *blockAllocator) allocateRun(n uint32) []uint32 {
	if n == 0 {
		return nil
	}
	// Search the existing free space for a contiguous run.
	var start, run uint32
	for b := uint32(0); b < a.numBlocks; b++ {
		if a.fpm.get(b) && !a.fresh.get(b) {
			if run == 0 {
				start = b
			}
			run++
			if run == n {
				out := make([]uint32, n)
				for i := uint32(0); i < n; i++ {
					out[i] = start + i
					a.fpm.clear(start + i)
					a.fresh.set(start + i)
				}
				return out
			}
		} else {
			run = 0
		}
	}
	// Grow at the tail until a run fits.
	out := make([]uint32, 0, n)
	for uint32(len(out)) < n {
		b := a.grow()
		if len(out) > 0 && b != out[len(out)-1]+1 {
			// Interval boundary interrupted the run; start over past it.
			for _, p := range out {
				a.fresh.clear(p)
				a.fpm.set(p)
			}
			out = out[:0]
		}
		out = append(out, b)
	}
	return out
}

// free releases a block. A fresh block returns to the free pool immediately;
// a committed block is deferred to freed so readers of the committed state
// keep seeing its contents until the transaction commits.
func (a *blockAllocator) free(block uint32) {
	if a.fresh.get(block) {
		a.fresh.clear(block)
		a.fpm.set(block)
		return
	}
	a.freed.set(block)
}

// commitFold publishes the transaction's frees: every deferred block becomes
// free and all fresh marks are dropped.
func (a *blockAllocator) commitFold() {
	for i := range a.freed.words {
		a.fpm.words[i] |= a.freed.words[i]
		a.freed.words[i] = 0
		a.fresh.words[i] = 0
	}
}

// discard rolls back the transaction: fresh blocks return to the free pool
// and deferred frees are forgotten.
func (a *blockAllocator) discard() {
	for i := range a.fresh.words {
		a.fpm.words[i] |= a.fresh.words[i]
		a.fresh.words[i] = 0
		a.freed.words[i] = 0
	}
	// Reserved blocks never become free, even if grow() raced an interval
	// boundary inside the dropped transaction.
	for b := uint32(0); b < a.numBlocks; b++ {
		if a.isReserved(b) && a.fpm.get(b) {
			a.fpm.clear(b)
		}
	}
}

// committedFPM returns the free map as it must appear on disk after the
// current transaction commits: current free bits plus deferred frees.
func (a *blockAllocator) committedFPM() bitvec {
	out := newBitvec(a.numBlocks)
	for i := range out.words {
		out.words[i] = a.fpm.words[i] | a.freed.words[i]
	}
	return out
}

// numFree returns the number of free blocks.
func (a *blockAllocator) numFree() uint32 {
	return a.fpm.count()
}
