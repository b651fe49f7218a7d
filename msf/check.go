package msf

import (
	"fmt"
	"slices"
)

// invariantChecks enables the consistency self-checks after every mutation
// and at commit boundaries. Tests turn this on; it is too expensive for
// production use on large files.
var invariantChecks = false

// checkInvariants verifies the writable handle's in-memory state:
//
//   - the three allocator bitmaps cover exactly numBlocks
//   - blocks owned by committed streams are pairwise disjoint, in range,
//     in-use, and not fresh
//   - stream 0 is present
//   - every modified stream index is below the stream count
//   - the directory serialization round-trips
//
// Panics on violation: an invariant failure is a library bug, not an input
// error.
func (f *File) checkInvariants() {
	if !invariantChecks || !f.writable || f.alloc == nil || f.directory == nil {
		return
	}

	a := f.alloc
	if a.fpm.len() != a.numBlocks || a.fresh.len() != a.numBlocks || a.freed.len() != a.numBlocks {
		panic(fmt.Sprintf("msf: bitmap lengths %d/%d/%d disagree with numBlocks %d",
			a.fpm.len(), a.fresh.len(), a.freed.len(), a.numBlocks))
	}

	if len(f.directory.StreamSizes) == 0 {
		panic("msf: stream 0 missing from directory")
	}

	busy := newBitvec(a.numBlocks)
	checkCommitted := func(what string, blocks []uint32) {
		for _, b := range blocks {
			if b >= a.numBlocks {
				panic(fmt.Sprintf("msf: %s block %d out of range (numBlocks=%d)", what, b, a.numBlocks))
			}
			if busy.get(b) {
				panic(fmt.Sprintf("msf: %s block %d owned by more than one stream", what, b))
			}
			busy.set(b)
			if a.fresh.get(b) {
				panic(fmt.Sprintf("msf: %s block %d is fresh but committed", what, b))
			}
			if a.fpm.get(b) {
				panic(fmt.Sprintf("msf: %s block %d is committed but marked free", what, b))
			}
		}
	}
	for i, blocks := range f.directory.StreamBlocks {
		checkCommitted(fmt.Sprintf("stream %d", i), blocks)
	}
	checkCommitted("directory", f.dirBlocks)
	checkCommitted("directory map", f.mapBlocks)

	for index := range f.modified {
		if index >= f.numStreamsMem {
			panic(fmt.Sprintf("msf: modified stream %d >= stream count %d", index, f.numStreamsMem))
		}
	}

	roundTrip, err := ParseDirectory(f.directory.MarshalBinary(), f.blockSizeU())
	if err != nil {
		panic(fmt.Sprintf("msf: directory does not reparse: %v", err))
	}
	if roundTrip.NumStreams != f.directory.NumStreams {
		panic("msf: directory round-trip changed the stream count")
	}
	for i, size := range f.directory.StreamSizes {
		if roundTrip.StreamSizes[i] != size || !slices.Equal(roundTrip.StreamBlocks[i], f.directory.StreamBlocks[i]) {
			panic(fmt.Sprintf("msf: directory round-trip changed stream %d", i))
		}
	}
}
