package msfz

import (
	"fmt"
	"sort"

	"github.com/skdltmxn/msf-go/internal/stream"
)

// FragmentRecordSize is the size of one fragment descriptor on disk.
const FragmentRecordSize = 24

// fragment locates one contiguous piece of a stream. For a chunked fragment,
// chunk is the chunk id and offset is the position within the decompressed
// chunk. For a literal fragment (chunk == LiteralFragment), offset is a byte
// offset within the container file.
type fragment struct {
	chunk  uint64
	offset uint64
	size   uint64
}

func (f fragment) isLiteral() bool { return f.chunk == LiteralFragment }

// streamInfo is one stream's entry in the fragment index.
type streamInfo struct {
	nilStream bool
	fragments []fragment
	// prefix[i] is the stream offset where fragment i begins;
	// prefix[len(fragments)] is the stream's total size.
	prefix []uint64
}

func (si *streamInfo) size() uint64 {
	if si.nilStream || len(si.prefix) == 0 {
		return 0
	}
	return si.prefix[len(si.prefix)-1]
}

// findFragment returns the index of the fragment containing stream offset
// pos. The caller guarantees pos < size().
func (si *streamInfo) findFragment(pos uint64) int {
	// First fragment whose end is beyond pos.
	return sort.Search(len(si.fragments), func(i int) bool {
		return si.prefix[i+1] > pos
	})
}

// parseFragmentIndex parses the decompressed stream directory region: for
// each stream a fragment count followed by that many fragment descriptors.
func parseFragmentIndex(data []byte, numStreams uint64) ([]streamInfo, error) {
	r := stream.NewReader(data)
	streams := make([]streamInfo, numStreams)

	for i := range streams {
		count, err := r.ReadU32()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated fragment index at stream %d", ErrCorrupt, i)
		}
		if count == NilStreamFragments {
			streams[i].nilStream = true
			continue
		}

		si := &streams[i]
		si.fragments = make([]fragment, count)
		si.prefix = make([]uint64, count+1)
		for j := uint32(0); j < count; j++ {
			chunk, err1 := r.ReadU64()
			offset, err2 := r.ReadU64()
			size, err3 := r.ReadU64()
			if err1 != nil || err2 != nil || err3 != nil {
				return nil, fmt.Errorf("%w: truncated fragment descriptor in stream %d", ErrCorrupt, i)
			}
			si.fragments[j] = fragment{chunk: chunk, offset: offset, size: size}
			si.prefix[j+1] = si.prefix[j] + size
		}
		if si.size() > 0xFFFFFFFE {
			return nil, fmt.Errorf("%w: stream %d is %d bytes, exceeding the stream size limit",
				ErrCorrupt, i, si.size())
		}
	}

	if r.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after fragment index", ErrCorrupt, r.Remaining())
	}
	return streams, nil
}

// marshalFragmentIndex serializes the stream directory region.
func marshalFragmentIndex(streams []streamInfo) []byte {
	w := stream.NewWriter()
	for _, si := range streams {
		if si.nilStream {
			w.WriteU32(NilStreamFragments)
			continue
		}
		w.WriteU32(uint32(len(si.fragments)))
		for _, frag := range si.fragments {
			w.WriteU64(frag.chunk)
			w.WriteU64(frag.offset)
			w.WriteU64(frag.size)
		}
	}
	return w.Bytes()
}
