package msf

// streamBlockMapper translates byte positions within a stream into byte
// offsets within the containing MSF file. It is the only place where
// block-contiguity optimization happens: when consecutive stream blocks are
// physically adjacent in the file, one transfer descriptor covers all of
// them, so callers issue a single read for the whole run.
type streamBlockMapper struct {
	blocks     []uint32
	blockSize  uint32
	streamSize uint32
}

func newStreamBlockMapper(blocks []uint32, blockSize, streamSize uint32) streamBlockMapper {
	return streamBlockMapper{blocks: blocks, blockSize: blockSize, streamSize: streamSize}
}

// next produces the next contiguous transfer descriptor for a read of up to
// want bytes starting at pos. It returns the file offset of the transfer, the
// number of bytes it covers, and whether a transfer is possible at all
// (pos >= streamSize or a truncated block list yield ok=false).
func (m streamBlockMapper) next(pos uint32, want uint32) (fileOffset int64, transfer uint32, ok bool) {
	if pos >= m.streamSize || want == 0 {
		return 0, 0, false
	}

	blockIndex := pos / m.blockSize
	intraOffset := pos % m.blockSize
	if int(blockIndex) >= len(m.blocks) {
		return 0, 0, false
	}
	first := m.blocks[blockIndex]

	// Greedily extend the run while the following blocks are physically
	// contiguous and the request still needs them.
	wantBlocks := (want + intraOffset + m.blockSize - 1) / m.blockSize
	runLen := uint32(1)
	for int(blockIndex+runLen) < len(m.blocks) &&
		runLen < wantBlocks &&
		m.blocks[blockIndex+runLen] == first+runLen {
		runLen++
	}

	fileOffset = int64(first)*int64(m.blockSize) + int64(intraOffset)
	maxBytes := runLen*m.blockSize - intraOffset
	transfer = want
	if transfer > maxBytes {
		transfer = maxBytes
	}
	if rest := m.streamSize - pos; transfer > rest {
		transfer = rest
	}
	return fileOffset, transfer, true
}
