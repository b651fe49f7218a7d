package msf

import (
	"encoding/binary"
	"fmt"
	"io"
)

// NewStream appends a new, empty stream and returns its index together with a
// writer for it. The stream has no blocks until the first write.
func (f *File) NewStream() (uint32, *StreamWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writableCheck(); err != nil {
		return 0, nil, err
	}

	index := f.numStreamsMem
	f.numStreamsMem++
	f.modified[index] = &modifiedStream{size: 0}
	f.checkInvariants()
	return index, &StreamWriter{f: f, stream: index}, nil
}

// NilStream appends a nil stream: an index that exists but has no content.
// Reads and writes of a nil stream fail with ErrNilStream.
func (f *File) NilStream() (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writableCheck(); err != nil {
		return 0, err
	}

	index := f.numStreamsMem
	f.numStreamsMem++
	f.modified[index] = &modifiedStream{size: NilStreamSize}
	f.checkInvariants()
	return index, nil
}

// WriteStream opens an existing stream for writing.
func (f *File) WriteStream(streamIndex uint32) (*StreamWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writableCheck(); err != nil {
		return nil, err
	}
	if streamIndex >= f.numStreamsMem {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStreamIndex, streamIndex)
	}
	if ms, ok := f.modified[streamIndex]; ok {
		if ms.size == NilStreamSize {
			return nil, fmt.Errorf("%w: stream %d", ErrNilStream, streamIndex)
		}
	} else if f.directory.StreamSizes[streamIndex] == NilStreamSize {
		return nil, fmt.Errorf("%w: stream %d", ErrNilStream, streamIndex)
	}

	return &StreamWriter{f: f, stream: streamIndex}, nil
}

func (f *File) writableCheck() error {
	if !f.writable {
		return ErrReadOnly
	}
	if f.failed != nil {
		return f.failed
	}
	return nil
}

// modifiedStreamFor returns the uncommitted state for a stream, creating it
// from the committed state on first touch.
func (f *File) modifiedStreamFor(streamIndex uint32) *modifiedStream {
	if ms, ok := f.modified[streamIndex]; ok {
		return ms
	}
	ms := &modifiedStream{
		blocks: append([]uint32(nil), f.directory.StreamBlocks[streamIndex]...),
		size:   f.directory.StreamSizes[streamIndex],
	}
	f.modified[streamIndex] = ms
	return ms
}

// StreamWriter writes to a single stream. All writes land in fresh blocks:
// touching a committed block first copies it, so the committed container
// state stays byte-reachable until Commit.
type StreamWriter struct {
	f      *File
	stream uint32
	pos    uint32
}

// Write implements io.Writer, appending at the writer's current position.
func (w *StreamWriter) Write(p []byte) (int, error) {
	n, err := w.WriteAt(p, int64(w.pos))
	w.pos += uint32(n)
	return n, err
}

// WriteAt writes p at the given stream offset, extending the stream as
// needed. Implements io.WriterAt.
func (w *StreamWriter) WriteAt(p []byte, off int64) (int, error) {
	f := w.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writableCheck(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("msf: negative offset: %d", off)
	}
	if off+int64(len(p)) > MaxStreamSize {
		return 0, fmt.Errorf("%w: write to %d", ErrStreamTooLarge, off+int64(len(p)))
	}
	if len(p) == 0 {
		return 0, nil
	}

	ms := f.modifiedStreamFor(w.stream)
	end := uint32(off) + uint32(len(p))
	if end > ms.size {
		if err := f.extendStream(ms, end); err != nil {
			return 0, err
		}
	}

	if err := f.writeStreamRange(ms, uint32(off), p); err != nil {
		return 0, err
	}
	f.checkInvariants()
	return len(p), nil
}

// SetLen truncates or zero-extends the stream to n bytes.
func (w *StreamWriter) SetLen(n uint32) error {
	f := w.f
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writableCheck(); err != nil {
		return err
	}
	if n > MaxStreamSize {
		return fmt.Errorf("%w: %d", ErrStreamTooLarge, n)
	}

	ms := f.modifiedStreamFor(w.stream)
	switch {
	case n < ms.size:
		keep := (n + f.blockSizeU() - 1) / f.blockSizeU()
		for _, b := range ms.blocks[keep:] {
			f.alloc.free(b)
		}
		ms.blocks = ms.blocks[:keep]
		ms.size = n
	case n > ms.size:
		if err := f.extendStream(ms, n); err != nil {
			return err
		}
	}
	f.checkInvariants()
	return nil
}

// Size returns the stream's current (uncommitted) size.
func (w *StreamWriter) Size() uint32 {
	w.f.mu.Lock()
	defer w.f.mu.Unlock()
	if ms, ok := w.f.modified[w.stream]; ok {
		return ms.size
	}
	return w.f.directory.StreamSizes[w.stream]
}

func (f *File) blockSizeU() uint32 { return f.superBlock.BlockSize }

// extendStream grows a stream to newSize, zero-filling the gap. Newly
// allocated blocks are zeroed on disk at allocation, so only the tail of the
// old last block needs explicit zeroing.
func (f *File) extendStream(ms *modifiedStream, newSize uint32) error {
	bs := f.blockSizeU()
	oldSize := ms.size

	// Zero the tail of the current last block beyond the old size; it may
	// hold stale bytes from an earlier, longer incarnation of the stream.
	if tail := oldSize % bs; tail != 0 {
		n := bs - tail
		if oldSize+n > newSize {
			n = newSize - oldSize
		}
		if err := f.writeStreamRange(ms, oldSize, make([]byte, n)); err != nil {
			return err
		}
	}

	needBlocks := (newSize + bs - 1) / bs
	for uint32(len(ms.blocks)) < needBlocks {
		b := f.alloc.allocate()
		if err := f.writeZeroBlock(b); err != nil {
			f.alloc.free(b)
			return err
		}
		ms.blocks = append(ms.blocks, b)
	}
	ms.size = newSize
	return nil
}

// writeStreamRange writes p at stream offset off. The block list must already
// cover the range. Committed blocks in the range are copied onto fresh blocks
// before being modified.
func (f *File) writeStreamRange(ms *modifiedStream, off uint32, p []byte) error {
	bs := f.blockSizeU()
	for len(p) > 0 {
		blockIndex := off / bs
		intra := off % bs
		n := bs - intra
		if uint32(len(p)) < n {
			n = uint32(len(p))
		}

		block := ms.blocks[blockIndex]
		if !f.alloc.fresh.get(block) {
			// Copy-on-write: committed blocks are never modified in place.
			fresh, err := f.copyBlock(block, intra == 0 && n == bs)
			if err != nil {
				return err
			}
			f.alloc.free(block)
			ms.blocks[blockIndex] = fresh
			block = fresh
		}

		if _, err := f.file.WriteAt(p[:n], f.superBlock.BlockOffset(block)+int64(intra)); err != nil {
			return f.fail(fmt.Errorf("msf: failed to write block %d: %w", block, err))
		}

		off += n
		p = p[n:]
	}
	return nil
}

// copyBlock allocates a fresh block and, unless the caller is about to
// overwrite all of it, copies the old block's contents into it.
func (f *File) copyBlock(old uint32, fullOverwrite bool) (uint32, error) {
	fresh := f.alloc.allocate()
	if fullOverwrite {
		return fresh, nil
	}
	buf := make([]byte, f.blockSizeU())
	if _, err := f.data.ReadAt(buf, f.superBlock.BlockOffset(old)); err != nil && err != io.EOF {
		f.alloc.free(fresh)
		return 0, f.fail(fmt.Errorf("msf: failed to read block %d: %w", old, err))
	}
	if _, err := f.file.WriteAt(buf, f.superBlock.BlockOffset(fresh)); err != nil {
		f.alloc.free(fresh)
		return 0, f.fail(fmt.Errorf("msf: failed to write block %d: %w", fresh, err))
	}
	return fresh, nil
}

// writeZeroBlock zeroes a block on disk.
func (f *File) writeZeroBlock(block uint32) error {
	zero := make([]byte, f.blockSizeU())
	if _, err := f.file.WriteAt(zero, f.superBlock.BlockOffset(block)); err != nil {
		return f.fail(fmt.Errorf("msf: failed to zero block %d: %w", block, err))
	}
	return nil
}

// fail latches a permanent failure on the handle.
func (f *File) fail(err error) error {
	if f.failed == nil {
		f.failed = err
	}
	return err
}

// Commit atomically publishes all uncommitted mutations. The sequence writes
// stream data, the new directory, its block list, and the inactive FPM copy
// into blocks the committed state does not reference, then writes the new
// superblock as the single final write. A crash at any earlier point leaves
// the previous committed state intact.
//
// Commit with no pending mutations is a no-op and leaves the file
// byte-identical.
func (f *File) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writableCheck(); err != nil {
		return err
	}
	return f.commitLocked(false)
}

func (f *File) commitLocked(force bool) error {
	if !force && len(f.modified) == 0 && f.numStreamsMem == f.directory.NumStreams {
		return nil
	}

	newDir, sb, err := f.commitPrepare()
	if err != nil {
		return err
	}
	if err := f.commitFinish(sb); err != nil {
		return err
	}

	f.directory = newDir
	f.superBlock = sb
	f.size = sb.FileSize()
	f.alloc.commitFold()
	f.modified = make(map[uint32]*modifiedStream)
	f.checkInvariants()
	return nil
}

// commitPrepare performs every step of the commit sequence except the final
// superblock write: it folds the modified streams into a new directory,
// writes the directory and its block list into fresh blocks, frees the old
// ones, writes the new FPM image to the inactive copy, and pads the file.
// Nothing it writes is reachable from the old superblock.
func (f *File) commitPrepare() (*StreamDirectory, *SuperBlock, error) {
	bs := f.blockSizeU()

	// Fold uncommitted streams into a new directory.
	newDir := f.directory.clone()
	for newDir.NumStreams < f.numStreamsMem {
		newDir.StreamSizes = append(newDir.StreamSizes, NilStreamSize)
		newDir.StreamBlocks = append(newDir.StreamBlocks, nil)
		newDir.NumStreams++
	}
	for index, ms := range f.modified {
		if ms.size == NilStreamSize {
			newDir.StreamSizes[index] = NilStreamSize
			newDir.StreamBlocks[index] = nil
			continue
		}
		newDir.StreamSizes[index] = ms.size
		newDir.StreamBlocks[index] = append([]uint32(nil), ms.blocks...)
	}

	// The old directory's blocks become free once this commit lands.
	for _, b := range f.dirBlocks {
		f.alloc.free(b)
	}
	for _, b := range f.mapBlocks {
		f.alloc.free(b)
	}

	// Write the new directory into fresh blocks.
	dirBytes := newDir.MarshalBinary()
	numDirBlocks := (uint32(len(dirBytes)) + bs - 1) / bs
	dirBlocks := make([]uint32, 0, numDirBlocks)
	for i := uint32(0); i < numDirBlocks; i++ {
		dirBlocks = append(dirBlocks, f.alloc.allocate())
	}
	for i, b := range dirBlocks {
		chunk := dirBytes[uint32(i)*bs:]
		if uint32(len(chunk)) > bs {
			chunk = chunk[:bs]
		}
		padded := make([]byte, bs)
		copy(padded, chunk)
		if _, err := f.file.WriteAt(padded, f.superBlock.BlockOffset(b)); err != nil {
			return nil, nil, f.fail(fmt.Errorf("msf: failed to write directory block %d: %w", b, err))
		}
	}

	// Write the directory's block list. The superblock names only its first
	// block, so the list must occupy physically contiguous blocks.
	mapBytes := make([]byte, len(dirBlocks)*4)
	for i, b := range dirBlocks {
		binary.LittleEndian.PutUint32(mapBytes[i*4:], b)
	}
	numMapBlocks := (uint32(len(mapBytes)) + bs - 1) / bs
	mapBlocks := f.alloc.allocateRun(numMapBlocks)
	for i, b := range mapBlocks {
		chunk := mapBytes[uint32(i)*bs:]
		if uint32(len(chunk)) > bs {
			chunk = chunk[:bs]
		}
		padded := make([]byte, bs)
		copy(padded, chunk)
		if _, err := f.file.WriteAt(padded, f.superBlock.BlockOffset(b)); err != nil {
			return nil, nil, f.fail(fmt.Errorf("msf: failed to write block map block %d: %w", b, err))
		}
	}

	// Pad the file so its length equals NumBlocks * BlockSize.
	if err := f.file.Truncate(int64(f.alloc.numBlocks) * int64(bs)); err != nil {
		return nil, nil, f.fail(fmt.Errorf("msf: failed to pad file: %w", err))
	}

	// Write the post-commit FPM image to the inactive copy.
	newActive := uint32(3) - f.superBlock.FreeBlockMapBlock
	if err := f.writeFPM(newActive); err != nil {
		return nil, nil, err
	}

	if err := f.file.Sync(); err != nil {
		return nil, nil, f.fail(fmt.Errorf("msf: failed to sync: %w", err))
	}

	sb := &SuperBlock{
		BlockSize:         bs,
		FreeBlockMapBlock: newActive,
		NumBlocks:         f.alloc.numBlocks,
		NumDirectoryBytes: uint32(len(dirBytes)),
		BlockMapAddr:      mapBlocks[0],
	}
	copy(sb.FileMagic[:], Magic)

	f.dirBlocks = dirBlocks
	f.mapBlocks = mapBlocks
	return newDir, sb, nil
}

// commitFinish writes the new superblock. This single 56-byte write is the
// linearization point of the commit.
func (f *File) commitFinish(sb *SuperBlock) error {
	if _, err := f.file.WriteAt(sb.MarshalBinary(), 0); err != nil {
		return f.fail(fmt.Errorf("msf: failed to write superblock: %w", err))
	}
	if err := f.file.Sync(); err != nil {
		return f.fail(fmt.Errorf("msf: failed to sync superblock: %w", err))
	}
	return nil
}

// writeFPM writes the post-commit free block map image into the FPM copy
// selected by active (1 or 2). Bits beyond the end of the file are written as
// free.
func (f *File) writeFPM(active uint32) error {
	bs := f.blockSizeU()
	interval := f.superBlock.FPMInterval()
	image := f.alloc.committedFPM()
	numBlocks := f.alloc.numBlocks

	for base := uint32(0); base < numBlocks; base += interval {
		buf := make([]byte, bs)
		for i := range buf {
			buf[i] = 0xFF
		}
		covered := interval
		if base+covered > numBlocks {
			covered = numBlocks - base
		}
		for i := uint32(0); i < covered; i++ {
			if !image.get(base + i) {
				buf[i/8] &^= 1 << (i % 8)
			}
		}
		fpmBlock := base + active
		if _, err := f.file.WriteAt(buf, f.superBlock.BlockOffset(fpmBlock)); err != nil {
			return f.fail(fmt.Errorf("msf: failed to write free block map block %d: %w", fpmBlock, err))
		}
	}
	return nil
}

// Discard drops all uncommitted mutations: fresh blocks return to the free
// pool and the committed state is untouched.
func (f *File) Discard() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.writable {
		return ErrReadOnly
	}
	f.discardLocked()
	f.checkInvariants()
	return nil
}

func (f *File) discardLocked() {
	if f.alloc != nil {
		f.alloc.discard()
	}
	f.modified = make(map[uint32]*modifiedStream)
	if f.directory != nil {
		f.numStreamsMem = f.directory.NumStreams
	}
}

