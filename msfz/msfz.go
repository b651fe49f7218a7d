package msfz

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// File represents an opened MSFZ container. MSFZ files are read-only; the
// read path is safe for concurrent use.
type File struct {
	data   io.ReaderAt
	closer io.Closer // may be nil if data doesn't need closing
	size   int64

	header  *Header
	chunks  []chunkEntry
	streams []streamInfo
	cache   *chunkCache
}

// Open opens an MSFZ file from the given path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("msfz: failed to open file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("msfz: failed to stat file: %w", err)
	}

	mz, err := NewFile(f, stat.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	mz.closer = f
	return mz, nil
}

// NewFile creates an MSFZ file from an io.ReaderAt. The header, chunk table,
// and fragment index are loaded eagerly; chunk payloads are decompressed
// lazily on first use.
func NewFile(r io.ReaderAt, size int64) (*File, error) {
	if size < HeaderSize {
		return nil, ErrTruncatedFile
	}

	headerData := make([]byte, HeaderSize)
	if _, err := r.ReadAt(headerData, 0); err != nil {
		return nil, fmt.Errorf("msfz: failed to read header: %w", err)
	}
	header, err := ParseHeader(headerData)
	if err != nil {
		return nil, err
	}

	f := &File{
		data:   r,
		size:   size,
		header: header,
	}

	if err := f.loadChunkTable(); err != nil {
		return nil, err
	}
	if err := f.loadFragmentIndex(); err != nil {
		return nil, err
	}

	f.cache, err = newChunkCache(r, f.chunks, DefaultChunkCacheCapacity)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) loadChunkTable() error {
	h := f.header
	if h.ChunkTableOffset+h.ChunkTableSize > uint64(f.size) {
		return fmt.Errorf("%w: chunk table extends past end of file", ErrCorrupt)
	}

	data := make([]byte, h.ChunkTableSize)
	if _, err := f.data.ReadAt(data, int64(h.ChunkTableOffset)); err != nil {
		return fmt.Errorf("msfz: failed to read chunk table: %w", err)
	}

	chunks, err := parseChunkTable(data, h.NumChunks)
	if err != nil {
		return err
	}

	for i, c := range chunks {
		if c.FileOffset+uint64(c.CompressedSize) > uint64(f.size) {
			return fmt.Errorf("%w: chunk %d extends past end of file", ErrCorrupt, i)
		}
	}
	f.chunks = chunks
	return nil
}

func (f *File) loadFragmentIndex() error {
	h := f.header
	if h.StreamDirOffset+h.StreamDirSizeCompressed > uint64(f.size) {
		return fmt.Errorf("%w: stream directory extends past end of file", ErrCorrupt)
	}

	compression := Compression(h.StreamDirCompression)
	if !compression.valid() {
		return fmt.Errorf("%w: stream directory uses unknown compression %d",
			ErrCorrupt, h.StreamDirCompression)
	}

	compressed := make([]byte, h.StreamDirSizeCompressed)
	if _, err := f.data.ReadAt(compressed, int64(h.StreamDirOffset)); err != nil {
		return fmt.Errorf("msfz: failed to read stream directory: %w", err)
	}

	data := make([]byte, h.StreamDirSizeUncompressed)
	if err := decompressToSlice(compression, compressed, data); err != nil {
		return fmt.Errorf("stream directory: %w", err)
	}

	streams, err := parseFragmentIndex(data, h.NumStreams)
	if err != nil {
		return err
	}

	// Validate fragment references against the chunk table and file size.
	for i := range streams {
		for _, frag := range streams[i].fragments {
			if frag.isLiteral() {
				if frag.offset+frag.size > uint64(f.size) {
					return fmt.Errorf("%w: literal fragment of stream %d extends past end of file",
						ErrCorrupt, i)
				}
				continue
			}
			if frag.chunk >= h.NumChunks {
				return fmt.Errorf("%w: stream %d references chunk %d of %d",
					ErrCorrupt, i, frag.chunk, h.NumChunks)
			}
			entry := f.chunks[frag.chunk]
			if frag.offset+frag.size > uint64(entry.UncompressedSize) {
				return fmt.Errorf("%w: fragment of stream %d exceeds chunk %d bounds",
					ErrCorrupt, i, frag.chunk)
			}
		}
	}

	f.streams = streams
	return nil
}

// Close releases resources associated with the MSFZ file.
func (f *File) Close() error {
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// Header returns the MSFZ file header.
func (f *File) Header() *Header {
	return f.header
}

// NumStreams returns the number of streams in the file.
func (f *File) NumStreams() uint32 {
	return uint32(f.header.NumStreams)
}

// NumChunks returns the number of compressed chunks in the file.
func (f *File) NumChunks() uint32 {
	return uint32(f.header.NumChunks)
}

// NumFragments returns the total number of stream fragments.
func (f *File) NumFragments() uint32 {
	var n uint32
	for i := range f.streams {
		n += uint32(len(f.streams[i].fragments))
	}
	return n
}

// SetChunkCacheCapacity replaces the chunk cache with one bounded to the
// given number of resident decompressed chunks. Cache capacity never changes
// read results, only memory use.
func (f *File) SetChunkCacheCapacity(capacity int) error {
	cache, err := newChunkCache(f.data, f.chunks, capacity)
	if err != nil {
		return err
	}
	f.cache = cache
	return nil
}

// StreamSize returns the size of the given stream in bytes. Nil streams
// report size 0.
func (f *File) StreamSize(streamIndex uint32) (uint32, error) {
	si, err := f.streamInfoFor(streamIndex)
	if err != nil {
		if errors.Is(err, ErrNilStream) {
			return 0, nil
		}
		return 0, err
	}
	return uint32(si.size()), nil
}

// StreamExists returns true if the stream exists and is not a nil stream.
func (f *File) StreamExists(streamIndex uint32) bool {
	if uint64(streamIndex) >= f.header.NumStreams {
		return false
	}
	return !f.streams[streamIndex].nilStream
}

func (f *File) streamInfoFor(streamIndex uint32) (*streamInfo, error) {
	if uint64(streamIndex) >= f.header.NumStreams {
		return nil, fmt.Errorf("%w: %d", ErrInvalidStreamIndex, streamIndex)
	}
	si := &f.streams[streamIndex]
	if si.nilStream {
		return nil, fmt.Errorf("%w: stream %d", ErrNilStream, streamIndex)
	}
	return si, nil
}

// ReadStream reads an entire stream into memory. When the stream consists of
// a single fragment, the returned slice may share storage with the chunk
// cache; callers must not modify it. Fragments are concatenated in order.
func (f *File) ReadStream(streamIndex uint32) ([]byte, error) {
	si, err := f.streamInfoFor(streamIndex)
	if err != nil {
		return nil, err
	}

	size := si.size()
	if size == 0 {
		return []byte{}, nil
	}

	// Single chunked fragment: return a view into the shared decompressed
	// chunk without copying.
	if len(si.fragments) == 1 && !si.fragments[0].isLiteral() {
		frag := si.fragments[0]
		chunk, err := f.cache.chunkData(uint32(frag.chunk))
		if err != nil {
			return nil, err
		}
		return chunk[frag.offset : frag.offset+frag.size], nil
	}

	dst := make([]byte, size)
	pos := uint64(0)
	for _, frag := range si.fragments {
		if err := f.readFragment(frag, 0, dst[pos:pos+frag.size]); err != nil {
			return nil, err
		}
		pos += frag.size
	}
	return dst, nil
}

// readFragment copies len(dst) bytes of a fragment, starting at the given
// offset within the fragment, into dst.
func (f *File) readFragment(frag fragment, offset uint64, dst []byte) error {
	if frag.isLiteral() {
		if _, err := f.data.ReadAt(dst, int64(frag.offset+offset)); err != nil {
			return fmt.Errorf("msfz: failed to read literal fragment: %w", err)
		}
		return nil
	}

	chunk, err := f.cache.chunkData(uint32(frag.chunk))
	if err != nil {
		return err
	}
	copy(dst, chunk[frag.offset+offset:frag.offset+offset+uint64(len(dst))])
	return nil
}

// OpenStream returns a random-access reader for the given stream.
func (f *File) OpenStream(streamIndex uint32) (*Stream, error) {
	si, err := f.streamInfoFor(streamIndex)
	if err != nil {
		return nil, err
	}
	return &Stream{f: f, info: si}, nil
}

// Stream provides random-access reads of one stream in an MSFZ container.
// It implements io.ReaderAt.
type Stream struct {
	f    *File
	info *streamInfo
}

// Size returns the total size of the stream in bytes.
func (s *Stream) Size() uint32 {
	return uint32(s.info.size())
}

// ReadAt implements io.ReaderAt: it locates the starting fragment by binary
// search over the cumulative-length prefix table and streams bytes into p.
func (s *Stream) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("msfz: negative offset: %d", off)
	}
	size := s.info.size()
	if uint64(off) >= size {
		return 0, io.EOF
	}

	pos := uint64(off)
	total := 0
	for len(p) > 0 && pos < size {
		i := s.info.findFragment(pos)
		frag := s.info.fragments[i]
		fragPos := pos - s.info.prefix[i]

		n := frag.size - fragPos
		if uint64(len(p)) < n {
			n = uint64(len(p))
		}
		if err := s.f.readFragment(frag, fragPos, p[:n]); err != nil {
			return total, err
		}

		total += int(n)
		pos += n
		p = p[n:]
	}

	if len(p) > 0 {
		return total, io.EOF
	}
	return total, nil
}
