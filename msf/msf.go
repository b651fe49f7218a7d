package msf

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Errors returned by container-level operations.
var (
	ErrCorrupt        = errors.New("msf: corrupt container")
	ErrStreamTooLarge = errors.New("msf: stream size limit exceeded")
	ErrReadOnly       = errors.New("msf: file is opened read-only")
)

// MaxStreamSize is the largest valid stream size. 0xFFFFFFFF is reserved as
// the nil stream marker.
const MaxStreamSize = 0xFFFFFFFE

// modifiedStream holds the uncommitted block list and size of a stream that
// the current transaction has touched. All of its blocks are either fresh or
// carried over from the committed state unmodified.
type modifiedStream struct {
	blocks []uint32
	size   uint32
}

// File represents an opened MSF file.
//
// A read-only File (from Open or NewFile) is safe for concurrent readers.
// A writable File (from Create or OpenFile) is single-owner: the caller must
// serialize all access, and uncommitted mutations are visible through the
// same handle but never on disk until Commit.
type File struct {
	data       io.ReaderAt
	file       *os.File  // non-nil only for writable handles
	closer     io.Closer // may be nil if data doesn't need closing
	size       int64
	superBlock *SuperBlock
	directory  *StreamDirectory

	// Lazy loading synchronization (read-only path)
	dirOnce sync.Once
	dirErr  error

	// Writable state
	writable      bool
	alloc         *blockAllocator
	modified      map[uint32]*modifiedStream
	numStreamsMem uint32   // committed stream count plus streams added this transaction
	dirBlocks     []uint32 // blocks holding the committed directory
	mapBlocks     []uint32 // blocks holding the committed directory's block list
	failed        error    // latched write-path I/O failure; never cleared

	mu sync.Mutex
}

// Open opens an MSF file read-only from the given path.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("msf: failed to open file: %w", err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("msf: failed to stat file: %w", err)
	}

	msf, err := NewFile(f, stat.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	msf.closer = f
	return msf, nil
}

// NewFile creates a read-only MSF file from an io.ReaderAt.
// This allows reading from arbitrary sources (embedded, network, etc.)
// The caller is responsible for closing the underlying reader if needed.
func NewFile(r io.ReaderAt, size int64) (*File, error) {
	if size < SuperBlockSize {
		return nil, ErrTruncatedFile
	}

	sbData := make([]byte, SuperBlockSize)
	if _, err := r.ReadAt(sbData, 0); err != nil {
		return nil, fmt.Errorf("msf: failed to read superblock: %w", err)
	}

	sb, err := ReadSuperBlock(bytes.NewReader(sbData))
	if err != nil {
		return nil, err
	}

	expectedSize := sb.FileSize()
	if size < expectedSize {
		return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrTruncatedFile, size, expectedSize)
	}

	return &File{
		data:       r,
		size:       size,
		superBlock: sb,
	}, nil
}

// OpenFile opens an MSF file for reading and writing. The directory and free
// block map are loaded eagerly and verified against each other.
func OpenFile(path string) (*File, error) {
	osf, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("msf: failed to open file: %w", err)
	}

	stat, err := osf.Stat()
	if err != nil {
		osf.Close()
		return nil, fmt.Errorf("msf: failed to stat file: %w", err)
	}

	f, err := NewFile(osf, stat.Size())
	if err != nil {
		osf.Close()
		return nil, err
	}
	f.file = osf
	f.closer = osf
	f.writable = true
	f.modified = make(map[uint32]*modifiedStream)

	if err := f.loadWriterState(); err != nil {
		osf.Close()
		return nil, err
	}

	f.checkInvariants()
	return f, nil
}

// CreateOptions configures Create.
type CreateOptions struct {
	// BlockSize is one of 512, 1024, 2048, 4096. Zero selects 4096.
	BlockSize uint32
}

// DefaultCreateOptions returns the options used when none are given.
func DefaultCreateOptions() CreateOptions {
	return CreateOptions{BlockSize: BlockSize4096}
}

// Create creates a new, empty MSF container at the given path, truncating any
// existing file. The new container holds only the reserved stream 0 until the
// caller adds streams and commits.
func Create(path string, opts CreateOptions) (*File, error) {
	if opts.BlockSize == 0 {
		opts.BlockSize = BlockSize4096
	}
	switch opts.BlockSize {
	case BlockSize512, BlockSize1024, BlockSize2048, BlockSize4096:
	default:
		return nil, ErrInvalidBlockSize
	}

	osf, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("msf: failed to create file: %w", err)
	}

	sb := &SuperBlock{
		BlockSize: opts.BlockSize,
		// The first commit flips this to 1.
		FreeBlockMapBlock: 2,
		NumBlocks:         3, // superblock and the two FPM blocks
	}
	copy(sb.FileMagic[:], Magic)

	f := &File{
		data:          osf,
		file:          osf,
		closer:        osf,
		superBlock:    sb,
		writable:      true,
		modified:      make(map[uint32]*modifiedStream),
		numStreamsMem: 1,
		directory: &StreamDirectory{
			NumStreams:   1,
			StreamSizes:  []uint32{0},
			StreamBlocks: [][]uint32{nil},
		},
		alloc: newBlockAllocator(opts.BlockSize, 3),
	}
	f.alloc.markAllFree()

	// Flush the empty container so the file is valid even before the first
	// explicit Commit.
	if err := f.commitLocked(true); err != nil {
		osf.Close()
		os.Remove(path)
		return nil, err
	}

	f.checkInvariants()
	return f, nil
}

// loadWriterState builds the allocator and uncommitted-state tracking for a
// writable handle: directory, directory block lists, and the active FPM.
func (f *File) loadWriterState() error {
	dir, err := f.Directory()
	if err != nil {
		return err
	}
	f.numStreamsMem = dir.NumStreams

	dr := NewDirectoryReader(f.superBlock, f.data)
	f.dirBlocks, err = dr.readBlockMap()
	if err != nil {
		return err
	}
	numMapBlocks := (uint32(len(f.dirBlocks))*4 + f.superBlock.BlockSize - 1) / f.superBlock.BlockSize
	f.mapBlocks = f.mapBlocks[:0]
	for i := uint32(0); i < numMapBlocks; i++ {
		f.mapBlocks = append(f.mapBlocks, f.superBlock.BlockMapAddr+i)
	}

	f.alloc = newBlockAllocator(f.superBlock.BlockSize, f.superBlock.NumBlocks)
	if err := f.loadFPM(); err != nil {
		return err
	}

	// Cross-check the FPM against the directory: every block the committed
	// state references must be marked in-use, and committed streams must not
	// share blocks.
	seen := newBitvec(f.superBlock.NumBlocks)
	checkBlock := func(b uint32) error {
		if b >= f.superBlock.NumBlocks {
			return fmt.Errorf("%w: block %d out of range", ErrCorrupt, b)
		}
		if f.alloc.isReserved(b) {
			return fmt.Errorf("%w: stream data in reserved block %d", ErrCorrupt, b)
		}
		if seen.get(b) {
			return fmt.Errorf("%w: block %d referenced twice", ErrCorrupt, b)
		}
		seen.set(b)
		if f.alloc.fpm.get(b) {
			return fmt.Errorf("%w: committed block %d marked free", ErrCorrupt, b)
		}
		return nil
	}
	for _, blocks := range dir.StreamBlocks {
		for _, b := range blocks {
			if err := checkBlock(b); err != nil {
				return err
			}
		}
	}
	for _, b := range f.dirBlocks {
		if err := checkBlock(b); err != nil {
			return err
		}
	}
	for _, b := range f.mapBlocks {
		if err := checkBlock(b); err != nil {
			return err
		}
	}

	return nil
}

// loadFPM reads the active free block map copy from disk.
func (f *File) loadFPM() error {
	sb := f.superBlock
	interval := sb.FPMInterval()
	buf := make([]byte, sb.BlockSize)

	for base := uint32(0); base < sb.NumBlocks; base += interval {
		fpmBlock := base + sb.FreeBlockMapBlock
		if fpmBlock >= sb.NumBlocks {
			return fmt.Errorf("%w: free block map block %d beyond end of file", ErrCorrupt, fpmBlock)
		}
		if _, err := f.data.ReadAt(buf, sb.BlockOffset(fpmBlock)); err != nil {
			return fmt.Errorf("msf: failed to read free block map: %w", err)
		}

		covered := interval
		if base+covered > sb.NumBlocks {
			covered = sb.NumBlocks - base
		}
		for i := uint32(0); i < covered; i++ {
			free := buf[i/8]&(1<<(i%8)) != 0
			b := base + i
			if free && f.alloc.isReserved(b) {
				return fmt.Errorf("%w: reserved block %d marked free", ErrCorrupt, b)
			}
			f.alloc.fpm.setTo(b, free)
		}
	}
	return nil
}

// Close releases resources associated with the MSF file. Uncommitted
// mutations are discarded.
func (f *File) Close() error {
	if f.writable {
		f.mu.Lock()
		f.discardLocked()
		f.mu.Unlock()
	}
	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// SuperBlock returns the MSF superblock.
func (f *File) SuperBlock() *SuperBlock {
	return f.superBlock
}

// Directory returns the committed stream directory.
// The directory is lazily loaded on first access.
func (f *File) Directory() (*StreamDirectory, error) {
	f.dirOnce.Do(func() {
		dr := NewDirectoryReader(f.superBlock, f.data)
		f.directory, f.dirErr = dr.ReadDirectory()
	})

	if f.dirErr != nil {
		return nil, f.dirErr
	}
	return f.directory, nil
}

// NumStreams returns the number of streams in the file, including streams
// created by the current uncommitted transaction.
func (f *File) NumStreams() (uint32, error) {
	if f.writable {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.numStreamsMem, nil
	}
	dir, err := f.Directory()
	if err != nil {
		return 0, err
	}
	return dir.NumStreams, nil
}

// StreamSize returns the size of the given stream in bytes.
func (f *File) StreamSize(streamIndex uint32) (uint32, error) {
	_, size, err := f.effectiveStream(streamIndex)
	if err != nil {
		if errors.Is(err, ErrNilStream) {
			return 0, nil
		}
		return 0, err
	}
	return size, nil
}

// StreamExists returns true if the stream exists and is not a nil stream.
func (f *File) StreamExists(streamIndex uint32) (bool, error) {
	_, _, err := f.effectiveStream(streamIndex)
	if err != nil {
		if errors.Is(err, ErrNilStream) || errors.Is(err, ErrInvalidStreamIndex) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// effectiveStream resolves a stream's block list and size, preferring the
// uncommitted state when the stream was touched by the current transaction.
func (f *File) effectiveStream(streamIndex uint32) ([]uint32, uint32, error) {
	if f.writable {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failed != nil {
			return nil, 0, f.failed
		}
		if ms, ok := f.modified[streamIndex]; ok {
			if ms.size == NilStreamSize {
				return nil, 0, fmt.Errorf("%w: stream %d", ErrNilStream, streamIndex)
			}
			return ms.blocks, ms.size, nil
		}
		if streamIndex >= f.numStreamsMem {
			return nil, 0, fmt.Errorf("%w: %d", ErrInvalidStreamIndex, streamIndex)
		}
	}

	dir, err := f.Directory()
	if err != nil {
		return nil, 0, err
	}
	if streamIndex >= dir.NumStreams {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidStreamIndex, streamIndex)
	}
	size := dir.StreamSizes[streamIndex]
	if size == NilStreamSize {
		return nil, 0, fmt.Errorf("%w: stream %d", ErrNilStream, streamIndex)
	}
	return dir.StreamBlocks[streamIndex], size, nil
}

// OpenStream opens a stream for reading.
// Returns an error if the stream doesn't exist or is nil.
func (f *File) OpenStream(streamIndex uint32) (*Stream, error) {
	blocks, size, err := f.effectiveStream(streamIndex)
	if err != nil {
		return nil, err
	}
	return NewStream(f.data, blocks, f.superBlock.BlockSize, size), nil
}

// ReadStream reads an entire stream into memory.
func (f *File) ReadStream(streamIndex uint32) ([]byte, error) {
	stream, err := f.OpenStream(streamIndex)
	if err != nil {
		return nil, err
	}
	return stream.Bytes()
}

// BlockSize returns the block size used by this MSF file.
func (f *File) BlockSize() uint32 {
	return f.superBlock.BlockSize
}

// FileSize returns the total size of the MSF file.
func (f *File) FileSize() int64 {
	return f.superBlock.FileSize()
}

// NumBlocks returns the total number of blocks in the file, including blocks
// added by the current uncommitted transaction.
func (f *File) NumBlocks() uint32 {
	if f.writable {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.alloc.numBlocks
	}
	return f.superBlock.NumBlocks
}

// NumFreeBlocks returns the number of free blocks.
func (f *File) NumFreeBlocks() uint32 {
	if !f.writable {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alloc.numFree()
}
