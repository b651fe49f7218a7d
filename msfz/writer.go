package msfz

import (
	"errors"
	"fmt"
	"io"
)

// DefaultChunkTargetSize is the flush threshold for shared compressed
// chunks: once the pending chunk holds at least this many source bytes it is
// compressed and written out.
const DefaultChunkTargetSize = 1 << 20

// ErrFinished is returned when a Writer is used after Finish.
var ErrFinished = errors.New("msfz: writer already finished")

// WriterOptions configures a Writer.
type WriterOptions struct {
	// Compression is the algorithm for chunks and the stream directory.
	// CompressionNone stores every stream as literal fragments.
	Compression Compression

	// ChunkTargetSize is the flush threshold for shared chunks.
	// Zero selects DefaultChunkTargetSize.
	ChunkTargetSize uint32

	// MaxFragmentSize splits stream data into fragments of at most this
	// many bytes. Zero keeps each stream as a single fragment.
	MaxFragmentSize uint32
}

// DefaultWriterOptions returns the options used when none are given.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		Compression:     CompressionZstd,
		ChunkTargetSize: DefaultChunkTargetSize,
	}
}

// Writer encodes a complete MSFZ container from scratch. Streams are added
// in index order; Finish writes the chunk table, the stream directory, and
// the header. A Writer never mutates an existing container: MSFZ files are
// written whole or not at all.
type Writer struct {
	w    io.WriteSeeker
	opts WriterOptions

	offset   uint64
	chunks   []chunkEntry
	streams  []streamInfo
	pending  []byte
	finished bool
}

// NewWriter creates a Writer over w, which must be positioned at the start
// of an empty file. Space for the header is reserved immediately; Finish
// rewrites it with the final table offsets.
func NewWriter(w io.WriteSeeker, opts WriterOptions) (*Writer, error) {
	if !opts.Compression.valid() {
		return nil, fmt.Errorf("msfz: unknown compression %d", uint32(opts.Compression))
	}
	if opts.ChunkTargetSize == 0 {
		opts.ChunkTargetSize = DefaultChunkTargetSize
	}

	wr := &Writer{w: w, opts: opts}
	if err := wr.write(make([]byte, HeaderSize)); err != nil {
		return nil, err
	}
	return wr, nil
}

func (w *Writer) write(p []byte) error {
	if _, err := w.w.Write(p); err != nil {
		return fmt.Errorf("msfz: write failed: %w", err)
	}
	w.offset += uint64(len(p))
	return nil
}

// NumStreams returns the number of streams added so far.
func (w *Writer) NumStreams() uint32 {
	return uint32(len(w.streams))
}

// AddNilStream appends a nil stream and returns its index.
func (w *Writer) AddNilStream() (uint32, error) {
	if w.finished {
		return 0, ErrFinished
	}
	index := uint32(len(w.streams))
	w.streams = append(w.streams, streamInfo{nilStream: true})
	return index, nil
}

// AddStream appends a stream with the given contents and returns its index.
// With CompressionNone the data is stored as literal fragments; otherwise it
// is appended to the pending shared chunk, which is flushed once it reaches
// the chunk target size.
func (w *Writer) AddStream(data []byte) (uint32, error) {
	if w.finished {
		return 0, ErrFinished
	}
	if uint64(len(data)) > 0xFFFFFFFE {
		return 0, fmt.Errorf("msfz: stream of %d bytes exceeds the stream size limit", len(data))
	}

	index := uint32(len(w.streams))
	si := streamInfo{prefix: []uint64{0}}

	for len(data) > 0 {
		piece := data
		if w.opts.MaxFragmentSize != 0 && uint32(len(piece)) > w.opts.MaxFragmentSize {
			piece = piece[:w.opts.MaxFragmentSize]
		}
		data = data[len(piece):]

		var frag fragment
		if w.opts.Compression == CompressionNone {
			frag = fragment{chunk: LiteralFragment, offset: w.offset, size: uint64(len(piece))}
			if err := w.write(piece); err != nil {
				return 0, err
			}
		} else {
			// The pending chunk's id is the one it will receive when
			// flushed, since chunks are only ever appended by flushChunk.
			frag = fragment{
				chunk:  uint64(len(w.chunks)),
				offset: uint64(len(w.pending)),
				size:   uint64(len(piece)),
			}
			w.pending = append(w.pending, piece...)
		}

		si.fragments = append(si.fragments, frag)
		si.prefix = append(si.prefix, si.prefix[len(si.prefix)-1]+frag.size)

		if uint32(len(w.pending)) >= w.opts.ChunkTargetSize {
			if err := w.flushChunk(); err != nil {
				return 0, err
			}
		}
	}

	w.streams = append(w.streams, si)
	return index, nil
}

// flushChunk compresses and writes the pending chunk.
func (w *Writer) flushChunk() error {
	if len(w.pending) == 0 {
		return nil
	}

	compressed, err := compressToVec(w.opts.Compression, w.pending)
	if err != nil {
		return err
	}

	w.chunks = append(w.chunks, chunkEntry{
		FileOffset:       w.offset,
		CompressedSize:   uint32(len(compressed)),
		UncompressedSize: uint32(len(w.pending)),
		Compression:      w.opts.Compression,
	})
	w.pending = w.pending[:0]
	return w.write(compressed)
}

// Finish flushes the pending chunk, writes the chunk table and the stream
// directory, and rewrites the header at offset 0. The Writer cannot be used
// afterwards.
func (w *Writer) Finish() error {
	if w.finished {
		return ErrFinished
	}
	if err := w.flushChunk(); err != nil {
		return err
	}
	w.finished = true

	chunkTable := marshalChunkTable(w.chunks)
	chunkTableOffset := w.offset
	if err := w.write(chunkTable); err != nil {
		return err
	}

	dirRaw := marshalFragmentIndex(w.streams)
	dirBytes, err := compressToVec(w.opts.Compression, dirRaw)
	if err != nil {
		return err
	}
	dirOffset := w.offset
	if err := w.write(dirBytes); err != nil {
		return err
	}

	header := Header{
		Version:                   Version,
		StreamDirOffset:           dirOffset,
		StreamDirCompression:      uint64(w.opts.Compression),
		StreamDirSizeCompressed:   uint64(len(dirBytes)),
		StreamDirSizeUncompressed: uint64(len(dirRaw)),
		NumStreams:                uint64(len(w.streams)),
		ChunkTableOffset:          chunkTableOffset,
		ChunkTableSize:            uint64(len(chunkTable)),
		NumChunks:                 uint64(len(w.chunks)),
	}

	if _, err := w.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("msfz: failed to seek to header: %w", err)
	}
	if _, err := w.w.Write(header.MarshalBinary()); err != nil {
		return fmt.Errorf("msfz: failed to write header: %w", err)
	}
	return nil
}
