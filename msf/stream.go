package msf

import (
	"fmt"
	"io"
)

// Stream provides sequential and random-access reading of a single stream
// whose blocks may be scattered across the file. It implements io.Reader,
// io.Seeker, and io.ReaderAt.
type Stream struct {
	data       io.ReaderAt
	blocks     []uint32
	blockSize  uint32
	streamSize uint32

	// Current position for Read/Seek
	pos uint32
}

// NewStream creates a new Stream reader for the given blocks.
func NewStream(data io.ReaderAt, blocks []uint32, blockSize, streamSize uint32) *Stream {
	return &Stream{
		data:       data,
		blocks:     blocks,
		blockSize:  blockSize,
		streamSize: streamSize,
		pos:        0,
	}
}

// Read implements io.Reader. It reads across block boundaries transparently.
func (s *Stream) Read(p []byte) (n int, err error) {
	if s.pos >= s.streamSize {
		return 0, io.EOF
	}

	remaining := s.streamSize - s.pos
	if uint32(len(p)) > remaining {
		p = p[:remaining]
	}

	n, err = s.ReadAt(p, int64(s.pos))
	s.pos += uint32(n)
	return n, err
}

// ReadAt implements io.ReaderAt. The offset is 64-bit for interface
// compatibility but stream sizes never exceed 32 bits, so after the bounds
// check the position is carried as uint32.
func (s *Stream) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, fmt.Errorf("msf: negative offset: %d", off)
	}
	if off >= int64(s.streamSize) {
		return 0, io.EOF
	}

	pos := uint32(off)
	mapper := newStreamBlockMapper(s.blocks, s.blockSize, s.streamSize)
	totalRead := 0

	for len(p) > 0 && pos < s.streamSize {
		fileOffset, transfer, ok := mapper.next(pos, uint32(len(p)))
		if !ok {
			break
		}

		bytesRead, err := s.data.ReadAt(p[:transfer], fileOffset)
		totalRead += bytesRead
		p = p[bytesRead:]
		pos += uint32(bytesRead)

		if err != nil {
			if err == io.EOF && totalRead > 0 {
				break
			}
			return totalRead, err
		}
	}

	if len(p) > 0 {
		// Short read: the request ran past the end of the stream.
		return totalRead, io.EOF
	}
	return totalRead, nil
}

// Seek implements io.Seeker.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64

	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = int64(s.pos) + offset
	case io.SeekEnd:
		newPos = int64(s.streamSize) + offset
	default:
		return 0, fmt.Errorf("msf: invalid seek whence: %d", whence)
	}

	if newPos < 0 {
		return 0, fmt.Errorf("msf: negative seek position: %d", newPos)
	}

	if newPos > int64(s.streamSize) {
		newPos = int64(s.streamSize)
	}

	s.pos = uint32(newPos)
	return newPos, nil
}

// Size returns the total size of the stream in bytes.
func (s *Stream) Size() uint32 {
	return s.streamSize
}

// Remaining returns the number of bytes remaining to be read.
func (s *Stream) Remaining() uint32 {
	if s.pos >= s.streamSize {
		return 0
	}
	return s.streamSize - s.pos
}

// Bytes reads the entire stream into a byte slice.
func (s *Stream) Bytes() ([]byte, error) {
	if s.streamSize == 0 {
		return []byte{}, nil
	}
	data := make([]byte, s.streamSize)
	n, err := s.ReadAt(data, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return data[:n], nil
}
