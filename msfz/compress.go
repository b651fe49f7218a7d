package msfz

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm used for a chunk or for the stream
// directory region.
type Compression uint32

const (
	// CompressionNone stores bytes literally.
	CompressionNone Compression = 0
	// CompressionZstd is Zstandard (RFC 8878).
	CompressionZstd Compression = 1
	// CompressionDeflate is raw DEFLATE (RFC 1951).
	CompressionDeflate Compression = 2
)

// ErrDecompression indicates a compressed payload was rejected by the
// decoder or produced the wrong number of bytes.
var ErrDecompression = errors.New("msfz: decompression failed")

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionDeflate:
		return "deflate"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(c))
	}
}

func (c Compression) valid() bool {
	return c == CompressionNone || c == CompressionZstd || c == CompressionDeflate
}

// compressToVec compresses input with the given algorithm into a fresh
// buffer. CompressionNone copies.
func compressToVec(c Compression, input []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return append([]byte(nil), input...), nil

	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("msfz: zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(input, make([]byte, 0, len(input)/2+64)), nil

	case CompressionDeflate:
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, fmt.Errorf("msfz: deflate encoder: %w", err)
		}
		if _, err := w.Write(input); err != nil {
			return nil, fmt.Errorf("msfz: deflate: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("msfz: deflate: %w", err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("%w: chunk compression %d unknown", ErrCorrupt, uint32(c))
	}
}

// decompressToSlice decompresses input into output, whose length is the
// expected size of the decoded data. Returns ErrDecompression if the decoder
// rejects the payload or produces a different number of bytes.
func decompressToSlice(c Compression, input []byte, output []byte) error {
	switch c {
	case CompressionNone:
		if len(input) != len(output) {
			return fmt.Errorf("%w: literal region is %d bytes, expected %d",
				ErrDecompression, len(input), len(output))
		}
		copy(output, input)
		return nil

	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return fmt.Errorf("msfz: zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(input, output[:0])
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecompression, err)
		}
		if len(out) != len(output) {
			return fmt.Errorf("%w: zstd produced %d bytes, expected %d",
				ErrDecompression, len(out), len(output))
		}
		// DecodeAll reallocates if the payload outgrows the destination;
		// make sure the caller's buffer holds the result either way.
		if len(output) > 0 && &out[0] != &output[0] {
			copy(output, out)
		}
		return nil

	case CompressionDeflate:
		r := flate.NewReader(bytes.NewReader(input))
		defer r.Close()
		if _, err := io.ReadFull(r, output); err != nil {
			return fmt.Errorf("%w: %v", ErrDecompression, err)
		}
		// The payload must not decode to more bytes than expected.
		var extra [1]byte
		if n, _ := r.Read(extra[:]); n != 0 {
			return fmt.Errorf("%w: deflate produced more than %d bytes",
				ErrDecompression, len(output))
		}
		return nil

	default:
		return fmt.Errorf("%w: chunk compression %d unknown", ErrCorrupt, uint32(c))
	}
}
