// Package msfz provides reading and whole-file encoding of the MSFZ
// compressed container format, the PDZ variant of Microsoft PDB files.
// Streams are divided into fragments, each stored literally in the file or
// packed into a compressed chunk; opened containers are read-only.
package msfz

import (
	"errors"
	"fmt"

	"github.com/skdltmxn/msf-go/internal/stream"
)

// Magic signature for the MSFZ container format, zero-padded to 32 bytes on
// disk like the MSF signature.
const Magic = "Microsoft MSFZ Container\r\n\x1aLE\x00"

// MagicSize is the size of the magic signature field in bytes
const MagicSize = 32

// HeaderSize is the total size of the file header: the magic field followed
// by nine 64-bit fields.
const HeaderSize = MagicSize + 9*8

// Version is the only container version this package reads and writes.
const Version = 0

// NilStreamFragments marks a nil stream in the stream directory: an index
// that exists but has no content.
const NilStreamFragments = 0xFFFFFFFF

// LiteralFragment is the sentinel chunk id marking a fragment stored
// uncompressed in the main file rather than inside a chunk.
const LiteralFragment = ^uint64(0)

// Errors returned while opening an MSFZ container.
var (
	ErrInvalidMagic       = errors.New("msfz: invalid magic signature, not an MSFZ file")
	ErrUnsupportedVersion = errors.New("msfz: unsupported container version")
	ErrCorrupt            = errors.New("msfz: corrupt container")
	ErrInvalidStreamIndex = errors.New("msfz: invalid stream index")
	ErrNilStream          = errors.New("msfz: stream is nil")
	ErrTruncatedFile      = errors.New("msfz: file is truncated")
)

// Header is the fixed-layout MSFZ file header at offset 0.
type Header struct {
	Version                   uint64
	StreamDirOffset           uint64
	StreamDirCompression      uint64
	StreamDirSizeCompressed   uint64
	StreamDirSizeUncompressed uint64
	NumStreams                uint64
	ChunkTableOffset          uint64
	ChunkTableSize            uint64
	NumChunks                 uint64
}

// IsHeaderMSFZ reports whether the given header bytes begin with the MSFZ
// magic signature.
func IsHeaderMSFZ(header []byte) bool {
	if len(header) < MagicSize {
		return false
	}
	if string(header[:len(Magic)]) != Magic {
		return false
	}
	for _, b := range header[len(Magic):MagicSize] {
		if b != 0 {
			return false
		}
	}
	return true
}

// ParseHeader parses and validates the file header.
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, ErrTruncatedFile
	}
	if !IsHeaderMSFZ(data) {
		return nil, ErrInvalidMagic
	}

	r := stream.NewReader(data[MagicSize:HeaderSize])
	var h Header
	for _, field := range []*uint64{
		&h.Version,
		&h.StreamDirOffset,
		&h.StreamDirCompression,
		&h.StreamDirSizeCompressed,
		&h.StreamDirSizeUncompressed,
		&h.NumStreams,
		&h.ChunkTableOffset,
		&h.ChunkTableSize,
		&h.NumChunks,
	} {
		v, err := r.ReadU64()
		if err != nil {
			return nil, ErrTruncatedFile
		}
		*field = v
	}

	if h.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return &h, nil
}

// MarshalBinary serializes the header into its on-disk form.
func (h *Header) MarshalBinary() []byte {
	w := stream.NewWriter()
	magic := make([]byte, MagicSize)
	copy(magic, Magic)
	w.WriteBytes(magic)
	w.WriteU64(h.Version)
	w.WriteU64(h.StreamDirOffset)
	w.WriteU64(h.StreamDirCompression)
	w.WriteU64(h.StreamDirSizeCompressed)
	w.WriteU64(h.StreamDirSizeUncompressed)
	w.WriteU64(h.NumStreams)
	w.WriteU64(h.ChunkTableOffset)
	w.WriteU64(h.ChunkTableSize)
	w.WriteU64(h.NumChunks)
	return w.Bytes()
}
