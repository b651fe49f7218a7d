package pdb

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/skdltmxn/msf-go/msf"
	"github.com/skdltmxn/msf-go/msfz"
)

// StreamReader is the read handle the façade hands out for a single stream.
// Both container engines implement it.
type StreamReader interface {
	io.ReaderAt
	Size() uint32
}

// File represents an opened PDB container of either flavor.
// It is safe for concurrent read access after opening.
type File struct {
	flavor Flavor
	msf    *msf.File
	msfz   *msfz.File

	closer io.Closer
	closed bool
	mu     sync.RWMutex

	// Lazy-loaded stream 1 payload
	info      *Info
	named     *NamedStreamMap
	info1Once sync.Once
	info1Err  error
}

// Open opens a PDB file of either flavor from the given path, read-only.
// Portable PDB files are recognized but rejected with ErrNotSupported.
func Open(path string) (*File, error) {
	osf, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pdb: failed to open file: %w", err)
	}

	stat, err := osf.Stat()
	if err != nil {
		osf.Close()
		return nil, fmt.Errorf("pdb: failed to stat file: %w", err)
	}

	f, err := OpenReader(osf, stat.Size())
	if err != nil {
		osf.Close()
		return nil, err
	}

	f.closer = osf
	return f, nil
}

// OpenReader opens a PDB from an io.ReaderAt.
// This allows reading from arbitrary sources (embedded, network, etc.)
func OpenReader(r io.ReaderAt, size int64) (*File, error) {
	flavor, err := WhatFlavor(r)
	if err != nil {
		return nil, err
	}

	switch flavor {
	case FlavorMSF:
		mf, err := msf.NewFile(r, size)
		if err != nil {
			return nil, err
		}
		return &File{flavor: FlavorMSF, msf: mf}, nil

	case FlavorMSFZ:
		mz, err := msfz.NewFile(r, size)
		if err != nil {
			return nil, err
		}
		return &File{flavor: FlavorMSFZ, msfz: mz}, nil

	case FlavorPortablePdb:
		return nil, fmt.Errorf("%w: Portable PDB", ErrNotSupported)

	default:
		return nil, ErrNotPDB
	}
}

// OpenFile opens an MSF container for reading and writing. MSFZ containers
// are read-only by design and are rejected with ErrNotSupported.
func OpenFile(path string) (*File, error) {
	osf, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pdb: failed to open file: %w", err)
	}
	flavor, err := WhatFlavor(osf)
	osf.Close()
	if err != nil {
		return nil, err
	}

	switch flavor {
	case FlavorMSF:
		mf, err := msf.OpenFile(path)
		if err != nil {
			return nil, err
		}
		return &File{flavor: FlavorMSF, msf: mf, closer: mf}, nil
	case FlavorMSFZ, FlavorPortablePdb:
		return nil, fmt.Errorf("%w: cannot write %s containers", ErrNotSupported, flavor)
	default:
		return nil, ErrNotPDB
	}
}

// Close releases resources associated with the PDB file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true

	if f.closer != nil {
		return f.closer.Close()
	}
	return nil
}

// Flavor returns the container flavor.
func (f *File) Flavor() Flavor {
	return f.flavor
}

// Msf returns the underlying MSF engine for write access.
// Returns ErrNotSupported for MSFZ containers.
func (f *File) Msf() (*msf.File, error) {
	if f.flavor != FlavorMSF {
		return nil, fmt.Errorf("%w: not an MSF container", ErrNotSupported)
	}
	return f.msf, nil
}

// Msfz returns the underlying MSFZ engine.
func (f *File) Msfz() (*msfz.File, error) {
	if f.flavor != FlavorMSFZ {
		return nil, fmt.Errorf("%w: not an MSFZ container", ErrNotSupported)
	}
	return f.msfz, nil
}

// NumStreams returns the number of streams in the container.
func (f *File) NumStreams() (uint32, error) {
	if err := f.aliveCheck(); err != nil {
		return 0, err
	}
	switch f.flavor {
	case FlavorMSF:
		return f.msf.NumStreams()
	default:
		return f.msfz.NumStreams(), nil
	}
}

// StreamSize returns the size of the given stream in bytes. Nil streams
// report size 0.
func (f *File) StreamSize(streamIndex uint32) (uint32, error) {
	if err := f.aliveCheck(); err != nil {
		return 0, err
	}
	switch f.flavor {
	case FlavorMSF:
		return f.msf.StreamSize(streamIndex)
	default:
		return f.msfz.StreamSize(streamIndex)
	}
}

// StreamExists returns true if the stream exists and is not a nil stream.
func (f *File) StreamExists(streamIndex uint32) (bool, error) {
	if err := f.aliveCheck(); err != nil {
		return false, err
	}
	switch f.flavor {
	case FlavorMSF:
		return f.msf.StreamExists(streamIndex)
	default:
		return f.msfz.StreamExists(streamIndex), nil
	}
}

// ReadStream reads an entire stream into memory.
func (f *File) ReadStream(streamIndex uint32) ([]byte, error) {
	if err := f.aliveCheck(); err != nil {
		return nil, err
	}
	switch f.flavor {
	case FlavorMSF:
		return f.msf.ReadStream(streamIndex)
	default:
		return f.msfz.ReadStream(streamIndex)
	}
}

// OpenStream returns a random-access read handle for the given stream.
func (f *File) OpenStream(streamIndex uint32) (StreamReader, error) {
	if err := f.aliveCheck(); err != nil {
		return nil, err
	}
	switch f.flavor {
	case FlavorMSF:
		return f.msf.OpenStream(streamIndex)
	default:
		return f.msfz.OpenStream(streamIndex)
	}
}

// Info returns the metadata header from stream 1.
func (f *File) Info() (*Info, error) {
	if err := f.loadInfoStream(); err != nil {
		return nil, err
	}
	return f.info, nil
}

// NamedStreams returns the named-stream directory from stream 1.
func (f *File) NamedStreams() (*NamedStreamMap, error) {
	if err := f.loadInfoStream(); err != nil {
		return nil, err
	}
	return f.named, nil
}

// StreamByName resolves a stream name through the named-stream directory.
func (f *File) StreamByName(name string) (uint32, bool, error) {
	named, err := f.NamedStreams()
	if err != nil {
		return 0, false, err
	}
	index, ok := named.Get(name)
	return index, ok, nil
}

func (f *File) loadInfoStream() error {
	if err := f.aliveCheck(); err != nil {
		return err
	}
	f.info1Once.Do(func() {
		data, err := f.ReadStream(msf.StreamPDBInfo)
		if err != nil {
			f.info1Err = fmt.Errorf("pdb: failed to read PDB info stream: %w", err)
			return
		}
		f.info, f.named, f.info1Err = ParseInfoStream(data)
	})
	return f.info1Err
}

func (f *File) aliveCheck() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFileClosed
	}
	return nil
}
