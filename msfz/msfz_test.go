package msfz

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type streamSpec struct {
	isNil bool
	data []byte
}

// buildContainer encodes the given streams into a temp file and opens it.
func buildContainer(t *testing.T, opts WriterOptions, streams []streamSpec) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pdz")
	osf, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	w, err := NewWriter(osf, opts)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, s := range streams {
		if s.isNil {
			if _, err := w.AddNilStream(); err != nil {
				t.Fatalf("AddNilStream: %v", err)
			}
			continue
		}
		if _, err := w.AddStream(s.data); err != nil {
			t.Fatalf("AddStream: %v", err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := osf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func patterned(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)*seed + byte(i>>8)
	}
	return data
}

func testStreams() []streamSpec {
	return []streamSpec{
		{data: []byte{}},                  // stream 0, empty
		{data: []byte("Hello, world!")},   // small
		{isNil: true},                      // nil
		{data: patterned(100_000, 3)},     // spans fragments when split
		{data: patterned(512, 9)},         // exactly one old block
		{data: bytes.Repeat([]byte{0}, 1)},
	}
}

func verifyStreams(t *testing.T, f *File, specs []streamSpec) {
	t.Helper()
	if got := f.NumStreams(); got != uint32(len(specs)) {
		t.Fatalf("NumStreams = %d, want %d", got, len(specs))
	}
	for i, s := range specs {
		index := uint32(i)
		if s.isNil {
			if f.StreamExists(index) {
				t.Errorf("stream %d should be nil", i)
			}
			if _, err := f.ReadStream(index); err == nil {
				t.Errorf("reading nil stream %d should fail", i)
			}
			continue
		}
		if !f.StreamExists(index) {
			t.Errorf("stream %d should exist", i)
			continue
		}
		size, err := f.StreamSize(index)
		if err != nil {
			t.Fatalf("StreamSize(%d): %v", i, err)
		}
		if int(size) != len(s.data) {
			t.Errorf("stream %d size = %d, want %d", i, size, len(s.data))
		}
		data, err := f.ReadStream(index)
		if err != nil {
			t.Fatalf("ReadStream(%d): %v", i, err)
		}
		if !bytes.Equal(data, s.data) {
			t.Errorf("stream %d contents mismatch (%d vs %d bytes)", i, len(data), len(s.data))
		}
	}
}

func TestRoundTripPerAlgorithm(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionDeflate} {
		t.Run(c.String(), func(t *testing.T) {
			specs := testStreams()
			f := buildContainer(t, WriterOptions{Compression: c}, specs)
			verifyStreams(t, f, specs)
		})
	}
}

func TestRoundTripMultiFragment(t *testing.T) {
	// Small fragments and a small chunk target force streams to span many
	// fragments across many chunks.
	specs := testStreams()
	opts := WriterOptions{
		Compression:     CompressionZstd,
		ChunkTargetSize: 4096,
		MaxFragmentSize: 1000,
	}
	f := buildContainer(t, opts, specs)
	verifyStreams(t, f, specs)

	if f.NumChunks() < 2 {
		t.Errorf("expected multiple chunks, got %d", f.NumChunks())
	}
	if f.NumFragments() <= uint32(len(specs)) {
		t.Errorf("expected fragmented streams, got %d fragments", f.NumFragments())
	}
}

func TestCacheCapacityDoesNotChangeResults(t *testing.T) {
	specs := testStreams()
	opts := WriterOptions{
		Compression:     CompressionDeflate,
		ChunkTargetSize: 2048,
		MaxFragmentSize: 700,
	}
	f := buildContainer(t, opts, specs)

	for _, capacity := range []int{1, 2, 1000} {
		if err := f.SetChunkCacheCapacity(capacity); err != nil {
			t.Fatalf("SetChunkCacheCapacity(%d): %v", capacity, err)
		}
		verifyStreams(t, f, specs)
	}
}

func TestStreamReadAt(t *testing.T) {
	payload := patterned(50_000, 5)
	opts := WriterOptions{
		Compression:     CompressionZstd,
		ChunkTargetSize: 8192,
		MaxFragmentSize: 3000,
	}
	f := buildContainer(t, opts, []streamSpec{{data: []byte{}}, {data: payload}})

	s, err := f.OpenStream(1)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if s.Size() != uint32(len(payload)) {
		t.Fatalf("Size = %d, want %d", s.Size(), len(payload))
	}

	for _, window := range []struct{ off, n int }{
		{0, 1}, {2999, 2}, {3000, 3000}, {10_000, 25_000}, {49_999, 1},
	} {
		buf := make([]byte, window.n)
		if _, err := s.ReadAt(buf, int64(window.off)); err != nil {
			t.Fatalf("ReadAt(%d, %d): %v", window.off, window.n, err)
		}
		if !bytes.Equal(buf, payload[window.off:window.off+window.n]) {
			t.Errorf("ReadAt(%d, %d) returned wrong bytes", window.off, window.n)
		}
	}

	// Reads past the end report EOF-style truncation.
	buf := make([]byte, 10)
	n, err := s.ReadAt(buf, int64(len(payload)-4))
	if n != 4 || err == nil {
		t.Errorf("ReadAt at tail = (%d, %v), want (4, EOF)", n, err)
	}
}

func TestSingleLiteralFragmentRead(t *testing.T) {
	payload := []byte("Hello, world!")
	f := buildContainer(t, WriterOptions{Compression: CompressionNone},
		[]streamSpec{{data: []byte{}}, {data: payload}})

	// One literal fragment, no chunks at all.
	if f.NumChunks() != 0 {
		t.Fatalf("literal container has %d chunks", f.NumChunks())
	}
	data, err := f.ReadStream(1)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("stream = %q, want %q", data, payload)
	}
}

func TestConcurrentReaders(t *testing.T) {
	specs := []streamSpec{
		{data: []byte{}},
		{data: patterned(80_000, 11)},
		{data: patterned(80_000, 13)},
	}
	opts := WriterOptions{
		Compression:     CompressionZstd,
		ChunkTargetSize: 4096,
		MaxFragmentSize: 2000,
	}
	f := buildContainer(t, opts, specs)
	if err := f.SetChunkCacheCapacity(2); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			index := uint32(1 + g%2)
			want := specs[index].data
			for i := 0; i < 5; i++ {
				got, err := f.ReadStream(index)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got, want) {
					errs <- fmt.Errorf("goroutine %d: stream %d mismatch", g, index)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.pdz")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x42}, 4096), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Error("opening garbage should fail")
	}
}

func TestCorruptChunkAlgorithmRejected(t *testing.T) {
	if _, err := parseChunkTable(make([]byte, ChunkRecordSize), 1); err == nil {
		// All-zero record is CompressionNone at offset 0; craft a bad one.
		t.Log("zero record is valid; testing explicit bad algorithm")
	}
	record := make([]byte, ChunkRecordSize)
	record[16] = 0x7F // algorithm field
	if _, err := parseChunkTable(record, 1); err == nil {
		t.Error("unknown chunk algorithm should be rejected")
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Version:                   Version,
		StreamDirOffset:           1000,
		StreamDirCompression:      uint64(CompressionZstd),
		StreamDirSizeCompressed:   88,
		StreamDirSizeUncompressed: 200,
		NumStreams:                7,
		ChunkTableOffset:          900,
		ChunkTableSize:            96,
		NumChunks:                 4,
	}
	got, err := ParseHeader(h.MarshalBinary())
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if *got != *h {
		t.Errorf("header round-trip mismatch: %+v vs %+v", got, h)
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	compressed, err := compressToVec(CompressionZstd, []byte("some payload bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if err := decompressToSlice(CompressionZstd, compressed, make([]byte, 5)); err == nil {
		t.Error("zstd size mismatch should be rejected")
	}

	compressed, err = compressToVec(CompressionDeflate, []byte("some payload bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if err := decompressToSlice(CompressionDeflate, compressed, make([]byte, 5)); err == nil {
		t.Error("deflate size mismatch should be rejected")
	}
}
