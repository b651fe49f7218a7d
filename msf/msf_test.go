package msf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestMain(m *testing.M) {
	invariantChecks = true
	os.Exit(m.Run())
}

func createTempMSF(t *testing.T, opts CreateOptions) (*File, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pdb")
	f, err := Create(path, opts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f, path
}

func readFileBytes(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return data
}

func TestCreateThenRead(t *testing.T) {
	f, path := createTempMSF(t, CreateOptions{BlockSize: 4096})

	// Create streams up to index 10, then write to stream 10.
	for i := 1; i < 10; i++ {
		if _, _, err := f.NewStream(); err != nil {
			t.Fatalf("NewStream: %v", err)
		}
	}
	index, w, err := f.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if index != 10 {
		t.Fatalf("stream index = %d, want 10", index)
	}
	if _, err := w.WriteAt([]byte("Hello, world!"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	data, err := r.ReadStream(10)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if string(data) != "Hello, world!" {
		t.Errorf("stream 10 = %q, want %q", data, "Hello, world!")
	}
	size, err := r.StreamSize(10)
	if err != nil {
		t.Fatalf("StreamSize: %v", err)
	}
	if size != 13 {
		t.Errorf("stream 10 size = %d, want 13", size)
	}
}

func TestNilStreamPreservation(t *testing.T) {
	f, path := createTempMSF(t, CreateOptions{BlockSize: 512})

	for i := 1; i < 10; i++ {
		index, err := f.NilStream()
		if err != nil {
			t.Fatalf("NilStream: %v", err)
		}
		if index != uint32(i) {
			t.Fatalf("nil stream index = %d, want %d", index, i)
		}
	}
	_, w, err := f.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if _, err := w.WriteAt([]byte{0xAA}, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	f.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if exists, _ := r.StreamExists(5); exists {
		t.Error("nil stream 5 should not exist after reopen")
	}
	if exists, _ := r.StreamExists(10); !exists {
		t.Error("stream 10 should exist after reopen")
	}
	if _, err := r.ReadStream(5); err == nil {
		t.Error("reading a nil stream should fail")
	}
	data, err := r.ReadStream(10)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if !bytes.Equal(data, []byte{0xAA}) {
		t.Errorf("stream 10 = %x, want aa", data)
	}
}

func TestZeroLengthStreamRoundTrip(t *testing.T) {
	f, path := createTempMSF(t, CreateOptions{BlockSize: 512})

	index, _, err := f.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	f.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if exists, _ := r.StreamExists(index); !exists {
		t.Error("zero-length stream should exist")
	}
	data, err := r.ReadStream(index)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("zero-length stream returned %d bytes", len(data))
	}

	dir, err := r.Directory()
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}
	if len(dir.StreamBlocks[index]) != 0 {
		t.Errorf("zero-length stream owns %d blocks, want 0", len(dir.StreamBlocks[index]))
	}
}

func TestExactlyOneBlockStream(t *testing.T) {
	f, path := createTempMSF(t, CreateOptions{BlockSize: 512})

	payload := bytes.Repeat([]byte{0x5A}, 512)
	index, w, err := f.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if _, err := w.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	f.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	data, err := r.ReadStream(index)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("one-block stream did not round-trip")
	}

	dir, _ := r.Directory()
	if len(dir.StreamBlocks[index]) != 1 {
		t.Errorf("one-block stream owns %d blocks", len(dir.StreamBlocks[index]))
	}
}

func TestCommitIdempotence(t *testing.T) {
	f, path := createTempMSF(t, CreateOptions{BlockSize: 1024})

	_, w, err := f.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if _, err := w.WriteAt([]byte("payload"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	before := readFileBytes(t, path)
	if err := f.Commit(); err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	after := readFileBytes(t, path)

	if !bytes.Equal(before, after) {
		t.Error("commit with no pending mutations changed the file")
	}
}

func TestCommitAtomicity(t *testing.T) {
	f, path := createTempMSF(t, CreateOptions{BlockSize: 512})

	index, w, err := f.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if _, err := w.WriteAt([]byte("committed state"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	committed := readFileBytes(t, path)

	// Mutate and run every commit step except the final superblock write.
	w2, err := f.WriteStream(index)
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if _, err := w2.WriteAt(bytes.Repeat([]byte{0xEE}, 2000), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, _, err := f.commitPrepare(); err != nil {
		t.Fatalf("commitPrepare: %v", err)
	}

	// A crash here leaves the old superblock in place. The snapshot must
	// behave exactly like the committed state.
	snapshot := readFileBytes(t, path)
	if !bytes.Equal(snapshot[:SuperBlockSize], committed[:SuperBlockSize]) {
		t.Fatal("superblock changed before the linearization point")
	}

	r, err := NewFile(bytes.NewReader(snapshot), int64(len(snapshot)))
	if err != nil {
		t.Fatalf("reopening snapshot: %v", err)
	}
	data, err := r.ReadStream(index)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if string(data) != "committed state" {
		t.Errorf("snapshot stream = %q, want pre-crash contents", data)
	}
	n, err := r.NumStreams()
	if err != nil {
		t.Fatalf("NumStreams: %v", err)
	}
	if n != index+1 {
		t.Errorf("snapshot has %d streams, want %d", n, index+1)
	}
}

func TestFreshBlockIsolation(t *testing.T) {
	f, _ := createTempMSF(t, CreateOptions{BlockSize: 512})

	index, w, err := f.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if _, err := w.WriteAt([]byte("first"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// Overwrite the committed stream; the committed directory must keep
	// referencing only non-fresh blocks.
	w2, err := f.WriteStream(index)
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if _, err := w2.WriteAt([]byte("second"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	for _, blocks := range f.directory.StreamBlocks {
		for _, b := range blocks {
			if f.alloc.fresh.get(b) {
				t.Fatalf("committed directory references fresh block %d", b)
			}
		}
	}

	// The uncommitted view sees the new contents; the committed block list
	// is untouched.
	data, err := f.ReadStream(index)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("uncommitted read = %q, want %q", data, "second")
	}
}

func TestDiscardRollsBackWriter(t *testing.T) {
	f, path := createTempMSF(t, CreateOptions{BlockSize: 512})

	index, w, err := f.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if _, err := w.WriteAt([]byte("keep me"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	freeBefore := f.NumFreeBlocks()

	w2, _ := f.WriteStream(index)
	if _, err := w2.WriteAt(bytes.Repeat([]byte{1}, 3000), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	if got := f.NumFreeBlocks(); got < freeBefore {
		t.Errorf("free blocks after discard = %d, want at least %d", got, freeBefore)
	}
	data, err := f.ReadStream(index)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if string(data) != "keep me" {
		t.Errorf("after discard, stream = %q, want %q", data, "keep me")
	}
	f.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	data, _ = r.ReadStream(index)
	if string(data) != "keep me" {
		t.Errorf("on disk, stream = %q, want %q", data, "keep me")
	}
}

func TestSetLenTruncateAndExtend(t *testing.T) {
	f, path := createTempMSF(t, CreateOptions{BlockSize: 512})

	index, w, err := f.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	payload := bytes.Repeat([]byte{0xCD}, 1500)
	if _, err := w.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	// Truncate into the middle of the first block.
	if err := w.SetLen(100); err != nil {
		t.Fatalf("SetLen: %v", err)
	}
	if got := w.Size(); got != 100 {
		t.Fatalf("size after truncate = %d, want 100", got)
	}

	// Extend: the gap must read as zeros, not stale 0xCD bytes.
	if err := w.SetLen(600); err != nil {
		t.Fatalf("SetLen: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	f.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	data, err := r.ReadStream(index)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if len(data) != 600 {
		t.Fatalf("stream length = %d, want 600", len(data))
	}
	if !bytes.Equal(data[:100], payload[:100]) {
		t.Error("truncated prefix lost")
	}
	if !bytes.Equal(data[100:], make([]byte, 500)) {
		t.Error("extension read back non-zero bytes")
	}
}

func TestReopenReadWriteAndModify(t *testing.T) {
	f, path := createTempMSF(t, CreateOptions{BlockSize: 512})

	index, w, err := f.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if _, err := w.WriteAt([]byte("generation one"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	f.Close()

	// Reopen writable: this verifies the on-disk FPM against the directory.
	f2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	w2, err := f2.WriteStream(index)
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	// Partial overwrite inside a committed block exercises copy-on-write.
	if _, err := w2.WriteAt([]byte("GEN"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f2.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	f2.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	data, err := r.ReadStream(index)
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if string(data) != "GENeration one" {
		t.Errorf("stream = %q, want %q", data, "GENeration one")
	}
}

func TestFPMBoundaryLargeStream(t *testing.T) {
	if testing.Short() {
		t.Skip("writes a 25 MB stream")
	}
	f, path := createTempMSF(t, CreateOptions{BlockSize: 512})

	const numStreamBlocks = 50000
	index, w, err := f.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := w.SetLen(numStreamBlocks * 512); err != nil {
		t.Fatalf("SetLen: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	blocks := f.directory.StreamBlocks[index]
	if len(blocks) != numStreamBlocks {
		t.Fatalf("stream owns %d blocks, want %d", len(blocks), numStreamBlocks)
	}
	const interval = 512 * 8
	for _, b := range blocks {
		if b%interval == 1 || b%interval == 2 {
			t.Fatalf("stream owns FPM block %d", b)
		}
		if b == 0 {
			t.Fatal("stream owns the superblock")
		}
	}
	f.Close()

	// Reopening writable re-reads every FPM interval and re-verifies the
	// directory against it.
	f2, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile after growth: %v", err)
	}
	f2.Close()
}

func TestWriteStreamOnNilStream(t *testing.T) {
	f, _ := createTempMSF(t, CreateOptions{BlockSize: 512})

	index, err := f.NilStream()
	if err != nil {
		t.Fatalf("NilStream: %v", err)
	}
	if _, err := f.WriteStream(index); err == nil {
		t.Error("WriteStream on a nil stream should fail")
	}
	if _, err := f.WriteStream(index + 99); err == nil {
		t.Error("WriteStream past the stream count should fail")
	}
}

func TestReadOnlyHandleRejectsWrites(t *testing.T) {
	f, path := createTempMSF(t, CreateOptions{BlockSize: 512})
	f.Commit()
	f.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	if _, _, err := r.NewStream(); err != ErrReadOnly {
		t.Errorf("NewStream on read-only handle = %v, want ErrReadOnly", err)
	}
	if err := r.Commit(); err != ErrReadOnly {
		t.Errorf("Commit on read-only handle = %v, want ErrReadOnly", err)
	}
}

func TestStreamReadAtWindows(t *testing.T) {
	f, path := createTempMSF(t, CreateOptions{BlockSize: 512})

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	index, w, _ := f.NewStream()
	if _, err := w.WriteAt(payload, 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	f.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()

	s, err := r.OpenStream(index)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	for _, window := range []struct{ off, n int }{
		{0, 10}, {500, 100}, {511, 2}, {1024, 1976}, {2999, 1},
	} {
		buf := make([]byte, window.n)
		if _, err := s.ReadAt(buf, int64(window.off)); err != nil {
			t.Fatalf("ReadAt(%d, %d): %v", window.off, window.n, err)
		}
		if !bytes.Equal(buf, payload[window.off:window.off+window.n]) {
			t.Errorf("ReadAt(%d, %d) returned wrong bytes", window.off, window.n)
		}
	}
}
