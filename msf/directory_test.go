package msf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDirectoryRoundTrip(t *testing.T) {
	dirs := map[string]*StreamDirectory{
		"minimal": {
			NumStreams:   1,
			StreamSizes:  []uint32{0},
			StreamBlocks: [][]uint32{nil},
		},
		"mixed": {
			NumStreams:  5,
			StreamSizes: []uint32{0, 700, NilStreamSize, 512, 1025},
			StreamBlocks: [][]uint32{
				nil,
				{7, 9},
				nil,
				{3},
				{10, 11, 12},
			},
		},
	}

	for name, dir := range dirs {
		t.Run(name, func(t *testing.T) {
			data := dir.MarshalBinary()
			got, err := ParseDirectory(data, 512)
			if err != nil {
				t.Fatalf("ParseDirectory: %v", err)
			}
			if diff := cmp.Diff(dir, got); diff != "" {
				t.Errorf("directory round-trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseDirectoryTruncated(t *testing.T) {
	dir := &StreamDirectory{
		NumStreams:   2,
		StreamSizes:  []uint32{0, 700},
		StreamBlocks: [][]uint32{nil, {7, 9}},
	}
	data := dir.MarshalBinary()

	for cut := 1; cut < len(data); cut++ {
		if _, err := ParseDirectory(data[:len(data)-cut], 512); err == nil {
			t.Fatalf("truncation by %d bytes parsed without error", cut)
		}
	}
}

func TestDirectoryStreamQueries(t *testing.T) {
	dir := &StreamDirectory{
		NumStreams:   3,
		StreamSizes:  []uint32{0, NilStreamSize, 100},
		StreamBlocks: [][]uint32{nil, nil, {4}},
	}

	if !dir.StreamExists(0) {
		t.Error("zero-length stream 0 should exist")
	}
	if dir.StreamExists(1) {
		t.Error("nil stream 1 should not exist")
	}
	if dir.StreamExists(7) {
		t.Error("out-of-range stream should not exist")
	}
	if got := dir.StreamSize(1); got != 0 {
		t.Errorf("nil stream size = %d, want 0", got)
	}
	if got := dir.StreamSize(2); got != 100 {
		t.Errorf("stream 2 size = %d, want 100", got)
	}
}
