package pdb

import (
	"fmt"

	"github.com/skdltmxn/msf-go/internal/stream"
)

// InfoVersionVC70 is the PDB info stream version written by this library and
// by every toolchain since Visual C++ 7.0.
const InfoVersionVC70 = 20000404

// Info contains the metadata header at the start of stream 1.
type Info struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
}

// ParseInfoStream parses stream 1: the info header followed by the
// named-stream map. Trailing feature codes are ignored.
func ParseInfoStream(data []byte) (*Info, *NamedStreamMap, error) {
	r := stream.NewReader(data)

	info := &Info{}
	var err error
	if info.Version, err = r.ReadU32(); err != nil {
		return nil, nil, &ParseError{Stream: "PDB", Offset: 0, Message: "info stream too short", Err: err}
	}
	if info.Signature, err = r.ReadU32(); err != nil {
		return nil, nil, &ParseError{Stream: "PDB", Offset: 4, Message: "info stream too short", Err: err}
	}
	if info.Age, err = r.ReadU32(); err != nil {
		return nil, nil, &ParseError{Stream: "PDB", Offset: 8, Message: "info stream too short", Err: err}
	}
	if info.GUID, err = r.ReadGUID(); err != nil {
		return nil, nil, &ParseError{Stream: "PDB", Offset: 12, Message: "info stream too short", Err: err}
	}

	named, err := ParseNamedStreamMap(r)
	if err != nil {
		return nil, nil, fmt.Errorf("pdb: named stream map: %w", err)
	}
	return info, named, nil
}

// MarshalInfoStream serializes the stream 1 payload: the info header
// followed by the named-stream map.
func MarshalInfoStream(info *Info, named *NamedStreamMap) []byte {
	w := stream.NewWriter()
	w.WriteU32(info.Version)
	w.WriteU32(info.Signature)
	w.WriteU32(info.Age)
	w.WriteBytes(info.GUID[:])
	if named == nil {
		named = NewNamedStreamMap()
	}
	w.WriteBytes(named.MarshalBinary())
	return w.Bytes()
}
