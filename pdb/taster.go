package pdb

import (
	"fmt"
	"io"

	"github.com/skdltmxn/msf-go/msf"
	"github.com/skdltmxn/msf-go/msfz"
)

// Flavor enumerates the kinds of PDB container this package recognizes.
type Flavor int

const (
	// FlavorUnknown means the header matched no known container format.
	FlavorUnknown Flavor = iota
	// FlavorMSF is an ordinary, uncompressed PDB.
	FlavorMSF
	// FlavorMSFZ is a compressed PDB (PDZ).
	FlavorMSFZ
	// FlavorPortablePdb is an ECMA-335 "Portable PDB"; recognized but not
	// readable by this library.
	FlavorPortablePdb
)

func (f Flavor) String() string {
	switch f {
	case FlavorMSF:
		return "MSF"
	case FlavorMSFZ:
		return "MSFZ"
	case FlavorPortablePdb:
		return "PortablePDB"
	default:
		return "unknown"
	}
}

// tasteSize is how much of the file header the taster examines.
const tasteSize = 0x100

// WhatFlavor determines whether the file is an MSF, an MSFZ, or a Portable
// PDB by examining its first bytes.
func WhatFlavor(r io.ReaderAt) (Flavor, error) {
	header := make([]byte, tasteSize)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return FlavorUnknown, fmt.Errorf("pdb: failed to read file header: %w", err)
	}
	header = header[:n]

	switch {
	case msf.IsFileHeaderMSF(header):
		return FlavorMSF, nil
	case msfz.IsHeaderMSFZ(header):
		return FlavorMSFZ, nil
	case isHeaderPortablePdb(header):
		return FlavorPortablePdb, nil
	default:
		return FlavorUnknown, nil
	}
}

func isHeaderPortablePdb(header []byte) bool {
	return len(header) >= 24 && string(header[16:24]) == "PDB v1.0"
}
