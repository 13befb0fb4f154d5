package types

import (
	"encoding/binary"
	"fmt"
)

const (
	// SigRLHeaderSize is the size of the SigRL header preceding the entries.
	SigRLHeaderSize = 16
	// SigRLEntrySize is the size of a single SigRL entry (B and K).
	SigRLEntrySize = 128
	// ECDSASignatureSize is the size of a raw P-256 signature (r and s).
	ECDSASignatureSize = 64
)

var (
	// SigRLProtocolVersion is the protocol version field of a SigRL.
	SigRLProtocolVersion = [2]byte{0x00, 0x02}
	// SigRLEPIDIdentifier is the EPID identifier field of a SigRL.
	SigRLEPIDIdentifier = [2]byte{0x00, 0x0E}
)

// SigRLHeader is the fixed header of a signature revocation list.
type SigRLHeader struct {
	ProtocolVersion [2]byte
	EPIDIdentifier  [2]byte
	GID             [4]byte
	Version         uint32
	N2              uint32
}

// SigRLEntry is one revoked signature (B, K).
type SigRLEntry struct {
	B [64]byte
	K [64]byte
}

// ParseSigRLHeader parses the header of a SigRL and checks its identifiers.
func ParseSigRLHeader(raw []byte) (SigRLHeader, error) {
	if len(raw) < SigRLHeaderSize {
		return SigRLHeader{}, fmt.Errorf("SigRL is too short to contain a header (received: %d bytes)", len(raw))
	}
	header := SigRLHeader{
		ProtocolVersion: [2]byte(raw[0:2]),
		EPIDIdentifier:  [2]byte(raw[2:4]),
		GID:             [4]byte(raw[4:8]),
		Version:         binary.BigEndian.Uint32(raw[8:12]),
		N2:              binary.BigEndian.Uint32(raw[12:16]),
	}
	if header.ProtocolVersion != SigRLProtocolVersion {
		return SigRLHeader{}, fmt.Errorf("unsupported SigRL protocol version %x", header.ProtocolVersion)
	}
	if header.EPIDIdentifier != SigRLEPIDIdentifier {
		return SigRLHeader{}, fmt.Errorf("unexpected SigRL EPID identifier %x", header.EPIDIdentifier)
	}
	return header, nil
}

// Marshal serializes the SigRL header.
func (h *SigRLHeader) Marshal() [SigRLHeaderSize]byte {
	var result [SigRLHeaderSize]byte
	copy(result[0:2], h.ProtocolVersion[:])
	copy(result[2:4], h.EPIDIdentifier[:])
	copy(result[4:8], h.GID[:])
	binary.BigEndian.PutUint32(result[8:12], h.Version)
	binary.BigEndian.PutUint32(result[12:16], h.N2)
	return result
}

// SigRLSize returns the exact size of a SigRL holding n2 entries.
// The result is computed in 64 bits and cannot overflow.
func SigRLSize(n2 uint32) uint64 {
	return SigRLHeaderSize + uint64(n2)*SigRLEntrySize + ECDSASignatureSize
}

// CheckSigRLLength parses the SigRL header and verifies that the declared entry count
// accounts for exactly the supplied length.
func CheckSigRLLength(raw []byte) (SigRLHeader, error) {
	header, err := ParseSigRLHeader(raw)
	if err != nil {
		return SigRLHeader{}, err
	}
	if SigRLSize(header.N2) != uint64(len(raw)) {
		return SigRLHeader{}, fmt.Errorf("SigRL size mismatch: %d entries require %d bytes, got %d bytes", header.N2, SigRLSize(header.N2), len(raw))
	}
	return header, nil
}

// ParseSigRLEntry parses a single SigRL entry.
func ParseSigRLEntry(raw []byte) (SigRLEntry, error) {
	if len(raw) != SigRLEntrySize {
		return SigRLEntry{}, fmt.Errorf("invalid SigRL entry size: expected %d bytes, got %d bytes", SigRLEntrySize, len(raw))
	}
	return SigRLEntry{
		B: [64]byte(raw[0:64]),
		K: [64]byte(raw[64:128]),
	}, nil
}

// Marshal serializes the SigRL entry.
func (e *SigRLEntry) Marshal() [SigRLEntrySize]byte {
	var result [SigRLEntrySize]byte
	copy(result[0:64], e.B[:])
	copy(result[64:128], e.K[:])
	return result
}
