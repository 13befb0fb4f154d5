/*
Package tlv implements the type-length-value framing used by the EPID provisioning messages.

Two header forms exist:

	small header (4 bytes)                 large header (6 bytes)
	┌──────┬─────────┬───────────────┐     ┌───────────┬─────────┬───────────────────────────┐
	│ type │ version │ size (u16 BE) │     │ type|0x80 │ version │       size (u32 BE)       │
	└──────┴─────────┴───────────────┘     └───────────┴─────────┴───────────────────────────┘

The large form is used when the payload does not fit into 16 bits or when the payload kind
requires it (SigRL, EPID signature, SE report).
*/
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Type is a TLV payload type.
type Type uint8

// TLV types.
const (
	CipherText               Type = 0
	BlockCipherText          Type = 1
	BlockCipherInfo          Type = 2
	MAC                      Type = 3
	Nonce                    Type = 4
	EPIDGID                  Type = 5
	EPIDSigRL                Type = 6
	EPIDGroupCert            Type = 7
	DeviceID                 Type = 8
	PSID                     Type = 9
	EPIDJoinProof            Type = 10
	EPIDSig                  Type = 11
	EPIDMembershipCredential Type = 12
	EPIDPSVN                 Type = 13
	Quote                    Type = 14
	X509Cert                 Type = 15
	X509CSR                  Type = 16
	ESSelector               Type = 17
	ESInformation            Type = 18
	Flags                    Type = 19
	QuoteSig                 Type = 20
	PEK                      Type = 21
	Signature                Type = 22
	PlatformInfo             Type = 23
	PWK2                     Type = 24
	SEReport                 Type = 25
)

const (
	// Version1 is the TLV version used for all payloads.
	Version1 = 1

	// SmallHeaderSize is the size of a small TLV header.
	SmallHeaderSize = 4
	// LargeHeaderSize is the size of a large TLV header.
	LargeHeaderSize = 6

	largeFlag = 0x80
)

// Sizes of well known payloads.
const (
	MACSize            = 16
	IVSize             = 12
	NonceSize          = 16
	ChallengeNonceSize = 32
	GIDSize            = 4
	PSIDSize           = 32
	KeyIDSize          = 1
)

// KeyIDPEK3072Pub identifies the backend's PEK as the key used for a CIPHER_TEXT payload.
const KeyIDPEK3072Pub = 3

// Hard-coded headers for payloads the provisioning enclave emits directly.
var (
	PWK2Header                 = [SmallHeaderSize]byte{byte(BlockCipherInfo), Version1, 0x00, 0x10}
	JoinProofHeader            = [SmallHeaderSize]byte{byte(EPIDJoinProof), Version1, 0x00, 0xC0}
	MembershipCredentialHeader = [SmallHeaderSize]byte{byte(EPIDMembershipCredential), Version1, 0x00, 0xA0}
)

// EPIDSignatureHeader returns the large header announcing an EPID signature of the given size.
func EPIDSignatureHeader(size uint32) [LargeHeaderSize]byte {
	var header [LargeHeaderSize]byte
	header[0] = byte(EPIDSig) | largeFlag
	header[1] = Version1
	binary.BigEndian.PutUint32(header[2:6], size)
	return header
}

var (
	// ErrTruncated is returned when the input ends inside a TLV.
	ErrTruncated = errors.New("tlv: truncated input")
	// ErrInvalidFormat is returned for TLVs that violate the expected structure.
	ErrInvalidFormat = errors.New("tlv: invalid format")
)

// Entry is one decoded or to be encoded TLV.
type Entry struct {
	Type    Type
	Version uint8
	// Large forces the 6 byte header.
	Large   bool
	Payload []byte
}

// New returns an entry of version 1.
func New(typ Type, payload []byte) Entry {
	return Entry{Type: typ, Version: Version1, Payload: payload}
}

// NewLarge returns an entry of version 1 that is always encoded with a large header.
func NewLarge(typ Type, payload []byte) Entry {
	return Entry{Type: typ, Version: Version1, Large: true, Payload: payload}
}

func (e Entry) large() bool {
	return e.Large || len(e.Payload) > math.MaxUint16
}

// HeaderSize returns the size of the entry's header.
func (e Entry) HeaderSize() int {
	if e.large() {
		return LargeHeaderSize
	}
	return SmallHeaderSize
}

// Size returns the encoded size of the entry.
func (e Entry) Size() int {
	return e.HeaderSize() + len(e.Payload)
}

// Header returns the encoded header of the entry.
func (e Entry) Header() []byte {
	if e.large() {
		header := make([]byte, LargeHeaderSize)
		header[0] = byte(e.Type) | largeFlag
		header[1] = e.Version
		binary.BigEndian.PutUint32(header[2:6], uint32(len(e.Payload)))
		return header
	}
	header := make([]byte, SmallHeaderSize)
	header[0] = byte(e.Type)
	header[1] = e.Version
	binary.BigEndian.PutUint16(header[2:4], uint16(len(e.Payload)))
	return header
}

// Encode serializes the entries in order.
func Encode(entries ...Entry) ([]byte, error) {
	var total uint64
	for _, e := range entries {
		if uint64(len(e.Payload)) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: payload of type %d exceeds 32 bit size", ErrInvalidFormat, e.Type)
		}
		if e.Type&largeFlag != 0 {
			return nil, fmt.Errorf("%w: type %d uses the header flag bit", ErrInvalidFormat, e.Type)
		}
		total += uint64(e.Size())
	}
	if total > math.MaxUint32 {
		return nil, fmt.Errorf("%w: encoded size exceeds 32 bit", ErrInvalidFormat)
	}

	out := make([]byte, 0, total)
	for _, e := range entries {
		out = append(out, e.Header()...)
		out = append(out, e.Payload...)
	}
	return out, nil
}

// Decode parses a sequence of TLVs that spans raw exactly.
// Payloads are copied, so raw may be modified after the call.
func Decode(raw []byte) ([]Entry, error) {
	var entries []Entry
	for offset := 0; offset < len(raw); {
		entry, n, err := decodeOne(raw[offset:])
		if err != nil {
			return nil, fmt.Errorf("decoding TLV %d at offset %d: %w", len(entries), offset, err)
		}
		entries = append(entries, entry)
		offset += n
	}
	return entries, nil
}

func decodeOne(raw []byte) (Entry, int, error) {
	if len(raw) < SmallHeaderSize {
		return Entry{}, 0, ErrTruncated
	}
	entry := Entry{
		Type:    Type(raw[0] &^ largeFlag),
		Version: raw[1],
	}

	var headerSize int
	var payloadSize uint64
	if raw[0]&largeFlag != 0 {
		if len(raw) < LargeHeaderSize {
			return Entry{}, 0, ErrTruncated
		}
		entry.Large = true
		headerSize = LargeHeaderSize
		payloadSize = uint64(binary.BigEndian.Uint32(raw[2:6]))
	} else {
		headerSize = SmallHeaderSize
		payloadSize = uint64(binary.BigEndian.Uint16(raw[2:4]))
	}

	if uint64(headerSize)+payloadSize > uint64(len(raw)) {
		return Entry{}, 0, ErrTruncated
	}
	end := headerSize + int(payloadSize)
	entry.Payload = make([]byte, payloadSize)
	copy(entry.Payload, raw[headerSize:end])
	return entry, end, nil
}

// Expect checks that entries have exactly the given types in order.
func Expect(entries []Entry, types ...Type) error {
	if len(entries) != len(types) {
		return fmt.Errorf("%w: expected %d TLVs, got %d", ErrInvalidFormat, len(types), len(entries))
	}
	for i, typ := range types {
		if entries[i].Type != typ {
			return fmt.Errorf("%w: TLV %d has type %d, expected %d", ErrInvalidFormat, i, entries[i].Type, typ)
		}
		if entries[i].Version != Version1 {
			return fmt.Errorf("%w: TLV %d has unsupported version %d", ErrInvalidFormat, i, entries[i].Version)
		}
	}
	return nil
}
