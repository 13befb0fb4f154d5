/*
Package message encodes and decodes the EPID provisioning messages.

Every message starts with a fixed header and continues with a TLV sequence. Requests (Msg1,
Msg3) are sent by the platform, responses (Msg2, Msg4) by the backend.

	Request header (15 bytes)
	┌──────────┬─────────┬───────────┬──────┬───────────────┐
	│ protocol │ version │  XID (8)  │ type │ size (u32 BE) │
	└──────────┴─────────┴───────────┴──────┴───────────────┘

	Response header (19 bytes)
	┌──────────┬─────────┬───────────┬──────┬──────────────────┬──────────────────┬───────────────┐
	│ protocol │ version │  XID (8)  │ type │ gstatus (u16 BE) │ pstatus (u16 BE) │ size (u32 BE) │
	└──────────┴─────────┴───────────┴──────┴──────────────────┴──────────────────┴───────────────┘

The body of each message carries an AES-GCM encrypted field1 authenticated together with the
header. Msg1 is keyed by EK1 = CMAC(SK, XID), all later messages by EK2 = CMAC(SK, XID ‖ nonce),
where SK is a random key the platform sends RSA-OAEP wrapped under the backend's PEK in Msg1.
*/
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/tlv"
)

const (
	// Protocol identifies EPID provisioning.
	Protocol = 0
	// Version is the provisioning protocol version.
	Version = 2

	// RequestHeaderSize is the size of a request header.
	RequestHeaderSize = 15
	// ResponseHeaderSize is the size of a response header.
	ResponseHeaderSize = 19

	// NonceSize is the size of the transaction nonce.
	NonceSize = 16
	// FlagsSize is the size of the Msg1 flags bitmap.
	FlagsSize = 16
)

// Type is a provisioning message type.
type Type uint8

// Message types.
const (
	TypeMsg1 Type = 0
	TypeMsg2 Type = 1
	TypeMsg3 Type = 2
	TypeMsg4 Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeMsg1:
		return "Msg1"
	case TypeMsg2:
		return "Msg2"
	case TypeMsg3:
		return "Msg3"
	case TypeMsg4:
		return "Msg4"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// XID is the transaction ID chosen by the platform in Msg1 and echoed by every later message.
type XID [8]byte

// GeneralStatus is the transport level status of a response.
type GeneralStatus uint16

// General statuses.
const (
	GeneralOK                   GeneralStatus = 0
	GeneralServerBusy           GeneralStatus = 1
	GeneralIntegrityCheckFail   GeneralStatus = 2
	GeneralIncorrectSyntax      GeneralStatus = 3
	GeneralIncompatibleVersion  GeneralStatus = 4
	GeneralTransactionStateLost GeneralStatus = 5
	GeneralProtocolError        GeneralStatus = 6
	GeneralInternalError        GeneralStatus = 7
)

// ProtocolStatus is the provisioning level status of a response.
type ProtocolStatus uint16

// Protocol statuses.
const (
	ProtocolOK                           ProtocolStatus = 0
	ProtocolPlatformRevoked              ProtocolStatus = 1
	ProtocolStatusIntegrityFailed        ProtocolStatus = 2
	ProtocolPerformanceRekeyNotSupported ProtocolStatus = 3
	ProtocolProvisioningError            ProtocolStatus = 4
	ProtocolInvalidRequest               ProtocolStatus = 5
	ProtocolAttestationKeyNotFound       ProtocolStatus = 6
	ProtocolInvalidReport                ProtocolStatus = 7
)

// RequestHeader is the header of Msg1 and Msg3.
type RequestHeader struct {
	Protocol uint8
	Version  uint8
	XID      XID
	Type     Type
	Size     uint32
}

// ParseRequestHeader parses a request header.
func ParseRequestHeader(raw []byte) (RequestHeader, error) {
	if len(raw) < RequestHeaderSize {
		return RequestHeader{}, status.New(status.MsgError, "request of %d bytes is shorter than its header", len(raw))
	}
	return RequestHeader{
		Protocol: raw[0],
		Version:  raw[1],
		XID:      XID(raw[2:10]),
		Type:     Type(raw[10]),
		Size:     binary.BigEndian.Uint32(raw[11:15]),
	}, nil
}

// Marshal serializes the request header.
func (h *RequestHeader) Marshal() [RequestHeaderSize]byte {
	var result [RequestHeaderSize]byte
	result[0] = h.Protocol
	result[1] = h.Version
	copy(result[2:10], h.XID[:])
	result[10] = byte(h.Type)
	binary.BigEndian.PutUint32(result[11:15], h.Size)
	return result
}

// ResponseHeader is the header of Msg2 and Msg4.
type ResponseHeader struct {
	Protocol uint8
	Version  uint8
	XID      XID
	Type     Type
	GStatus  GeneralStatus
	PStatus  ProtocolStatus
	Size     uint32
}

// ParseResponseHeader parses a response header.
func ParseResponseHeader(raw []byte) (ResponseHeader, error) {
	if len(raw) < ResponseHeaderSize {
		return ResponseHeader{}, status.New(status.MsgError, "response of %d bytes is shorter than its header", len(raw))
	}
	return ResponseHeader{
		Protocol: raw[0],
		Version:  raw[1],
		XID:      XID(raw[2:10]),
		Type:     Type(raw[10]),
		GStatus:  GeneralStatus(binary.BigEndian.Uint16(raw[11:13])),
		PStatus:  ProtocolStatus(binary.BigEndian.Uint16(raw[13:15])),
		Size:     binary.BigEndian.Uint32(raw[15:19]),
	}, nil
}

// Marshal serializes the response header.
func (h *ResponseHeader) Marshal() [ResponseHeaderSize]byte {
	var result [ResponseHeaderSize]byte
	result[0] = h.Protocol
	result[1] = h.Version
	copy(result[2:10], h.XID[:])
	result[10] = byte(h.Type)
	binary.BigEndian.PutUint16(result[11:13], uint16(h.GStatus))
	binary.BigEndian.PutUint16(result[13:15], uint16(h.PStatus))
	binary.BigEndian.PutUint32(result[15:19], h.Size)
	return result
}

// Err maps the statuses of the header to an error. It returns nil for a successful response.
func (h *ResponseHeader) Err() error {
	switch h.GStatus {
	case GeneralOK:
	case GeneralServerBusy:
		return status.New(status.Busy, "backend server busy")
	case GeneralIncompatibleVersion:
		return status.New(status.UnsupportedVersion, "backend does not support protocol version %d", Version)
	default:
		return status.New(status.BackendServerError, "backend reported general status %d", h.GStatus)
	}
	switch h.PStatus {
	case ProtocolOK:
		return nil
	case ProtocolPlatformRevoked:
		return status.New(status.Revoked, "backend reported the platform as revoked")
	default:
		return status.New(status.BackendServerError, "backend reported protocol status %d", h.PStatus)
	}
}

// ParseResponse checks the header of a response of any type for this transaction and returns
// it together with the body. Failed statuses are returned as errors, since such responses
// carry no authenticated body.
func ParseResponse(raw []byte, xid XID) (ResponseHeader, []byte, error) {
	header, err := ParseResponseHeader(raw)
	if err != nil {
		return ResponseHeader{}, nil, err
	}
	if header.Protocol != Protocol {
		return ResponseHeader{}, nil, status.New(status.MsgError, "unexpected protocol %d", header.Protocol)
	}
	if header.Version != Version {
		return ResponseHeader{}, nil, status.New(status.UnsupportedVersion, "unsupported protocol version %d", header.Version)
	}
	// upgrade to uint64 so we can easier spot mistakes in case we overflow
	if uint64(header.Size)+ResponseHeaderSize != uint64(len(raw)) {
		return ResponseHeader{}, nil, status.New(status.MsgError, "response size %d does not match declared body size %d", len(raw), header.Size)
	}
	if header.XID != xid {
		return ResponseHeader{}, nil, status.New(status.MsgError, "response XID %x does not match transaction %x", header.XID, xid)
	}
	if err := header.Err(); err != nil {
		return ResponseHeader{}, nil, err
	}
	return header, raw[ResponseHeaderSize:], nil
}

// ParseRequest checks the header of a request and returns it together with the body.
func ParseRequest(raw []byte) (RequestHeader, []byte, error) {
	header, err := ParseRequestHeader(raw)
	if err != nil {
		return RequestHeader{}, nil, err
	}
	if header.Protocol != Protocol {
		return RequestHeader{}, nil, status.New(status.MsgError, "unexpected protocol %d", header.Protocol)
	}
	if header.Version != Version {
		return RequestHeader{}, nil, status.New(status.UnsupportedVersion, "unsupported protocol version %d", header.Version)
	}
	if uint64(header.Size)+RequestHeaderSize != uint64(len(raw)) {
		return RequestHeader{}, nil, status.New(status.MsgError, "request size %d does not match declared body size %d", len(raw), header.Size)
	}
	return header, raw[RequestHeaderSize:], nil
}

// ErrorResponse returns a body-less response carrying the given statuses.
func ErrorResponse(xid XID, typ Type, gstatus GeneralStatus, pstatus ProtocolStatus) []byte {
	header := ResponseHeader{
		Protocol: Protocol,
		Version:  Version,
		XID:      xid,
		Type:     typ,
		GStatus:  gstatus,
		PStatus:  pstatus,
	}
	raw := header.Marshal()
	return raw[:]
}

// EK1 derives the Msg1 encryption key.
func EK1(sk crypto.Key, xid XID) (crypto.Key, error) {
	key, err := crypto.CMAC(sk, xid[:])
	if err != nil {
		return crypto.Key{}, status.Wrap(status.Unexpected, err)
	}
	return key, nil
}

// EK2 derives the encryption key of Msg2, Msg3 and Msg4 from the nonce of the backend.
func EK2(sk crypto.Key, xid XID, nonce [NonceSize]byte) (crypto.Key, error) {
	var content [len(XID{}) + NonceSize]byte
	copy(content[:8], xid[:])
	copy(content[8:], nonce[:])
	key, err := crypto.CMAC(sk, content[:])
	if err != nil {
		return crypto.Key{}, status.Wrap(status.Unexpected, err)
	}
	return key, nil
}

// Encrypted is an AES-GCM cipher text carried as a BLOCK_CIPHER_TEXT and a MAC TLV.
type Encrypted struct {
	IV   [crypto.IVSize]byte
	Data []byte
	MAC  [crypto.TagSize]byte
}

// Entries returns the two TLVs carrying e.
func (e *Encrypted) Entries() []tlv.Entry {
	return []tlv.Entry{tlv.NewBlockCipherText(e.IV, e.Data), tlv.NewMAC(e.MAC)}
}

// encryptedSize returns the encoded size of the TLVs of a cipher text of n bytes.
func encryptedSize(n int) int {
	return tlv.Entry{Type: tlv.BlockCipherText, Payload: make([]byte, crypto.IVSize+n)}.Size() +
		tlv.SmallHeaderSize + crypto.TagSize
}

// parseEncrypted reads a BLOCK_CIPHER_TEXT and MAC pair.
func parseEncrypted(cipherText, mac tlv.Entry) (Encrypted, error) {
	iv, data, err := tlv.ParseBlockCipherText(cipherText)
	if err != nil {
		return Encrypted{}, err
	}
	tag, err := tlv.ParseMAC(mac)
	if err != nil {
		return Encrypted{}, err
	}
	return Encrypted{IV: iv, Data: data, MAC: tag}, nil
}

// seal encrypts plaintext under key with a fresh IV read from rand.
func seal(rand io.Reader, key crypto.Key, plaintext, aad []byte) (Encrypted, error) {
	var e Encrypted
	if _, err := io.ReadFull(rand, e.IV[:]); err != nil {
		return Encrypted{}, status.Wrap(status.ReadRandError, err)
	}
	data, tag, err := crypto.GCMEncrypt(key, e.IV, plaintext, aad)
	if err != nil {
		return Encrypted{}, status.Wrap(status.Unexpected, err)
	}
	e.Data = data
	e.MAC = tag
	return e, nil
}

// open decrypts e under key. A failing tag is an integrity error.
func (e *Encrypted) open(key crypto.Key, aad []byte) ([]byte, error) {
	plaintext, err := crypto.GCMDecrypt(key, e.IV, e.Data, aad, e.MAC)
	if err != nil {
		return nil, status.Wrap(status.IntegrityError, err)
	}
	return plaintext, nil
}

func decodeTLVs(raw []byte, types ...tlv.Type) ([]tlv.Entry, error) {
	entries, err := tlv.Decode(raw)
	if err != nil {
		return nil, status.Wrap(status.MsgError, err)
	}
	if types == nil {
		return entries, nil
	}
	if err := tlv.Expect(entries, types...); err != nil {
		return nil, status.Wrap(status.MsgError, err)
	}
	return entries, nil
}

func fixed(e tlv.Entry, typ tlv.Type, size int) ([]byte, error) {
	payload, err := tlv.Fixed(e, typ, size)
	if err != nil {
		return nil, status.Wrap(status.MsgError, err)
	}
	return payload, nil
}

func msgErr(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *status.Error
	if errors.As(err, &statusErr) {
		return err
	}
	return status.Wrap(status.MsgError, err)
}
