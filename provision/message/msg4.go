package message

import (
	"io"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/tlv"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Msg4 delivers the membership credential.
//
//	header ‖ NONCE ‖ BLOCK_CIPHER_TEXT(iv, E_EK2(field1)) ‖ MAC
//	field1 = NONCE(n2) ‖ EPID_GROUP_CERT ‖ PLATFORM_INFO(equivalent) ‖ BLOCK_CIPHER_TEXT(credential) ‖ MAC
//
// The credential is encrypted under the PWK2 of n2 and the equivalent PSVN.
type Msg4 struct {
	XID        XID
	Nonce      [NonceSize]byte
	N2         [types.N2Size]byte
	GroupCert  [types.GroupCertSize]byte
	EquivPI    types.PlatformInfo
	Credential Encrypted
}

// EncodeMsg4 encodes m under the SK of the transaction.
func EncodeMsg4(rand io.Reader, sk crypto.Key, m *Msg4) ([]byte, error) {
	equiv := m.EquivPI.Marshal()
	field1, err := tlv.Encode(append([]tlv.Entry{
		tlv.New(tlv.Nonce, m.N2[:]),
		tlv.New(tlv.EPIDGroupCert, m.GroupCert[:]),
		tlv.New(tlv.PlatformInfo, equiv[:]),
	}, m.Credential.Entries()...)...)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}

	header := ResponseHeader{
		Protocol: Protocol,
		Version:  Version,
		XID:      m.XID,
		Type:     TypeMsg4,
		Size:     uint32(tlv.SmallHeaderSize + NonceSize + encryptedSize(len(field1))),
	}
	headerBytes := header.Marshal()

	ek2, err := EK2(sk, m.XID, m.Nonce)
	if err != nil {
		return nil, err
	}
	defer ek2.Zero()
	encrypted, err := seal(rand, ek2, field1, headerBytes[:])
	if err != nil {
		return nil, err
	}

	bodyBytes, err := tlv.Encode(append([]tlv.Entry{tlv.New(tlv.Nonce, m.Nonce[:])}, encrypted.Entries()...)...)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	return concat(headerBytes[:], bodyBytes), nil
}

// DecodeMsg4 decodes a Msg4 of transaction xid.
func DecodeMsg4(raw []byte, xid XID, sk crypto.Key) (*Msg4, error) {
	header, body, err := ParseResponse(raw, xid)
	if err != nil {
		return nil, err
	}
	if header.Type != TypeMsg4 {
		return nil, status.New(status.MsgError, "expected Msg4, got %s", header.Type)
	}
	entries, err := decodeTLVs(body, tlv.Nonce, tlv.BlockCipherText, tlv.MAC)
	if err != nil {
		return nil, err
	}

	m := &Msg4{XID: xid}
	nonce, err := fixed(entries[0], tlv.Nonce, NonceSize)
	if err != nil {
		return nil, err
	}
	m.Nonce = [NonceSize]byte(nonce)

	encrypted, err := parseEncrypted(entries[1], entries[2])
	if err != nil {
		return nil, msgErr(err)
	}
	ek2, err := EK2(sk, xid, m.Nonce)
	if err != nil {
		return nil, err
	}
	defer ek2.Zero()
	field1, err := encrypted.open(ek2, raw[:ResponseHeaderSize])
	if err != nil {
		return nil, err
	}

	fields, err := decodeTLVs(field1, tlv.Nonce, tlv.EPIDGroupCert, tlv.PlatformInfo, tlv.BlockCipherText, tlv.MAC)
	if err != nil {
		return nil, err
	}
	n2, err := fixed(fields[0], tlv.Nonce, types.N2Size)
	if err != nil {
		return nil, err
	}
	m.N2 = [types.N2Size]byte(n2)
	cert, err := fixed(fields[1], tlv.EPIDGroupCert, types.GroupCertSize)
	if err != nil {
		return nil, err
	}
	m.GroupCert = [types.GroupCertSize]byte(cert)
	equiv, err := fixed(fields[2], tlv.PlatformInfo, types.PlatformInfoSize)
	if err != nil {
		return nil, err
	}
	if m.EquivPI, err = types.ParsePlatformInfo(equiv); err != nil {
		return nil, msgErr(err)
	}
	if m.Credential, err = parseEncrypted(fields[3], fields[4]); err != nil {
		return nil, msgErr(err)
	}
	return m, nil
}

// PeekType returns the type of a response without checking anything else.
func PeekType(raw []byte) (Type, error) {
	header, err := ParseResponseHeader(raw)
	if err != nil {
		return 0, err
	}
	return header.Type, nil
}
