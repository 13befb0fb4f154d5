package message

import (
	"crypto/rsa"
	"io"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/secret"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/tlv"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// PEKModulusSize is the size of RSA-OAEP cipher texts under the PEK.
const PEKModulusSize = 384

// Flags is the Msg1 flags bitmap.
type Flags [FlagsSize]byte

const flagPerformanceRekey = 0x01

// PerformanceRekey reports whether the platform requests a performance rekey.
func (f Flags) PerformanceRekey() bool {
	return f[FlagsSize-1]&flagPerformanceRekey != 0
}

// SetPerformanceRekey sets or clears the performance rekey flag.
func (f *Flags) SetPerformanceRekey(on bool) {
	if on {
		f[FlagsSize-1] |= flagPerformanceRekey
	} else {
		f[FlagsSize-1] &^= flagPerformanceRekey
	}
}

// Msg1 opens a provisioning transaction.
//
//	header ‖ CIPHER_TEXT(PEK, RSA-OAEP(SK)) ‖ BLOCK_CIPHER_TEXT(iv, E_EK1(field1)) ‖ MAC
//	field1 = CIPHER_TEXT(PEK, encrypted PPID) ‖ PLATFORM_INFO ‖ FLAGS
//
// The header and the SK TLV are the associated data of field1.
type Msg1 struct {
	XID           XID
	EncryptedPPID [PEKModulusSize]byte
	PlatformInfo  types.PlatformInfo
	Flags         Flags
}

// EncodeMsg1 wraps sk under pek and encodes m.
func EncodeMsg1(rand io.Reader, pek *rsa.PublicKey, sk crypto.Key, m *Msg1) ([]byte, error) {
	wrappedSK, err := crypto.RSAOAEPEncrypt(rand, pek, sk[:])
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	skEntry := tlv.NewCipherText(tlv.KeyIDPEK3072Pub, wrappedSK)

	pi := m.PlatformInfo.Marshal()
	field1, err := tlv.Encode(
		tlv.NewCipherText(tlv.KeyIDPEK3072Pub, m.EncryptedPPID[:]),
		tlv.New(tlv.PlatformInfo, pi[:]),
		tlv.New(tlv.Flags, m.Flags[:]),
	)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}

	header := RequestHeader{
		Protocol: Protocol,
		Version:  Version,
		XID:      m.XID,
		Type:     TypeMsg1,
		Size:     uint32(skEntry.Size() + encryptedSize(len(field1))),
	}
	headerBytes := header.Marshal()
	skBytes, err := tlv.Encode(skEntry)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}

	ek1, err := EK1(sk, m.XID)
	if err != nil {
		return nil, err
	}
	defer ek1.Zero()
	encrypted, err := seal(rand, ek1, field1, concat(headerBytes[:], skBytes))
	if err != nil {
		return nil, err
	}

	body, err := tlv.Encode(append([]tlv.Entry{skEntry}, encrypted.Entries()...)...)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	return concat(headerBytes[:], body), nil
}

// DecodeMsg1 unwraps SK with the PEK private key and decodes a Msg1. The caller owns the
// returned SK buffer.
func DecodeMsg1(rand io.Reader, pek *rsa.PrivateKey, raw []byte) (*Msg1, *secret.Buffer, error) {
	header, body, err := ParseRequest(raw)
	if err != nil {
		return nil, nil, err
	}
	if header.Type != TypeMsg1 {
		return nil, nil, status.New(status.MsgError, "expected Msg1, got %s", header.Type)
	}
	entries, err := decodeTLVs(body, tlv.CipherText, tlv.BlockCipherText, tlv.MAC)
	if err != nil {
		return nil, nil, err
	}

	keyID, wrappedSK, err := tlv.ParseCipherText(entries[0])
	if err != nil || keyID != tlv.KeyIDPEK3072Pub {
		return nil, nil, status.New(status.MsgError, "malformed SK cipher text")
	}
	rawSK, err := crypto.RSAOAEPDecrypt(rand, pek, wrappedSK)
	if err != nil || len(rawSK) != crypto.KeySize {
		return nil, nil, status.New(status.IntegrityError, "unwrapping SK failed")
	}
	sk := secret.From(rawSK)
	secret.Zero(rawSK)

	encrypted, err := parseEncrypted(entries[1], entries[2])
	if err != nil {
		sk.Destroy()
		return nil, nil, msgErr(err)
	}
	ek1, err := EK1(crypto.Key(sk.Bytes()), header.XID)
	if err != nil {
		sk.Destroy()
		return nil, nil, err
	}
	defer ek1.Zero()
	skLen := entries[0].Size()
	field1, err := encrypted.open(ek1, raw[:RequestHeaderSize+skLen])
	if err != nil {
		sk.Destroy()
		return nil, nil, err
	}

	m, err := decodeMsg1Field1(field1)
	if err != nil {
		sk.Destroy()
		return nil, nil, err
	}
	m.XID = header.XID
	return m, sk, nil
}

func decodeMsg1Field1(field1 []byte) (*Msg1, error) {
	entries, err := decodeTLVs(field1, tlv.CipherText, tlv.PlatformInfo, tlv.Flags)
	if err != nil {
		return nil, err
	}
	m := &Msg1{}
	keyID, ppid, err := tlv.ParseCipherText(entries[0])
	if err != nil || keyID != tlv.KeyIDPEK3072Pub || len(ppid) != PEKModulusSize {
		return nil, status.New(status.MsgError, "malformed encrypted PPID")
	}
	m.EncryptedPPID = [PEKModulusSize]byte(ppid)

	pi, err := fixed(entries[1], tlv.PlatformInfo, types.PlatformInfoSize)
	if err != nil {
		return nil, err
	}
	if m.PlatformInfo, err = types.ParsePlatformInfo(pi); err != nil {
		return nil, msgErr(err)
	}
	flags, err := fixed(entries[2], tlv.Flags, FlagsSize)
	if err != nil {
		return nil, err
	}
	m.Flags = Flags(flags)
	return m, nil
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
