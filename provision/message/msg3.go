package message

import (
	"io"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/tlv"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Msg3 answers the challenge of Msg2.
//
//	header ‖ NONCE ‖ BLOCK_CIPHER_TEXT(iv, E_EK2(field1)) ‖ MAC [‖ BLOCK_CIPHER_TEXT(EPID signature) ‖ MAC]
//	field1 = BLOCK_CIPHER_TEXT(join proof) ‖ MAC ‖ NONCE(n2) ‖ CIPHER_TEXT(PEK, encrypted PWK2) ‖ SE_REPORT
//
// The join proof and the EPID signature are encrypted under PWK2 by the provisioning enclave.
// SE_REPORT carries the provisioning enclave's report body and the PCE signature over it.
type Msg3 struct {
	XID             XID
	Nonce           [NonceSize]byte
	JoinProof       Encrypted
	N2              [types.N2Size]byte
	EncryptedPWK2   [PEKModulusSize]byte
	ReportBody      types.ReportBody
	ReportSignature [types.ECDSASignatureSize]byte
	// EPIDSignature is set if Msg2 asked for a proof with the previous key.
	EPIDSignature *Encrypted
}

// EncodeMsg3 encodes m under the SK of the transaction.
func EncodeMsg3(rand io.Reader, sk crypto.Key, m *Msg3) ([]byte, error) {
	body := m.ReportBody.Marshal()
	seReport := concat(body[:], m.ReportSignature[:])
	field1, err := tlv.Encode(append(m.JoinProof.Entries(),
		tlv.New(tlv.Nonce, m.N2[:]),
		tlv.NewCipherText(tlv.KeyIDPEK3072Pub, m.EncryptedPWK2[:]),
		tlv.NewLarge(tlv.SEReport, seReport),
	)...)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}

	var trailer []tlv.Entry
	if m.EPIDSignature != nil {
		trailer = m.EPIDSignature.Entries()
	}
	size := tlv.SmallHeaderSize + NonceSize + encryptedSize(len(field1))
	for _, e := range trailer {
		size += e.Size()
	}

	header := RequestHeader{
		Protocol: Protocol,
		Version:  Version,
		XID:      m.XID,
		Type:     TypeMsg3,
		Size:     uint32(size),
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

	entries := append([]tlv.Entry{tlv.New(tlv.Nonce, m.Nonce[:])}, encrypted.Entries()...)
	bodyBytes, err := tlv.Encode(append(entries, trailer...)...)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	return concat(headerBytes[:], bodyBytes), nil
}

// DecodeMsg3 decodes a Msg3. The caller looks up sk by the XID of the request header.
func DecodeMsg3(raw []byte, sk crypto.Key) (*Msg3, error) {
	header, body, err := ParseRequest(raw)
	if err != nil {
		return nil, err
	}
	if header.Type != TypeMsg3 {
		return nil, status.New(status.MsgError, "expected Msg3, got %s", header.Type)
	}
	entries, err := decodeTLVs(body)
	if err != nil {
		return nil, err
	}
	switch len(entries) {
	case 3:
		err = tlv.Expect(entries, tlv.Nonce, tlv.BlockCipherText, tlv.MAC)
	case 5:
		err = tlv.Expect(entries, tlv.Nonce, tlv.BlockCipherText, tlv.MAC, tlv.BlockCipherText, tlv.MAC)
	default:
		return nil, status.New(status.MsgError, "Msg3 has %d TLVs", len(entries))
	}
	if err != nil {
		return nil, msgErr(err)
	}

	m := &Msg3{XID: header.XID}
	nonce, err := fixed(entries[0], tlv.Nonce, NonceSize)
	if err != nil {
		return nil, err
	}
	m.Nonce = [NonceSize]byte(nonce)
	if len(entries) == 5 {
		sig, err := parseEncrypted(entries[3], entries[4])
		if err != nil {
			return nil, msgErr(err)
		}
		m.EPIDSignature = &sig
	}

	encrypted, err := parseEncrypted(entries[1], entries[2])
	if err != nil {
		return nil, msgErr(err)
	}
	ek2, err := EK2(sk, header.XID, m.Nonce)
	if err != nil {
		return nil, err
	}
	defer ek2.Zero()
	field1, err := encrypted.open(ek2, raw[:RequestHeaderSize])
	if err != nil {
		return nil, err
	}

	fields, err := decodeTLVs(field1, tlv.BlockCipherText, tlv.MAC, tlv.Nonce, tlv.CipherText, tlv.SEReport)
	if err != nil {
		return nil, err
	}
	if m.JoinProof, err = parseEncrypted(fields[0], fields[1]); err != nil {
		return nil, msgErr(err)
	}
	n2, err := fixed(fields[2], tlv.Nonce, types.N2Size)
	if err != nil {
		return nil, err
	}
	m.N2 = [types.N2Size]byte(n2)
	keyID, pwk2, err := tlv.ParseCipherText(fields[3])
	if err != nil || keyID != tlv.KeyIDPEK3072Pub || len(pwk2) != PEKModulusSize {
		return nil, status.New(status.MsgError, "malformed encrypted PWK2")
	}
	m.EncryptedPWK2 = [PEKModulusSize]byte(pwk2)
	seReport, err := fixed(fields[4], tlv.SEReport, types.ReportBodySize+types.ECDSASignatureSize)
	if err != nil {
		return nil, err
	}
	if m.ReportBody, err = types.ParseReportBody(seReport[:types.ReportBodySize]); err != nil {
		return nil, msgErr(err)
	}
	m.ReportSignature = [types.ECDSASignatureSize]byte(seReport[types.ReportBodySize:])
	return m, nil
}
