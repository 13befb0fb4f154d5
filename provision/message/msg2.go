package message

import (
	"io"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/tlv"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Msg2 is the backend's challenge.
//
//	header ‖ NONCE ‖ BLOCK_CIPHER_TEXT(iv, E_EK2(field1)) ‖ MAC [‖ EPID_SIG_RL]
//	field1 = [PLATFORM_INFO(previous) ‖ EPID_GID(previous) ‖]
//	         EPID_GROUP_CERT ‖ PS_ID ‖ NONCE(challenge) ‖ PLATFORM_INFO(equivalent)
//
// The associated data of field1 is the header, followed by the GID and version of the SigRL
// if one is attached. The SigRL itself is authenticated by its own signature.
type Msg2 struct {
	XID       XID
	Nonce     [NonceSize]byte
	GroupCert [types.GroupCertSize]byte
	PSID      [32]byte
	Challenge [types.ChallengeNonceSize]byte
	EquivPI   types.PlatformInfo
	// PrevPI is set if the backend knows an earlier key of the platform and asks for
	// a proof of non-revocation with it.
	PrevPI  *types.PlatformInfo
	PrevGID [4]byte
	SigRL   []byte
}

// EncodeMsg2 encodes m under the SK of the transaction.
func EncodeMsg2(rand io.Reader, sk crypto.Key, m *Msg2) ([]byte, error) {
	var entries []tlv.Entry
	if m.PrevPI != nil {
		prev := m.PrevPI.Marshal()
		entries = append(entries,
			tlv.New(tlv.PlatformInfo, prev[:]),
			tlv.New(tlv.EPIDGID, m.PrevGID[:]),
		)
	}
	equiv := m.EquivPI.Marshal()
	entries = append(entries,
		tlv.New(tlv.EPIDGroupCert, m.GroupCert[:]),
		tlv.New(tlv.PSID, m.PSID[:]),
		tlv.New(tlv.Nonce, m.Challenge[:]),
		tlv.New(tlv.PlatformInfo, equiv[:]),
	)
	field1, err := tlv.Encode(entries...)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}

	var sigRLEntry []tlv.Entry
	if len(m.SigRL) > 0 {
		if len(m.SigRL) < types.SigRLHeaderSize+types.ECDSASignatureSize {
			return nil, status.New(status.ParameterError, "SigRL of %d bytes is too short", len(m.SigRL))
		}
		sigRLEntry = append(sigRLEntry, tlv.NewLarge(tlv.EPIDSigRL, m.SigRL))
	}
	size := tlv.SmallHeaderSize + NonceSize + encryptedSize(len(field1))
	for _, e := range sigRLEntry {
		size += e.Size()
	}

	header := ResponseHeader{
		Protocol: Protocol,
		Version:  Version,
		XID:      m.XID,
		Type:     TypeMsg2,
		Size:     uint32(size),
	}
	headerBytes := header.Marshal()

	ek2, err := EK2(sk, m.XID, m.Nonce)
	if err != nil {
		return nil, err
	}
	defer ek2.Zero()
	encrypted, err := seal(rand, ek2, field1, msg2AAD(headerBytes[:], m.SigRL))
	if err != nil {
		return nil, err
	}

	body := append([]tlv.Entry{tlv.New(tlv.Nonce, m.Nonce[:])}, encrypted.Entries()...)
	bodyBytes, err := tlv.Encode(append(body, sigRLEntry...)...)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	return concat(headerBytes[:], bodyBytes), nil
}

// DecodeMsg2 decodes a Msg2 of transaction xid. The header and the statuses are checked
// before field1 is authenticated.
func DecodeMsg2(raw []byte, xid XID, sk crypto.Key) (*Msg2, error) {
	header, body, err := ParseResponse(raw, xid)
	if err != nil {
		return nil, err
	}
	if header.Type != TypeMsg2 {
		return nil, status.New(status.MsgError, "expected Msg2, got %s", header.Type)
	}
	entries, err := decodeTLVs(body)
	if err != nil {
		return nil, err
	}

	m := &Msg2{XID: xid}
	switch len(entries) {
	case 3:
		err = tlv.Expect(entries, tlv.Nonce, tlv.BlockCipherText, tlv.MAC)
	case 4:
		err = tlv.Expect(entries, tlv.Nonce, tlv.BlockCipherText, tlv.MAC, tlv.EPIDSigRL)
	default:
		return nil, status.New(status.MsgError, "Msg2 has %d TLVs", len(entries))
	}
	if err != nil {
		return nil, msgErr(err)
	}

	nonce, err := fixed(entries[0], tlv.Nonce, NonceSize)
	if err != nil {
		return nil, err
	}
	m.Nonce = [NonceSize]byte(nonce)
	if len(entries) == 4 {
		if !entries[3].Large {
			return nil, status.New(status.MsgError, "SigRL TLV must use the large header")
		}
		if len(entries[3].Payload) < types.SigRLHeaderSize+types.ECDSASignatureSize {
			return nil, status.New(status.MsgError, "SigRL TLV too short")
		}
		if _, err := types.ParseSigRLHeader(entries[3].Payload); err != nil {
			return nil, msgErr(err)
		}
		m.SigRL = entries[3].Payload
	}

	encrypted, err := parseEncrypted(entries[1], entries[2])
	if err != nil {
		return nil, msgErr(err)
	}
	ek2, err := EK2(sk, xid, m.Nonce)
	if err != nil {
		return nil, err
	}
	defer ek2.Zero()
	field1, err := encrypted.open(ek2, msg2AAD(raw[:ResponseHeaderSize], m.SigRL))
	if err != nil {
		return nil, err
	}
	if err := decodeMsg2Field1(field1, m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeMsg2Field1(field1 []byte, m *Msg2) error {
	entries, err := decodeTLVs(field1)
	if err != nil {
		return err
	}
	switch len(entries) {
	case 4:
	case 6:
		if err := tlv.Expect(entries[:2], tlv.PlatformInfo, tlv.EPIDGID); err != nil {
			return msgErr(err)
		}
		prevRaw, err := fixed(entries[0], tlv.PlatformInfo, types.PlatformInfoSize)
		if err != nil {
			return err
		}
		prev, err := types.ParsePlatformInfo(prevRaw)
		if err != nil {
			return msgErr(err)
		}
		gid, err := fixed(entries[1], tlv.EPIDGID, 4)
		if err != nil {
			return err
		}
		m.PrevPI = &prev
		m.PrevGID = [4]byte(gid)
		entries = entries[2:]
	default:
		return status.New(status.MsgError, "Msg2 field1 has %d TLVs", len(entries))
	}
	if err := tlv.Expect(entries, tlv.EPIDGroupCert, tlv.PSID, tlv.Nonce, tlv.PlatformInfo); err != nil {
		return msgErr(err)
	}

	cert, err := fixed(entries[0], tlv.EPIDGroupCert, types.GroupCertSize)
	if err != nil {
		return err
	}
	m.GroupCert = [types.GroupCertSize]byte(cert)
	psid, err := fixed(entries[1], tlv.PSID, 32)
	if err != nil {
		return err
	}
	m.PSID = [32]byte(psid)
	challenge, err := fixed(entries[2], tlv.Nonce, types.ChallengeNonceSize)
	if err != nil {
		return err
	}
	m.Challenge = [types.ChallengeNonceSize]byte(challenge)
	equiv, err := fixed(entries[3], tlv.PlatformInfo, types.PlatformInfoSize)
	if err != nil {
		return err
	}
	if m.EquivPI, err = types.ParsePlatformInfo(equiv); err != nil {
		return msgErr(err)
	}
	return nil
}

// msg2AAD returns header ‖ SigRL version ‖ SigRL gid.
func msg2AAD(header []byte, sigRL []byte) []byte {
	if len(sigRL) == 0 {
		return concat(header)
	}
	return concat(header, sigRL[8:12], sigRL[4:8])
}
