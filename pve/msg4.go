package pve

import (
	"bytes"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/epidblob"
	"github.com/edgelesssys/go-sgx-epid/keys"
	"github.com/edgelesssys/go-sgx-epid/provision/message"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/tlv"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Msg4Input is the decoded content of a Msg4.
type Msg4Input struct {
	XEGB       types.XEGB
	GroupCert  [types.GroupCertSize]byte
	EquivPI    types.PlatformInfo
	N2         [types.N2Size]byte
	Credential message.Encrypted
}

// ProcMsg4 recovers the member private key from the membership credential and returns it
// sealed as an EPID blob.
//
// The credential carries the escrowed f from Msg3, so a Msg4 can complete a transaction that
// started on this platform at any time, including one the backend replays from its records.
// Every decryption failure is reported as status.ErrMsg.
func (p *PvE) ProcMsg4(in *Msg4Input) (types.SealedData, error) {
	xegb, err := p.resolveXEGB(&in.XEGB)
	if err != nil {
		return types.SealedData{}, err
	}
	cert, err := verifyGroupCert(&xegb, in.GroupCert[:])
	if err != nil {
		return types.SealedData{}, err
	}
	psvn := in.EquivPI.PvEPSVN()

	credential, err := p.openCredential(in, cert.Key.GID, psvn)
	if err != nil {
		return types.SealedData{}, err
	}
	defer clear(credential.X[:])

	f, err := p.openEscrow(&credential.Escrow, psvn)
	if err != nil {
		return types.SealedData{}, err
	}

	blob := &epidblob.SDK{
		Plaintext: epidblob.Plaintext{
			EquivPSVN: psvn,
			GroupKey:  cert.Key,
			QSDKExp:   xegb.QSDKExp,
			QSDKMod:   xegb.QSDKMod,
			EPIDSK:    xegb.EPIDSK,
			XEID:      xegb.XEID,
		},
		PrivKey: types.PrivKey{
			GID: cert.Key.GID,
			A:   credential.A,
			X:   credential.X,
			F:   f,
		},
	}
	defer blob.Close()
	clear(f[:])

	if !p.engine.IsPrivKeyInGroup(&cert.Key, &blob.PrivKey) {
		return types.SealedData{}, status.New(status.MsgError, "credential does not belong to group %x", cert.Key.GID)
	}
	member, err := p.engine.NewMember(&cert.Key, &blob.PrivKey, nil, p.enclave.Rand())
	if err != nil {
		return types.SealedData{}, status.Wrap(status.Unexpected, err)
	}
	precomp := member.Precomp()
	member.Close()
	blob.Precomp = &precomp

	return epidblob.Seal(p.enclave, blob)
}

// openCredential decrypts the membership credential with the PWK2 of n2.
func (p *PvE) openCredential(in *Msg4Input, gid [4]byte, psvn types.PSVN) (types.MembershipCredential, error) {
	pwk2, err := keys.PWK2(p.enclave, psvn, in.N2)
	if err != nil {
		return types.MembershipCredential{}, err
	}
	defer pwk2.Zero()

	plaintext, err := crypto.GCMDecrypt(pwk2, in.Credential.IV, in.Credential.Data, types.CredentialAAD(gid, psvn), in.Credential.MAC)
	if err != nil {
		return types.MembershipCredential{}, status.Wrap(status.MsgError, err)
	}
	defer clear(plaintext)

	if len(plaintext) != tlv.SmallHeaderSize+types.MembershipCredentialSize ||
		!bytes.Equal(plaintext[:tlv.SmallHeaderSize], tlv.MembershipCredentialHeader[:]) {
		return types.MembershipCredential{}, status.New(status.MsgError, "malformed membership credential")
	}
	credential, err := types.ParseMembershipCredential(plaintext[tlv.SmallHeaderSize:])
	if err != nil {
		return types.MembershipCredential{}, status.Wrap(status.MsgError, err)
	}
	return credential, nil
}

// openEscrow decrypts the member secret f the provisioning enclave escrowed in Msg3.
func (p *PvE) openEscrow(escrow *types.Escrow, psvn types.PSVN) ([32]byte, error) {
	if escrow.Version != 0 {
		return [32]byte{}, status.New(status.MsgError, "unsupported escrow version %d", escrow.Version)
	}
	psk, err := keys.PvESealKey(p.enclave, psvn)
	if err != nil {
		return [32]byte{}, err
	}
	defer psk.Zero()

	plaintext, err := crypto.GCMDecrypt(psk, escrow.IV, escrow.F[:], nil, escrow.MAC)
	if err != nil {
		return [32]byte{}, status.Wrap(status.MsgError, err)
	}
	defer clear(plaintext)
	return [32]byte(plaintext), nil
}
