package backendsim

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Trust is the key hierarchy of a simulated EPID ecosystem.
//
//	root key ──signs──► XEGB ─┬─ EPID signing key ──signs──► group certs, SigRLs
//	                          ├─ PEK signing key  ──signs──► PEK (RSA-3072)
//	                          └─ quoting service key (RSA-2048, wraps quote signatures)
type Trust struct {
	RootKey       *ecdsa.PrivateKey
	EPIDSK        *ecdsa.PrivateKey
	PEKSK         *ecdsa.PrivateKey
	PEK           *rsa.PrivateKey
	QuotingServer *rsa.PrivateKey

	XEGB      types.XEGB
	SignedPEK types.SignedPEK
}

// NewTrust generates a fresh key hierarchy for the extended group xeid.
func NewTrust(rand io.Reader, xeid uint32) (*Trust, error) {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand)
	if err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}
	epidSK, err := ecdsa.GenerateKey(elliptic.P256(), rand)
	if err != nil {
		return nil, fmt.Errorf("generating EPID signing key: %w", err)
	}
	pekSK, err := ecdsa.GenerateKey(elliptic.P256(), rand)
	if err != nil {
		return nil, fmt.Errorf("generating PEK signing key: %w", err)
	}
	pek, err := rsa.GenerateKey(rand, 3072)
	if err != nil {
		return nil, fmt.Errorf("generating PEK: %w", err)
	}
	quotingServer, err := rsa.GenerateKey(rand, 2048)
	if err != nil {
		return nil, fmt.Errorf("generating quoting service key: %w", err)
	}

	t := &Trust{
		RootKey:       rootKey,
		EPIDSK:        epidSK,
		PEKSK:         pekSK,
		PEK:           pek,
		QuotingServer: quotingServer,
	}
	if err := t.signXEGB(rand, xeid); err != nil {
		return nil, err
	}
	if err := t.signPEK(rand); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trust) signXEGB(rand io.Reader, xeid uint32) error {
	mod, exp, err := crypto.MarshalRSAPublicKey(&t.QuotingServer.PublicKey, 256)
	if err != nil {
		return err
	}
	t.XEGB = types.XEGB{
		FormatID:   types.XEGBFormatID,
		DataLength: types.XEGBDataLength,
		XEID:       xeid,
		EPIDSK:     crypto.MarshalECDSAPublicKey(&t.EPIDSK.PublicKey),
		PEKSK:      crypto.MarshalECDSAPublicKey(&t.PEKSK.PublicKey),
		QSDKExp:    exp,
		QSDKMod:    [256]byte(mod),
	}
	signature, err := crypto.SignECDSA(rand, t.RootKey, t.XEGB.SignedBytes())
	if err != nil {
		return fmt.Errorf("signing XEGB: %w", err)
	}
	t.XEGB.Signature = signature
	return nil
}

func (t *Trust) signPEK(rand io.Reader) error {
	mod, exp, err := crypto.MarshalRSAPublicKey(&t.PEK.PublicKey, 384)
	if err != nil {
		return err
	}
	t.SignedPEK = types.SignedPEK{N: [384]byte(mod), E: exp}
	signature, err := crypto.SignECDSA(rand, t.PEKSK, t.SignedPEK.SignedBytes())
	if err != nil {
		return fmt.Errorf("signing PEK: %w", err)
	}
	t.SignedPEK.Signature = signature
	return nil
}

// GroupCert signs pub with the EPID signing key.
func (t *Trust) GroupCert(rand io.Reader, pub types.GroupPubKey) (types.GroupCert, error) {
	cert := types.GroupCert{
		Version: types.GroupCertVersion,
		Type:    types.GroupCertType,
		Key:     pub,
	}
	signature, err := crypto.SignECDSA(rand, t.EPIDSK, cert.SignedBytes())
	if err != nil {
		return types.GroupCert{}, fmt.Errorf("signing group certificate: %w", err)
	}
	cert.Signature = signature
	return cert, nil
}

// RootPublicKey returns the raw public key XEGBs are verified with.
func (t *Trust) RootPublicKey() [64]byte {
	return crypto.MarshalECDSAPublicKey(&t.RootKey.PublicKey)
}

// PSID identifies the PEK towards the platform: SHA256(n ‖ e).
func (t *Trust) PSID() [32]byte {
	return sha256.Sum256(append(t.SignedPEK.N[:], t.SignedPEK.E[:]...))
}
