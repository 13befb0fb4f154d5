/*
Package pve implements the provisioning enclave.

The provisioning enclave obtains an EPID member key from the backend in one transaction of
up to four messages. It keeps no state between calls: everything a later step needs is
passed back in by the untrusted driver, which also owns the transport.

	            driver                               PvE                        PCE
	              │ GenMsg1(XEGB, PEK, PCE target)    │                          │
	              ├──────────────────────────────────►│ report(SHA256(01‖n‖e))   │
	              │◄──────────────────────────────────┤                          │
	              │ GetPCInfo(report, PEK) ───────────┼─────────────────────────►│
	   Msg1 ──►   │                                   │                          │
	   Msg2 ◄──   │ ProcMsg2(...)                     │                          │
	              ├──────────────────────────────────►│ join proof, PWK2, report │
	              │◄──────────────────────────────────┤                          │
	              │ SignReport(report) ───────────────┼─────────────────────────►│
	   Msg3 ──►   │                                   │                          │
	   Msg4 ◄──   │ ProcMsg4(...)                     │                          │
	              ├──────────────────────────────────►│ sealed EPID blob         │
	              │◄──────────────────────────────────┤                          │

All functions return *status.Error values and never log.
*/
package pve

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"io"
	"math/big"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/pce"
	"github.com/edgelesssys/go-sgx-epid/platform"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Config holds the trust anchors of the provisioning enclave.
type Config struct {
	// RootKey verifies XEGBs.
	RootKey *ecdsa.PublicKey
	// DefaultXEGB is used when the caller passes an all-zero XEGB.
	DefaultXEGB types.XEGB
}

// PvE is a provisioning enclave.
type PvE struct {
	enclave platform.Enclave
	engine  epid.Engine
	config  Config
}

// New returns the provisioning enclave running in enclave.
func New(enclave platform.Enclave, engine epid.Engine, config Config) *PvE {
	return &PvE{
		enclave: enclave,
		engine:  engine,
		config:  config,
	}
}

// Self returns the report body of the provisioning enclave.
func (p *PvE) Self() types.ReportBody {
	return p.enclave.Self()
}

// Msg1Input is the input of GenMsg1.
type Msg1Input struct {
	XEGB      types.XEGB
	PEK       types.SignedPEK
	PCETarget types.TargetInfo
}

// GenMsg1 verifies the PEK and returns a report for the PCE that binds it.
func (p *PvE) GenMsg1(in *Msg1Input) (types.Report, error) {
	if err := checkPCETarget(&in.PCETarget); err != nil {
		return types.Report{}, err
	}
	xegb, err := p.resolveXEGB(&in.XEGB)
	if err != nil {
		return types.Report{}, err
	}
	if err := verifyPEK(&xegb, &in.PEK); err != nil {
		return types.Report{}, err
	}

	report, err := p.enclave.CreateReport(&in.PCETarget, pce.PEKReportData(&in.PEK))
	if err != nil {
		return types.Report{}, status.Wrap(status.Unexpected, err)
	}
	return report, nil
}

// checkPCETarget refuses to report to an enclave that cannot be the PCE.
func checkPCETarget(target *types.TargetInfo) error {
	if !target.Attributes.Has(types.AttributeProvisionKey) {
		return status.New(status.ParameterError, "PCE target lacks the provisioning key attribute")
	}
	if target.Attributes.Has(types.AttributeDebug) {
		return status.New(status.ParameterError, "PCE target is a debug enclave")
	}
	return nil
}

// resolveXEGB returns the configured default for an all-zero XEGB and verifies any other.
func (p *PvE) resolveXEGB(xegb *types.XEGB) (types.XEGB, error) {
	if xegb.IsZero() {
		if p.config.DefaultXEGB.IsZero() {
			return types.XEGB{}, status.New(status.ParameterError, "no default XEGB configured")
		}
		return p.config.DefaultXEGB, nil
	}
	if xegb.FormatID != types.XEGBFormatID || xegb.DataLength != types.XEGBDataLength {
		return types.XEGB{}, status.New(status.UnsupportedVersion, "unsupported XEGB format %#x with data length %d", xegb.FormatID, xegb.DataLength)
	}
	if p.config.RootKey == nil {
		return types.XEGB{}, status.New(status.XEGDSKSignError, "no XEGB root key configured")
	}
	if err := crypto.VerifyECDSASignature(p.config.RootKey, xegb.SignedBytes(), xegb.Signature[:]); err != nil {
		return types.XEGB{}, status.Wrap(status.XEGDSKSignError, err)
	}
	return *xegb, nil
}

func verifyPEK(xegb *types.XEGB, pek *types.SignedPEK) error {
	signer := crypto.BuildECDSAPublicKey(xegb.PEKSK)
	if err := crypto.VerifyECDSASignature(signer, pek.SignedBytes(), pek.Signature[:]); err != nil {
		return status.Wrap(status.PEKSignError, err)
	}
	return nil
}

func pekPublicKey(pek *types.SignedPEK) (*rsa.PublicKey, error) {
	key, err := crypto.BuildRSAPublicKey(pek.N[:], pek.E[:])
	if err != nil {
		return nil, status.Wrap(status.ParameterError, err)
	}
	if key.Size() != pce.PEKModulusSize {
		return nil, status.New(status.ParameterError, "PEK modulus must be %d bytes", pce.PEKModulusSize)
	}
	return key, nil
}

// verifyGroupCert checks a group certificate against the EPID signing key of the XEGB.
func verifyGroupCert(xegb *types.XEGB, raw []byte) (types.GroupCert, error) {
	cert, err := types.ParseGroupCert(raw)
	if err != nil {
		return types.GroupCert{}, status.Wrap(status.MsgError, err)
	}
	signer := crypto.BuildECDSAPublicKey(xegb.EPIDSK)
	if err := crypto.VerifyECDSASignature(signer, cert.SignedBytes(), cert.Signature[:]); err != nil {
		return types.GroupCert{}, status.Wrap(status.MsgError, err)
	}
	return cert, nil
}

// fOrder is the order p of the EPID group the member secret f is drawn from.
var fOrder, _ = new(big.Int).SetString("FFFFFFFFFFFCF0CD46E5F25EEE71A49E0CDC65FB1299921AF62D536CD10B500D", 16)

// fExtraEntropy is the number of random bytes read beyond the size of f.
const fExtraEntropy = 8

// generateF draws the member secret f from [1, p-1]. The extra random bytes keep the bias of
// the modular reduction negligible.
func generateF(rand io.Reader) ([32]byte, error) {
	var buf [32 + fExtraEntropy]byte
	defer clear(buf[:])
	if _, err := io.ReadFull(rand, buf[:]); err != nil {
		return [32]byte{}, status.Wrap(status.ReadRandError, err)
	}

	pMinusOne := new(big.Int).Sub(fOrder, big.NewInt(1))
	f := new(big.Int).SetBytes(buf[:])
	defer f.SetInt64(0)
	f.Mod(f, pMinusOne)
	f.Add(f, big.NewInt(1))

	var out [32]byte
	f.FillBytes(out[:])
	return out, nil
}
