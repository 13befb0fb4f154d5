// Package pce implements the platform certification enclave.
//
// The PCE holds the platform's ECDSA certification key and the PPID. It only serves enclaves
// that carry the provisioning key attribute and proves their reports to the backend: GetPCInfo
// encrypts the PPID to the backend's PEK, SignReport signs a provisioning enclave report with
// the certification key of a given PSVN.
package pce

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/keys"
	"github.com/edgelesssys/go-sgx-epid/platform"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
)

const (
	// ID identifies the certification scheme of this PCE.
	ID uint16 = 0
	// CryptoSuiteRSAOAEP3072 selects RSA-OAEP-3072 encryption of the PPID.
	CryptoSuiteRSAOAEP3072 = 0x01
	// PEKModulusSize is the size of the PEK modulus.
	PEKModulusSize = 384
)

// PCInfo is the platform certification info returned to the provisioning enclave.
type PCInfo struct {
	EncryptedPPID [PEKModulusSize]byte
	PCEID         uint16
	PCESVN        uint16
}

// PEKReportData returns the report data binding a PEK: SHA256(crypto suite ‖ n ‖ e).
func PEKReportData(pek *types.SignedPEK) [64]byte {
	h := sha256.New()
	h.Write([]byte{CryptoSuiteRSAOAEP3072})
	h.Write(pek.N[:])
	h.Write(pek.E[:])

	var reportData [64]byte
	copy(reportData[:], h.Sum(nil))
	return reportData
}

// PCE is a platform certification enclave.
type PCE struct {
	enclave platform.Enclave
}

// New returns the PCE running in enclave.
func New(enclave platform.Enclave) *PCE {
	return &PCE{enclave: enclave}
}

// TargetInfo returns the target info other enclaves create their reports for.
func (p *PCE) TargetInfo() types.TargetInfo {
	self := p.enclave.Self()
	return platform.TargetInfoOf(&self)
}

// ISVSVN returns the security version of the PCE.
func (p *PCE) ISVSVN() uint16 {
	return p.enclave.Self().ISVSVN
}

// GetPCInfo checks that report binds pek and returns the PPID encrypted to pek.
func (p *PCE) GetPCInfo(report *types.Report, pek *types.SignedPEK) (PCInfo, error) {
	if err := p.checkReport(report); err != nil {
		return PCInfo{}, err
	}
	want := PEKReportData(pek)
	if subtle.ConstantTimeCompare(want[:], report.Body.ReportData[:]) != 1 {
		return PCInfo{}, status.New(status.ParameterError, "report does not bind the PEK")
	}

	pekKey, err := crypto.BuildRSAPublicKey(pek.N[:], pek.E[:])
	if err != nil {
		return PCInfo{}, status.Wrap(status.ParameterError, err)
	}

	ppid, err := p.ppid()
	if err != nil {
		return PCInfo{}, err
	}
	defer ppid.Zero()

	encrypted, err := p.encrypt(pekKey, ppid[:])
	if err != nil {
		return PCInfo{}, err
	}
	info := PCInfo{PCEID: ID, PCESVN: p.ISVSVN()}
	copy(info.EncryptedPPID[:], encrypted)
	return info, nil
}

// SignReport signs the body of report with the certification key of psvn.
func (p *PCE) SignReport(psvn types.PSVN, report *types.Report) ([types.ECDSASignatureSize]byte, error) {
	if err := p.checkReport(report); err != nil {
		return [types.ECDSASignatureSize]byte{}, err
	}
	key, err := keys.PCEPrivateKey(p.enclave, psvn)
	if err != nil {
		return [types.ECDSASignatureSize]byte{}, err
	}
	defer key.D.SetInt64(0)

	body := report.Body.Marshal()
	signature, err := crypto.SignECDSA(p.enclave.Rand(), key, body[:])
	if err != nil {
		return [types.ECDSASignatureSize]byte{}, status.Wrap(status.Unexpected, err)
	}
	return signature, nil
}

// PublicKey returns the certification public key of psvn. The backend registers it
// to verify signed reports.
func (p *PCE) PublicKey(psvn types.PSVN) (*ecdsa.PublicKey, error) {
	key, err := keys.PCEPrivateKey(p.enclave, psvn)
	if err != nil {
		return nil, err
	}
	defer key.D.SetInt64(0)
	return &ecdsa.PublicKey{Curve: key.Curve, X: key.X, Y: key.Y}, nil
}

// PPID returns the platform provisioning ID in clear. It exists for registering a platform
// with a provisioning backend at manufacturing time and must not be exposed otherwise.
func (p *PCE) PPID() ([types.PPIDSize]byte, error) {
	ppid, err := p.ppid()
	if err != nil {
		return [types.PPIDSize]byte{}, err
	}
	defer ppid.Zero()
	return [types.PPIDSize]byte(ppid), nil
}

// checkReport verifies a report targeted at the PCE and the attributes of its creator.
func (p *PCE) checkReport(report *types.Report) error {
	if err := p.enclave.VerifyReport(report); err != nil {
		return status.Wrap(status.ParameterError, err)
	}
	if !report.Body.Attributes.Has(types.AttributeProvisionKey) {
		return status.New(status.AttributeError, "requesting enclave lacks the provisioning key attribute")
	}
	if report.Body.Attributes.Has(types.AttributeDebug) {
		return status.New(status.AttributeError, "requesting enclave runs in debug mode")
	}
	return nil
}

// ppid derives the PPID from the SVN independent provisioning key.
func (p *PCE) ppid() (crypto.Key, error) {
	pk, err := keys.ProvisioningKey(p.enclave, nil)
	if err != nil {
		return crypto.Key{}, err
	}
	defer pk.Zero()
	ppid, err := crypto.CMAC(pk, make([]byte, types.PPIDSize))
	if err != nil {
		return crypto.Key{}, status.Wrap(status.Unexpected, err)
	}
	return ppid, nil
}

func (p *PCE) encrypt(key *rsa.PublicKey, msg []byte) ([]byte, error) {
	if key.Size() != PEKModulusSize {
		return nil, status.New(status.ParameterError, "PEK modulus must be %d bytes", PEKModulusSize)
	}
	encrypted, err := crypto.RSAOAEPEncrypt(p.enclave.Rand(), key, msg)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	return encrypted, nil
}
