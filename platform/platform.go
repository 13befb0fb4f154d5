/*
Package platform defines the hardware capabilities the provisioning and quoting logic consumes.

An Enclave is the execution context a piece of trusted logic runs in. It can derive keys bound
to its own identity (EGETKEY), create reports for another enclave (EREPORT), verify reports
targeted at itself, and read random numbers. Implementations are the software simulator in
platform/simulator and, on real hardware, an enclave runtime.
*/
package platform

import (
	"errors"
	"io"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Errors returned by key derivation and report verification.
var (
	ErrInvalidCPUSVN    = errors.New("requested CPU SVN is above the current CPU SVN")
	ErrInvalidISVSVN    = errors.New("requested ISV SVN is above the enclave's ISV SVN")
	ErrInvalidAttribute = errors.New("enclave lacks the attribute required for the key")
	ErrInvalidKeyName   = errors.New("unsupported key name")
	ErrReportMAC        = errors.New("report MAC does not verify")
)

// Enclave is the set of hardware operations available to trusted logic.
type Enclave interface {
	// Self returns the enclave's own report body with zero report data.
	Self() types.ReportBody
	// GetKey derives the key described by req.
	GetKey(req *types.KeyRequest) (crypto.Key, error)
	// CreateReport creates a report for the enclave described by target.
	CreateReport(target *types.TargetInfo, reportData [64]byte) (types.Report, error)
	// VerifyReport verifies a report targeted at this enclave.
	VerifyReport(report *types.Report) error
	// Rand returns the hardware random number source.
	Rand() io.Reader
}

// TargetInfoOf returns the target info addressing the enclave described by body.
func TargetInfoOf(body *types.ReportBody) types.TargetInfo {
	return types.TargetInfo{
		MRENCLAVE:  body.MRENCLAVE,
		Attributes: body.Attributes,
		MiscSelect: body.MiscSelect,
	}
}

// ReadRand fills b from the enclave's random source.
func ReadRand(e Enclave, b []byte) error {
	_, err := io.ReadFull(e.Rand(), b)
	return err
}
