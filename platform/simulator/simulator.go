/*
Package simulator implements platform.Enclave in software.

A Platform models one physical machine: a fused root secret, the current CPU SVN, and a
per-boot report key ID. Enclaves are identities loaded on that platform.

Keys are derived with HKDF-SHA256 from the fused secret. The derivation input mirrors the
hardware: key name, the measurement selected by the policy (always MRSIGNER for provisioning
keys), the requested SVNs, masked attributes and misc select, and the key ID.
Requests for SVNs above the current ones are refused, so a blob sealed under a newer
PSVN cannot be unsealed on an older platform, while older PSVNs stay derivable.
*/
package simulator

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/platform"
	"github.com/edgelesssys/go-sgx-epid/types"
	"golang.org/x/crypto/hkdf"
)

// Identity describes an enclave loaded on a simulated platform.
type Identity struct {
	MRENCLAVE  [32]byte
	MRSIGNER   [32]byte
	ISVProdID  uint16
	ISVSVN     uint16
	Attributes types.Attributes
	MiscSelect uint32
}

// NamedIdentity derives a stable identity from an enclave name and signer name.
func NamedIdentity(name, signer string, prodID, isvSVN uint16, flags uint64) Identity {
	return Identity{
		MRENCLAVE:  sha256.Sum256([]byte("mrenclave:" + name)),
		MRSIGNER:   sha256.Sum256([]byte("mrsigner:" + signer)),
		ISVProdID:  prodID,
		ISVSVN:     isvSVN,
		Attributes: types.Attributes{Flags: types.AttributeInit | types.AttributeMode64Bit | flags, XFRM: 0x3},
	}
}

// Platform is a simulated SGX machine.
type Platform struct {
	fused       [32]byte
	cpuSVN      [16]byte
	reportKeyID [32]byte
	rand        io.Reader
}

// Option configures a Platform.
type Option func(*Platform)

// WithRand replaces the random source used by enclaves and for the report key ID.
func WithRand(r io.Reader) Option {
	return func(p *Platform) {
		p.rand = r
	}
}

// New creates a platform from a fused secret and the current CPU SVN.
func New(fused [32]byte, cpuSVN [16]byte, opts ...Option) (*Platform, error) {
	p := &Platform{
		fused:  fused,
		cpuSVN: cpuSVN,
		rand:   rand.Reader,
	}
	for _, opt := range opts {
		opt(p)
	}
	if _, err := io.ReadFull(p.rand, p.reportKeyID[:]); err != nil {
		return nil, fmt.Errorf("generating report key ID: %w", err)
	}
	return p, nil
}

// CPUSVN returns the current CPU SVN of the platform.
func (p *Platform) CPUSVN() [16]byte {
	return p.cpuSVN
}

// WithCPUSVN returns a platform sharing the fused secret but running at another CPU SVN,
// as after a microcode update.
func (p *Platform) WithCPUSVN(cpuSVN [16]byte) *Platform {
	updated := *p
	updated.cpuSVN = cpuSVN
	return &updated
}

// Load returns the enclave for id running on the platform.
func (p *Platform) Load(id Identity) *Enclave {
	return &Enclave{platform: p, id: id}
}

// Enclave is an enclave loaded on a simulated platform.
type Enclave struct {
	platform *Platform
	id       Identity
}

var _ platform.Enclave = (*Enclave)(nil)

// Self returns the enclave's own report body.
func (e *Enclave) Self() types.ReportBody {
	return types.ReportBody{
		CPUSVN:     e.platform.cpuSVN,
		MiscSelect: e.id.MiscSelect,
		Attributes: e.id.Attributes,
		MRENCLAVE:  e.id.MRENCLAVE,
		MRSIGNER:   e.id.MRSIGNER,
		ISVProdID:  e.id.ISVProdID,
		ISVSVN:     e.id.ISVSVN,
	}
}

// Rand returns the platform's random source.
func (e *Enclave) Rand() io.Reader {
	return e.platform.rand
}

// GetKey derives the key described by req for this enclave.
func (e *Enclave) GetKey(req *types.KeyRequest) (crypto.Key, error) {
	if req.ISVSVN > e.id.ISVSVN {
		return crypto.Key{}, platform.ErrInvalidISVSVN
	}
	if !cpuSVNAtMost(req.CPUSVN, e.platform.cpuSVN) {
		return crypto.Key{}, platform.ErrInvalidCPUSVN
	}

	var measurement []byte
	switch req.KeyName {
	case types.KeyNameProvision, types.KeyNameProvisionSeal:
		if !e.id.Attributes.Has(types.AttributeProvisionKey) {
			return crypto.Key{}, platform.ErrInvalidAttribute
		}
		measurement = e.id.MRSIGNER[:]
	case types.KeyNameSeal:
		if req.KeyPolicy&types.KeyPolicyMRENCLAVE != 0 {
			measurement = append(measurement, e.id.MRENCLAVE[:]...)
		}
		if req.KeyPolicy&types.KeyPolicyMRSIGNER != 0 {
			measurement = append(measurement, e.id.MRSIGNER[:]...)
		}
	case types.KeyNameReport:
		measurement = e.id.MRENCLAVE[:]
	default:
		return crypto.Key{}, platform.ErrInvalidKeyName
	}

	info := new(bytes.Buffer)
	_ = binary.Write(info, binary.LittleEndian, req.KeyName)
	info.Write(measurement)
	_ = binary.Write(info, binary.LittleEndian, e.id.ISVProdID)
	_ = binary.Write(info, binary.LittleEndian, req.ISVSVN)
	info.Write(req.CPUSVN[:])
	_ = binary.Write(info, binary.LittleEndian, e.id.Attributes.Flags&req.AttributeMask.Flags)
	_ = binary.Write(info, binary.LittleEndian, e.id.Attributes.XFRM&req.AttributeMask.XFRM)
	_ = binary.Write(info, binary.LittleEndian, e.id.MiscSelect&req.MiscMask)
	if req.KeyName != types.KeyNameProvision {
		info.Write(req.KeyID[:])
	}

	return e.platform.derive(info.Bytes())
}

// CreateReport creates a report for target, MACed with the target's report key.
func (e *Enclave) CreateReport(target *types.TargetInfo, reportData [64]byte) (types.Report, error) {
	report := types.Report{
		Body:  e.Self(),
		KeyID: e.platform.reportKeyID,
	}
	report.Body.ReportData = reportData

	mac, err := e.platform.reportMAC(target.MRENCLAVE, &report)
	if err != nil {
		return types.Report{}, err
	}
	report.MAC = mac
	return report, nil
}

// VerifyReport verifies a report created for this enclave on the same platform.
func (e *Enclave) VerifyReport(report *types.Report) error {
	mac, err := e.platform.reportMAC(e.id.MRENCLAVE, report)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(mac[:], report.MAC[:]) != 1 {
		return platform.ErrReportMAC
	}
	return nil
}

func (p *Platform) reportMAC(targetMRENCLAVE [32]byte, report *types.Report) ([16]byte, error) {
	info := make([]byte, 0, 2+32+32)
	info = binary.LittleEndian.AppendUint16(info, types.KeyNameReport)
	info = append(info, targetMRENCLAVE[:]...)
	info = append(info, report.KeyID[:]...)
	key, err := p.derive(info)
	if err != nil {
		return [16]byte{}, err
	}
	defer key.Zero()

	body := report.Body.Marshal()
	mac, err := crypto.CMAC(key, body[:])
	if err != nil {
		return [16]byte{}, err
	}
	return mac, nil
}

func (p *Platform) derive(info []byte) (crypto.Key, error) {
	var key crypto.Key
	r := hkdf.New(sha256.New, p.fused[:], nil, info)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return crypto.Key{}, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// cpuSVNAtMost reports whether every component of requested is at most current.
func cpuSVNAtMost(requested, current [16]byte) bool {
	for i := range requested {
		if requested[i] > current[i] {
			return false
		}
	}
	return true
}
