package types

import (
	"encoding/binary"
	"fmt"
)

/*
   SGX report, target info and key request structures.
   Based on:
   https://github.com/intel/linux-sgx/blob/master/common/inc/sgx_report.h
   https://github.com/intel/linux-sgx/blob/master/common/inc/sgx_key.h
   https://github.com/intel/linux-sgx/blob/master/common/inc/sgx_attributes.h
*/

const (
	// ReportBodySize is the size of an SGX report body.
	ReportBodySize = 384
	// ReportSize is the size of an SGX report (body, key ID and MAC).
	ReportSize = ReportBodySize + 32 + 16
	// TargetInfoSize is the size of an SGX target info structure.
	TargetInfoSize = 512
	// KeyRequestSize is the size of an SGX key request.
	KeyRequestSize = 512
	// PSVNSize is the size of a marshaled PSVN.
	PSVNSize = 18
)

// Attribute flags.
const (
	AttributeInit          uint64 = 0x0000000000000001
	AttributeDebug         uint64 = 0x0000000000000002
	AttributeMode64Bit     uint64 = 0x0000000000000004
	AttributeProvisionKey  uint64 = 0x0000000000000010
	AttributeEInitTokenKey uint64 = 0x0000000000000020
)

// Key names understood by the key derivation of the platform.
const (
	KeyNameEInitToken    uint16 = 0
	KeyNameProvision     uint16 = 1
	KeyNameProvisionSeal uint16 = 2
	KeyNameReport        uint16 = 3
	KeyNameSeal          uint16 = 4
)

// Key policies.
const (
	KeyPolicyMRENCLAVE uint16 = 0x0001
	KeyPolicyMRSIGNER  uint16 = 0x0002
)

// Attributes are the enclave attributes (flags and XFRM).
type Attributes struct {
	Flags uint64
	XFRM  uint64
}

// ParseAttributes parses 16 bytes of attributes.
func ParseAttributes(raw [16]byte) Attributes {
	return Attributes{
		Flags: binary.LittleEndian.Uint64(raw[0:8]),
		XFRM:  binary.LittleEndian.Uint64(raw[8:16]),
	}
}

// Marshal serializes the attributes.
func (a Attributes) Marshal() [16]byte {
	var result [16]byte
	binary.LittleEndian.PutUint64(result[0:8], a.Flags)
	binary.LittleEndian.PutUint64(result[8:16], a.XFRM)
	return result
}

// Has reports whether all bits of flag are set.
func (a Attributes) Has(flag uint64) bool {
	return a.Flags&flag == flag
}

// PSVN is the platform security version: the CPU SVN together with an enclave ISV SVN.
type PSVN struct {
	CPUSVN [16]byte
	ISVSVN uint16
}

// ParsePSVN parses a marshaled PSVN.
func ParsePSVN(raw []byte) (PSVN, error) {
	if len(raw) != PSVNSize {
		return PSVN{}, fmt.Errorf("invalid PSVN size: expected %d bytes, got %d bytes", PSVNSize, len(raw))
	}
	return PSVN{
		CPUSVN: [16]byte(raw[0:16]),
		ISVSVN: binary.LittleEndian.Uint16(raw[16:18]),
	}, nil
}

// Marshal serializes the PSVN.
func (p PSVN) Marshal() [PSVNSize]byte {
	var result [PSVNSize]byte
	copy(result[0:16], p.CPUSVN[:])
	binary.LittleEndian.PutUint16(result[16:18], p.ISVSVN)
	return result
}

// ReportBody is the body of an SGX report, also embedded in quotes.
type ReportBody struct {
	CPUSVN     [16]byte
	MiscSelect uint32
	Reserved1  [28]byte
	Attributes Attributes
	MRENCLAVE  [32]byte
	Reserved2  [32]byte
	MRSIGNER   [32]byte
	Reserved3  [96]byte
	ISVProdID  uint16
	ISVSVN     uint16
	Reserved4  [60]byte
	ReportData [64]byte
}

// ParseReportBody parses an SGX report body.
func ParseReportBody(raw []byte) (ReportBody, error) {
	if len(raw) != ReportBodySize {
		return ReportBody{}, fmt.Errorf("invalid report body size: expected %d bytes, got %d bytes", ReportBodySize, len(raw))
	}
	return ReportBody{
		CPUSVN:     [16]byte(raw[0:16]),
		MiscSelect: binary.LittleEndian.Uint32(raw[16:20]),
		Reserved1:  [28]byte(raw[20:48]),
		Attributes: ParseAttributes([16]byte(raw[48:64])),
		MRENCLAVE:  [32]byte(raw[64:96]),
		Reserved2:  [32]byte(raw[96:128]),
		MRSIGNER:   [32]byte(raw[128:160]),
		Reserved3:  [96]byte(raw[160:256]),
		ISVProdID:  binary.LittleEndian.Uint16(raw[256:258]),
		ISVSVN:     binary.LittleEndian.Uint16(raw[258:260]),
		Reserved4:  [60]byte(raw[260:320]),
		ReportData: [64]byte(raw[320:384]),
	}, nil
}

// Marshal serializes the report body.
func (rb *ReportBody) Marshal() [ReportBodySize]byte {
	attributes := rb.Attributes.Marshal()

	var result [ReportBodySize]byte
	copy(result[0:16], rb.CPUSVN[:])
	binary.LittleEndian.PutUint32(result[16:20], rb.MiscSelect)
	copy(result[20:48], rb.Reserved1[:])
	copy(result[48:64], attributes[:])
	copy(result[64:96], rb.MRENCLAVE[:])
	copy(result[96:128], rb.Reserved2[:])
	copy(result[128:160], rb.MRSIGNER[:])
	copy(result[160:256], rb.Reserved3[:])
	binary.LittleEndian.PutUint16(result[256:258], rb.ISVProdID)
	binary.LittleEndian.PutUint16(result[258:260], rb.ISVSVN)
	copy(result[260:320], rb.Reserved4[:])
	copy(result[320:384], rb.ReportData[:])
	return result
}

// PSVN returns the PSVN the report was created under.
func (rb *ReportBody) PSVN() PSVN {
	return PSVN{CPUSVN: rb.CPUSVN, ISVSVN: rb.ISVSVN}
}

// Report is a locally verifiable SGX report.
type Report struct {
	Body  ReportBody
	KeyID [32]byte
	MAC   [16]byte
}

// ParseReport parses an SGX report.
func ParseReport(raw []byte) (Report, error) {
	if len(raw) != ReportSize {
		return Report{}, fmt.Errorf("invalid report size: expected %d bytes, got %d bytes", ReportSize, len(raw))
	}
	body, err := ParseReportBody(raw[0:ReportBodySize])
	if err != nil {
		return Report{}, err
	}
	return Report{
		Body:  body,
		KeyID: [32]byte(raw[384:416]),
		MAC:   [16]byte(raw[416:432]),
	}, nil
}

// Marshal serializes the report.
func (r *Report) Marshal() [ReportSize]byte {
	body := r.Body.Marshal()

	var result [ReportSize]byte
	copy(result[0:384], body[:])
	copy(result[384:416], r.KeyID[:])
	copy(result[416:432], r.MAC[:])
	return result
}

// TargetInfo identifies the enclave a report is created for.
type TargetInfo struct {
	MRENCLAVE  [32]byte
	Attributes Attributes
	ConfigSVN  uint16
	MiscSelect uint32
}

// ParseTargetInfo parses an SGX target info structure.
func ParseTargetInfo(raw []byte) (TargetInfo, error) {
	if len(raw) != TargetInfoSize {
		return TargetInfo{}, fmt.Errorf("invalid target info size: expected %d bytes, got %d bytes", TargetInfoSize, len(raw))
	}
	return TargetInfo{
		MRENCLAVE:  [32]byte(raw[0:32]),
		Attributes: ParseAttributes([16]byte(raw[32:48])),
		ConfigSVN:  binary.LittleEndian.Uint16(raw[50:52]),
		MiscSelect: binary.LittleEndian.Uint32(raw[52:56]),
	}, nil
}

// Marshal serializes the target info. Reserved bytes are zero.
func (ti *TargetInfo) Marshal() [TargetInfoSize]byte {
	attributes := ti.Attributes.Marshal()

	var result [TargetInfoSize]byte
	copy(result[0:32], ti.MRENCLAVE[:])
	copy(result[32:48], attributes[:])
	binary.LittleEndian.PutUint16(result[50:52], ti.ConfigSVN)
	binary.LittleEndian.PutUint32(result[52:56], ti.MiscSelect)
	return result
}

// KeyRequest describes a key to derive from the platform's fused secrets.
type KeyRequest struct {
	KeyName       uint16
	KeyPolicy     uint16
	ISVSVN        uint16
	Reserved1     uint16
	CPUSVN        [16]byte
	AttributeMask Attributes
	KeyID         [32]byte
	MiscMask      uint32
	ConfigSVN     uint16
	Reserved2     [434]byte
}

// ParseKeyRequest parses an SGX key request.
func ParseKeyRequest(raw []byte) (KeyRequest, error) {
	if len(raw) != KeyRequestSize {
		return KeyRequest{}, fmt.Errorf("invalid key request size: expected %d bytes, got %d bytes", KeyRequestSize, len(raw))
	}
	return KeyRequest{
		KeyName:       binary.LittleEndian.Uint16(raw[0:2]),
		KeyPolicy:     binary.LittleEndian.Uint16(raw[2:4]),
		ISVSVN:        binary.LittleEndian.Uint16(raw[4:6]),
		Reserved1:     binary.LittleEndian.Uint16(raw[6:8]),
		CPUSVN:        [16]byte(raw[8:24]),
		AttributeMask: ParseAttributes([16]byte(raw[24:40])),
		KeyID:         [32]byte(raw[40:72]),
		MiscMask:      binary.LittleEndian.Uint32(raw[72:76]),
		ConfigSVN:     binary.LittleEndian.Uint16(raw[76:78]),
		Reserved2:     [434]byte(raw[78:512]),
	}, nil
}

// Marshal serializes the key request.
func (kr *KeyRequest) Marshal() [KeyRequestSize]byte {
	attributeMask := kr.AttributeMask.Marshal()

	var result [KeyRequestSize]byte
	binary.LittleEndian.PutUint16(result[0:2], kr.KeyName)
	binary.LittleEndian.PutUint16(result[2:4], kr.KeyPolicy)
	binary.LittleEndian.PutUint16(result[4:6], kr.ISVSVN)
	binary.LittleEndian.PutUint16(result[6:8], kr.Reserved1)
	copy(result[8:24], kr.CPUSVN[:])
	copy(result[24:40], attributeMask[:])
	copy(result[40:72], kr.KeyID[:])
	binary.LittleEndian.PutUint32(result[72:76], kr.MiscMask)
	binary.LittleEndian.PutUint16(result[76:78], kr.ConfigSVN)
	copy(result[78:512], kr.Reserved2[:])
	return result
}

// PSVN returns the PSVN encoded in the key request.
func (kr *KeyRequest) PSVN() PSVN {
	return PSVN{CPUSVN: kr.CPUSVN, ISVSVN: kr.ISVSVN}
}
