package verification

import (
	"time"

	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/types"
)

const (
	// ReportVersion is the version of the report format.
	ReportVersion = 4
	// TimestampFormat is the layout of Report.Timestamp, always UTC.
	TimestampFormat = "2006-01-02T15:04:05.000000"
)

// ReportRequest asks for the verification of a quote. Byte fields are base64 in JSON.
type ReportRequest struct {
	ISVEnclaveQuote []byte `json:"isvEnclaveQuote"`
	Nonce           string `json:"nonce,omitempty"`
}

// Report is the attestation verification report of a quote.
type Report struct {
	ID                    string      `json:"id"`
	Timestamp             string      `json:"timestamp"`
	Version               int         `json:"version"`
	ISVEnclaveQuoteStatus QuoteStatus `json:"isvEnclaveQuoteStatus"`
	// ISVEnclaveQuoteBody is the signed part of the quote.
	ISVEnclaveQuoteBody []byte `json:"isvEnclaveQuoteBody"`
	// EPIDPseudonym is B‖K of a linkable quote.
	EPIDPseudonym []byte `json:"epidPseudonym,omitempty"`
	Nonce         string `json:"nonce,omitempty"`
}

// NewReport builds the report of a verification result. rawQuote is the verified quote.
func NewReport(id string, now time.Time, result *Result, rawQuote []byte, nonce string) *Report {
	report := &Report{
		ID:                    id,
		Timestamp:             now.UTC().Format(TimestampFormat),
		Version:               ReportVersion,
		ISVEnclaveQuoteStatus: result.Status,
		ISVEnclaveQuoteBody:   append([]byte(nil), rawQuote[:types.QuoteSignedSize]...),
		Nonce:                 nonce,
	}
	if result.Linkable() && result.Status != StatusSignatureInvalid && result.Signature != (epid.BasicSignature{}) {
		b, k := result.Signature.B(), result.Signature.K()
		report.EPIDPseudonym = append(b[:], k[:]...)
	}
	return report
}
