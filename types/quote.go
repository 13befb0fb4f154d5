package types

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

/*
   EPID quote (sgx_quote_t) parser
   Based on:
   https://github.com/intel/linux-sgx/blob/master/common/inc/sgx_quote.h
   https://github.com/intel/linux-sgx/blob/master/psw/ae/inc/internal/quoting_enclave/qe_sig.h (wrap key and signature layout)
*/

const (
	// QuoteSignedSize is the number of leading quote bytes signed by the EPID signature.
	QuoteSignedSize = 432
	// QuoteHeaderSize is the size of the quote up to and including the signature length.
	QuoteHeaderSize = QuoteSignedSize + 4
	// BasenameSize is the size of a quote basename.
	BasenameSize = 32
	// SPIDSize is the size of a service provider ID.
	SPIDSize = 16
	// QuoteVersion is the version of the quotes produced by this package.
	QuoteVersion = 2

	// WrappedKeySize is the size of the RSA-OAEP wrapped AES key.
	WrappedKeySize = 256
	// KeyHashSize is the size of the SHA-256 over the AES key.
	KeyHashSize = 32
	// quoteSignatureFixedSize covers wrap key, key hash, IV, payload size and tag.
	quoteSignatureFixedSize = WrappedKeySize + KeyHashSize + 12 + 4 + 16
	// QuotePayloadFixedSize covers the basic signature, RL version and entry count.
	QuotePayloadFixedSize = BasicSignatureSize + 4 + 4

	// maxQuoteSize bounds the size of quotes accepted by ParseQuote.
	maxQuoteSize = 1 << 24
)

// Quote signature types.
const (
	QuoteUnlinkable uint16 = 0
	QuoteLinkable   uint16 = 1
)

// Quote is an EPID quote.
type Quote struct {
	Version         uint16
	SignType        uint16
	EPIDGroupID     [4]byte
	QESVN           uint16
	PCESVN          uint16
	XEID            uint32
	Basename        [BasenameSize]byte
	ReportBody      ReportBody
	SignatureLength uint32
	Signature       []byte
}

// QuoteSignature is the hybrid-encrypted signature section of a quote.
type QuoteSignature struct {
	WrappedKey  [WrappedKeySize]byte
	KeyHash     [KeyHashSize]byte
	IV          [12]byte
	PayloadSize uint32
	Payload     []byte
	Tag         [16]byte
}

// QuoteSignatureSize returns the size of a quote signature carrying n2 non-revocation proofs.
func QuoteSignatureSize(n2 uint32) uint64 {
	return quoteSignatureFixedSize + QuotePayloadFixedSize + uint64(n2)*NrProofSize
}

// ParseQuote parses an EPID quote. The expected input is the complete quote.
func ParseQuote(rawQuote []byte) (Quote, error) {
	quoteLength := len(rawQuote)
	if quoteLength < QuoteHeaderSize {
		return Quote{}, fmt.Errorf("quote structure is too short to be parsed (received: %d bytes)", quoteLength)
	} else if quoteLength > maxQuoteSize {
		return Quote{}, fmt.Errorf("quote is too large (received: %d bytes)", quoteLength)
	}

	body, err := ParseReportBody(rawQuote[48:432])
	if err != nil {
		return Quote{}, fmt.Errorf("parsing report body: %w", err)
	}

	quote := Quote{
		Version:         binary.LittleEndian.Uint16(rawQuote[0:2]),
		SignType:        binary.LittleEndian.Uint16(rawQuote[2:4]),
		EPIDGroupID:     [4]byte(rawQuote[4:8]),
		QESVN:           binary.LittleEndian.Uint16(rawQuote[8:10]),
		PCESVN:          binary.LittleEndian.Uint16(rawQuote[10:12]),
		XEID:            binary.LittleEndian.Uint32(rawQuote[12:16]),
		Basename:        [32]byte(rawQuote[16:48]),
		ReportBody:      body,
		SignatureLength: binary.LittleEndian.Uint32(rawQuote[432:436]),
	}

	if quote.Version != QuoteVersion {
		return Quote{}, fmt.Errorf("quote version is not %d (got: %d)", QuoteVersion, quote.Version)
	}

	// upgrade to uint64 so we can easier spot mistakes in case we overflow
	endSignature := uint64(QuoteHeaderSize) + uint64(quote.SignatureLength)
	if endSignature != uint64(quoteLength) {
		return Quote{}, fmt.Errorf("quote SignatureLength is either incorrect or data is truncated (declared: %d bytes, left: %d bytes)", quote.SignatureLength, quoteLength-QuoteHeaderSize)
	}
	quote.Signature = make([]byte, quote.SignatureLength)
	copy(quote.Signature, rawQuote[QuoteHeaderSize:])

	return quote, nil
}

// Marshal serializes the quote.
func (q *Quote) Marshal() []byte {
	body := q.ReportBody.Marshal()

	result := make([]byte, QuoteHeaderSize+len(q.Signature))
	binary.LittleEndian.PutUint16(result[0:2], q.Version)
	binary.LittleEndian.PutUint16(result[2:4], q.SignType)
	copy(result[4:8], q.EPIDGroupID[:])
	binary.LittleEndian.PutUint16(result[8:10], q.QESVN)
	binary.LittleEndian.PutUint16(result[10:12], q.PCESVN)
	binary.LittleEndian.PutUint32(result[12:16], q.XEID)
	copy(result[16:48], q.Basename[:])
	copy(result[48:432], body[:])
	binary.LittleEndian.PutUint32(result[432:436], q.SignatureLength)
	copy(result[QuoteHeaderSize:], q.Signature)
	return result
}

// ParseQuoteSignature parses the signature section of a quote.
func ParseQuoteSignature(raw []byte) (QuoteSignature, error) {
	if len(raw) < quoteSignatureFixedSize {
		return QuoteSignature{}, fmt.Errorf("quote signature is too short to be parsed (received: %d bytes)", len(raw))
	}
	payloadSize := binary.LittleEndian.Uint32(raw[300:304])
	if uint64(quoteSignatureFixedSize)+uint64(payloadSize) != uint64(len(raw)) {
		return QuoteSignature{}, fmt.Errorf("quote signature payload size does not match (declared: %d bytes, available: %d bytes)", payloadSize, len(raw)-quoteSignatureFixedSize)
	}
	payloadEnd := 304 + int(payloadSize)
	payload := make([]byte, payloadSize)
	copy(payload, raw[304:payloadEnd])

	return QuoteSignature{
		WrappedKey:  [256]byte(raw[0:256]),
		KeyHash:     [32]byte(raw[256:288]),
		IV:          [12]byte(raw[288:300]),
		PayloadSize: payloadSize,
		Payload:     payload,
		Tag:         [16]byte(raw[payloadEnd : payloadEnd+16]),
	}, nil
}

// Marshal serializes the quote signature.
func (s *QuoteSignature) Marshal() []byte {
	result := make([]byte, quoteSignatureFixedSize+len(s.Payload))
	copy(result[0:256], s.WrappedKey[:])
	copy(result[256:288], s.KeyHash[:])
	copy(result[288:300], s.IV[:])
	binary.LittleEndian.PutUint32(result[300:304], s.PayloadSize)
	copy(result[304:], s.Payload)
	copy(result[304+len(s.Payload):], s.Tag[:])
	return result
}

// QuoteNonceSize is the size of the nonce bound into the QE report.
const QuoteNonceSize = 16

// QuoteReportData returns the report data of the QE report for quote: SHA256(nonce ‖ quote),
// zero padded.
func QuoteReportData(nonce [QuoteNonceSize]byte, quote []byte) [64]byte {
	h := sha256.New()
	h.Write(nonce[:])
	h.Write(quote)
	var out [64]byte
	copy(out[:], h.Sum(nil))
	return out
}

// QuoteGroupID returns the group id of quote in the big-endian order of group certificates.
func QuoteGroupID(quote *Quote) [4]byte {
	gid := quote.EPIDGroupID
	return [4]byte{gid[3], gid[2], gid[1], gid[0]}
}
