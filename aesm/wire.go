package aesm

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the AESM protocol messages.
const (
	fieldInitQuote protowire.Number = 1
	fieldGetQuote  protowire.Number = 2

	fieldReport    protowire.Number = 1
	fieldQuoteType protowire.Number = 2
	fieldSPID      protowire.Number = 3
	fieldNonce     protowire.Number = 4
	fieldSigRL     protowire.Number = 5
	fieldBufSize   protowire.Number = 6
	fieldQEReport  protowire.Number = 7
	fieldTimeout   protowire.Number = 9

	fieldErrorCode  protowire.Number = 1
	fieldTargetInfo protowire.Number = 2
	fieldGID        protowire.Number = 3
	fieldQuote      protowire.Number = 2
	fieldQEReportRs protowire.Number = 3
)

var errMalformed = errors.New("aesm: malformed message")

// Request is an AESM request. Exactly one field is set.
type Request struct {
	InitQuote *InitQuoteRequest
	GetQuote  *GetQuoteRequest
}

// InitQuoteRequest asks for the QE target info and the EPID group.
type InitQuoteRequest struct {
	Timeout uint32
}

// GetQuoteRequest asks for a quote of Report.
type GetQuoteRequest struct {
	Report    []byte
	QuoteType uint32
	SPID      []byte
	Nonce     []byte
	SigRL     []byte
	BufSize   uint32
	QEReport  bool
	Timeout   uint32
}

// Response is an AESM response.
type Response struct {
	InitQuote *InitQuoteResponse
	GetQuote  *GetQuoteResponse
}

// InitQuoteResponse answers an InitQuoteRequest.
type InitQuoteResponse struct {
	ErrorCode  uint32
	TargetInfo []byte
	GID        []byte
}

// GetQuoteResponse answers a GetQuoteRequest.
type GetQuoteResponse struct {
	ErrorCode uint32
	Quote     []byte
	QEReport  []byte
}

// Marshal encodes the request.
func (r *Request) Marshal() []byte {
	var b []byte
	switch {
	case r.InitQuote != nil:
		var m []byte
		m = appendVarint(m, fieldTimeout, uint64(r.InitQuote.Timeout))
		b = appendBytes(b, fieldInitQuote, m)
	case r.GetQuote != nil:
		q := r.GetQuote
		var m []byte
		m = appendBytes(m, fieldReport, q.Report)
		m = appendVarint(m, fieldQuoteType, uint64(q.QuoteType))
		m = appendBytes(m, fieldSPID, q.SPID)
		if q.Nonce != nil {
			m = appendBytes(m, fieldNonce, q.Nonce)
		}
		if q.SigRL != nil {
			m = appendBytes(m, fieldSigRL, q.SigRL)
		}
		m = appendVarint(m, fieldBufSize, uint64(q.BufSize))
		m = appendVarint(m, fieldQEReport, protowire.EncodeBool(q.QEReport))
		m = appendVarint(m, fieldTimeout, uint64(q.Timeout))
		b = appendBytes(b, fieldGetQuote, m)
	}
	return b
}

// UnmarshalRequest decodes a request.
func UnmarshalRequest(raw []byte) (*Request, error) {
	r := &Request{}
	err := walk(raw, func(num protowire.Number, v value) error {
		switch num {
		case fieldInitQuote:
			m, err := v.message()
			if err != nil {
				return err
			}
			r.InitQuote = &InitQuoteRequest{}
			return walk(m, func(num protowire.Number, v value) error {
				if num == fieldTimeout {
					return v.uint32(&r.InitQuote.Timeout)
				}
				return nil
			})
		case fieldGetQuote:
			m, err := v.message()
			if err != nil {
				return err
			}
			q := &GetQuoteRequest{}
			r.GetQuote = q
			return walk(m, func(num protowire.Number, v value) error {
				switch num {
				case fieldReport:
					return v.bytes(&q.Report)
				case fieldQuoteType:
					return v.uint32(&q.QuoteType)
				case fieldSPID:
					return v.bytes(&q.SPID)
				case fieldNonce:
					return v.bytes(&q.Nonce)
				case fieldSigRL:
					return v.bytes(&q.SigRL)
				case fieldBufSize:
					return v.uint32(&q.BufSize)
				case fieldQEReport:
					return v.bool(&q.QEReport)
				case fieldTimeout:
					return v.uint32(&q.Timeout)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Marshal encodes the response.
func (r *Response) Marshal() []byte {
	var b []byte
	switch {
	case r.InitQuote != nil:
		var m []byte
		m = appendVarint(m, fieldErrorCode, uint64(r.InitQuote.ErrorCode))
		if r.InitQuote.TargetInfo != nil {
			m = appendBytes(m, fieldTargetInfo, r.InitQuote.TargetInfo)
		}
		if r.InitQuote.GID != nil {
			m = appendBytes(m, fieldGID, r.InitQuote.GID)
		}
		b = appendBytes(b, fieldInitQuote, m)
	case r.GetQuote != nil:
		var m []byte
		m = appendVarint(m, fieldErrorCode, uint64(r.GetQuote.ErrorCode))
		if r.GetQuote.Quote != nil {
			m = appendBytes(m, fieldQuote, r.GetQuote.Quote)
		}
		if r.GetQuote.QEReport != nil {
			m = appendBytes(m, fieldQEReportRs, r.GetQuote.QEReport)
		}
		b = appendBytes(b, fieldGetQuote, m)
	}
	return b
}

// UnmarshalResponse decodes a response.
func UnmarshalResponse(raw []byte) (*Response, error) {
	r := &Response{}
	err := walk(raw, func(num protowire.Number, v value) error {
		switch num {
		case fieldInitQuote:
			m, err := v.message()
			if err != nil {
				return err
			}
			res := &InitQuoteResponse{ErrorCode: 1}
			r.InitQuote = res
			return walk(m, func(num protowire.Number, v value) error {
				switch num {
				case fieldErrorCode:
					return v.uint32(&res.ErrorCode)
				case fieldTargetInfo:
					return v.bytes(&res.TargetInfo)
				case fieldGID:
					return v.bytes(&res.GID)
				}
				return nil
			})
		case fieldGetQuote:
			m, err := v.message()
			if err != nil {
				return err
			}
			res := &GetQuoteResponse{ErrorCode: 1}
			r.GetQuote = res
			return walk(m, func(num protowire.Number, v value) error {
				switch num {
				case fieldErrorCode:
					return v.uint32(&res.ErrorCode)
				case fieldQuote:
					return v.bytes(&res.Quote)
				case fieldQEReportRs:
					return v.bytes(&res.QEReport)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// value is one decoded field.
type value struct {
	typ    protowire.Type
	varint uint64
	raw    []byte
}

func (v value) message() ([]byte, error) {
	if v.typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: expected embedded message, got wire type %d", errMalformed, v.typ)
	}
	return v.raw, nil
}

func (v value) bytes(out *[]byte) error {
	if v.typ != protowire.BytesType {
		return fmt.Errorf("%w: expected bytes, got wire type %d", errMalformed, v.typ)
	}
	*out = append([]byte{}, v.raw...)
	return nil
}

func (v value) uint32(out *uint32) error {
	if v.typ != protowire.VarintType {
		return fmt.Errorf("%w: expected varint, got wire type %d", errMalformed, v.typ)
	}
	*out = uint32(v.varint)
	return nil
}

func (v value) bool(out *bool) error {
	if v.typ != protowire.VarintType {
		return fmt.Errorf("%w: expected varint, got wire type %d", errMalformed, v.typ)
	}
	*out = protowire.DecodeBool(v.varint)
	return nil
}

// walk calls fn for every field of the message in raw. Unknown fields are skipped.
func walk(raw []byte, fn func(protowire.Number, value) error) error {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		raw = raw[n:]

		v := value{typ: typ}
		switch typ {
		case protowire.VarintType:
			v.varint, n = protowire.ConsumeVarint(raw)
		case protowire.BytesType:
			v.raw, n = protowire.ConsumeBytes(raw)
		default:
			n = protowire.ConsumeFieldValue(num, typ, raw)
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		raw = raw[n:]

		if typ == protowire.VarintType || typ == protowire.BytesType {
			if err := fn(num, v); err != nil {
				return err
			}
		}
	}
	return nil
}
