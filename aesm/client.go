package aesm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/edgelesssys/go-sgx-epid/qe"
	"github.com/edgelesssys/go-sgx-epid/status"
)

var errMalformedResponse = errors.New("aesm: malformed response")

// requestTimeout bounds a request. Requests may have to provision first.
const requestTimeout = 30 * time.Second

// CodeError is a non-zero AESM error code returned by the service.
type CodeError struct {
	Code status.AESMCode
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("aesm: error %d", e.Code)
}

// QuoteInfo is the result of InitQuote.
type QuoteInfo struct {
	// TargetInfo addresses the quoting enclave.
	TargetInfo []byte
	// GID is the EPID group, little endian.
	GID []byte
}

// Client is an AESM client.
type Client struct {
	path string
}

// NewClient returns a client for the AESM socket at path.
func NewClient(path string) *Client {
	return &Client{path: path}
}

// transact sends request on a new connection, since the service answers one request per
// connection.
func (c *Client) transact(ctx context.Context, request *Request, timeout time.Duration) (*Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	if err := writeMessage(conn, request.Marshal()); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	raw, err := readMessage(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("receiving response: %w", err)
	}
	return UnmarshalResponse(raw)
}

// InitQuote returns the target info of the quoting enclave and the EPID group.
func (c *Client) InitQuote(ctx context.Context) (*QuoteInfo, error) {
	resp, err := c.transact(ctx, &Request{
		InitQuote: &InitQuoteRequest{Timeout: uint32(requestTimeout.Microseconds())},
	}, requestTimeout)
	if err != nil {
		return nil, err
	}
	if resp.InitQuote == nil {
		return nil, errMalformedResponse
	}
	if code := resp.InitQuote.ErrorCode; code != 0 {
		return nil, &CodeError{Code: status.AESMCode(code)}
	}
	return &QuoteInfo{TargetInfo: resp.InitQuote.TargetInfo, GID: resp.InitQuote.GID}, nil
}

// GetQuote returns a quote of report and, if nonce is set, the QE report binding the quote
// to the nonce.
func (c *Client) GetQuote(ctx context.Context, report []byte, quoteType uint16, spid [16]byte, nonce []byte, sigRL []byte) (quote []byte, qeReport []byte, err error) {
	if len(sigRL) == 0 {
		sigRL = nil
	}
	bufSize, err := qe.CalcQuoteSize(sigRL)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.transact(ctx, &Request{
		GetQuote: &GetQuoteRequest{
			Report:    report,
			QuoteType: uint32(quoteType),
			SPID:      spid[:],
			Nonce:     nonce,
			SigRL:     sigRL,
			BufSize:   bufSize,
			QEReport:  nonce != nil,
			Timeout:   uint32(requestTimeout.Microseconds()),
		},
	}, requestTimeout)
	if err != nil {
		return nil, nil, err
	}
	if resp.GetQuote == nil {
		return nil, nil, errMalformedResponse
	}
	if code := resp.GetQuote.ErrorCode; code != 0 {
		return nil, nil, &CodeError{Code: status.AESMCode(code)}
	}

	// the service pads the quote to the buffer size
	size, err := quoteSize(resp.GetQuote.Quote)
	if err != nil {
		return nil, nil, err
	}
	return resp.GetQuote.Quote[:size], resp.GetQuote.QEReport, nil
}
