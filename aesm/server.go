/*
Package aesm serves quoting requests of application enclaves over a unix socket.

Each connection carries one request and one response. A message is a 4-byte little-endian
length followed by a protobuf encoded Request or Response:

	Request  { InitQuoteRequest init_quote = 1; GetQuoteRequest get_quote = 2; }
	Response { InitQuoteResponse init_quote = 1; GetQuoteResponse get_quote = 2; }

Errors are reported as AESM error codes in the error_code field of the response.
*/
package aesm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
)

const (
	// DefaultSocket is the path of the AESM socket.
	DefaultSocket = "/var/run/aesmd/aesm.socket"
	// maxMessageSize bounds the size of requests and responses.
	maxMessageSize = 4 << 20
	// ioTimeout bounds reading a request and writing a response.
	ioTimeout = 30 * time.Second
)

// Listen creates the unix socket at path, replacing a stale socket file.
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}
	return ln, nil
}

// Server answers AESM requests with a Service.
type Server struct {
	service *Service
	log     *slog.Logger
	// debug keeps fine-grained error codes in responses
	debug bool
}

// NewServer returns a server for service.
func NewServer(service *Service, debug bool, log *slog.Logger) *Server {
	return &Server{service: service, debug: debug, log: log}
}

// Serve accepts connections on ln until ctx is done. It closes ln and waits for running
// requests before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	s.log.Info("Serving AESM requests", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	raw, err := readMessage(conn)
	if err != nil {
		s.log.Warn("Reading AESM request failed", "err", err)
		return
	}
	req, err := UnmarshalRequest(raw)
	if err != nil {
		s.log.Warn("Decoding AESM request failed", "err", err)
		return
	}

	// quoting may have to provision first, which outlasts the I/O deadline
	_ = conn.SetDeadline(time.Time{})
	resp := s.Handle(ctx, req)
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	if err := writeMessage(conn, resp.Marshal()); err != nil {
		s.log.Warn("Writing AESM response failed", "err", err)
	}
}

// Handle answers a single request.
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	switch {
	case req.InitQuote != nil:
		s.log.Debug("InitQuote")
		result, err := s.service.InitQuote(ctx)
		if err != nil {
			return &Response{InitQuote: &InitQuoteResponse{ErrorCode: s.code("InitQuote", err)}}
		}
		ti := result.TargetInfo.Marshal()
		// sgx_epid_group_id_t is little endian
		gid := [4]byte{result.GID[3], result.GID[2], result.GID[1], result.GID[0]}
		return &Response{InitQuote: &InitQuoteResponse{TargetInfo: ti[:], GID: gid[:]}}

	case req.GetQuote != nil:
		q := req.GetQuote
		s.log.Debug("GetQuote", "type", q.QuoteType, "sigRLSize", len(q.SigRL), "bufSize", q.BufSize)
		result, err := s.service.GetQuote(ctx, &QuoteParams{
			Report:    q.Report,
			QuoteType: q.QuoteType,
			SPID:      q.SPID,
			Nonce:     q.Nonce,
			SigRL:     q.SigRL,
			BufSize:   q.BufSize,
			QEReport:  q.QEReport,
		})
		if err != nil {
			return &Response{GetQuote: &GetQuoteResponse{ErrorCode: s.code("GetQuote", err)}}
		}
		// the quote fills the caller's buffer
		quote := make([]byte, q.BufSize)
		copy(quote, result.Quote)
		resp := &GetQuoteResponse{Quote: quote}
		if result.QEReport != nil {
			report := result.QEReport.Marshal()
			resp.QEReport = report[:]
		}
		return &Response{GetQuote: resp}
	}

	s.log.Warn("Unsupported AESM request")
	return &Response{InitQuote: &InitQuoteResponse{ErrorCode: uint32(status.AESMParameterError)}}
}

func (s *Server) code(op string, err error) uint32 {
	code := status.ToAESM(status.Coarsen(err, s.debug))
	s.log.Error(op+" failed", "err", err, "aesmCode", uint32(code))
	return uint32(code)
}

func readMessage(r io.Reader) ([]byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return nil, fmt.Errorf("reading message size: %w", err)
	}
	n := binary.LittleEndian.Uint32(size[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds %d bytes", n, maxMessageSize)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return msg, nil
}

func writeMessage(w io.Writer, msg []byte) error {
	if len(msg) > maxMessageSize {
		return fmt.Errorf("message of %d bytes exceeds %d bytes", len(msg), maxMessageSize)
	}
	buf := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+len(msg)), uint32(len(msg)))
	_, err := w.Write(append(buf, msg...))
	return err
}

// quoteSize returns the size of the quote at the start of buf, which may be padded.
func quoteSize(buf []byte) (int, error) {
	if len(buf) < types.QuoteHeaderSize {
		return 0, fmt.Errorf("%w: quote of %d bytes", errMalformed, len(buf))
	}
	size := types.QuoteHeaderSize + uint64(binary.LittleEndian.Uint32(buf[types.QuoteSignedSize:types.QuoteHeaderSize]))
	if size > uint64(len(buf)) {
		return 0, fmt.Errorf("%w: quote signature exceeds buffer", errMalformed)
	}
	return int(size), nil
}
