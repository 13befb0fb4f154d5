package aesm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/edgelesssys/go-sgx-epid/blobstore"
	"github.com/edgelesssys/go-sgx-epid/qe"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// Provisioner obtains a new EPID blob. *provision.Driver implements it.
type Provisioner interface {
	Provision(ctx context.Context, performanceRekey bool) ([]byte, error)
}

// BlobStore persists the sealed EPID blob.
type BlobStore interface {
	Load(ctx context.Context) ([]byte, error)
	Store(ctx context.Context, blob []byte) error
}

// Service runs quoting requests against the quoting enclave. It keeps the EPID blob in the
// blob store and provisions a new one whenever the stored blob is missing or unusable.
type Service struct {
	qe          *qe.QE
	store       BlobStore
	provisioner Provisioner
	pceSVN      uint16
	log         *slog.Logger

	// serializes blob updates
	mu sync.Mutex
}

// NewService returns a service. pceSVN is reported in quotes.
func NewService(quotingEnclave *qe.QE, store BlobStore, provisioner Provisioner, pceSVN uint16, log *slog.Logger) *Service {
	return &Service{
		qe:          quotingEnclave,
		store:       store,
		provisioner: provisioner,
		pceSVN:      pceSVN,
		log:         log,
	}
}

// InitQuote returns the target info of the quoting enclave and the EPID group of the platform.
func (s *Service) InitQuote(ctx context.Context) (*qe.InitResult, error) {
	var result *qe.InitResult
	err := s.withBlob(ctx, func(blob []byte) ([]byte, error) {
		var err error
		if result, err = s.qe.InitQuote(blob); err != nil {
			return nil, err
		}
		return result.Blob, nil
	})
	return result, err
}

// QuoteParams are the parameters of a quote.
type QuoteParams struct {
	Report    []byte
	QuoteType uint32
	SPID      []byte
	Nonce     []byte
	SigRL     []byte
	BufSize   uint32
	QEReport  bool
}

// GetQuote creates a quote of the application enclave report in params.
func (s *Service) GetQuote(ctx context.Context, params *QuoteParams) (*qe.QuoteResult, error) {
	req, err := s.quoteRequest(params)
	if err != nil {
		return nil, err
	}

	var result *qe.QuoteResult
	err = s.withBlob(ctx, func(blob []byte) ([]byte, error) {
		req.Blob = blob
		var err error
		if result, err = s.qe.GetQuote(req); err != nil {
			return nil, err
		}
		return result.Blob, nil
	})
	return result, err
}

func (s *Service) quoteRequest(params *QuoteParams) (*qe.QuoteRequest, error) {
	report, err := types.ParseReport(params.Report)
	if err != nil {
		return nil, status.Wrap(status.ParameterError, err)
	}
	if len(params.SPID) != types.SPIDSize {
		return nil, status.New(status.ParameterError, "SPID of %d bytes", len(params.SPID))
	}
	if params.QuoteType > 0xFFFF {
		return nil, status.New(status.ParameterError, "unknown quote type %d", params.QuoteType)
	}
	// a nonce and a QE report come together
	if (params.Nonce != nil) != params.QEReport {
		return nil, status.New(status.ParameterError, "nonce and QE report must be requested together")
	}
	if params.BufSize == 0 || params.BufSize > maxMessageSize {
		return nil, status.New(status.ParameterError, "quote buffer of %d bytes", params.BufSize)
	}

	req := &qe.QuoteRequest{
		Report:  report,
		Type:    uint16(params.QuoteType),
		SPID:    [types.SPIDSize]byte(params.SPID),
		SigRL:   params.SigRL,
		PCESVN:  s.pceSVN,
		MaxSize: params.BufSize,
	}
	if params.Nonce != nil {
		if len(params.Nonce) != qe.NonceSize {
			return nil, status.New(status.ParameterError, "nonce of %d bytes", len(params.Nonce))
		}
		nonce := [qe.NonceSize]byte(params.Nonce)
		req.Nonce = &nonce
	}
	return req, nil
}

// withBlob runs fn with the stored EPID blob, provisioning a new one if there is none or fn
// rejects it. A resealed blob returned by fn is persisted.
func (s *Service) withBlob(ctx context.Context, fn func(blob []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.store.Load(ctx)
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		s.log.Info("No EPID blob stored")
	case err != nil:
		s.log.Warn("Loading EPID blob failed", "err", err)
	default:
		resealed, err := fn(blob)
		if err == nil {
			s.persist(ctx, blob, resealed)
			return nil
		}
		if !errors.Is(err, status.ErrEPIDBlob) {
			return err
		}
		s.log.Warn("Stored EPID blob unusable", "err", err)
	}

	if blob, err = s.provisioner.Provision(ctx, false); err != nil {
		return fmt.Errorf("provisioning: %w", err)
	}
	resealed, err := fn(blob)
	if err != nil {
		return err
	}
	s.persist(ctx, blob, resealed)
	return nil
}

// persist stores resealed if it differs from blob. Failing to store is not fatal, since the
// old blob stays usable.
func (s *Service) persist(ctx context.Context, blob, resealed []byte) {
	if resealed == nil || bytes.Equal(blob, resealed) {
		return
	}
	if err := s.store.Store(ctx, resealed); err != nil {
		s.log.Warn("Storing resealed EPID blob failed", "err", err)
		return
	}
	s.log.Info("Stored resealed EPID blob")
}
