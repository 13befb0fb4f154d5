/*
Package provision drives EPID provisioning from the untrusted side.

It connects the provisioning enclave, the certification enclave and a provisioning
backend, and persists the resulting EPID blob.

	Msg1 ──► backend ──► Msg2 ──► PvE ──► PCE signs report ──► Msg3 ──► backend ──► Msg4
	                 └─► Msg4 (known platform) ─────────────────────────────────────────┘
	                                                                     PvE seals ──► store

If the backend asks for a proof with a previous key and the stored blob cannot be used, the
driver first retrieves a backup of that key with a Msg1 for the previous platform info and
then starts over. Busy and network failures are retried with exponential backoff.
*/
package provision

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/pce"
	"github.com/edgelesssys/go-sgx-epid/provision/message"
	"github.com/edgelesssys/go-sgx-epid/pve"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"k8s.io/utils/clock"
)

// Backend is the provisioning backend as seen from the platform.
type Backend interface {
	// PEK returns the signed provisioning encryption key of the backend.
	PEK(ctx context.Context) (types.SignedPEK, error)
	// Send delivers a request message and returns the response message.
	Send(ctx context.Context, raw []byte) ([]byte, error)
}

// BlobStore persists the sealed EPID blob.
type BlobStore interface {
	Load(ctx context.Context) ([]byte, error)
	Store(ctx context.Context, blob []byte) error
}

// Config configures a Driver.
type Config struct {
	// XEGB is passed to the provisioning enclave. The zero value selects its default.
	XEGB types.XEGB
	// FMSP is reported in the platform info.
	FMSP [4]byte
	// Retries is the number of retries after busy or network failures.
	Retries int
	// Backoff is the delay before the first retry. It doubles with every retry.
	Backoff time.Duration
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{Retries: 3, Backoff: 2 * time.Second}
}

// Driver runs provisioning transactions. Provision calls are serialized.
type Driver struct {
	pve     *pve.PvE
	pce     *pce.PCE
	backend Backend
	store   BlobStore
	config  Config
	log     *slog.Logger

	rand  io.Reader
	clock clock.Clock

	mu      sync.Mutex
	running atomic.Bool
	last    atomic.Time
}

// New returns a driver.
func New(pvE *pve.PvE, pcE *pce.PCE, backend Backend, store BlobStore, config Config, log *slog.Logger) *Driver {
	return &Driver{
		pve:     pvE,
		pce:     pcE,
		backend: backend,
		store:   store,
		config:  config,
		log:     log,
		rand:    rand.Reader,
		clock:   clock.RealClock{},
	}
}

// Running reports whether a provisioning run is in progress.
func (d *Driver) Running() bool {
	return d.running.Load()
}

// LastProvisioned returns the time of the last successful run. It is zero if none succeeded.
func (d *Driver) LastProvisioned() time.Time {
	return d.last.Load()
}

// Provision obtains a new EPID blob from the backend, stores it and returns it.
// With performanceRekey the platform asks for a new key in its current group.
func (d *Driver) Provision(ctx context.Context, performanceRekey bool) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running.Store(true)
	defer d.running.Store(false)

	log := d.log.With(slog.String("run", uuid.New().String()))
	log.Info("Starting EPID provisioning", "performanceRekey", performanceRekey)

	backupRetrieved := false
	retries := 0
	for {
		blob, err := d.run(ctx, log, performanceRekey)
		if err == nil {
			d.last.Store(d.clock.Now())
			log.Info("EPID provisioning succeeded")
			return blob, nil
		}

		var backup *backupError
		switch {
		case errors.As(err, &backup) && !backupRetrieved:
			log.Warn("Previous EPID blob unusable, retrieving backup", "err", backup.err)
			if err := d.retrieveBackup(ctx, log, backup.pi); err != nil {
				log.Error("Retrieving backup failed", "err", err)
				return nil, err
			}
			backupRetrieved = true
		case transient(err) && retries < d.config.Retries:
			delay := d.config.Backoff << retries
			retries++
			log.Warn("Provisioning attempt failed, retrying", "err", err, "retry", retries, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-d.clock.After(delay):
			}
		default:
			if errors.As(err, &backup) {
				err = backup.err
			}
			log.Error("EPID provisioning failed", "err", err, "aesm", status.ToAESM(err))
			return nil, err
		}
	}
}

// transient reports whether a run failing with err may succeed when repeated.
func transient(err error) bool {
	switch status.CodeOf(err) {
	case status.Busy, status.NetworkError:
		return true
	default:
		return false
	}
}

// backupError reports that the backend asked for a proof with the key provisioned at pi
// and the stored blob could not provide it.
type backupError struct {
	pi  types.PlatformInfo
	err error
}

func (e *backupError) Error() string {
	return fmt.Sprintf("previous EPID blob: %v", e.err)
}

func (e *backupError) Unwrap() error {
	return e.err
}

// transaction is the state of one message exchange with the backend.
type transaction struct {
	xid   message.XID
	sk    crypto.Key
	pek   types.SignedPEK
	pi    types.PlatformInfo
	rekey bool
}

func (d *Driver) newTransaction(ctx context.Context, rekey bool) (*transaction, error) {
	pek, err := d.backend.PEK(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting PEK: %w", err)
	}
	tx := &transaction{pek: pek, rekey: rekey}
	if _, err := io.ReadFull(d.rand, tx.xid[:]); err != nil {
		return nil, status.Wrap(status.ReadRandError, err)
	}
	if _, err := io.ReadFull(d.rand, tx.sk[:]); err != nil {
		return nil, status.Wrap(status.ReadRandError, err)
	}
	return tx, nil
}

// run performs one transaction and stores the resulting blob.
func (d *Driver) run(ctx context.Context, log *slog.Logger, rekey bool) ([]byte, error) {
	tx, err := d.newTransaction(ctx, rekey)
	if err != nil {
		return nil, err
	}
	defer tx.sk.Zero()
	log = log.With(slog.String("xid", fmt.Sprintf("%x", tx.xid)))

	resp, err := d.sendMsg1(ctx, tx, nil)
	if err != nil {
		return nil, err
	}
	typ, err := message.PeekType(resp)
	if err != nil {
		return nil, err
	}
	switch typ {
	case message.TypeMsg2:
		log.Debug("Received Msg2")
		resp, err = d.processMsg2(ctx, log, tx, resp)
		if err != nil {
			return nil, err
		}
	case message.TypeMsg4:
		log.Debug("Received Msg4 without challenge")
	default:
		return nil, status.New(status.MsgError, "unexpected response type %s to Msg1", typ)
	}
	return d.processMsg4(ctx, tx, resp)
}

// retrieveBackup asks the backend for the key provisioned at pi and stores it.
func (d *Driver) retrieveBackup(ctx context.Context, log *slog.Logger, pi types.PlatformInfo) error {
	tx, err := d.newTransaction(ctx, false)
	if err != nil {
		return err
	}
	defer tx.sk.Zero()

	resp, err := d.sendMsg1(ctx, tx, &pi)
	if err != nil {
		return err
	}
	typ, err := message.PeekType(resp)
	if err != nil {
		return err
	}
	if typ != message.TypeMsg4 {
		return status.New(status.MsgError, "backend answered backup request with %s", typ)
	}
	if _, err := d.processMsg4(ctx, tx, resp); err != nil {
		return err
	}
	log.Info("Retrieved backup of previous EPID key", slog.String("xid", fmt.Sprintf("%x", tx.xid)))
	return nil
}

// sendMsg1 opens tx. With a nil pi the platform info of the current platform is sent.
func (d *Driver) sendMsg1(ctx context.Context, tx *transaction, pi *types.PlatformInfo) ([]byte, error) {
	report, err := d.pve.GenMsg1(&pve.Msg1Input{XEGB: d.config.XEGB, PEK: tx.pek, PCETarget: d.pce.TargetInfo()})
	if err != nil {
		return nil, fmt.Errorf("generating Msg1: %w", err)
	}
	info, err := d.pce.GetPCInfo(&report, &tx.pek)
	if err != nil {
		return nil, fmt.Errorf("getting PC info: %w", err)
	}

	if pi != nil {
		tx.pi = *pi
	} else {
		self := d.pve.Self()
		tx.pi = types.PlatformInfo{
			CPUSVN: self.CPUSVN,
			PvESVN: self.ISVSVN,
			PCESVN: info.PCESVN,
			PCEID:  info.PCEID,
			FMSP:   d.config.FMSP,
		}
	}

	pekKey, err := crypto.BuildRSAPublicKey(tx.pek.N[:], tx.pek.E[:])
	if err != nil {
		return nil, status.Wrap(status.PEKSignError, err)
	}
	m := &message.Msg1{XID: tx.xid, EncryptedPPID: info.EncryptedPPID, PlatformInfo: tx.pi}
	m.Flags.SetPerformanceRekey(tx.rekey)
	raw, err := message.EncodeMsg1(d.rand, pekKey, tx.sk, m)
	if err != nil {
		return nil, err
	}
	return d.send(ctx, raw)
}

func (d *Driver) send(ctx context.Context, raw []byte) ([]byte, error) {
	resp, err := d.backend.Send(ctx, raw)
	if err != nil {
		if status.CodeOf(err) == status.Unexpected {
			err = status.Wrap(status.NetworkError, err)
		}
		return nil, fmt.Errorf("sending request: %w", err)
	}
	return resp, nil
}

// processMsg2 answers the challenge of a Msg2 and returns the Msg4 the backend sends back.
func (d *Driver) processMsg2(ctx context.Context, log *slog.Logger, tx *transaction, resp []byte) ([]byte, error) {
	m, err := message.DecodeMsg2(resp, tx.xid, tx.sk)
	if err != nil {
		return nil, err
	}
	if m.PSID != sha256.Sum256(append(tx.pek.N[:], tx.pek.E[:]...)) {
		return nil, status.New(status.MsgError, "Msg2 names a different PEK")
	}

	in := &pve.Msg2Input{
		XEGB:             d.config.XEGB,
		PEK:              tx.pek,
		PCETarget:        d.pce.TargetInfo(),
		GroupCert:        m.GroupCert,
		Challenge:        m.Challenge,
		EquivPI:          m.EquivPI,
		PrevPI:           m.PrevPI,
		PrevGID:          m.PrevGID,
		SigRL:            m.SigRL,
		PerformanceRekey: tx.rekey,
	}
	if m.PrevPI != nil {
		// a missing blob surfaces as an EPID blob error in the enclave
		if in.PrevBlob, err = d.store.Load(ctx); err != nil {
			log.Debug("No previous EPID blob", "err", err)
			in.PrevBlob = nil
		}
	}

	out, err := d.pve.ProcMsg2(in)
	if err != nil {
		if m.PrevPI != nil && errors.Is(err, status.ErrEPIDBlob) {
			return nil, &backupError{pi: *m.PrevPI, err: err}
		}
		return nil, fmt.Errorf("processing Msg2: %w", err)
	}

	signature, err := d.pce.SignReport(m.EquivPI.PCEPSVN(), &out.Report)
	if err != nil {
		return nil, fmt.Errorf("signing report: %w", err)
	}
	raw, err := message.EncodeMsg3(d.rand, tx.sk, &message.Msg3{
		XID:             tx.xid,
		Nonce:           m.Nonce,
		JoinProof:       out.JoinProof,
		N2:              out.N2,
		EncryptedPWK2:   out.EncryptedPWK2,
		ReportBody:      out.Report.Body,
		ReportSignature: signature,
		EPIDSignature:   out.EPIDSignature,
	})
	if err != nil {
		return nil, err
	}

	resp, err = d.send(ctx, raw)
	if err != nil {
		return nil, err
	}
	typ, err := message.PeekType(resp)
	if err != nil {
		return nil, err
	}
	if typ != message.TypeMsg4 {
		return nil, status.New(status.MsgError, "unexpected response type %s to Msg3", typ)
	}
	return resp, nil
}

// processMsg4 seals the credential of a Msg4 into an EPID blob and stores it.
func (d *Driver) processMsg4(ctx context.Context, tx *transaction, resp []byte) ([]byte, error) {
	m, err := message.DecodeMsg4(resp, tx.xid, tx.sk)
	if err != nil {
		return nil, err
	}
	sealed, err := d.pve.ProcMsg4(&pve.Msg4Input{
		XEGB:       d.config.XEGB,
		GroupCert:  m.GroupCert,
		EquivPI:    m.EquivPI,
		N2:         m.N2,
		Credential: m.Credential,
	})
	if err != nil {
		return nil, fmt.Errorf("processing Msg4: %w", err)
	}
	blob := sealed.Marshal()
	if err := d.store.Store(ctx, blob); err != nil {
		return nil, fmt.Errorf("storing EPID blob: %w", err)
	}
	return blob, nil
}
