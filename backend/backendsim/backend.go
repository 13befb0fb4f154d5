/*
Package backendsim is an in-process EPID provisioning backend.

It plays the role of the provisioning server and the EPID issuer for tests and development
mode. Platforms are registered up front with their PPID and their PCE certification keys.
The backend keeps one record per provisioned (platform, PSVN) and replays it when the same
PSVN asks again, which serves both backup retrieval and platforms that lost their blob.

	Msg1 ──► known PSVN?  ── yes ──► Msg4 (replayed record)
	             │
	             no ──► Msg2 (challenge [, previous PSVN, SigRL])
	Msg3 ──► verify PCE signature, join proof, EPID signature ──► Msg4 (new record)

It also verifies the quotes made with the keys it issued, as an attestation service would.
*/
package backendsim

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/epid/epidsim"
	"github.com/edgelesssys/go-sgx-epid/provision/message"
	"github.com/edgelesssys/go-sgx-epid/sigrl"
	"github.com/edgelesssys/go-sgx-epid/tlv"
	"github.com/edgelesssys/go-sgx-epid/types"
	"github.com/edgelesssys/go-sgx-epid/verification"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const (
	// Path is the HTTP path the backend serves provisioning messages on.
	Path = "/provisioning/v1/epid"
	// PEKPath is the HTTP path the backend serves its signed PEK on.
	PEKPath = "/provisioning/v1/pek"
	// ReportPath is the HTTP path the backend verifies quotes on.
	ReportPath = "/attestation/v1/report"
)

// maxRequestSize bounds the size of a request body.
const maxRequestSize = 1 << 20

// CertificationKeys returns the PCE certification public key of a PSVN. *pce.PCE implements it.
type CertificationKeys interface {
	PublicKey(psvn types.PSVN) (*ecdsa.PublicKey, error)
}

// Backend is a simulated provisioning backend.
type Backend struct {
	trust *Trust
	rand  io.Reader
	log   *slog.Logger

	mu           sync.Mutex
	current      [4]byte
	issuers      map[[4]byte]*epidsim.Issuer
	revocations  map[[4]byte][]types.SigRLEntry
	platforms    map[[types.PPIDSize]byte]*platformRecord
	transactions map[message.XID]*transaction
	busy         int
}

type platformRecord struct {
	certKeys CertificationKeys
	keys     []*keyRecord
}

// keyRecord is one provisioned member key. The backend keeps PWK2 and the credential so it
// can answer the same PSVN again with a Msg4.
type keyRecord struct {
	pi         types.PlatformInfo
	gid        [4]byte
	pwk2       crypto.Key
	n2         [types.N2Size]byte
	credential types.MembershipCredential
}

type transaction struct {
	sk        crypto.Key
	nonce     [message.NonceSize]byte
	ppid      [types.PPIDSize]byte
	pi        types.PlatformInfo
	gid       [4]byte
	challenge [types.ChallengeNonceSize]byte
	prev      *keyRecord
	sigRLLen  uint32
	rekey     *keyRecord
}

// New returns a backend that issues keys of group gid under trust.
func New(trust *Trust, gid [4]byte, seed [32]byte, rand io.Reader, log *slog.Logger) *Backend {
	b := &Backend{
		trust:        trust,
		rand:         rand,
		log:          log,
		issuers:      map[[4]byte]*epidsim.Issuer{},
		revocations:  map[[4]byte][]types.SigRLEntry{},
		platforms:    map[[types.PPIDSize]byte]*platformRecord{},
		transactions: map[message.XID]*transaction{},
	}
	b.AddGroup(gid, seed)
	return b
}

// AddGroup creates group gid and issues new keys from it.
func (b *Backend) AddGroup(gid [4]byte, seed [32]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.issuers[gid] = epidsim.NewIssuer(gid, seed)
	b.current = gid
}

// GroupPubKey returns the public key of group gid.
func (b *Backend) GroupPubKey(gid [4]byte) (types.GroupPubKey, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	issuer, ok := b.issuers[gid]
	if !ok {
		return types.GroupPubKey{}, false
	}
	return issuer.PubKey(), true
}

// Register makes the platform with ppid known to the backend.
func (b *Backend) Register(ppid [types.PPIDSize]byte, certKeys CertificationKeys) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.platforms[ppid] = &platformRecord{certKeys: certKeys}
}

// Revoke adds the signature to the SigRL of its group.
func (b *Backend) Revoke(gid [4]byte, sig *epid.BasicSignature) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.revocations[gid] = append(b.revocations[gid], sig.Entry())
}

// SigRL returns the signed SigRL of group gid. It is nil if nothing in the group is revoked.
func (b *Backend) SigRL(gid [4]byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sigRL(gid)
}

// SetBusy makes the next n requests fail with a busy status.
func (b *Backend) SetBusy(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.busy = n
}

// Send handles one request message and returns the response.
func (b *Backend) Send(_ context.Context, raw []byte) ([]byte, error) {
	return b.Handle(raw), nil
}

// PEK returns the signed provisioning encryption key of the backend.
func (b *Backend) PEK(context.Context) (types.SignedPEK, error) {
	return b.trust.SignedPEK, nil
}

// Handler returns an HTTP handler serving provisioning messages on Path and the signed PEK
// on PEKPath.
func (b *Backend) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(PEKPath, func(w http.ResponseWriter, _ *http.Request) {
		pek := b.trust.SignedPEK.Marshal()
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(pek[:])
	})
	r.Post(Path, func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(b.Handle(raw))
	})
	r.Post(ReportPath, b.handleReport)
	return r
}

// Verifier returns a verifier of the quotes made with keys of this backend.
func (b *Backend) Verifier(policy verification.Policy) *verification.Verifier {
	return verification.New(b.trust.QuotingServer, &b.trust.EPIDSK.PublicKey, b, epidsim.Engine{}, policy)
}

func (b *Backend) handleReport(w http.ResponseWriter, r *http.Request) {
	var req verification.ReportRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestSize)).Decode(&req); err != nil {
		http.Error(w, "invalid report request", http.StatusBadRequest)
		return
	}
	result, err := b.Verifier(verification.Policy{}).Verify(req.ISVEnclaveQuote)
	if err != nil {
		b.log.Warn("Rejecting quote", "err", err)
		http.Error(w, "invalid quote", http.StatusBadRequest)
		return
	}
	report := verification.NewReport(uuid.NewString(), time.Now(), result, req.ISVEnclaveQuote, req.Nonce)
	b.log.Info("Verified quote", "id", report.ID, "status", string(report.ISVEnclaveQuoteStatus))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(report)
}

// Handle processes Msg1 and Msg3. Failures are answered with a body-less response carrying
// the status.
func (b *Backend) Handle(raw []byte) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	header, err := message.ParseRequestHeader(raw)
	if err != nil {
		b.log.Warn("Dropping malformed request", "err", err)
		return message.ErrorResponse(message.XID{}, message.TypeMsg2, message.GeneralIncorrectSyntax, message.ProtocolOK)
	}
	respType := message.TypeMsg2
	if header.Type == message.TypeMsg3 {
		respType = message.TypeMsg4
	}
	if b.busy > 0 {
		b.busy--
		return message.ErrorResponse(header.XID, respType, message.GeneralServerBusy, message.ProtocolOK)
	}

	var resp []byte
	var rerr *responseError
	switch header.Type {
	case message.TypeMsg1:
		resp, err = b.handleMsg1(raw)
	case message.TypeMsg3:
		resp, err = b.handleMsg3(raw)
	default:
		err = &responseError{general: message.GeneralIncorrectSyntax, err: fmt.Errorf("unexpected message type %s", header.Type)}
	}
	if err == nil {
		return resp
	}

	b.log.Warn("Provisioning request failed", "err", err, slog.String("xid", fmt.Sprintf("%x", header.XID)), slog.String("type", header.Type.String()))
	if !errors.As(err, &rerr) {
		return message.ErrorResponse(header.XID, respType, message.GeneralInternalError, message.ProtocolOK)
	}
	return message.ErrorResponse(header.XID, respType, rerr.general, rerr.protocol)
}

// responseError carries the statuses a failed request is answered with.
type responseError struct {
	general  message.GeneralStatus
	protocol message.ProtocolStatus
	err      error
}

func (e *responseError) Error() string {
	return fmt.Sprintf("general status %d, protocol status %d: %v", e.general, e.protocol, e.err)
}

func (e *responseError) Unwrap() error {
	return e.err
}

func protocolError(status message.ProtocolStatus, format string, args ...any) error {
	return &responseError{general: message.GeneralOK, protocol: status, err: fmt.Errorf(format, args...)}
}

func integrityError(err error) error {
	return &responseError{general: message.GeneralIntegrityCheckFail, err: err}
}

func (b *Backend) handleMsg1(raw []byte) ([]byte, error) {
	m, skBuf, err := message.DecodeMsg1(b.rand, b.trust.PEK, raw)
	if err != nil {
		return nil, integrityError(err)
	}
	sk := crypto.Key(skBuf.Bytes())
	skBuf.Destroy()

	ppidRaw, err := crypto.RSAOAEPDecrypt(b.rand, b.trust.PEK, m.EncryptedPPID[:])
	if err != nil || len(ppidRaw) != types.PPIDSize {
		return nil, protocolError(message.ProtocolInvalidRequest, "decrypting PPID failed")
	}
	ppid := [types.PPIDSize]byte(ppidRaw)
	platform, ok := b.platforms[ppid]
	if !ok {
		return nil, protocolError(message.ProtocolInvalidRequest, "unknown platform %x", ppid)
	}

	tx := &transaction{sk: sk, ppid: ppid, pi: m.PlatformInfo, gid: b.current}
	psvn := m.PlatformInfo.PvEPSVN()
	existing := platform.key(psvn)

	if m.Flags.PerformanceRekey() {
		if existing == nil {
			return nil, protocolError(message.ProtocolPerformanceRekeyNotSupported, "no key to rekey at PSVN %x", psvn.Marshal())
		}
		tx.rekey = existing
		tx.gid = existing.gid
	} else if existing != nil {
		b.log.Info("Replaying provisioned key", slog.String("xid", fmt.Sprintf("%x", m.XID)), slog.String("gid", fmt.Sprintf("%x", existing.gid)))
		return b.msg4(m.XID, sk, existing)
	} else {
		tx.prev = platform.latest()
	}

	if _, err := io.ReadFull(b.rand, tx.nonce[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(b.rand, tx.challenge[:]); err != nil {
		return nil, err
	}
	cert, err := b.groupCert(tx.gid)
	if err != nil {
		return nil, err
	}
	msg2 := &message.Msg2{
		XID:       m.XID,
		Nonce:     tx.nonce,
		GroupCert: cert,
		PSID:      b.trust.PSID(),
		Challenge: tx.challenge,
		EquivPI:   m.PlatformInfo,
	}
	if tx.prev != nil {
		prevPI := tx.prev.pi
		msg2.PrevPI = &prevPI
		msg2.PrevGID = tx.prev.gid
		if msg2.SigRL, err = b.sigRL(tx.prev.gid); err != nil {
			return nil, err
		}
		if len(msg2.SigRL) > 0 {
			tx.sigRLLen = uint32(len(b.revocations[tx.prev.gid]))
		}
	}

	resp, err := message.EncodeMsg2(b.rand, sk, msg2)
	if err != nil {
		return nil, err
	}
	b.transactions[m.XID] = tx
	return resp, nil
}

func (b *Backend) handleMsg3(raw []byte) ([]byte, error) {
	header, err := message.ParseRequestHeader(raw)
	if err != nil {
		return nil, integrityError(err)
	}
	tx, ok := b.transactions[header.XID]
	if !ok {
		return nil, &responseError{general: message.GeneralTransactionStateLost, err: fmt.Errorf("unknown transaction %x", header.XID)}
	}
	delete(b.transactions, header.XID)

	m, err := message.DecodeMsg3(raw, tx.sk)
	if err != nil {
		return nil, integrityError(err)
	}
	if m.Nonce != tx.nonce {
		return nil, integrityError(errors.New("Msg3 nonce does not match Msg2"))
	}

	pwk2, err := b.unwrapPWK2(m.EncryptedPWK2[:])
	if err != nil {
		return nil, err
	}
	if err := b.verifyReport(tx, m); err != nil {
		return nil, err
	}

	joinProof, err := crypto.GCMDecrypt(pwk2, m.JoinProof.IV, m.JoinProof.Data, types.JoinProofAAD(tx.gid, &types.DeviceID{FMSP: tx.pi.FMSP, PSVN: tx.pi.PvEPSVN()}, tx.challenge), m.JoinProof.MAC)
	if err != nil {
		return nil, integrityError(fmt.Errorf("decrypting join proof: %w", err))
	}

	var credential types.MembershipCredential
	if tx.rekey != nil {
		if len(joinProof) != 0 {
			return nil, protocolError(message.ProtocolInvalidRequest, "join proof in performance rekey")
		}
		credential = tx.rekey.credential
	} else {
		if credential, err = b.join(tx, joinProof); err != nil {
			return nil, err
		}
	}

	if tx.prev != nil {
		if err := b.verifyEPIDSignature(tx, pwk2, m.EPIDSignature); err != nil {
			return nil, err
		}
	}

	record := &keyRecord{pi: tx.pi, gid: tx.gid, pwk2: pwk2, n2: m.N2, credential: credential}
	b.platforms[tx.ppid].store(record)
	b.log.Info("Provisioned platform", slog.String("xid", fmt.Sprintf("%x", header.XID)), slog.String("gid", fmt.Sprintf("%x", tx.gid)))
	return b.msg4(header.XID, tx.sk, record)
}

func (b *Backend) unwrapPWK2(encrypted []byte) (crypto.Key, error) {
	wrapped, err := crypto.RSAOAEPDecrypt(b.rand, b.trust.PEK, encrypted)
	if err != nil {
		return crypto.Key{}, integrityError(fmt.Errorf("unwrapping PWK2: %w", err))
	}
	if len(wrapped) != tlv.SmallHeaderSize+crypto.KeySize || !bytes.Equal(wrapped[:tlv.SmallHeaderSize], tlv.PWK2Header[:]) {
		return crypto.Key{}, protocolError(message.ProtocolInvalidRequest, "malformed PWK2")
	}
	return crypto.Key(wrapped[tlv.SmallHeaderSize:]), nil
}

// verifyReport checks that the PCE of the platform signed the provisioning enclave's report
// and that the report binds the Msg3 content.
func (b *Backend) verifyReport(tx *transaction, m *message.Msg3) error {
	want := types.Msg3ReportData(m.JoinProof.MAC, m.JoinProof.Data, m.N2, m.EncryptedPWK2[:])
	if m.ReportBody.ReportData != want {
		return protocolError(message.ProtocolInvalidReport, "report does not bind Msg3")
	}
	if !m.ReportBody.Attributes.Has(types.AttributeProvisionKey) || m.ReportBody.Attributes.Has(types.AttributeDebug) {
		return protocolError(message.ProtocolInvalidReport, "report is not from a production provisioning enclave")
	}
	pub, err := b.platforms[tx.ppid].certKeys.PublicKey(tx.pi.PCEPSVN())
	if err != nil {
		return protocolError(message.ProtocolInvalidReport, "no certification key for PCE PSVN: %v", err)
	}
	body := m.ReportBody.Marshal()
	if err := crypto.VerifyECDSASignature(pub, body[:], m.ReportSignature[:]); err != nil {
		return protocolError(message.ProtocolInvalidReport, "PCE signature: %v", err)
	}
	return nil
}

// join checks the join proof and issues the credential for it.
func (b *Backend) join(tx *transaction, joinProof []byte) (types.MembershipCredential, error) {
	if len(joinProof) != tlv.SmallHeaderSize+types.JoinRequestSize+types.EscrowSize ||
		!bytes.Equal(joinProof[:tlv.SmallHeaderSize], tlv.JoinProofHeader[:]) {
		return types.MembershipCredential{}, protocolError(message.ProtocolInvalidRequest, "malformed join proof")
	}
	offset := tlv.SmallHeaderSize
	req := epid.JoinRequest(joinProof[offset : offset+types.JoinRequestSize])
	offset += types.JoinRequestSize
	escrow, err := types.ParseEscrow(joinProof[offset:])
	if err != nil {
		return types.MembershipCredential{}, protocolError(message.ProtocolInvalidRequest, "escrow: %v", err)
	}

	a, x, err := b.issuers[tx.gid].Join(tx.challenge, &req, b.rand)
	if err != nil {
		return types.MembershipCredential{}, protocolError(message.ProtocolInvalidRequest, "join: %v", err)
	}
	return types.MembershipCredential{A: a, X: x, Escrow: escrow}, nil
}

// verifyEPIDSignature checks the signature of the challenge by the previous key.
func (b *Backend) verifyEPIDSignature(tx *transaction, pwk2 crypto.Key, sig *message.Encrypted) error {
	if sig == nil {
		return protocolError(message.ProtocolInvalidRequest, "missing EPID signature of the previous key")
	}
	plaintext, err := crypto.GCMDecrypt(pwk2, sig.IV, sig.Data, nil, sig.MAC)
	if err != nil {
		return integrityError(fmt.Errorf("decrypting EPID signature: %w", err))
	}

	size := uint32(types.BasicSignatureSize + 8 + tx.sigRLLen*types.NrProofSize)
	header := tlv.EPIDSignatureHeader(size)
	if len(plaintext) != tlv.LargeHeaderSize+int(size) || !bytes.Equal(plaintext[:tlv.LargeHeaderSize], header[:]) {
		return protocolError(message.ProtocolInvalidRequest, "EPID signature of %d bytes, expected %d proofs", len(plaintext), tx.sigRLLen)
	}
	basic := epid.BasicSignature(plaintext[tlv.LargeHeaderSize : tlv.LargeHeaderSize+types.BasicSignatureSize])
	pub := b.issuers[tx.prev.gid].PubKey()
	if err := epidsim.Verify(&pub, tx.challenge[:], &basic); err != nil {
		return protocolError(message.ProtocolInvalidRequest, "EPID signature: %v", err)
	}
	for _, entry := range b.revocations[tx.prev.gid] {
		if entry == basic.Entry() {
			return protocolError(message.ProtocolPlatformRevoked, "signature matches a revoked entry")
		}
	}
	return nil
}

// msg4 answers with the credential of record, encrypted under its PWK2.
func (b *Backend) msg4(xid message.XID, sk crypto.Key, record *keyRecord) ([]byte, error) {
	cert, err := b.groupCert(record.gid)
	if err != nil {
		return nil, err
	}
	credential := record.credential.Marshal()
	plaintext := append(append([]byte(nil), tlv.MembershipCredentialHeader[:]...), credential[:]...)
	defer clear(plaintext)

	m := &message.Msg4{XID: xid, N2: record.n2, GroupCert: cert, EquivPI: record.pi}
	if _, err := io.ReadFull(b.rand, m.Nonce[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(b.rand, m.Credential.IV[:]); err != nil {
		return nil, err
	}
	m.Credential.Data, m.Credential.MAC, err = crypto.GCMEncrypt(record.pwk2, m.Credential.IV, plaintext, types.CredentialAAD(record.gid, record.pi.PvEPSVN()))
	if err != nil {
		return nil, err
	}
	return message.EncodeMsg4(b.rand, sk, m)
}

func (b *Backend) groupCert(gid [4]byte) ([types.GroupCertSize]byte, error) {
	issuer, ok := b.issuers[gid]
	if !ok {
		return [types.GroupCertSize]byte{}, protocolError(message.ProtocolAttestationKeyNotFound, "unknown group %x", gid)
	}
	cert, err := b.trust.GroupCert(b.rand, issuer.PubKey())
	if err != nil {
		return [types.GroupCertSize]byte{}, err
	}
	return cert.Marshal(), nil
}

func (b *Backend) sigRL(gid [4]byte) ([]byte, error) {
	entries := b.revocations[gid]
	if len(entries) == 0 {
		return nil, nil
	}
	return sigrl.Build(b.rand, b.trust.EPIDSK, gid, uint32(len(entries)), entries)
}

// key returns the record provisioned at psvn.
func (p *platformRecord) key(psvn types.PSVN) *keyRecord {
	for _, k := range p.keys {
		if k.pi.PvEPSVN() == psvn {
			return k
		}
	}
	return nil
}

// latest returns the most recently provisioned record.
func (p *platformRecord) latest() *keyRecord {
	if len(p.keys) == 0 {
		return nil
	}
	return p.keys[len(p.keys)-1]
}

func (p *platformRecord) store(record *keyRecord) {
	for i, k := range p.keys {
		if k.pi.PvEPSVN() == record.pi.PvEPSVN() {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			break
		}
	}
	p.keys = append(p.keys, record)
}
