/*
Package qe implements the quoting enclave.

The quoting enclave turns the sealed EPID blob of the platform and a report of an application
enclave into a quote. The EPID signature never leaves the enclave in the clear: it is
encrypted under a fresh AES key that is wrapped for the quoting service.

	quote = body(432) ‖ signature_len ‖ signature

	signature:
	+------------------+-----------+----+--------------+----------------------------------------+-----+
	| RSA-OAEP(key)    | SHA256    | IV | payload_size | GCM(key, basic sig ‖ rl_ver ‖ n2 ‖     | tag |
	| under QSDK (256) | (key)(32) |    |              |      n2 non-revocation proofs)          |     |
	+------------------+-----------+----+--------------+----------------------------------------+-----+

On request the enclave also returns a report targeted at the application enclave whose report
data is SHA256(nonce ‖ quote), so the application can check that the quote it receives is the
one the enclave produced.

All functions return *status.Error values and never log.
*/
package qe

import (
	"bytes"
	"crypto/rsa"
	"crypto/sha256"
	"math"

	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/epid"
	"github.com/edgelesssys/go-sgx-epid/epidblob"
	"github.com/edgelesssys/go-sgx-epid/platform"
	"github.com/edgelesssys/go-sgx-epid/sigrl"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
)

// NonceSize is the size of the nonce bound into the QE report.
const NonceSize = types.QuoteNonceSize

// QE is a quoting enclave.
type QE struct {
	enclave platform.Enclave
	engine  epid.Engine
}

// New returns the quoting enclave running in enclave.
func New(enclave platform.Enclave, engine epid.Engine) *QE {
	return &QE{enclave: enclave, engine: engine}
}

// Self returns the report body of the quoting enclave.
func (q *QE) Self() types.ReportBody {
	return q.enclave.Self()
}

// InitResult is the result of InitQuote.
type InitResult struct {
	// TargetInfo addresses the quoting enclave. Application enclaves create their reports for it.
	TargetInfo types.TargetInfo
	// GID is the EPID group of the platform key.
	GID [4]byte
	// Blob is the resealed EPID blob. It is nil if the blob did not change.
	Blob []byte
}

// InitQuote verifies the EPID blob and returns what an application enclave needs to create a
// report for the quoting enclave.
func (q *QE) InitQuote(blob []byte) (*InitResult, error) {
	key, resealed, err := q.openKey(blob)
	if err != nil {
		return nil, err
	}
	defer key.close()

	self := q.enclave.Self()
	return &InitResult{
		TargetInfo: platform.TargetInfoOf(&self),
		GID:        key.blob.GroupKey.GID,
		Blob:       resealed,
	}, nil
}

// VerifyBlob checks that the EPID blob can be used for quoting on this platform. It returns
// the resealed blob if the blob had to be migrated to the current platform security version
// or blob format, and nil otherwise.
func (q *QE) VerifyBlob(blob []byte) ([]byte, error) {
	key, resealed, err := q.openKey(blob)
	if err != nil {
		return nil, err
	}
	key.close()
	return resealed, nil
}

// CalcQuoteSize returns the size of a quote created with sigRL.
func CalcQuoteSize(sigRL []byte) (uint32, error) {
	var n2 uint32
	if len(sigRL) > 0 {
		header, err := types.CheckSigRLLength(sigRL)
		if err != nil {
			return 0, status.Wrap(status.ParameterError, err)
		}
		n2 = header.N2
	}
	size := types.QuoteHeaderSize + types.QuoteSignatureSize(n2)
	if size > math.MaxUint32 {
		return 0, status.New(status.ParameterError, "quote of %d bytes", size)
	}
	return uint32(size), nil
}

// key is an unsealed EPID key ready for signing.
type key struct {
	blob   *epidblob.SDK
	member epid.Member
}

func (k *key) close() {
	if k.member != nil {
		k.member.Close()
	}
	k.blob.Close()
}

// openKey unseals the EPID blob and builds the member context.
//
// The blob is resealed if it was sealed under another platform security version, if it is in
// the old format or if it lacks the member precomputation. The member context is always built,
// so a blob whose key does not fit its group is rejected here and not at quoting time.
func (q *QE) openKey(raw []byte) (*key, []byte, error) {
	blob, sealed, err := epidblob.Open(q.enclave, raw)
	if err != nil {
		return nil, nil, err
	}
	sdk, upgraded := epidblob.ToSDK(blob)
	if sdk == nil {
		blob.Close()
		return nil, nil, status.New(status.EPIDBlobError, "unsupported EPID blob format")
	}

	missingPrecomp := sdk.Precomp == nil
	member, err := q.engine.NewMember(&sdk.GroupKey, &sdk.PrivKey, sdk.Precomp, q.enclave.Rand())
	if err != nil {
		sdk.Close()
		return nil, nil, status.Wrap(status.EPIDBlobError, err)
	}
	k := &key{blob: sdk, member: member}
	if missingPrecomp {
		precomp := member.Precomp()
		sdk.Precomp = &precomp
	}

	self := q.enclave.Self()
	if !upgraded && !missingPrecomp && sealed.KeyRequest.PSVN() == self.PSVN() {
		return k, nil, nil
	}
	resealed, err := epidblob.Seal(q.enclave, sdk)
	if err != nil {
		k.close()
		return nil, nil, err
	}
	return k, resealed.Marshal(), nil
}

// QuoteRequest is the input of GetQuote.
type QuoteRequest struct {
	// Blob is the sealed EPID blob.
	Blob []byte
	// Report is the report of the application enclave, targeted at the quoting enclave.
	Report types.Report
	// Type is types.QuoteLinkable or types.QuoteUnlinkable.
	Type uint16
	SPID [types.SPIDSize]byte
	// SigRL is the signature revocation list of the group. It may be empty.
	SigRL []byte
	// PCESVN is the ISV SVN of the PCE, reported in the quote.
	PCESVN uint16
	// Nonce requests a QE report if set.
	Nonce *[NonceSize]byte
	// MaxSize is the size of the caller's quote buffer. Zero means unlimited.
	MaxSize uint32
}

// QuoteResult is the output of GetQuote.
type QuoteResult struct {
	Quote []byte
	// QEReport is set if the request carried a nonce.
	QEReport *types.Report
	// Blob is the resealed EPID blob. It is nil if the blob did not change.
	Blob []byte
}

// GetQuote creates a quote for the application enclave's report.
//
// A SigRL that is not authentic fails with status.ErrSigRLIntegrity. If the list is authentic
// and revokes the platform key, GetQuote fails with status.ErrRevoked.
func (q *QE) GetQuote(req *QuoteRequest) (*QuoteResult, error) {
	if req.Type != types.QuoteLinkable && req.Type != types.QuoteUnlinkable {
		return nil, status.New(status.ParameterError, "unknown quote type %d", req.Type)
	}
	// Keep our own copy of caller memory.
	sigRLRaw := bytes.Clone(req.SigRL)
	app := req.Report
	if err := q.enclave.VerifyReport(&app); err != nil {
		return nil, status.Wrap(status.ParameterError, err)
	}

	k, resealed, err := q.openKey(req.Blob)
	if err != nil {
		return nil, err
	}
	defer k.close()

	rl, err := sigrl.New(sigRLRaw)
	if err != nil {
		return nil, err
	}
	if rl.Present() && rl.Header().GID != k.blob.GroupKey.GID {
		return nil, status.New(status.ParameterError, "SigRL is of group %x, platform key of %x", rl.Header().GID, k.blob.GroupKey.GID)
	}
	payloadSize := uint64(types.QuotePayloadFixedSize) + uint64(rl.Count())*types.NrProofSize
	if payloadSize > math.MaxUint32 {
		return nil, status.New(status.ParameterError, "quote signature payload of %d bytes", payloadSize)
	}
	quoteSize := types.QuoteHeaderSize + types.QuoteSignatureSize(rl.Count())
	if req.MaxSize != 0 && quoteSize > uint64(req.MaxSize) {
		return nil, status.New(status.ParameterError, "quote of %d bytes does not fit into %d bytes", quoteSize, req.MaxSize)
	}

	quote := types.Quote{
		Version:         types.QuoteVersion,
		SignType:        req.Type,
		EPIDGroupID:     quoteGroupID(k.blob.GroupKey.GID),
		QESVN:           q.enclave.Self().ISVSVN,
		PCESVN:          req.PCESVN,
		XEID:            k.blob.XEID,
		ReportBody:      app.Body,
		SignatureLength: uint32(quoteSize - types.QuoteHeaderSize),
	}
	copy(quote.Basename[:], req.SPID[:])
	if req.Type == types.QuoteUnlinkable {
		if err := platform.ReadRand(q.enclave, quote.Basename[types.SPIDSize:]); err != nil {
			return nil, status.Wrap(status.Unexpected, err)
		}
	}

	signature, err := q.sign(k, &quote, rl, uint32(payloadSize))
	if err != nil {
		return nil, err
	}
	quote.Signature = signature.Marshal()
	raw := quote.Marshal()

	result := &QuoteResult{Quote: raw, Blob: resealed}
	if req.Nonce != nil {
		target := platform.TargetInfoOf(&app.Body)
		report, err := q.enclave.CreateReport(&target, ReportData(*req.Nonce, raw))
		if err != nil {
			return nil, status.Wrap(status.Unexpected, err)
		}
		result.QEReport = &report
	}
	return result, nil
}

// sign creates the encrypted EPID signature of the quote body.
func (q *QE) sign(k *key, quote *types.Quote, rl *sigrl.Processor, payloadSize uint32) (*types.QuoteSignature, error) {
	qsdk, err := crypto.BuildRSAPublicKey(k.blob.QSDKMod[:], k.blob.QSDKExp[:])
	if err != nil {
		return nil, status.Wrap(status.EPIDBlobError, err)
	}
	epidSK := crypto.BuildECDSAPublicKey(k.blob.EPIDSK)

	body := quote.Marshal()[:types.QuoteSignedSize]
	sig, err := k.member.SignBasic(body, quote.Basename[:])
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	defer clear(sig[:])

	out := &types.QuoteSignature{PayloadSize: payloadSize}
	aesKey, err := q.wrapKey(qsdk, out)
	if err != nil {
		return nil, err
	}
	if err := platform.ReadRand(q.enclave, out.IV[:]); err != nil {
		aesKey.Zero()
		return nil, status.Wrap(status.Unexpected, err)
	}

	stream := crypto.NewGCMStream(aesKey, out.IV, nil)
	aesKey.Zero()
	defer stream.Close()

	_, _ = stream.Write(sig[:])
	versionAndCount := rl.VersionAndCount()
	_, _ = stream.Write(versionAndCount[:])
	err = rl.Prove(k.member, body, &sig, epidSK, func(proof *epid.NrProof) error {
		_, err := stream.Write(proof[:])
		return err
	})
	if err != nil {
		return nil, err
	}
	if uint32(stream.Len()) != payloadSize {
		return nil, status.New(status.Unexpected, "quote payload is %d bytes, expected %d", stream.Len(), payloadSize)
	}

	if out.Payload, out.Tag, err = stream.Seal(); err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	return out, nil
}

// wrapKey creates a fresh AES key and stores it in out wrapped under the quoting service key.
func (q *QE) wrapKey(qsdk *rsa.PublicKey, out *types.QuoteSignature) (crypto.Key, error) {
	var aesKey crypto.Key
	if err := platform.ReadRand(q.enclave, aesKey[:]); err != nil {
		return crypto.Key{}, status.Wrap(status.Unexpected, err)
	}
	wrapped, err := crypto.RSAOAEPEncrypt(q.enclave.Rand(), qsdk, aesKey[:])
	if err != nil {
		aesKey.Zero()
		return crypto.Key{}, status.Wrap(status.Unexpected, err)
	}
	if len(wrapped) != types.WrappedKeySize {
		aesKey.Zero()
		return crypto.Key{}, status.New(status.EPIDBlobError, "quoting service key is not RSA-2048")
	}
	out.WrappedKey = [types.WrappedKeySize]byte(wrapped)
	out.KeyHash = sha256.Sum256(aesKey[:])
	return aesKey, nil
}

// ReportData returns the report data of the QE report for quote: SHA256(nonce ‖ quote),
// zero padded.
func ReportData(nonce [NonceSize]byte, quote []byte) [64]byte {
	return types.QuoteReportData(nonce, quote)
}

// quoteGroupID returns the group id in the little-endian order of the quote.
func quoteGroupID(gid [4]byte) [4]byte {
	return [4]byte{gid[3], gid[2], gid[1], gid[0]}
}

// GroupID returns the EPID group id carried by a quote in the order of group certificates.
func GroupID(quote *types.Quote) [4]byte {
	return types.QuoteGroupID(quote)
}
