package backendsim

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgelesssys/go-sgx-epid/epid/epidsim"
	"github.com/edgelesssys/go-sgx-epid/epidblob"
	"github.com/edgelesssys/go-sgx-epid/platform/simulator"
	"github.com/edgelesssys/go-sgx-epid/qe"
	"github.com/edgelesssys/go-sgx-epid/types"
	"github.com/edgelesssys/go-sgx-epid/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// issueQuote quotes an application enclave with a key issued by b.
func issueQuote(t *testing.T, b *Backend) []byte {
	t.Helper()
	require := require.New(t)
	p, err := simulator.New([32]byte{0xB5}, [16]byte{})
	require.NoError(err)
	quotingEnclave := qe.New(p.Load(simulator.NamedIdentity("qe", "intel", 1, 6, 0)), epidsim.Engine{})
	sealer := p.Load(simulator.NamedIdentity("pve", "intel", 1, 6, types.AttributeProvisionKey))
	app := p.Load(simulator.NamedIdentity("app", "isv", 2, 1, 0))

	issuer := b.issuers[b.current]
	key, err := issuer.IssueKey([32]byte{0x61}, rand.Reader)
	require.NoError(err)
	sealerSelf := sealer.Self()
	sealed, err := epidblob.Seal(sealer, &epidblob.SDK{
		Plaintext: epidblob.Plaintext{
			EquivPSVN: sealerSelf.PSVN(),
			GroupKey:  issuer.PubKey(),
			QSDKExp:   b.trust.XEGB.QSDKExp,
			QSDKMod:   b.trust.XEGB.QSDKMod,
			EPIDSK:    b.trust.XEGB.EPIDSK,
		},
		PrivKey: key,
	})
	require.NoError(err)

	self := quotingEnclave.Self()
	target := types.TargetInfo{MRENCLAVE: self.MRENCLAVE, Attributes: self.Attributes, MiscSelect: self.MiscSelect}
	report, err := app.CreateReport(&target, [64]byte{})
	require.NoError(err)
	res, err := quotingEnclave.GetQuote(&qe.QuoteRequest{
		Blob:   sealed.Marshal(),
		Report: report,
		Type:   types.QuoteLinkable,
		SPID:   [types.SPIDSize]byte{0x5B},
	})
	require.NoError(err)
	return res.Quote
}

func postReport(t *testing.T, server *httptest.Server, body []byte) (int, *verification.Report) {
	t.Helper()
	client := server.Client()
	defer client.CloseIdleConnections()
	resp, err := client.Post(server.URL+ReportPath, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	var report verification.Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	return resp.StatusCode, &report
}

func TestReportHandler(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	b := newBackend(t)
	server := httptest.NewServer(b.Handler())
	defer server.Close()

	quote := issueQuote(t, b)
	body, err := json.Marshal(verification.ReportRequest{ISVEnclaveQuote: quote, Nonce: "n-1"})
	require.NoError(err)

	code, report := postReport(t, server, body)
	require.Equal(http.StatusOK, code)
	assert.Equal(verification.StatusOK, report.ISVEnclaveQuoteStatus)
	assert.Equal(verification.ReportVersion, report.Version)
	assert.Equal("n-1", report.Nonce)
	assert.Equal(quote[:types.QuoteSignedSize], report.ISVEnclaveQuoteBody)
	assert.Len(report.EPIDPseudonym, 128)
	assert.NotEmpty(report.ID)

	// a revoked group is reported, not rejected
	b.mu.Lock()
	delete(b.issuers, b.current)
	b.mu.Unlock()
	code, report = postReport(t, server, body)
	require.Equal(http.StatusOK, code)
	assert.Equal(verification.StatusGroupRevoked, report.ISVEnclaveQuoteStatus)
	assert.Empty(report.EPIDPseudonym)

	code, _ = postReport(t, server, []byte("{"))
	assert.Equal(http.StatusBadRequest, code)
	body, err = json.Marshal(verification.ReportRequest{ISVEnclaveQuote: quote[:100]})
	require.NoError(err)
	code, _ = postReport(t, server, body)
	assert.Equal(http.StatusBadRequest, code)
}

func TestVerifierSeesRevocations(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	b := newBackend(t)
	quote := issueQuote(t, b)

	result, err := b.Verifier(verification.Policy{}).Verify(quote)
	require.NoError(err)
	require.Equal(verification.StatusOK, result.Status)

	// the quote proves nothing against the new SigRL
	b.Revoke(b.current, &result.Signature)
	result, err = b.Verifier(verification.Policy{}).Verify(quote)
	require.NoError(err)
	assert.Equal(verification.StatusSigRLVersionMismatch, result.Status)

	fresh := newBackend(t)
	result, err = fresh.Verifier(verification.Policy{MinQESVN: 7}).Verify(issueQuote(t, fresh))
	require.NoError(err)
	assert.Equal(verification.StatusGroupOutOfDate, result.Status)
}
