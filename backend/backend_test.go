package backend

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/edgelesssys/go-sgx-epid/backend/backendsim"
	"github.com/edgelesssys/go-sgx-epid/provision/message"
	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
	"github.com/edgelesssys/go-sgx-epid/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClientWithSimulatedBackend(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	trust, err := backendsim.NewTrust(rand.Reader, 0)
	require.NoError(err)
	sim := backendsim.New(trust, [4]byte{0, 0, 0, 1}, [32]byte{1}, rand.Reader, discardLogger())
	server := httptest.NewServer(sim.Handler())
	defer server.Close()

	client, err := New(server.URL, 0, discardLogger())
	require.NoError(err)
	defer client.Close()

	pek, err := client.PEK(context.Background())
	require.NoError(err)
	assert.Equal(trust.SignedPEK, pek)

	// a malformed request is answered with a body-less error response
	resp, err := client.Send(context.Background(), []byte{0x00})
	require.NoError(err)
	header, err := message.ParseResponseHeader(resp)
	require.NoError(err)
	assert.Equal(message.GeneralIncorrectSyntax, header.GStatus)
	assert.Zero(header.Size)

	sim.SetBusy(1)
	xid := message.XID{1, 2, 3}
	req := message.RequestHeader{Protocol: message.Protocol, Version: message.Version, XID: xid, Type: message.TypeMsg1}
	raw := req.Marshal()
	resp, err = client.Send(context.Background(), raw[:])
	require.NoError(err)
	_, _, err = message.ParseResponse(resp, xid)
	assert.ErrorIs(err, status.ErrBusy)
}

func TestClientBasePath(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	api := &fakeAPI{}
	client, err := New("https://backend.example/api/", 0, discardLogger())
	require.NoError(err)
	client.api = api

	_, _ = client.Send(context.Background(), []byte{1})
	assert.Equal("https://backend.example/api/provisioning/v1/epid", api.uri)
	assert.Equal(http.MethodPost, api.method)

	_, _ = client.PEK(context.Background())
	assert.Equal("https://backend.example/api/provisioning/v1/pek", api.uri)
	assert.Equal(http.MethodGet, api.method)
}

func TestNew(t *testing.T) {
	testCases := map[string]struct {
		url     string
		wantErr bool
	}{
		"https":          {url: "https://backend.example"},
		"http with port": {url: "http://localhost:8080"},
		"no scheme":      {url: "backend.example", wantErr: true},
		"unix scheme":    {url: "unix:///run/backend.sock", wantErr: true},
		"invalid":        {url: "http://[::1", wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := New(tc.url, 0, discardLogger())
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPEKErrors(t *testing.T) {
	testCases := map[string]struct {
		api      *fakeAPI
		wantCode status.Code
	}{
		"truncated": {
			api:      &fakeAPI{response: make([]byte, types.SignedPEKSize-1)},
			wantCode: status.MsgError,
		},
		"request error": {
			api:      &fakeAPI{err: status.Wrap(status.NetworkError, errors.New("refused"))},
			wantCode: status.NetworkError,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			client := &Client{api: tc.api, base: &url.URL{Scheme: "http", Host: "backend"}, log: discardLogger()}
			_, err := client.PEK(context.Background())
			assert.Equal(t, tc.wantCode, status.CodeOf(err))
		})
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	testCases := map[string]struct {
		handler  http.HandlerFunc
		wantCode status.Code
	}{
		"ok": {
			handler:  func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte{1, 2, 3}) },
			wantCode: status.Success,
		},
		"too many requests": {
			handler:  func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) },
			wantCode: status.Busy,
		},
		"unavailable": {
			handler:  func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) },
			wantCode: status.Busy,
		},
		"not found": {
			handler:  http.NotFound,
			wantCode: status.BackendServerError,
		},
		"internal error": {
			handler:  func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
			wantCode: status.BackendServerError,
		},
		"oversized": {
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write(make([]byte, maxResponseSize+1))
			},
			wantCode: status.MsgError,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			client, err := New(server.URL, 0, discardLogger())
			require.NoError(err)
			defer client.Close()

			_, err = client.Send(context.Background(), []byte{1})
			assert.Equal(tc.wantCode, status.CodeOf(err))
		})
	}
}

func TestVerifyQuote(t *testing.T) {
	testCases := map[string]struct {
		api        *fakeAPI
		wantStatus verification.QuoteStatus
		wantCode   status.Code
	}{
		"report": {
			api:        &fakeAPI{response: []byte(`{"id":"1","version":4,"isvEnclaveQuoteStatus":"GROUP_OUT_OF_DATE"}`)},
			wantStatus: verification.StatusGroupOutOfDate,
		},
		"malformed report": {
			api:      &fakeAPI{response: []byte(`{"id":`)},
			wantCode: status.MsgError,
		},
		"backend error": {
			api:      &fakeAPI{err: status.New(status.BackendServerError, "400 Bad Request")},
			wantCode: status.BackendServerError,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			base, err := url.Parse("https://backend.example/api")
			require.NoError(t, err)
			client := &Client{api: tc.api, base: base, log: discardLogger()}

			report, err := client.VerifyQuote(context.Background(), []byte{1}, "")
			assert.Equal(http.MethodPost, tc.api.method)
			assert.Equal("https://backend.example/api/attestation/v1/report", tc.api.uri)
			if tc.wantCode != status.Success {
				assert.Equal(tc.wantCode, status.CodeOf(err))
				return
			}
			assert.NoError(err)
			assert.Equal(tc.wantStatus, report.ISVEnclaveQuoteStatus)
		})
	}
}

func TestUnreachableBackend(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	serverURL := server.URL
	server.Close()

	client, err := New(serverURL, 0, discardLogger())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Send(context.Background(), []byte{1})
	assert.ErrorIs(t, err, status.ErrNetwork)
}

type fakeAPI struct {
	response []byte
	err      error
	method   string
	uri      string
}

func (f *fakeAPI) do(_ context.Context, method string, uri *url.URL, _ []byte, _ string) ([]byte, error) {
	f.method = method
	f.uri = uri.String()
	return f.response, f.err
}
