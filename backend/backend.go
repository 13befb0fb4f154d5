/*
Package backend is an HTTP client for an EPID provisioning backend.

The backend exposes three endpoints:

	GET  <base>/provisioning/v1/pek      signed PEK (raw, 452 bytes)
	POST <base>/provisioning/v1/epid     Msg1 or Msg3 in the body, Msg2 or Msg4 in the response
	POST <base>/attestation/v1/report    JSON quote in the body, JSON verification report in the response

Failures to reach the backend are reported as status.NetworkError, overload (HTTP 429/503)
as status.Busy and any other unexpected HTTP status as status.BackendServerError.
*/
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/edgelesssys/go-sgx-epid/status"
	"github.com/edgelesssys/go-sgx-epid/types"
	"github.com/edgelesssys/go-sgx-epid/verification"
)

const (
	// messagePath is the path provisioning messages are posted to.
	messagePath = "provisioning/v1/epid"
	// pekPath is the path of the signed PEK.
	pekPath = "provisioning/v1/pek"
	// reportPath is the path quotes are posted to for verification.
	reportPath = "attestation/v1/report"
	// maxResponseSize bounds the size of a response body.
	maxResponseSize = 1 << 20
	// contentType is the content type of provisioning messages.
	contentType = "application/octet-stream"
	// jsonContentType is the content type of verification requests.
	jsonContentType = "application/json"
)

type backendAPI interface {
	do(ctx context.Context, method string, uri *url.URL, body []byte, bodyType string) ([]byte, error)
}

// Client is a client for a provisioning backend.
type Client struct {
	api  backendAPI
	base *url.URL
	log  *slog.Logger
}

// New returns a client for the backend at baseURL. Requests time out after timeout.
func New(baseURL string, timeout time.Duration, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing backend URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend URL %q: unsupported scheme %q", baseURL, base.Scheme)
	}
	return &Client{
		api:  &httpAPIClient{client: &http.Client{Timeout: timeout}},
		base: base,
		log:  log,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	if api, ok := c.api.(*httpAPIClient); ok {
		api.client.CloseIdleConnections()
	}
}

// PEK retrieves the signed provisioning encryption key. Its signature is checked by the
// provisioning enclave.
func (c *Client) PEK(ctx context.Context) (types.SignedPEK, error) {
	raw, err := c.api.do(ctx, http.MethodGet, c.url(pekPath), nil, "")
	if err != nil {
		return types.SignedPEK{}, fmt.Errorf("getting PEK from backend: %w", err)
	}
	pek, err := types.ParseSignedPEK(raw)
	if err != nil {
		return types.SignedPEK{}, status.Wrap(status.MsgError, err)
	}
	return pek, nil
}

// Send posts a provisioning request and returns the response message.
func (c *Client) Send(ctx context.Context, raw []byte) ([]byte, error) {
	uri := c.url(messagePath)
	c.log.Debug("Sending provisioning message", "url", uri.String(), "size", len(raw))
	resp, err := c.api.do(ctx, http.MethodPost, uri, raw, contentType)
	if err != nil {
		return nil, fmt.Errorf("sending provisioning message: %w", err)
	}
	return resp, nil
}

// VerifyQuote asks the backend to verify a quote. A quote that fails verification is not an
// error; the report's status names the failed check.
func (c *Client) VerifyQuote(ctx context.Context, quote []byte, nonce string) (*verification.Report, error) {
	body, err := json.Marshal(verification.ReportRequest{ISVEnclaveQuote: quote, Nonce: nonce})
	if err != nil {
		return nil, status.Wrap(status.Unexpected, err)
	}
	raw, err := c.api.do(ctx, http.MethodPost, c.url(reportPath), body, jsonContentType)
	if err != nil {
		return nil, fmt.Errorf("verifying quote: %w", err)
	}
	var report verification.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, status.Wrap(status.MsgError, fmt.Errorf("decoding verification report: %w", err))
	}
	return &report, nil
}

func (c *Client) url(requestPath string) *url.URL {
	uri := *c.base
	uri.Path = path.Join("/", c.base.Path, requestPath)
	return &uri
}

type httpAPIClient struct {
	client *http.Client
}

// do sends a request and returns the response body of a successful request.
func (c *httpAPIClient) do(ctx context.Context, method string, uri *url.URL, body []byte, bodyType string) ([]byte, error) {
	var reqBody io.Reader = http.NoBody
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, uri.String(), reqBody)
	if err != nil {
		return nil, status.Wrap(status.Unexpected, fmt.Errorf("creating request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", bodyType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, status.Wrap(status.NetworkError, fmt.Errorf("sending request: %w", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// continue
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return nil, status.New(status.Busy, "request failed with status %s", resp.Status)
	default:
		return nil, status.New(status.BackendServerError, "request failed with status %s", resp.Status)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, status.Wrap(status.NetworkError, fmt.Errorf("reading response: %w", err))
	}
	if len(respBody) > maxResponseSize {
		return nil, status.New(status.MsgError, "response exceeds %d bytes", maxResponseSize)
	}
	return respBody, nil
}
