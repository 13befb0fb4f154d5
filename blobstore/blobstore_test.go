package blobstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testStore checks the common behavior of all stores.
func testStore(t *testing.T, store Store) {
	t.Helper()
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	_, err := store.Load(ctx)
	assert.ErrorIs(err, ErrNotFound)

	require.NoError(store.Store(ctx, []byte{0x00, 0xFF, 0x10, 0x80}))
	blob, err := store.Load(ctx)
	require.NoError(err)
	assert.Equal([]byte{0x00, 0xFF, 0x10, 0x80}, blob)

	require.NoError(store.Store(ctx, []byte("second")))
	blob, err = store.Load(ctx)
	require.NoError(err)
	assert.Equal([]byte("second"), blob)
	assert.NotEmpty(store.Name())
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "epid.blob")
	store, err := NewFile(path, discardLogger())
	require.NoError(t, err)
	testStore(t, store)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 2) // blob and lock file
}

func TestFileLocked(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	path := filepath.Join(t.TempDir(), "epid.blob")
	store, err := NewFile(path, discardLogger())
	require.NoError(err)

	other := flock.New(path + ".lock")
	require.NoError(other.Lock())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.Error(store.Store(ctx, []byte("blob")))
	_, err = os.Stat(path)
	assert.True(os.IsNotExist(err))

	require.NoError(other.Unlock())
	assert.NoError(store.Store(context.Background(), []byte("blob")))
}

func TestVault(t *testing.T) {
	kv := newFakeVault("/v1/secret/data/epid/blob")
	server := httptest.NewServer(kv)
	defer server.Close()

	store, err := NewVault(VaultConfig{Address: server.URL, Token: "root", Mount: "/secret/", Path: "epid/blob"}, discardLogger())
	require.NoError(t, err)
	testStore(t, store)
	assert.Equal(t, "root", kv.token)
	assert.Equal(t, "vault://"+server.URL+"/secret/epid/blob", store.Name())
}

func TestVaultMalformedSecret(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"data":{"content":"not base64!"}}}`))
	}))
	defer server.Close()

	store, err := NewVault(VaultConfig{Address: server.URL, Mount: "secret", Path: "epid"}, discardLogger())
	require.NoError(t, err)
	_, err = store.Load(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestS3(t *testing.T) {
	bucket := newFakeS3("/epid-bucket/platforms/epid.blob")
	server := httptest.NewServer(bucket)
	defer server.Close()

	store, err := NewS3(S3Config{
		Bucket:    "epid-bucket",
		Key:       "platforms/",
		Region:    "us-east-1",
		Endpoint:  server.URL,
		AccessKey: "access",
		SecretKey: "secret",
	}, discardLogger())
	require.NoError(t, err)
	testStore(t, store)
	assert.Equal(t, "s3://epid-bucket/platforms/epid.blob", store.Name())
}

func TestNew(t *testing.T) {
	testCases := map[string]struct {
		cfg      Config
		wantName string
		wantErr  bool
	}{
		"file": {
			cfg: Config{Kind: KindFile, File: FileConfig{Path: "blob"}},
		},
		"default kind": {
			cfg: Config{File: FileConfig{Path: "blob"}},
		},
		"vault": {
			cfg: Config{Kind: KindVault, Vault: VaultConfig{Address: "http://127.0.0.1:8200", Mount: "secret", Path: "epid"}},
		},
		"vault without path": {
			cfg:     Config{Kind: KindVault, Vault: VaultConfig{Address: "http://127.0.0.1:8200", Mount: "secret"}},
			wantErr: true,
		},
		"s3": {
			cfg: Config{Kind: KindS3, S3: S3Config{Bucket: "bucket", Region: "eu-central-1"}},
		},
		"s3 without bucket": {
			cfg:     Config{Kind: KindS3},
			wantErr: true,
		},
		"unknown kind": {
			cfg:     Config{Kind: "ipfs"},
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			if tc.cfg.File.Path != "" {
				tc.cfg.File.Path = filepath.Join(t.TempDir(), tc.cfg.File.Path)
			}
			store, err := New(tc.cfg, discardLogger())
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.NotNil(t, store)
		})
	}
}

// fakeVault serves one KV v2 secret.
type fakeVault struct {
	path  string
	mu    sync.Mutex
	data  map[string]any
	token string
}

func newFakeVault(path string) *fakeVault {
	return &fakeVault{path: path}
}

func (v *fakeVault) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.token = r.Header.Get("X-Vault-Token")
	if r.URL.Path != v.path {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errors":[]}`))
		return
	}

	switch r.Method {
	case http.MethodGet:
		if v.data == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"data": v.data, "metadata": map[string]any{"version": 1}}})
	case http.MethodPut, http.MethodPost:
		var body struct {
			Data map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		v.data = body.Data
		_, _ = w.Write([]byte(`{"data":{"version":2}}`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// fakeS3 serves one object with path style addressing.
type fakeS3 struct {
	path   string
	mu     sync.Mutex
	object []byte
}

func newFakeS3(path string) *fakeS3 {
	return &fakeS3{path: path}
}

func (s *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	noSuchKey := func() {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
	}
	if r.URL.Path != s.path {
		noSuchKey()
		return
	}

	switch r.Method {
	case http.MethodGet:
		if s.object == nil {
			noSuchKey()
			return
		}
		_, _ = w.Write(s.object)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.object = body
		w.Header().Set("ETag", `"1"`)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
