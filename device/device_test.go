package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProbe(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "sgx_enclave")
	assert.NoError(t, os.WriteFile(regular, nil, 0o600))

	testCases := map[string]struct {
		path           string
		wantPresent    bool
		wantAccessible bool
		wantErr        bool
	}{
		"missing": {
			path: filepath.Join(dir, "sgx_provision"),
		},
		"regular file": {
			path:        regular,
			wantPresent: true,
			wantErr:     true,
		},
		"character device": {
			path:           "/dev/null",
			wantPresent:    true,
			wantAccessible: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			status := probe(tc.path)
			assert.Equal(tc.path, status.Path)
			assert.Equal(tc.wantPresent, status.Present)
			assert.Equal(tc.wantAccessible, status.Accessible)
			assert.Equal(tc.wantErr, status.Err != "")
		})
	}
}

func TestReady(t *testing.T) {
	assert := assert.New(t)
	ok := DeviceStatus{Present: true, Accessible: true}
	assert.True(Status{Enclave: ok, Provision: ok}.Ready())
	assert.False(Status{Enclave: ok}.Ready())
	assert.False(Status{Provision: ok}.Ready())
}
