package config

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgelesssys/go-sgx-epid/backend/backendsim"
	"github.com/edgelesssys/go-sgx-epid/blobstore"
	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "epidd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoad(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	trust, err := backendsim.NewTrust(rand.Reader, 0)
	require.NoError(err)
	rootKey := crypto.MarshalECDSAPublicKey(&trust.RootKey.PublicKey)
	xegb := trust.XEGB.Marshal()

	path := writeConfig(t, `
[service]
socket = "/tmp/aesm.socket"
debug = true

[log]
json = true

[backend]
url = "https://provisioning.example/api"
backoff = "500ms"
fmsp = "00010203"

[store]
kind = "vault"
[store.vault]
address = "http://127.0.0.1:8200"
token = "root"
path = "platforms/1"

[trust]
root_key = "`+hex.EncodeToString(rootKey[:])+`"
default_xegb = "`+hex.EncodeToString(xegb[:])+`"

[platform]
seed = "`+hex.EncodeToString(make([]byte, 32))+`"
cpu_svn = "0202"
`)
	cfg, err := Load(path)
	require.NoError(err)

	assert.Equal("/tmp/aesm.socket", cfg.Service.Socket)
	assert.True(cfg.Service.Debug)
	assert.True(cfg.Log.JSON)
	// defaults survive
	assert.Equal("127.0.0.1:8090", cfg.Service.AdminAddr)
	assert.Equal(3, cfg.Backend.Retries)
	assert.Equal(500*time.Millisecond, cfg.Backend.Backoff)
	assert.Equal("secret", cfg.Store.Vault.Mount)
	assert.Equal("root", cfg.Store.Vault.Token)

	key, err := cfg.RootKey()
	require.NoError(err)
	assert.True(trust.RootKey.PublicKey.Equal(key))
	defaultXEGB, err := cfg.DefaultXEGB()
	require.NoError(err)
	assert.Equal(trust.XEGB, defaultXEGB)
	fmsp, err := cfg.FMSP()
	require.NoError(err)
	assert.Equal([4]byte{0, 1, 2, 3}, fmsp)
	cpuSVN, err := cfg.CPUSVN()
	require.NoError(err)
	assert.Equal([16]byte{2, 2}, cpuSVN)
}

func TestLoadErrors(t *testing.T) {
	testCases := map[string]string{
		"syntax":            "[service\n",
		"unknown key":       "[service]\nsocket_path = \"/tmp/x\"\n",
		"wrong type":        "[backend]\nretries = \"three\"\n",
		"no root key":       "[backend]\nurl = \"https://provisioning.example\"\n",
		"bad backend url":   "[backend]\nurl = \"provisioning.example\"\n",
		"unknown store":     "[store]\nkind = \"etcd\"\n",
		"empty vault":       "[store]\nkind = \"vault\"\n",
		"s3 without bucket": "[store]\nkind = \"s3\"\n",
		"hardware platform": "[platform]\nmode = \"sgx\"\n",
		"short seed":        "[platform]\nseed = \"0011\"\n",
		"bad cpu svn":       "[platform]\ncpu_svn = \"zz\"\n",
		"bad fmsp":          "[backend]\nfmsp = \"0001\"\n",
		"bad xegb":          "[backend]\nxegb = \"00\"\n",
		"negative retries":  "[backend]\nretries = -1\n",
		"missing file":      "",
	}

	for name, content := range testCases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "missing.toml")
			if content != "" {
				path = writeConfig(t, content)
			}
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestRootKeyNotOnCurve(t *testing.T) {
	cfg := Default()
	cfg.Trust.RootKey = hex.EncodeToString(append(make([]byte, 63), 1))
	_, err := cfg.RootKey()
	assert.Error(t, err)
}

func TestYAMLOmitsSecrets(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	cfg := Default()
	cfg.Store.Kind = blobstore.KindS3
	cfg.Store.S3 = blobstore.S3Config{Bucket: "blobs", AccessKey: "AKIA", SecretKey: "hunter2"}
	cfg.Store.Vault.Token = "vault-token"
	cfg.Platform.Seed = hex.EncodeToString(make([]byte, 32))

	out, err := cfg.YAML()
	require.NoError(err)
	assert.NotContains(string(out), "hunter2")
	assert.NotContains(string(out), "AKIA")
	assert.NotContains(string(out), "vault-token")

	var decoded map[string]any
	require.NoError(yaml.Unmarshal(out, &decoded))
	store := decoded["store"].(map[string]any)
	assert.Equal("s3", store["kind"])
	service := decoded["service"].(map[string]any)
	assert.Equal("45s", service["drain"])
	platform := decoded["platform"].(map[string]any)
	assert.NotContains(platform, "seed")
}

func TestLoggingOpts(t *testing.T) {
	assert := assert.New(t)
	cfg := Default()
	assert.Nil(cfg.LoggingOpts().File)

	cfg.Log.File = "/var/log/epidd.log"
	opts := cfg.LoggingOpts()
	assert.Equal("epidd", opts.Service)
	if assert.NotNil(opts.File) {
		assert.Equal("/var/log/epidd.log", opts.File.Path)
		assert.Equal(100, opts.File.MaxSizeMB)
	}
}
