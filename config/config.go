/*
Package config loads the epidd configuration file.

The file is TOML:

	[service]
	socket = "/var/run/aesmd/aesm.socket"
	admin_addr = "127.0.0.1:8090"

	[backend]
	url = "https://provisioning.example/api"
	retries = 3
	backoff = "2s"

	[store]
	kind = "file"
	[store.file]
	path = "/var/lib/epidd/epid.blob"

	[trust]
	root_key = "<hex X‖Y>"

	[platform]
	mode = "simulator"
	seed = "<hex, 32 bytes>"

Keys left out keep the values of Default. Setting the backend url to "sim" runs an in-process
provisioning backend with a freshly generated key hierarchy, in which case the trust section
is ignored.
*/
package config

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/edgelesssys/go-sgx-epid/aesm"
	"github.com/edgelesssys/go-sgx-epid/blobstore"
	"github.com/edgelesssys/go-sgx-epid/common"
	"github.com/edgelesssys/go-sgx-epid/crypto"
	"github.com/edgelesssys/go-sgx-epid/types"
	"gopkg.in/yaml.v3"
)

// SimulatedBackend is the backend url selecting the in-process backend.
const SimulatedBackend = "sim"

// ModeSimulator runs the enclaves on the software platform.
const ModeSimulator = "simulator"

// Config is the epidd configuration.
type Config struct {
	Service  ServiceConfig    `toml:"service" yaml:"service"`
	Log      LogConfig        `toml:"log" yaml:"log"`
	Backend  BackendConfig    `toml:"backend" yaml:"backend"`
	Store    blobstore.Config `toml:"store" yaml:"store"`
	Trust    TrustConfig      `toml:"trust" yaml:"trust"`
	Platform PlatformConfig   `toml:"platform" yaml:"platform"`
}

// ServiceConfig configures the quoting socket and the admin server.
type ServiceConfig struct {
	Socket string `toml:"socket" yaml:"socket"`
	// AdminAddr is the listen address of the admin HTTP server. Empty disables it.
	AdminAddr string        `toml:"admin_addr" yaml:"admin_addr"`
	Pprof     bool          `toml:"pprof" yaml:"pprof"`
	Drain     time.Duration `toml:"drain" yaml:"drain"`
	// Debug reports detailed error codes to clients.
	Debug bool `toml:"debug" yaml:"debug"`
}

// LogConfig configures logging.
type LogConfig struct {
	JSON       bool   `toml:"json" yaml:"json"`
	Debug      bool   `toml:"debug" yaml:"debug"`
	Service    string `toml:"service" yaml:"service"`
	File       string `toml:"file" yaml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
}

// BackendConfig configures the provisioning backend.
type BackendConfig struct {
	URL     string        `toml:"url" yaml:"url"`
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`
	Retries int           `toml:"retries" yaml:"retries"`
	Backoff time.Duration `toml:"backoff" yaml:"backoff"`
	// XEGB is the hex encoded extended group blob. Empty selects the default XEGB.
	XEGB string `toml:"xegb" yaml:"xegb"`
	// FMSP is the hex encoded FMSP reported in the platform info.
	FMSP string `toml:"fmsp" yaml:"fmsp"`
}

// TrustConfig holds the trust anchors of the provisioning enclave.
type TrustConfig struct {
	// RootKey is the hex encoded X‖Y of the key that signs extended group blobs.
	RootKey string `toml:"root_key" yaml:"root_key"`
	// DefaultXEGB is the hex encoded extended group blob used when none is configured.
	DefaultXEGB string `toml:"default_xegb" yaml:"default_xegb"`
}

// PlatformConfig selects the platform the enclaves run on.
type PlatformConfig struct {
	Mode string `toml:"mode" yaml:"mode"`
	// Seed is the hex encoded fused secret of the simulated platform.
	Seed string `toml:"seed" yaml:"-"`
	// CPUSVN is the hex encoded security version of the simulated platform.
	CPUSVN string `toml:"cpu_svn" yaml:"cpu_svn"`
	PvESVN uint16 `toml:"pve_svn" yaml:"pve_svn"`
	QESVN  uint16 `toml:"qe_svn" yaml:"qe_svn"`
	PCESVN uint16 `toml:"pce_svn" yaml:"pce_svn"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Socket:    aesm.DefaultSocket,
			AdminAddr: "127.0.0.1:8090",
			Drain:     45 * time.Second,
		},
		Log: LogConfig{
			Service:    common.PackageName,
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Backend: BackendConfig{
			URL:     SimulatedBackend,
			Timeout: 30 * time.Second,
			Retries: 3,
			Backoff: 2 * time.Second,
		},
		Store: blobstore.Config{
			Kind: blobstore.KindFile,
			File: blobstore.FileConfig{Path: blobstore.DefaultFilePath},
			Vault: blobstore.VaultConfig{
				Mount:   "secret",
				Path:    "epidd/blob",
				Timeout: 10 * time.Second,
			},
		},
		Platform: PlatformConfig{
			Mode:   ModeSimulator,
			PvESVN: 6,
			QESVN:  6,
			PCESVN: 9,
		},
	}
}

// Load reads the configuration file at path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is complete and well-formed.
func (c *Config) Validate() error {
	var errs []error
	if c.Service.Socket == "" {
		errs = append(errs, errors.New("service.socket is empty"))
	}
	if c.Backend.Retries < 0 {
		errs = append(errs, fmt.Errorf("backend.retries is negative: %d", c.Backend.Retries))
	}
	if c.Backend.URL != SimulatedBackend {
		if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("backend.url %q is neither %q nor an http(s) URL", c.Backend.URL, SimulatedBackend))
		}
		if _, err := c.RootKey(); err != nil {
			errs = append(errs, err)
		}
		if _, err := c.DefaultXEGB(); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := c.XEGB(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.FMSP(); err != nil {
		errs = append(errs, err)
	}
	switch c.Store.Kind {
	case blobstore.KindFile:
		if c.Store.File.Path == "" {
			errs = append(errs, errors.New("store.file.path is empty"))
		}
	case blobstore.KindVault:
		if c.Store.Vault.Address == "" || c.Store.Vault.Path == "" {
			errs = append(errs, errors.New("store.vault needs address and path"))
		}
	case blobstore.KindS3:
		if c.Store.S3.Bucket == "" {
			errs = append(errs, errors.New("store.s3.bucket is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind %q is not one of file, vault, s3", c.Store.Kind))
	}
	if c.Platform.Mode != ModeSimulator {
		errs = append(errs, fmt.Errorf("platform.mode %q is not supported", c.Platform.Mode))
	}
	if _, err := c.PlatformSeed(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.CPUSVN(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RootKey returns the key that signs extended group blobs.
func (c *Config) RootKey() (*ecdsa.PublicKey, error) {
	raw, err := decodeHex("trust.root_key", c.Trust.RootKey, 64)
	if err != nil {
		return nil, err
	}
	key := crypto.BuildECDSAPublicKey([64]byte(raw))
	if !key.Curve.IsOnCurve(key.X, key.Y) {
		return nil, errors.New("trust.root_key is not a P-256 point")
	}
	return key, nil
}

// DefaultXEGB returns the extended group blob the provisioning enclave falls back to.
func (c *Config) DefaultXEGB() (types.XEGB, error) {
	return parseXEGB("trust.default_xegb", c.Trust.DefaultXEGB, true)
}

// XEGB returns the extended group blob passed to the provisioning enclave. It is zero if
// none is configured.
func (c *Config) XEGB() (types.XEGB, error) {
	return parseXEGB("backend.xegb", c.Backend.XEGB, false)
}

// FMSP returns the FMSP reported in the platform info.
func (c *Config) FMSP() ([4]byte, error) {
	if c.Backend.FMSP == "" {
		return [4]byte{}, nil
	}
	raw, err := decodeHex("backend.fmsp", c.Backend.FMSP, 4)
	if err != nil {
		return [4]byte{}, err
	}
	return [4]byte(raw), nil
}

// PlatformSeed returns the fused secret of the simulated platform. An empty seed yields the
// zero seed, which is only suitable for development.
func (c *Config) PlatformSeed() ([32]byte, error) {
	if c.Platform.Seed == "" {
		return [32]byte{}, nil
	}
	raw, err := decodeHex("platform.seed", c.Platform.Seed, 32)
	if err != nil {
		return [32]byte{}, err
	}
	return [32]byte(raw), nil
}

// CPUSVN returns the security version of the simulated platform.
func (c *Config) CPUSVN() ([16]byte, error) {
	if c.Platform.CPUSVN == "" {
		return [16]byte{}, nil
	}
	raw, err := decodeHex("platform.cpu_svn", c.Platform.CPUSVN, 16)
	if err != nil {
		return [16]byte{}, err
	}
	return [16]byte(raw), nil
}

// LoggingOpts returns the logger options of the configuration.
func (c *Config) LoggingOpts() *common.LoggingOpts {
	opts := &common.LoggingOpts{
		Debug:   c.Log.Debug,
		JSON:    c.Log.JSON,
		Service: c.Log.Service,
		Version: common.Version,
	}
	if c.Log.File != "" {
		opts.File = &common.FileOpts{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
		}
	}
	return opts
}

// YAML returns the configuration as YAML. Secrets are left out.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("encoding configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func parseXEGB(key, value string, required bool) (types.XEGB, error) {
	if value == "" {
		if required {
			return types.XEGB{}, fmt.Errorf("%s is empty", key)
		}
		return types.XEGB{}, nil
	}
	raw, err := decodeHex(key, value, types.XEGBSize)
	if err != nil {
		return types.XEGB{}, err
	}
	xegb, err := types.ParseXEGB(raw)
	if err != nil {
		return types.XEGB{}, fmt.Errorf("%s: %w", key, err)
	}
	return xegb, nil
}

func decodeHex(key, value string, size int) ([]byte, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("%s has %d bytes, expected %d", key, len(raw), size)
	}
	return raw, nil
}
