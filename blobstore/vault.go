package blobstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultConfig configures the Vault store.
type VaultConfig struct {
	Address string        `toml:"address" yaml:"address"`
	Token   string        `toml:"token" yaml:"-"`
	Mount   string        `toml:"mount" yaml:"mount"`
	Path    string        `toml:"path" yaml:"path"`
	Timeout time.Duration `toml:"timeout" yaml:"timeout"`
}

// Vault keeps the blob base64 encoded in a KV v2 secret.
type Vault struct {
	client *api.Client
	path   string
	log    *slog.Logger
	name   string
}

// NewVault returns a store for the secret at cfg.Mount/cfg.Path.
func NewVault(cfg VaultConfig, log *slog.Logger) (*Vault, error) {
	if cfg.Mount == "" || cfg.Path == "" {
		return nil, fmt.Errorf("vault mount and path must be set")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	config := api.DefaultConfig()
	config.Address = cfg.Address
	config.HttpClient = &http.Client{Timeout: cfg.Timeout}
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mount := strings.Trim(cfg.Mount, "/")
	path := strings.Trim(cfg.Path, "/")
	return &Vault{
		client: client,
		path:   fmt.Sprintf("%s/data/%s", mount, path),
		log:    log,
		name:   fmt.Sprintf("vault://%s/%s/%s", cfg.Address, mount, path),
	}, nil
}

// Load reads the blob from the secret.
func (v *Vault) Load(ctx context.Context) ([]byte, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s from Vault: %w", v.path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]any)
	if !ok {
		// KV v2 returns a nil data field for deleted versions
		return nil, ErrNotFound
	}
	content, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("secret %s has no content", v.path)
	}
	blob, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, fmt.Errorf("decoding secret %s: %w", v.path, err)
	}
	v.log.Debug("Loaded EPID blob from Vault", slog.String("path", v.path), slog.Int("size", len(blob)))
	return blob, nil
}

// Store writes a new version of the secret.
func (v *Vault) Store(ctx context.Context, blob []byte) error {
	secretData := map[string]any{
		"data": map[string]any{
			"content": base64.StdEncoding.EncodeToString(blob),
		},
	}
	if _, err := v.client.Logical().WriteWithContext(ctx, v.path, secretData); err != nil {
		return fmt.Errorf("writing %s to Vault: %w", v.path, err)
	}
	v.log.Debug("Stored EPID blob in Vault", slog.String("path", v.path), slog.Int("size", len(blob)))
	return nil
}

// Name returns the location of the secret.
func (v *Vault) Name() string {
	return v.name
}
