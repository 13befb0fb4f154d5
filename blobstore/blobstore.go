/*
Package blobstore persists the sealed EPID blob.

The blob is sealed to the platform, so the stores only need to keep it available: a local
file guarded by a lock file, a HashiCorp Vault KV v2 secret or an S3 object. Each store
holds exactly one blob.
*/
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNotFound is returned by Load if no blob has been stored yet.
var ErrNotFound = errors.New("EPID blob not found")

// Kinds of stores.
const (
	KindFile  = "file"
	KindVault = "vault"
	KindS3    = "s3"
)

// Store persists one sealed EPID blob.
type Store interface {
	// Load returns the stored blob or ErrNotFound.
	Load(ctx context.Context) ([]byte, error)
	// Store replaces the stored blob.
	Store(ctx context.Context, blob []byte) error
	// Name identifies the store in logs.
	Name() string
}

// Config selects and configures a store.
type Config struct {
	Kind  string      `toml:"kind" yaml:"kind"`
	File  FileConfig  `toml:"file" yaml:"file"`
	Vault VaultConfig `toml:"vault" yaml:"vault"`
	S3    S3Config    `toml:"s3" yaml:"s3"`
}

// New creates the store selected by cfg.
func New(cfg Config, log *slog.Logger) (Store, error) {
	var store Store
	var err error
	switch cfg.Kind {
	case KindFile, "":
		store, err = NewFile(cfg.File.Path, log)
	case KindVault:
		store, err = NewVault(cfg.Vault, log)
	case KindS3:
		store, err = NewS3(cfg.S3, log)
	default:
		return nil, fmt.Errorf("unsupported blob store kind %q", cfg.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s blob store: %w", cfg.Kind, err)
	}
	log.Info("Using EPID blob store", slog.String("store", store.Name()))
	return store, nil
}
