package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// DefaultFilePath is the location of the blob if none is configured.
const DefaultFilePath = "/var/lib/epidd/epid.blob"

// lockRetryDelay is the delay between attempts to take the lock file.
const lockRetryDelay = 50 * time.Millisecond

// FileConfig configures the file store.
type FileConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// File keeps the blob in a local file. Access is serialized across processes with a lock
// file next to it, and the blob is replaced atomically.
type File struct {
	path string
	lock *flock.Flock
	log  *slog.Logger
}

// NewFile returns a store keeping the blob at path. The directory is created if needed.
func NewFile(path string, log *slog.Logger) (*File, error) {
	if path == "" {
		path = DefaultFilePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating blob directory: %w", err)
	}
	return &File{
		path: path,
		lock: flock.New(path + ".lock"),
		log:  log,
	}, nil
}

// Load reads the blob.
func (f *File) Load(ctx context.Context) ([]byte, error) {
	if _, err := f.lock.TryRLockContext(ctx, lockRetryDelay); err != nil {
		return nil, fmt.Errorf("locking %s: %w", f.lock.Path(), err)
	}
	defer f.unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading EPID blob: %w", err)
	}
	f.log.Debug("Loaded EPID blob", slog.String("path", f.path), slog.Int("size", len(blob)))
	return blob, nil
}

// Store writes the blob to a temporary file and renames it over the old one.
func (f *File) Store(ctx context.Context, blob []byte) error {
	if _, err := f.lock.TryLockContext(ctx, lockRetryDelay); err != nil {
		return fmt.Errorf("locking %s: %w", f.lock.Path(), err)
	}
	defer f.unlock()

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("writing EPID blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing EPID blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing EPID blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replacing EPID blob: %w", err)
	}
	f.log.Debug("Stored EPID blob", slog.String("path", f.path), slog.Int("size", len(blob)))
	return nil
}

// Name returns the location of the blob.
func (f *File) Name() string {
	return "file://" + f.path
}

func (f *File) unlock() {
	if err := f.lock.Unlock(); err != nil {
		f.log.Warn("Releasing lock file failed", slog.String("path", f.lock.Path()), "err", err)
	}
}
