// Package blob provides best-effort blob storage for artifact payloads.
// The database artifact row is always authoritative; blob copies exist for
// external consumers (UI download links, rendering inputs).
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Noop discards uploads and returns an empty URL.
type Noop struct{}

func (Noop) Upload(ctx context.Context, key string, data []byte) (string, error) {
	return "", nil
}

// FS writes blobs under a base directory and returns file:// URLs.
// Useful for local runs and tests; a cloud-backed implementation satisfies
// the same interface.
type FS struct {
	Dir string
}

// NewFS creates the base directory if needed.
func NewFS(dir string) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FS{Dir: dir}, nil
}

func (f *FS) Upload(ctx context.Context, key string, data []byte) (string, error) {
	path := filepath.Join(f.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return "file://" + path, nil
}
