package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/host-provisioner/interfaces"
)

const sealedSuffix = ".sealed"

// FileBackend implements an escrow backend on a local or mounted directory.
// Each host has one file named after it.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file escrow backend rooted at baseDir.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch returns ErrContentNotFound if the host has no copy.
func (b *FileBackend) Fetch(ctx context.Context, hostname string) ([]byte, error) {
	data, err := os.ReadFile(b.filePath(hostname))
	if errors.Is(err, os.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

func (b *FileBackend) Store(ctx context.Context, hostname string, sealed []byte) error {
	filePath := b.filePath(hostname)
	if err := os.WriteFile(filePath, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	b.log.Debug("Stored escrow copy in file",
		slog.String("path", filePath),
		slog.Int("size", len(sealed)))
	return nil
}

// Available checks if the base directory still exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.baseDir); err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) filePath(hostname string) string {
	return filepath.Join(b.baseDir, hostname+sealedSuffix)
}
