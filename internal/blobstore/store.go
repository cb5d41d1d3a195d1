// Package blobstore persists rendered transcripts as durable blobs.
//
// Keys are derived deterministically from the meeting id, so re-ingesting the
// same transcript overwrites the same blob rather than accumulating copies.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/meetingd/internal/config"
)

var (
	// ErrStorage indicates a backend read or write failure; the caller
	// decides whether to retry.
	ErrStorage = errors.New("blob storage failure")

	// ErrNotFound indicates the requested blob does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrInvalidKey indicates a malformed or traversal-attempting key.
	ErrInvalidKey = errors.New("invalid blob key")
)

// Store is a filesystem-backed transcript blob store.
type Store struct {
	root   string
	logger *zap.Logger
}

// New creates a blob store rooted at cfg.Path, creating the transcripts
// directory if needed.
func New(cfg config.BlobsConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: path required", ErrStorage)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(cfg.Path, "transcripts"), 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating root: %v", ErrStorage, err)
	}
	return &Store{root: cfg.Path, logger: logger}, nil
}

// Key returns the deterministic blob key for a meeting id.
func Key(meetingID string) string {
	return "transcripts/" + sanitize(meetingID) + ".md"
}

// Put writes the rendered transcript for meetingID and returns its blob key.
//
// Put is idempotent: the same meeting id always maps to the same key, and
// writes go through a temp file plus rename so readers never observe a
// partial blob.
func (s *Store) Put(ctx context.Context, meetingID, renderedText string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if meetingID == "" {
		return "", fmt.Errorf("%w: empty meeting id", ErrInvalidKey)
	}

	key := Key(meetingID)
	path := filepath.Join(s.root, filepath.FromSlash(key))

	tmp := path + ".tmp." + uuid.NewString()
	if err := os.WriteFile(tmp, []byte(renderedText), 0o644); err != nil {
		return "", fmt.Errorf("%w: writing %s: %v", ErrStorage, key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: committing %s: %v", ErrStorage, key, err)
	}

	s.logger.Debug("blob written",
		zap.String("key", key),
		zap.Int("bytes", len(renderedText)))
	return key, nil
}

// Get reads the blob stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", fmt.Errorf("%w: reading %s: %v", ErrStorage, key, err)
	}
	return string(data), nil
}

// sanitize maps a meeting id to a safe filename component.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
