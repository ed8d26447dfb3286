package evidence

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
)

// ErrNotFound is returned by Get for an unknown digest.
var ErrNotFound = errors.New("evidence: not found")

// Object locates a stored bundle.
type Object struct {
	Hash     string `json:"hash"`
	Location string `json:"location"`
}

// Sink stores bundles by content digest. Storing the same bytes twice is a
// no-op that returns the same Object.
type Sink interface {
	Put(ctx context.Context, data []byte) (Object, error)
	Get(ctx context.Context, hash string) ([]byte, error)
}

const objectSuffix = ".ndjson"

// objectName maps a "sha256:<hex>" digest to its object name.
func objectName(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil || len(raw) != 64 {
		return "", fmt.Errorf("invalid hash hex: %s", hash)
	}
	return raw + objectSuffix, nil
}

// FileSink writes bundles under a directory.
type FileSink struct {
	dir string
	mu  sync.RWMutex
}

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure evidence dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

func (s *FileSink) Put(_ context.Context, data []byte) (Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := canonicalize.HashBytes(data)
	name, err := objectName(hash)
	if err != nil {
		return Object{}, err
	}
	path := filepath.Join(s.dir, name)
	obj := Object{Hash: hash, Location: path}
	if _, err := os.Stat(path); err == nil {
		return obj, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Object{}, fmt.Errorf("failed to write evidence: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Object{}, fmt.Errorf("failed to commit evidence: %w", err)
	}
	return obj, nil
}

func (s *FileSink) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	name, err := objectName(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	return data, err
}
