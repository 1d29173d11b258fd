// Package images caches image blobs attached to chat turns.
package images

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotFound is returned for unknown references.
var ErrNotFound = errors.New("images: not found")

var refPattern = regexp.MustCompile(`^[A-Za-z0-9\-]+$`)

// Cache stores blobs in a directory, keyed by generated references.
type Cache struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	types map[string]string
}

// NewCache creates dir if needed.
func NewCache(dir string, logger *zap.Logger) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("images: cache dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{dir: dir, logger: logger, types: make(map[string]string)}, nil
}

// Put stores data and returns its reference.
func (c *Cache) Put(data []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	ref := uuid.NewString()
	if err := os.WriteFile(c.path(ref), data, 0o644); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.types[ref] = mimeType
	c.mu.Unlock()
	return ref, nil
}

// Get returns the blob and its mime type.
func (c *Cache) Get(ref string) ([]byte, string, error) {
	if !refPattern.MatchString(ref) {
		return nil, "", ErrNotFound
	}
	data, err := os.ReadFile(c.path(ref))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	c.mu.Lock()
	mimeType, ok := c.types[ref]
	c.mu.Unlock()
	if !ok {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// DataURL renders the blob as a data URL.
func (c *Cache) DataURL(ref string) (string, error) {
	data, mimeType, err := c.Get(ref)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data)), nil
}

// Remove deletes the blob. Unknown references are ignored.
func (c *Cache) Remove(ref string) {
	if !refPattern.MatchString(ref) {
		return
	}
	c.mu.Lock()
	delete(c.types, ref)
	c.mu.Unlock()
	if err := os.Remove(c.path(ref)); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Warn("image remove failed", zap.String("ref", ref), zap.Error(err))
	}
}

// ParseDataURL decodes a base64 data URL into bytes and mime type.
func ParseDataURL(s string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, "", errors.New("images: not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, "", errors.New("images: data url is not base64")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("images: %w", err)
	}
	return data, strings.TrimSuffix(meta, ";base64"), nil
}

func (c *Cache) path(ref string) string {
	return filepath.Join(c.dir, ref+".bin")
}
