package record

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Storage holds exported document binaries.
type Storage interface {
	// Save writes a document payload and returns its storage key.
	Save(name string, data []byte) (string, error)

	// Get retrieves a payload by storage key.
	Get(key string) ([]byte, error)

	// Delete removes a payload.
	Delete(key string) error
}

// LocalStorage implements Storage on the local filesystem.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the base directory if needed.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Save writes data under a sanitized version of name.
func (l *LocalStorage) Save(name string, data []byte) (string, error) {
	key := sanitizeName(name)
	if err := os.WriteFile(filepath.Join(l.basePath, key), data, 0o644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return key, nil
}

// Get retrieves a payload by storage key.
func (l *LocalStorage) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(l.basePath, key))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a payload.
func (l *LocalStorage) Delete(key string) error {
	if err := os.Remove(filepath.Join(l.basePath, key)); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_.]`)
	multiSpace  = regexp.MustCompile(`\s+`)
)

// sanitizeName cleans up phone-generated names: strips special characters,
// collapses whitespace, and truncates the base to a reasonable length.
func sanitizeName(name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(filepath.Base(name), ext)

	base = unsafeChars.ReplaceAllString(base, "")
	base = multiSpace.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "document"
	}

	return base + ext
}
