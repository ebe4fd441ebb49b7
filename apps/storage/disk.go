package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiskBackend keeps attachments on local disk, served under /uploads
type DiskBackend struct {
	root    string
	baseURL string
}

// NewDiskBackend stores under root. baseURL is the public origin of this
// service; providers fetch attachments from it.
func NewDiskBackend(root, baseURL string) *DiskBackend {
	if root == "" {
		root = "uploads"
	}
	return &DiskBackend{root: root, baseURL: strings.TrimRight(baseURL, "/")}
}

func (b *DiskBackend) Name() string {
	return "disk"
}

func (b *DiskBackend) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	path := filepath.Join(b.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return b.baseURL + "/uploads/" + key, nil
}
