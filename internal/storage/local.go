package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Local stores objects under a directory. URLs use publicURL as a prefix when
// set, file:// URLs otherwise.
type Local struct {
	root      string
	publicURL string
}

func NewLocal(root, publicURL string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir: %w", err)
	}
	return &Local{root: abs, publicURL: strings.TrimRight(publicURL, "/")}, nil
}

func (l *Local) Root() string {
	return l.root
}

func (l *Local) Upload(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	dest, err := l.path(objectPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", fmt.Errorf("failed to create object dir: %w", err)
	}

	// Write then rename so readers never see a partial object.
	tmp := dest + ".part"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write object %s: %w", objectPath, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to store object %s: %w", objectPath, err)
	}
	return l.URL(objectPath), nil
}

func (l *Local) UploadFile(ctx context.Context, objectPath, localPath, contentType string) (string, error) {
	return uploadFile(ctx, l, objectPath, localPath, contentType)
}

func (l *Local) URL(objectPath string) string {
	if l.publicURL != "" {
		return l.publicURL + "/" + filepath.ToSlash(objectPath)
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(l.root, objectPath))}).String()
}

// Resolve maps a URL this store handed out back to its file.
func (l *Local) Resolve(rawURL string) (string, bool) {
	if l.publicURL != "" && strings.HasPrefix(rawURL, l.publicURL+"/") {
		p, err := l.path(strings.TrimPrefix(rawURL, l.publicURL+"/"))
		return p, err == nil
	}
	if u, err := url.Parse(rawURL); err == nil && u.Scheme == "file" {
		p := filepath.FromSlash(u.Path)
		if rel, err := filepath.Rel(l.root, p); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return p, true
		}
	}
	return "", false
}

func (l *Local) path(objectPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(objectPath))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == ".." {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	return filepath.Join(l.root, clean), nil
}
