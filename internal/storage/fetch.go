package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Fetcher reads media by URL: http(s) with retries, file:// URLs, plain paths,
// and URLs handed out by a Local store.
type Fetcher struct {
	client *http.Client
	local  *Local
	logger zerolog.Logger
}

// NewFetcher builds a Fetcher. local may be nil.
func NewFetcher(local *Local, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: downloadTimeout},
		local:  local,
		logger: logger.With().Str("component", "fetch").Logger(),
	}
}

// Fetch returns the content and content type at rawURL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	var buf bytes.Buffer
	contentType, err := f.copy(ctx, rawURL, &buf)
	if err != nil {
		return nil, "", err
	}
	if contentType == "" {
		contentType = http.DetectContentType(buf.Bytes())
	}
	return buf.Bytes(), contentType, nil
}

// DownloadTo streams rawURL into dest.
func (f *Fetcher) DownloadTo(ctx context.Context, rawURL, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create download dir: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	if _, err := f.copy(ctx, rawURL, out); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	return out.Close()
}

func (f *Fetcher) copy(ctx context.Context, rawURL string, w io.Writer) (string, error) {
	if p, ok := f.localPath(rawURL); ok {
		file, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", rawURL, err)
		}
		defer file.Close()
		if _, err := io.Copy(w, file); err != nil {
			return "", fmt.Errorf("failed to read %s: %w", rawURL, err)
		}
		return mime.TypeByExtension(filepath.Ext(p)), nil
	}
	return f.httpCopy(ctx, rawURL, w)
}

func (f *Fetcher) localPath(rawURL string) (string, bool) {
	if f.local != nil {
		if p, ok := f.local.Resolve(rawURL); ok {
			return p, true
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	switch u.Scheme {
	case "file":
		return filepath.FromSlash(u.Path), true
	case "":
		return rawURL, true
	}
	return "", false
}

// httpCopy GETs rawURL, retrying network errors and retryable statuses as
// long as nothing has been written to w yet.
func (f *Fetcher) httpCopy(ctx context.Context, rawURL string, w io.Writer) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			f.logger.Warn().Err(lastErr).Str("url", rawURL).Int("attempt", attempt).Msg("retrying download")
			if err := waitRetry(ctx, attempt); err != nil {
				return "", fmt.Errorf("download cancelled: %w", err)
			}
		}

		contentType, retry, err := f.get(ctx, rawURL, w)
		if err == nil {
			return contentType, nil
		}
		lastErr = err
		if !retry {
			return "", err
		}
	}
	return "", fmt.Errorf("download failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (f *Fetcher) get(ctx context.Context, rawURL string, w io.Writer) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", isRetryableError(err), fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", isRetryableStatus(resp.StatusCode), fmt.Errorf("download of %s failed with status %d: %s", rawURL, resp.StatusCode, truncate(string(body), 200))
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", rawURL, err)
	}
	return resp.Header.Get("Content-Type"), false, nil
}
