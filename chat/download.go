package chat

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// MaxAttachmentBytes caps a single downloaded attachment
const MaxAttachmentBytes = 32 * 1024 * 1024

// Downloader fetches attachments over HTTP
type Downloader struct {
	client *http.Client
}

// NewDownloader creates a Downloader. A nil client uses a client with a
// one minute timeout.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: time.Minute}
	}
	return &Downloader{client: client}
}

// Download writes the content at url to path
func (d *Downloader) Download(ctx context.Context, url, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: status %d", url, resp.StatusCode)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(resp.Body, MaxAttachmentBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if n > MaxAttachmentBytes {
		_ = os.Remove(path)
		return fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentBytes)
	}
	return nil
}
