// Package download implements the Download Engine (C6): a per-request URL
// fetcher with HTTP Range-based resume, progress reporting, and
// pause/stop semantics.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/lobinuxsoft/filerelay/pkg/transfer"
)

// chunkSize is the read granularity for the response body, matching
// spec.md's 64 KiB figure.
const chunkSize = 64 * 1024

const progressThrottleNanos = int64(250 * time.Millisecond)

// Status is returned by Run to tell the caller why the fetch stopped.
type Status int

const (
	// Completed means the body was read to EOF or downloaded_bytes reached
	// total_size. The temp file stays where it is; the caller moves it
	// into place with Promote.
	Completed Status = iota
	// Paused means the engine observed a pause request at a chunk
	// boundary and exited with the partial file intact.
	Paused
	// Stopped means the engine observed a stop request and exited; the
	// partial file is left for the caller to delete.
	Stopped
)

// Progress is invoked with throttled progress updates; also invoked once
// after the response headers resolve total size / resumability.
type Progress interface {
	OnInfo(totalSize int64, supportsResume bool)
	OnProgress(downloadedBytes, totalSize int64)
}

// StatusSource lets the engine observe cooperative pause/stop requests at
// each chunk boundary without the caller needing to inject a context
// cancellation (which would also have to be un-done on resume).
type StatusSource func() transfer.DownloadStatus

// Engine fetches one DownloadSession's URL with Range-based resume.
type Engine struct {
	client *http.Client
}

// New creates a download Engine using the given HTTP client, or
// http.DefaultClient if nil.
func New(client *http.Client) *Engine {
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{client: client}
}

// Run issues the GET (with Range if session.DownloadedBytes > 0), streams
// the body into session's temp file in 64 KiB chunks, and returns once the
// transfer completes, is paused, is stopped, or fails.
func (e *Engine) Run(ctx context.Context, sess *transfer.DownloadSession, status StatusSource, destDir string, progress Progress) (Status, error) {
	_, downloaded, _ := sess.Get()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sess.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if downloaded > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", downloaded))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", sess.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("unexpected status %s", resp.Status)
	}

	supportsResume := resp.StatusCode == http.StatusPartialContent
	totalSize := int64(0)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			totalSize = n
			if supportsResume {
				totalSize += downloaded
			}
		}
	}
	sess.SetTotalSize(totalSize)
	progress.OnInfo(totalSize, supportsResume)

	f, err := os.OpenFile(sess.TempFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open temp file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		switch status() {
		case transfer.DownloadPaused:
			return Paused, nil
		case transfer.DownloadStopped:
			return Stopped, nil
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return 0, fmt.Errorf("write temp file: %w", err)
			}
			downloaded = sess.AddBytes(int64(n))
			if sess.ShouldEmitProgress(time.Now().UnixNano(), progressThrottleNanos) {
				progress.OnProgress(downloaded, totalSize)
			}
		}
		if readErr == io.EOF {
			progress.OnProgress(downloaded, totalSize)
			return Completed, nil
		}
		if readErr != nil {
			return 0, fmt.Errorf("read response body: %w", readErr)
		}
		if totalSize > 0 && downloaded >= totalSize {
			return Completed, nil
		}
	}
}

// Promote moves the completed temp file into destDir under filename,
// de-duplicating the name if one already exists there.
func Promote(tempPath, destDir, filename string) (string, error) {
	finalPath, err := transfer.PromotePath(destDir, filename)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("promote downloaded file: %w", err)
	}
	return finalPath, nil
}
