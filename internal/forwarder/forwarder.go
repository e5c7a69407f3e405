// Package forwarder implements the Remote Forwarder: streaming a completed
// staging file to the downstream HTTP receiver once an upload session
// reaches file_size.
package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Config configures the Forwarder's HTTP transport.
type Config struct {
	// UploadURL is the downstream artifact receiver.
	UploadURL string
	// Timeout bounds the whole request; spec recommends 300s total.
	Timeout time.Duration
	// ConnectTimeout bounds the dial+TLS handshake; spec recommends 30s.
	ConnectTimeout time.Duration
	// AgentToken identifies this agent to the downstream receiver,
	// separately from the per-session UserToken. Empty means the receiver
	// doesn't require one.
	AgentToken string
}

// Result is the downstream receiver's acknowledgment on success.
type Result struct {
	Success bool   `json:"success"`
	FileID  string `json:"file_id"`
	Path    string `json:"path"`
}

// Forwarder streams a staging file to the configured downstream receiver.
type Forwarder struct {
	cfg    Config
	client *http.Client
}

// New creates a Forwarder. A zero Timeout/ConnectTimeout fall back to the
// spec's recommended defaults.
func New(cfg Config) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &Forwarder{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
			},
		},
	}
}

// Request describes the metadata annotated onto the forwarding POST.
type Request struct {
	FileID      string
	FileName    string // original, unsanitized client-declared name
	FileSize    int64
	FolderID    string // optional
	UserToken   string
	StagingPath string
}

// Forward streams the staging file as the body of a single HTTP POST to
// the configured destination. Any non-2xx response or transport error is
// returned as an error; the caller is responsible for retaining the
// staging file on failure per spec's TransientForwardFailure policy.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Result, error) {
	file, err := os.Open(req.StagingPath)
	if err != nil {
		return nil, fmt.Errorf("open staging file: %w", err)
	}
	defer file.Close()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.UploadURL, file)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.ContentLength = req.FileSize
	httpReq.Header.Set("X-File-Name", req.FileName)
	httpReq.Header.Set("X-File-Size", strconv.FormatInt(req.FileSize, 10))
	httpReq.Header.Set("X-File-ID", req.FileID)
	httpReq.Header.Set("Authorization", "Bearer "+req.UserToken)
	if f.cfg.AgentToken != "" {
		httpReq.Header.Set("X-Relay-Token", f.cfg.AgentToken)
	}
	if req.FolderID != "" {
		httpReq.Header.Set("X-Folder-ID", req.FolderID)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("forward request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("downstream receiver returned %s", resp.Status)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode receiver response: %w", err)
	}
	return &result, nil
}
