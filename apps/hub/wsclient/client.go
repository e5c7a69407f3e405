// Package wsclient implements the Client Driver (C8): the opposite side of
// the relay's wire protocol, reading a local file and driving it through
// the upload state machine over a WebSocket connection.
package wsclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lobinuxsoft/filerelay/pkg/protocol"
)

// DefaultChunkSize matches the agent's default chunk size.
const DefaultChunkSize = 64 * 1024

// Client drives one upload session against a relay agent: start, then a
// send loop that emits sequential chunks, honors pause, and reconciles
// server-reported offset mismatches.
type Client struct {
	url       string
	token     string
	chunkSize int

	mu      sync.Mutex
	conn    *websocket.Conn
	sendCh  chan []byte
	closeCh chan struct{}
	closed  bool

	gateMu sync.Mutex
	gate   chan struct{} // closed == the send loop may proceed

	offset atomic.Int64

	startAckCh chan int64
	completeCh chan completeResult
}

type completeResult struct {
	filePath string
	err      error
}

// New creates a driver for one relay agent connection. token authenticates
// the connection; chunkSize of 0 uses DefaultChunkSize.
func New(url, token string, chunkSize int) *Client {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	c := &Client{
		url:       url,
		token:     token,
		chunkSize: chunkSize,
		gate:      make(chan struct{}),
	}
	close(c.gate) // active by default
	return c
}

// Connect dials the agent, starts the read and write pumps, and queues the
// auth frame. It does not wait for the pumps to start or for the agent to
// accept the token.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial agent: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.sendCh = make(chan []byte, 256)
	c.closeCh = make(chan struct{})
	c.closed = false
	c.mu.Unlock()

	go c.writePump()
	go c.readPump()

	return c.sendFrame(protocol.AuthFrame{Action: protocol.ActionAuth, Token: c.token})
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// Start requests creation or adoption of an upload session and seeds the
// local send cursor from the server-reported offset.
func (c *Client) Start(ctx context.Context, fileID, fileName string, fileSize int64) (int64, error) {
	c.startAckCh = make(chan int64, 1)
	defer func() { c.startAckCh = nil }()

	if err := c.sendFrame(protocol.StartFrame{
		Action: protocol.ActionStart, FileID: fileID, FileName: fileName, FileSize: fileSize,
	}); err != nil {
		return 0, err
	}

	select {
	case offset := <-c.startAckCh:
		c.offset.Store(offset)
		return offset, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Upload opens path at its current local offset and streams the remainder
// of the file in chunkSize pieces, honoring pause/resume and rewinding on
// offset-mismatch, until the file is fully sent; it then requests
// completion and waits for the forwarder's result.
func (c *Client) Upload(ctx context.Context, fileID string, path string, fileSize int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open local file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, c.chunkSize)
	for c.offset.Load() < fileSize {
		if err := c.awaitRunGate(ctx); err != nil {
			return "", err
		}

		offset := c.offset.Load()
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return "", fmt.Errorf("seek to %d: %w", offset, err)
		}

		n, err := f.Read(buf)
		if n == 0 && err != nil {
			if err == io.EOF {
				break
			}
			return "", fmt.Errorf("read local file: %w", err)
		}

		if err := c.sendFrame(protocol.ChunkFrame{
			Action: protocol.ActionChunk,
			FileID: fileID,
			Offset: offset,
			Data:   base64.StdEncoding.EncodeToString(buf[:n]),
		}); err != nil {
			return "", err
		}

		// Optimistic advance; a later offset-mismatch or progress event
		// (handled by readPump) overwrites this with the authoritative
		// server offset.
		c.offset.Add(int64(n))

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
	}

	c.completeCh = make(chan completeResult, 1)
	defer func() { c.completeCh = nil }()

	if err := c.sendFrame(protocol.SessionControlFrame{Action: protocol.ActionComplete, FileID: fileID}); err != nil {
		return "", err
	}

	select {
	case result := <-c.completeCh:
		return result.filePath, result.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Pause clears the run-gate; the send loop will block before its next
// chunk until Resume is called.
func (c *Client) Pause(fileID string) error {
	c.gateMu.Lock()
	select {
	case <-c.gate:
		c.gate = make(chan struct{})
	default:
	}
	c.gateMu.Unlock()
	return c.sendFrame(protocol.SessionControlFrame{Action: protocol.ActionPause, FileID: fileID})
}

// Resume re-opens the run-gate.
func (c *Client) Resume(fileID string) error {
	c.gateMu.Lock()
	select {
	case <-c.gate:
	default:
		close(c.gate)
	}
	c.gateMu.Unlock()
	return c.sendFrame(protocol.SessionControlFrame{Action: protocol.ActionResume, FileID: fileID})
}

// Stop requests irrevocable cancellation of the session.
func (c *Client) Stop(fileID string) error {
	return c.sendFrame(protocol.SessionControlFrame{Action: protocol.ActionStop, FileID: fileID})
}

func (c *Client) awaitRunGate(ctx context.Context) error {
	c.gateMu.Lock()
	gate := c.gate
	c.gateMu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) sendFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	sendCh := c.sendCh
	c.mu.Unlock()

	sendCh <- data
	return nil
}

func (c *Client) writePump() {
	ticker := time.NewTicker(protocol.WSPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(protocol.WSWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("client: write error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(protocol.WSWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(protocol.WSMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(protocol.WSPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(protocol.WSPongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("client: read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Client) handleFrame(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("client: malformed frame: %v", err)
		return
	}

	switch env.Event {
	case protocol.EventStartAck:
		var ack protocol.StartAck
		if err := env.Decode(&ack); err == nil && c.startAckCh != nil {
			c.startAckCh <- ack.Offset
		}

	case protocol.EventProgress:
		var ev protocol.ProgressEvent
		if err := env.Decode(&ev); err == nil {
			// The server offset is authoritative; overwrite any local
			// optimistic advance.
			c.offset.Store(ev.Offset)
		}

	case protocol.EventOffsetMismatch:
		var ev protocol.OffsetMismatchEvent
		if err := env.Decode(&ev); err == nil {
			c.offset.Store(ev.Expected)
		}

	case protocol.EventCompleteAck:
		var ev protocol.CompleteAckEvent
		if err := env.Decode(&ev); err == nil && c.completeCh != nil {
			c.completeCh <- completeResult{filePath: ev.FilePath}
		}

	case protocol.EventError:
		var ev protocol.ErrorEvent
		if err := env.Decode(&ev); err == nil {
			log.Printf("client: agent error (%d): %s", ev.Code, ev.Error)
			if c.completeCh != nil {
				select {
				case c.completeCh <- completeResult{err: fmt.Errorf("agent error (%d): %s", ev.Code, ev.Error)}:
				default:
				}
			}
		}

	default:
		log.Printf("client: unhandled event %q", env.Event)
	}
}
