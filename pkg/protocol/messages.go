// Package protocol defines the wire messages exchanged between the relay
// agent and a driver over a WebSocket connection.
package protocol

import (
	"encoding/json"
	"time"
)

// WebSocket timing constants.
const (
	// WSWriteWait is the time allowed to write a message.
	WSWriteWait = 30 * time.Second

	// WSPongWait is the time to wait for a pong response.
	WSPongWait = 15 * time.Second

	// WSPingPeriod is how often to send pings (must be < WSPongWait).
	WSPingPeriod = 5 * time.Second

	// WSMaxMessageSize is the maximum message size in bytes (50MB).
	WSMaxMessageSize = 50 * 1024 * 1024

	// ProgressThrottle is the minimum interval between consecutive progress
	// events for the same session.
	ProgressThrottle = 250 * time.Millisecond
)

// Action identifies a client → server message.
type Action string

const (
	ActionAuth            Action = "auth"
	ActionStart           Action = "start"
	ActionChunk           Action = "chunk"
	ActionPause           Action = "pause"
	ActionResume          Action = "resume"
	ActionStop            Action = "stop"
	ActionComplete        Action = "complete"
	ActionDownloadStart   Action = "download-start"
	ActionDownloadPause   Action = "download-pause"
	ActionDownloadResume  Action = "download-resume"
	ActionDownloadStop    Action = "download-stop"
)

// Event identifies a server → client message.
type Event string

const (
	EventStartAck        Event = "start-ack"
	EventProgress        Event = "progress"
	EventPauseAck        Event = "pause-ack"
	EventResumeAck       Event = "resume-ack"
	EventStopAck         Event = "stop-ack"
	EventOffsetMismatch  Event = "offset-mismatch"
	EventCompleteAck     Event = "complete-ack"
	EventError           Event = "error"
	EventDownloadStartAck Event = "download-start-ack"
	EventDownloadInfo     Event = "download-info"
	EventDownloadProgress Event = "download-progress"
	EventDownloadComplete Event = "download-complete"
	EventDownloadError    Event = "download-error"
)

// WebSocket error codes carried in error events, mirroring HTTP status
// semantics so a driver can branch on class without string matching.
const (
	WSErrCodeBadRequest     = 400
	WSErrCodeUnauthorized   = 401
	WSErrCodeNotFound       = 404
	WSErrCodeConflict       = 409
	WSErrCodeInternal       = 500
	WSErrCodeNotImplemented = 501
)

// Envelope is the raw shape every frame is decoded into before being
// routed: exactly one of Action or Event is populated, with the remaining
// fields held as raw JSON so the handler for that action can decode only
// what it needs.
type Envelope struct {
	Action Action `json:"action,omitempty"`
	Event  Event  `json:"event,omitempty"`

	FileID    string `json:"fileId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	raw json.RawMessage
}

// UnmarshalJSON captures the full frame alongside the discriminator fields
// so Decode can pull out action-specific fields afterward.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*e = Envelope(a)
	e.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Decode unmarshals the full frame into v, which should embed the fields
// specific to this envelope's action or event.
func (e *Envelope) Decode(v any) error {
	if e.raw == nil {
		return nil
	}
	return json.Unmarshal(e.raw, v)
}

// AuthFrame is the client's first frame on a new connection.
type AuthFrame struct {
	Action Action `json:"action"`
	Token  string `json:"token"`
}

// StartFrame requests creation or adoption of an upload session.
type StartFrame struct {
	Action   Action `json:"action"`
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	FolderID string `json:"folderId,omitempty"`
}

// ChunkFrame carries one base64-encoded slice of file bytes.
type ChunkFrame struct {
	Action Action `json:"action"`
	FileID string `json:"fileId"`
	Offset int64  `json:"offset"`
	Data   string `json:"data"`
}

// SessionControlFrame covers pause / resume / stop / complete, which all
// need only the session identifier.
type SessionControlFrame struct {
	Action Action `json:"action"`
	FileID string `json:"fileId"`
}

// DownloadStartFrame requests a new download session.
type DownloadStartFrame struct {
	Action   Action `json:"action"`
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// DownloadControlFrame covers download pause / resume / stop.
type DownloadControlFrame struct {
	Action    Action `json:"action"`
	SessionID string `json:"sessionId"`
}

// StartAck replies to a start request with the offset to resume from.
type StartAck struct {
	Event  Event  `json:"event"`
	FileID string `json:"fileId"`
	Offset int64  `json:"offset"`
}

// ProgressEvent reports bytes received so far.
type ProgressEvent struct {
	Event   Event   `json:"event"`
	FileID  string  `json:"fileId"`
	Offset  int64   `json:"offset"`
	Percent float64 `json:"percent"`
}

// SessionAck replies to pause / resume / stop.
type SessionAck struct {
	Event  Event `json:"event"`
	FileID string `json:"fileId"`
	Offset int64  `json:"offset,omitempty"`
}

// OffsetMismatchEvent tells the client to rewind its send cursor.
type OffsetMismatchEvent struct {
	Event    Event `json:"event"`
	FileID   string `json:"fileId"`
	Expected int64  `json:"expected"`
}

// CompleteAckEvent is sent once the forwarder has accepted the file.
type CompleteAckEvent struct {
	Event    Event  `json:"event"`
	FileID   string `json:"fileId"`
	FilePath string `json:"filePath"`
}

// ErrorEvent reports a recoverable error tied to a session, or a
// connection-wide error when FileID is empty.
type ErrorEvent struct {
	Event  Event  `json:"event"`
	FileID string `json:"fileId,omitempty"`
	Code   int    `json:"code"`
	Error  string `json:"error"`
}

// DownloadStartAckEvent acknowledges a download-start request.
type DownloadStartAckEvent struct {
	Event     Event  `json:"event"`
	SessionID string `json:"sessionId"`
}

// DownloadInfoEvent reports the resolved size and resumability of a
// download once headers have been received.
type DownloadInfoEvent struct {
	Event          Event  `json:"event"`
	SessionID      string `json:"sessionId"`
	TotalSize      int64  `json:"totalSize"`
	SupportsResume bool   `json:"supportsResume"`
}

// DownloadProgressEvent reports bytes downloaded so far.
type DownloadProgressEvent struct {
	Event           Event   `json:"event"`
	SessionID       string  `json:"sessionId"`
	DownloadedBytes int64   `json:"downloadedBytes"`
	TotalSize       int64   `json:"totalSize"`
	Progress        float64 `json:"progress"`
}

// DownloadCompleteEvent reports the final saved path.
type DownloadCompleteEvent struct {
	Event     Event  `json:"event"`
	SessionID string `json:"sessionId"`
	FilePath  string `json:"filePath"`
}

// DownloadErrorEvent reports a download failure.
type DownloadErrorEvent struct {
	Event     Event  `json:"event"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}
