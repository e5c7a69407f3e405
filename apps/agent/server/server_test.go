package server

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lobinuxsoft/filerelay/internal/auth"
	"github.com/lobinuxsoft/filerelay/internal/config"
	"github.com/lobinuxsoft/filerelay/pkg/protocol"
)

// testAgent wires a Server the same way main.go does, but against an
// httptest.Server and a forwarder pointed at a fake downstream receiver.
type testAgent struct {
	srv     *Server
	ts      *httptest.Server
	wsURL   string
	staging string
}

func newTestAgent(t *testing.T, uploadURL string) *testAgent {
	t.Helper()

	staging := t.TempDir()
	cfg := config.Config{
		RemoteUploadURL: uploadURL,
		StagingDir:      staging,
		ChunkSize:       65536,
	}

	users := auth.NewMemoryStore()
	users.Grant("tok-1", "alice")
	users.Grant("tok-2", "bob")

	srv, err := New(cfg, users)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.ws.HandleWS)
	ts := httptest.NewServer(mux)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	return &testAgent{srv: srv, ts: ts, wsURL: wsURL, staging: staging}
}

func (a *testAgent) close() {
	a.ts.Close()
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(wsURL)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

// readEvent reads frames until one with the given event name arrives, or
// fails the test after a short deadline.
func readEvent(t *testing.T, conn *websocket.Conn, want protocol.Event) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage() error = %v, waiting for event %q", err, want)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if env.Event == want {
			return env
		}
	}
}

func fakeReceiver(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fileID := r.Header.Get("X-File-ID")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"file_id": fileID,
			"path":    "/store/" + fileID,
		})
	}))
}

func TestUploadEndToEnd(t *testing.T) {
	receiver := fakeReceiver(t)
	defer receiver.Close()

	agent := newTestAgent(t, receiver.URL)
	defer agent.close()

	conn := dial(t, agent.wsURL)
	defer conn.Close()

	sendJSON(t, conn, protocol.AuthFrame{Action: protocol.ActionAuth, Token: "tok-1"})

	content := []byte("hello relay world")
	sendJSON(t, conn, protocol.StartFrame{
		Action: protocol.ActionStart, FileID: "f1", FileName: "notes.txt", FileSize: int64(len(content)),
	})
	ack := readEvent(t, conn, protocol.EventStartAck)
	var startAck protocol.StartAck
	if err := ack.Decode(&startAck); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if startAck.Offset != 0 {
		t.Fatalf("Offset = %d, want 0", startAck.Offset)
	}

	sendJSON(t, conn, protocol.ChunkFrame{
		Action: protocol.ActionChunk, FileID: "f1", Offset: 0, Data: base64.StdEncoding.EncodeToString(content),
	})

	complete := readEvent(t, conn, protocol.EventCompleteAck)
	var ca protocol.CompleteAckEvent
	if err := complete.Decode(&ca); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ca.FilePath != "/store/f1" {
		t.Errorf("FilePath = %q, want /store/f1", ca.FilePath)
	}

	if _, ok := agent.srv.store.Upload("f1"); ok {
		t.Error("session should be removed from the store after completion")
	}

	entries, err := os.ReadDir(agent.staging)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("staging dir has %d entries, want 0 after completion", len(entries))
	}
}

func TestChunkOffsetMismatchReconciles(t *testing.T) {
	receiver := fakeReceiver(t)
	defer receiver.Close()

	agent := newTestAgent(t, receiver.URL)
	defer agent.close()

	conn := dial(t, agent.wsURL)
	defer conn.Close()

	sendJSON(t, conn, protocol.AuthFrame{Action: protocol.ActionAuth, Token: "tok-1"})

	content := []byte("0123456789")
	sendJSON(t, conn, protocol.StartFrame{Action: protocol.ActionStart, FileID: "f2", FileName: "a.bin", FileSize: int64(len(content))})
	readEvent(t, conn, protocol.EventStartAck)

	// Send a chunk at the wrong offset; expect the server to reject it and
	// report the offset it actually expects.
	sendJSON(t, conn, protocol.ChunkFrame{
		Action: protocol.ActionChunk, FileID: "f2", Offset: 5, Data: base64.StdEncoding.EncodeToString(content[5:]),
	})
	mismatch := readEvent(t, conn, protocol.EventOffsetMismatch)
	var ev protocol.OffsetMismatchEvent
	if err := mismatch.Decode(&ev); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ev.Expected != 0 {
		t.Errorf("Expected = %d, want 0", ev.Expected)
	}
}

func TestChunkRejectedForDifferentOwner(t *testing.T) {
	receiver := fakeReceiver(t)
	defer receiver.Close()

	agent := newTestAgent(t, receiver.URL)
	defer agent.close()

	connA := dial(t, agent.wsURL)
	defer connA.Close()
	sendJSON(t, connA, protocol.AuthFrame{Action: protocol.ActionAuth, Token: "tok-1"})
	sendJSON(t, connA, protocol.StartFrame{Action: protocol.ActionStart, FileID: "f3", FileName: "a.bin", FileSize: 10})
	readEvent(t, connA, protocol.EventStartAck)

	connB := dial(t, agent.wsURL)
	defer connB.Close()
	sendJSON(t, connB, protocol.AuthFrame{Action: protocol.ActionAuth, Token: "tok-2"})
	sendJSON(t, connB, protocol.ChunkFrame{Action: protocol.ActionChunk, FileID: "f3", Offset: 0, Data: base64.StdEncoding.EncodeToString([]byte("0123456789"))})

	errEv := readEvent(t, connB, protocol.EventError)
	var ev protocol.ErrorEvent
	if err := errEv.Decode(&ev); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ev.Code != protocol.WSErrCodeUnauthorized {
		t.Errorf("Code = %d, want %d", ev.Code, protocol.WSErrCodeUnauthorized)
	}
}

func TestActionsBeforeAuthAreRejected(t *testing.T) {
	receiver := fakeReceiver(t)
	defer receiver.Close()

	agent := newTestAgent(t, receiver.URL)
	defer agent.close()

	conn := dial(t, agent.wsURL)
	defer conn.Close()

	sendJSON(t, conn, protocol.StartFrame{Action: protocol.ActionStart, FileID: "f4", FileName: "a.bin", FileSize: 10})

	errEv := readEvent(t, conn, protocol.EventError)
	var ev protocol.ErrorEvent
	if err := errEv.Decode(&ev); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ev.Code != protocol.WSErrCodeUnauthorized {
		t.Errorf("Code = %d, want %d", ev.Code, protocol.WSErrCodeUnauthorized)
	}
}

func TestStopDeletesStagingAndSession(t *testing.T) {
	receiver := fakeReceiver(t)
	defer receiver.Close()

	agent := newTestAgent(t, receiver.URL)
	defer agent.close()

	conn := dial(t, agent.wsURL)
	defer conn.Close()

	sendJSON(t, conn, protocol.AuthFrame{Action: protocol.ActionAuth, Token: "tok-1"})
	sendJSON(t, conn, protocol.StartFrame{Action: protocol.ActionStart, FileID: "f5", FileName: "a.bin", FileSize: 10})
	readEvent(t, conn, protocol.EventStartAck)

	sendJSON(t, conn, protocol.SessionControlFrame{Action: protocol.ActionStop, FileID: "f5"})
	readEvent(t, conn, protocol.EventStopAck)

	if _, ok := agent.srv.store.Upload("f5"); ok {
		t.Error("session should be removed after stop")
	}
	entries, err := os.ReadDir(agent.staging)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("staging dir has %d entries, want 0 after stop", len(entries))
	}
}

func TestCompleteRetriesAfterForwardFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)

	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "downstream unavailable", http.StatusServiceUnavailable)
			return
		}
		fileID := r.Header.Get("X-File-ID")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "file_id": fileID, "path": "/store/" + fileID})
	}))
	defer receiver.Close()

	agent := newTestAgent(t, receiver.URL)
	defer agent.close()

	conn := dial(t, agent.wsURL)
	defer conn.Close()

	sendJSON(t, conn, protocol.AuthFrame{Action: protocol.ActionAuth, Token: "tok-1"})

	content := []byte("retry me please")
	sendJSON(t, conn, protocol.StartFrame{Action: protocol.ActionStart, FileID: "f6", FileName: "r.bin", FileSize: int64(len(content))})
	readEvent(t, conn, protocol.EventStartAck)

	sendJSON(t, conn, protocol.ChunkFrame{Action: protocol.ActionChunk, FileID: "f6", Offset: 0, Data: base64.StdEncoding.EncodeToString(content)})
	errEv := readEvent(t, conn, protocol.EventError)
	var ev protocol.ErrorEvent
	if err := errEv.Decode(&ev); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ev.Code != protocol.WSErrCodeInternal {
		t.Errorf("Code = %d, want %d", ev.Code, protocol.WSErrCodeInternal)
	}

	fail.Store(false)
	sendJSON(t, conn, protocol.SessionControlFrame{Action: protocol.ActionComplete, FileID: "f6"})
	readEvent(t, conn, protocol.EventCompleteAck)
}

func TestHealthEndpoint(t *testing.T) {
	receiver := fakeReceiver(t)
	defer receiver.Close()

	agent := newTestAgent(t, receiver.URL)
	defer agent.close()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", agent.srv.handleHealth)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
}
