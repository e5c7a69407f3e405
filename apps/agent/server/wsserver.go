package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lobinuxsoft/filerelay/pkg/protocol"
)

// WSServer upgrades incoming requests to WebSocket connections and routes
// their frames. Any number of connections may be active concurrently; each
// gets its own read/write pump pair and its own Session Store connection
// record.
type WSServer struct {
	srv      *Server
	upgrader websocket.Upgrader
}

// wsConn is one upgraded connection: the Session Store's connection key,
// plus the send channel and close signaling the write pump needs.
type wsConn struct {
	conn    *websocket.Conn
	remote  string
	sendCh  chan []byte
	closeCh chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// NewWSServer creates a router bound to srv's store, gate, forwarder, and
// download engine.
func NewWSServer(srv *Server) *WSServer {
	return &WSServer{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS upgrades the request and starts the connection's pumps.
func (ws *WSServer) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS: upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	wc := &wsConn{
		conn:    conn,
		remote:  r.RemoteAddr,
		sendCh:  make(chan []byte, 256),
		closeCh: make(chan struct{}),
	}
	ws.srv.store.Connection(wc)

	log.Printf("WS: connection from %s", r.RemoteAddr)

	go ws.writePump(wc)
	go ws.readPump(wc)
}

// readPump reads frames off the connection and dispatches them one at a
// time, in arrival order, per the router's single-threaded-per-connection
// contract.
func (ws *WSServer) readPump(wc *wsConn) {
	defer ws.closeConn(wc)

	wc.conn.SetReadLimit(protocol.WSMaxMessageSize)
	wc.conn.SetReadDeadline(time.Now().Add(protocol.WSPongWait))
	wc.conn.SetPongHandler(func(string) error {
		wc.conn.SetReadDeadline(time.Now().Add(protocol.WSPongWait))
		return nil
	})

	for {
		messageType, data, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WS: read error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		ws.handleTextMessage(wc, data)
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with periodic pings.
func (ws *WSServer) writePump(wc *wsConn) {
	ticker := time.NewTicker(protocol.WSPingPeriod)
	defer func() {
		ticker.Stop()
		wc.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-wc.sendCh:
			wc.conn.SetWriteDeadline(time.Now().Add(protocol.WSWriteWait))
			if !ok {
				wc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := wc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("WS: write error: %v", err)
				return
			}

		case <-ticker.C:
			wc.conn.SetWriteDeadline(time.Now().Add(protocol.WSWriteWait))
			if err := wc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-wc.closeCh:
			return
		}
	}
}

// closeConn runs once per connection: it tears down the socket and lets the
// session store pause whatever the connection owned.
func (ws *WSServer) closeConn(wc *wsConn) {
	wc.closeMu.Lock()
	if wc.closed {
		wc.closeMu.Unlock()
		return
	}
	wc.closed = true
	wc.closeMu.Unlock()

	close(wc.closeCh)
	wc.conn.Close()
	ws.srv.store.OnDisconnect(wc)
	log.Printf("WS: disconnected %s", wc.remote)
}

// send marshals v and queues it on the connection's send channel. A full
// channel drops the message rather than blocking the reader.
func (ws *WSServer) send(wc *wsConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("WS: marshal error: %v", err)
		return
	}

	wc.closeMu.Lock()
	closed := wc.closed
	wc.closeMu.Unlock()
	if closed {
		return
	}

	select {
	case wc.sendCh <- data:
	default:
		log.Printf("WS: send buffer full, dropping message")
	}
}

func (ws *WSServer) sendError(wc *wsConn, fileID string, code int, message string) {
	ws.send(wc, protocol.ErrorEvent{Event: protocol.EventError, FileID: fileID, Code: code, Error: message})
}

// handleTextMessage decodes the envelope and dispatches by action.
// Malformed frames are logged and dropped; the connection is preserved.
func (ws *WSServer) handleTextMessage(wc *wsConn, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("WS: malformed frame from %s: %v", wc.remote, err)
		ws.sendError(wc, "", protocol.WSErrCodeBadRequest, "malformed message")
		return
	}

	if ws.srv.cfg.Verbose {
		log.Printf("WS: received action=%s from %s", env.Action, wc.remote)
	}

	if env.Action != protocol.ActionAuth {
		if _, authed := ws.srv.store.AuthOf(wc); !authed {
			ws.sendError(wc, env.FileID, protocol.WSErrCodeUnauthorized, "authentication required")
			return
		}
	}

	switch env.Action {
	case protocol.ActionAuth:
		ws.handleAuth(wc, &env)
	case protocol.ActionStart:
		ws.handleStart(wc, &env)
	case protocol.ActionChunk:
		ws.handleChunk(wc, &env)
	case protocol.ActionPause:
		ws.handlePause(wc, &env)
	case protocol.ActionResume:
		ws.handleResume(wc, &env)
	case protocol.ActionStop:
		ws.handleStop(wc, &env)
	case protocol.ActionComplete:
		ws.handleComplete(wc, &env)
	case protocol.ActionDownloadStart:
		ws.handleDownloadStart(wc, &env)
	case protocol.ActionDownloadPause:
		ws.handleDownloadPause(wc, &env)
	case protocol.ActionDownloadResume:
		ws.handleDownloadResume(wc, &env)
	case protocol.ActionDownloadStop:
		ws.handleDownloadStop(wc, &env)
	default:
		log.Printf("WS: unknown action %q from %s", env.Action, wc.remote)
		ws.sendError(wc, env.FileID, protocol.WSErrCodeNotImplemented, "unknown action")
	}
}
