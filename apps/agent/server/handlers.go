package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"time"

	"github.com/lobinuxsoft/filerelay/internal/forwarder"
	"github.com/lobinuxsoft/filerelay/pkg/protocol"
	"github.com/lobinuxsoft/filerelay/pkg/transfer"
)

// handleAuth implements C4: the first frame on a new connection. Failure
// closes the connection per spec's fatal-error policy.
func (ws *WSServer) handleAuth(wc *wsConn, env *protocol.Envelope) {
	var f protocol.AuthFrame
	if err := env.Decode(&f); err != nil {
		ws.sendError(wc, "", protocol.WSErrCodeBadRequest, "invalid auth frame")
		return
	}

	if _, err := ws.srv.gate.Authenticate(context.Background(), wc, f.Token); err != nil {
		ws.sendError(wc, "", protocol.WSErrCodeUnauthorized, "authentication failed")
		wc.conn.Close()
		return
	}
}

// handleStart implements C3's start transition: allocate or adopt a
// session and reply with the offset the client should resume from.
func (ws *WSServer) handleStart(wc *wsConn, env *protocol.Envelope) {
	var f protocol.StartFrame
	if err := env.Decode(&f); err != nil {
		ws.sendError(wc, env.FileID, protocol.WSErrCodeBadRequest, "invalid start frame")
		return
	}

	sess, err := ws.srv.store.GetOrCreateUpload(wc, f.FileID, f.FileName, f.FileSize, f.FolderID)
	if err != nil {
		ws.sendError(wc, f.FileID, uploadErrCode(err), err.Error())
		return
	}

	// A session paused by a disconnect (or an explicit pause) becomes
	// active again when its owner starts it, so the client can send chunks
	// from the acknowledged offset.
	if sess.Get().Status == transfer.StatusPaused {
		sess.SetStatus(transfer.StatusActive)
	}

	snap := sess.Get()
	ws.send(wc, protocol.StartAck{Event: protocol.EventStartAck, FileID: f.FileID, Offset: snap.BytesReceived})
}

// handleChunk implements C3's chunk transition: offset reconciliation,
// append, throttled progress, and the hand-off to the forwarder once the
// file is complete.
func (ws *WSServer) handleChunk(wc *wsConn, env *protocol.Envelope) {
	var f protocol.ChunkFrame
	if err := env.Decode(&f); err != nil {
		ws.sendError(wc, env.FileID, protocol.WSErrCodeBadRequest, "invalid chunk frame")
		return
	}

	sess, ok := ws.srv.store.Upload(f.FileID)
	if !ok {
		ws.sendError(wc, f.FileID, protocol.WSErrCodeNotFound, "session not found")
		return
	}
	if !ws.ownsUpload(wc, sess) {
		ws.sendError(wc, f.FileID, protocol.WSErrCodeUnauthorized, "not the session owner")
		return
	}
	if sess.Get().Status != transfer.StatusActive {
		ws.sendError(wc, f.FileID, protocol.WSErrCodeConflict, "upload is not active")
		return
	}

	data, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		ws.sendError(wc, f.FileID, protocol.WSErrCodeBadRequest, "invalid chunk data")
		return
	}

	sess.WriteLock.Lock()
	defer sess.WriteLock.Unlock()

	snap := sess.Get()
	if f.Offset != snap.BytesReceived {
		ws.send(wc, protocol.OffsetMismatchEvent{Event: protocol.EventOffsetMismatch, FileID: f.FileID, Expected: snap.BytesReceived})
		return
	}

	if err := transfer.AppendChunk(sess.TempPath, data); err != nil {
		sess.SetStatus(transfer.StatusError)
		log.Printf("WS: append failed for %s: %v", f.FileID, err)
		ws.sendError(wc, f.FileID, protocol.WSErrCodeInternal, "storage error")
		return
	}

	received := sess.AddBytes(int64(len(data)))
	final := snap.FileSize > 0 && received >= snap.FileSize

	if final || sess.ShouldEmitProgress(time.Now().UnixNano(), int64(protocol.ProgressThrottle)) {
		var percent float64
		if snap.FileSize > 0 {
			percent = float64(received) / float64(snap.FileSize) * 100
		}
		ws.send(wc, protocol.ProgressEvent{Event: protocol.EventProgress, FileID: f.FileID, Offset: received, Percent: percent})
	}

	if final {
		sess.SetStatus(transfer.StatusUploading)
		ws.forward(wc, sess)
	}
}

// handlePause implements C3's pause transition.
func (ws *WSServer) handlePause(wc *wsConn, env *protocol.Envelope) {
	sess, f, ok := ws.lookupControlled(wc, env)
	if !ok {
		return
	}
	sess.SetStatus(transfer.StatusPaused)
	ws.send(wc, protocol.SessionAck{Event: protocol.EventPauseAck, FileID: f.FileID, Offset: sess.Get().BytesReceived})
}

// handleResume implements C3's resume transition.
func (ws *WSServer) handleResume(wc *wsConn, env *protocol.Envelope) {
	sess, f, ok := ws.lookupControlled(wc, env)
	if !ok {
		return
	}
	sess.SetStatus(transfer.StatusActive)
	ws.send(wc, protocol.SessionAck{Event: protocol.EventResumeAck, FileID: f.FileID, Offset: sess.Get().BytesReceived})
}

// handleStop implements C3's stop transition: irrevocable, deletes the
// staging file and the session record.
func (ws *WSServer) handleStop(wc *wsConn, env *protocol.Envelope) {
	sess, f, ok := ws.lookupControlled(wc, env)
	if !ok {
		return
	}
	if err := transfer.DeleteStaging(sess.TempPath); err != nil {
		log.Printf("WS: failed to delete staging file for %s: %v", f.FileID, err)
	}
	ws.srv.store.RemoveUpload(f.FileID)
	ws.send(wc, protocol.SessionAck{Event: protocol.EventStopAck, FileID: f.FileID})
}

// handleComplete re-attempts the forwarder for a session whose bytes are
// already fully received — the retry path for TransientForwardFailure
// (spec's open question on the complete action).
func (ws *WSServer) handleComplete(wc *wsConn, env *protocol.Envelope) {
	sess, _, ok := ws.lookupControlled(wc, env)
	if !ok {
		return
	}
	snap := sess.Get()
	if snap.BytesReceived < snap.FileSize {
		ws.sendError(wc, sess.FileID, protocol.WSErrCodeConflict, "upload incomplete")
		return
	}
	sess.SetStatus(transfer.StatusUploading)
	ws.forward(wc, sess)
}

// lookupControlled decodes a SessionControlFrame and resolves + authorizes
// the referenced session, replying with the appropriate error on failure.
func (ws *WSServer) lookupControlled(wc *wsConn, env *protocol.Envelope) (*transfer.UploadSession, protocol.SessionControlFrame, bool) {
	var f protocol.SessionControlFrame
	if err := env.Decode(&f); err != nil {
		ws.sendError(wc, env.FileID, protocol.WSErrCodeBadRequest, "invalid frame")
		return nil, f, false
	}

	sess, ok := ws.srv.store.Upload(f.FileID)
	if !ok {
		ws.sendError(wc, f.FileID, protocol.WSErrCodeNotFound, "session not found")
		return nil, f, false
	}
	if !ws.ownsUpload(wc, sess) {
		ws.sendError(wc, f.FileID, protocol.WSErrCodeUnauthorized, "not the session owner")
		return nil, f, false
	}
	return sess, f, true
}

func (ws *WSServer) ownsUpload(wc *wsConn, sess *transfer.UploadSession) bool {
	auth, ok := ws.srv.store.AuthOf(wc)
	return ok && sess.OwnedBy(auth.UserID)
}

// forward implements C5's invocation point: stream the completed staging
// file downstream and resolve the session per the response policy.
func (ws *WSServer) forward(wc *wsConn, sess *transfer.UploadSession) {
	snap := sess.Get()
	result, err := ws.srv.forwarder.Forward(context.Background(), forwarder.Request{
		FileID:      sess.FileID,
		FileName:    sess.DeclaredName,
		FileSize:    snap.FileSize,
		FolderID:    sess.FolderID,
		UserToken:   sess.UserToken,
		StagingPath: sess.TempPath,
	})
	if err != nil {
		sess.SetStatus(transfer.StatusError)
		log.Printf("WS: forward failed for %s: %v", sess.FileID, err)
		ws.sendError(wc, sess.FileID, protocol.WSErrCodeInternal, "forward failed: "+err.Error())
		return
	}

	sess.SetStatus(transfer.StatusCompleted)
	if err := transfer.DeleteStaging(sess.TempPath); err != nil {
		log.Printf("WS: failed to delete staging file for %s: %v", sess.FileID, err)
	}
	ws.srv.store.RemoveUpload(sess.FileID)
	ws.send(wc, protocol.CompleteAckEvent{Event: protocol.EventCompleteAck, FileID: sess.FileID, FilePath: result.Path})
}

func uploadErrCode(err error) int {
	switch {
	case errors.Is(err, transfer.ErrAuthRequired):
		return protocol.WSErrCodeUnauthorized
	case errors.Is(err, transfer.ErrNotOwner):
		return protocol.WSErrCodeUnauthorized
	case errors.Is(err, transfer.ErrEmptyName):
		return protocol.WSErrCodeBadRequest
	default:
		return protocol.WSErrCodeInternal
	}
}
