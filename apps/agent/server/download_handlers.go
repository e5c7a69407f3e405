package server

import (
	"context"
	"log"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/lobinuxsoft/filerelay/internal/download"
	"github.com/lobinuxsoft/filerelay/pkg/protocol"
	"github.com/lobinuxsoft/filerelay/pkg/transfer"
)

// handleDownloadStart implements C6's entry point: registers a
// DownloadSession and runs the fetch in the background so the connection
// stays free to service other sessions.
func (ws *WSServer) handleDownloadStart(wc *wsConn, env *protocol.Envelope) {
	var f protocol.DownloadStartFrame
	if err := env.Decode(&f); err != nil {
		ws.sendError(wc, "", protocol.WSErrCodeBadRequest, "invalid download-start frame")
		return
	}

	filename := f.Filename
	if filename == "" {
		filename = filepath.Base(f.URL)
	}
	sanitized, err := transfer.SanitizeName(filename)
	if err != nil {
		ws.sendError(wc, "", protocol.WSErrCodeBadRequest, "invalid filename")
		return
	}

	sessionID := uuid.New().String()
	tempPath := filepath.Join(ws.srv.store.StagingDir(), sessionID+".part")
	sess := ws.srv.store.CreateDownload(sessionID, f.URL, sanitized, tempPath)
	sess.SetStatus(transfer.DownloadActive)

	ws.send(wc, protocol.DownloadStartAckEvent{Event: protocol.EventDownloadStartAck, SessionID: sessionID})

	go ws.runDownload(wc, sess)
}

// handleDownloadPause marks the session paused; the running fetch observes
// this at its next chunk boundary and exits, leaving the partial file.
func (ws *WSServer) handleDownloadPause(wc *wsConn, env *protocol.Envelope) {
	sess, ok := ws.lookupDownload(wc, env)
	if !ok {
		return
	}
	sess.SetStatus(transfer.DownloadPaused)
}

// handleDownloadResume re-invokes the engine, which resumes from
// downloaded_bytes via a Range request.
func (ws *WSServer) handleDownloadResume(wc *wsConn, env *protocol.Envelope) {
	sess, ok := ws.lookupDownload(wc, env)
	if !ok {
		return
	}
	sess.SetStatus(transfer.DownloadActive)
	go ws.runDownload(wc, sess)
}

// handleDownloadStop marks the session stopped; the running fetch's next
// chunk boundary check tears down the partial file and the record.
func (ws *WSServer) handleDownloadStop(wc *wsConn, env *protocol.Envelope) {
	sess, ok := ws.lookupDownload(wc, env)
	if !ok {
		return
	}
	sess.SetStatus(transfer.DownloadStopped)
}

func (ws *WSServer) lookupDownload(wc *wsConn, env *protocol.Envelope) (*transfer.DownloadSession, bool) {
	var f protocol.DownloadControlFrame
	if err := env.Decode(&f); err != nil {
		ws.sendError(wc, "", protocol.WSErrCodeBadRequest, "invalid frame")
		return nil, false
	}
	sess, ok := ws.srv.store.Download(f.SessionID)
	if !ok {
		ws.send(wc, protocol.DownloadErrorEvent{Event: protocol.EventDownloadError, SessionID: f.SessionID, Error: "session not found"})
		return nil, false
	}
	return sess, true
}

// runDownload drives one Engine.Run call to completion, pause, or stop, and
// resolves the session accordingly.
func (ws *WSServer) runDownload(wc *wsConn, sess *transfer.DownloadSession) {
	statusSource := func() transfer.DownloadStatus {
		status, _, _ := sess.Get()
		return status
	}

	result, err := ws.srv.downloads.Run(context.Background(), sess, statusSource, ws.srv.store.StagingDir(), &downloadProgress{ws: ws, wc: wc, sessionID: sess.SessionID})
	if err != nil {
		sess.SetStatus(transfer.DownloadError)
		log.Printf("WS: download failed for %s: %v", sess.SessionID, err)
		ws.send(wc, protocol.DownloadErrorEvent{Event: protocol.EventDownloadError, SessionID: sess.SessionID, Error: err.Error()})
		return
	}

	switch result {
	case download.Completed:
		finalPath, err := download.Promote(sess.TempFilePath, ws.srv.store.StagingDir(), sess.Filename)
		if err != nil {
			sess.SetStatus(transfer.DownloadError)
			ws.send(wc, protocol.DownloadErrorEvent{Event: protocol.EventDownloadError, SessionID: sess.SessionID, Error: err.Error()})
			return
		}
		sess.SetStatus(transfer.DownloadCompleted)
		ws.srv.store.RemoveDownload(sess.SessionID)
		ws.send(wc, protocol.DownloadCompleteEvent{Event: protocol.EventDownloadComplete, SessionID: sess.SessionID, FilePath: finalPath})

	case download.Paused:
		sess.SetStatus(transfer.DownloadPaused)

	case download.Stopped:
		if err := transfer.DeleteStaging(sess.TempFilePath); err != nil {
			log.Printf("WS: failed to delete partial download %s: %v", sess.SessionID, err)
		}
		ws.srv.store.RemoveDownload(sess.SessionID)
	}
}

// downloadProgress adapts download.Progress onto the wire events.
type downloadProgress struct {
	ws        *WSServer
	wc        *wsConn
	sessionID string
}

func (p *downloadProgress) OnInfo(totalSize int64, supportsResume bool) {
	p.ws.send(p.wc, protocol.DownloadInfoEvent{
		Event:          protocol.EventDownloadInfo,
		SessionID:      p.sessionID,
		TotalSize:      totalSize,
		SupportsResume: supportsResume,
	})
}

func (p *downloadProgress) OnProgress(downloaded, total int64) {
	var pct float64
	if total > 0 {
		pct = float64(downloaded) / float64(total) * 100
	}
	p.ws.send(p.wc, protocol.DownloadProgressEvent{
		Event:           protocol.EventDownloadProgress,
		SessionID:       p.sessionID,
		DownloadedBytes: downloaded,
		TotalSize:       total,
		Progress:        pct,
	})
}
