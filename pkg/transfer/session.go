// Package transfer implements the session store, staging area, and
// progress-throttling primitives shared by the upload state machine and
// the download engine.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/lobinuxsoft/filerelay/internal/metadata"
)

// UploadStatus is the lifecycle state of an UploadSession.
type UploadStatus string

const (
	StatusActive    UploadStatus = "active"
	StatusPaused    UploadStatus = "paused"
	StatusUploading UploadStatus = "uploading"
	StatusCompleted UploadStatus = "completed"
	StatusStopped   UploadStatus = "stopped"
	StatusError     UploadStatus = "error"
)

// DownloadStatus is the lifecycle state of a DownloadSession.
type DownloadStatus string

const (
	DownloadPending   DownloadStatus = "pending"
	DownloadActive    DownloadStatus = "active"
	DownloadPaused    DownloadStatus = "paused"
	DownloadCompleted DownloadStatus = "completed"
	DownloadStopped   DownloadStatus = "stopped"
	DownloadError     DownloadStatus = "error"
)

// Errors returned by session store operations.
var (
	ErrAuthRequired = errors.New("authentication required")
	ErrSessionGone  = errors.New("session not found")
	ErrEmptyName    = errors.New("file name is empty after sanitization")
	ErrNotOwner     = errors.New("file_id belongs to a different user")
)

// Auth is the identity bound to a connection at authentication time.
type Auth struct {
	UserID string
	Token  string
}

// UploadSession tracks one in-progress upload. FileID is unique within the
// process; bytes_received must equal the on-disk length of TempPath at any
// moment no chunk append is in flight, which WriteLock enforces.
type UploadSession struct {
	WriteLock sync.Mutex

	mu            sync.RWMutex
	FileID        string
	FileName      string // sanitized basename; used for the staging path
	DeclaredName  string // original, unsanitized client-declared name
	FileSize      int64
	FolderID      string
	Status        UploadStatus
	BytesReceived int64
	TempPath      string
	UserID        string
	UserToken     string
	DBID          string

	lastProgressAt int64 // unix nanos, guarded by mu; 0 means never emitted
}

// Snapshot is an immutable copy of the mutable fields of an UploadSession,
// safe to read without holding the session lock.
type Snapshot struct {
	Status        UploadStatus
	BytesReceived int64
	FileSize      int64
}

func (s *UploadSession) snapshot() Snapshot {
	return Snapshot{Status: s.Status, BytesReceived: s.BytesReceived, FileSize: s.FileSize}
}

// Get returns a consistent snapshot of the session's mutable state.
func (s *UploadSession) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

// SetStatus transitions the session to a new status.
func (s *UploadSession) SetStatus(status UploadStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = status
}

// OwnedBy reports whether userID is the session's creating user.
func (s *UploadSession) OwnedBy(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UserID == userID
}

// AddBytes advances bytes_received after a successful chunk append.
func (s *UploadSession) AddBytes(n int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BytesReceived += n
	return s.BytesReceived
}

// ShouldEmitProgress reports whether enough time has passed since the last
// progress event for this session, and if so records now as the new
// last-emitted-at timestamp. It models spec's "no two emissions within
// 250ms" invariant without a background ticker.
func (s *UploadSession) ShouldEmitProgress(nowNanos int64, throttleNanos int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastProgressAt != 0 && nowNanos-s.lastProgressAt < throttleNanos {
		return false
	}
	s.lastProgressAt = nowNanos
	return true
}

// DownloadSession tracks one in-progress URL fetch.
type DownloadSession struct {
	mu              sync.RWMutex
	SessionID       string
	URL             string
	Filename        string
	TotalSize       int64
	DownloadedBytes int64
	Status          DownloadStatus
	TempFilePath    string

	lastProgressAt int64
}

// Get returns the current status and byte counters.
func (d *DownloadSession) Get() (DownloadStatus, int64, int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Status, d.DownloadedBytes, d.TotalSize
}

// SetStatus transitions the download to a new status.
func (d *DownloadSession) SetStatus(status DownloadStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Status = status
}

// AddBytes advances downloaded_bytes after a successful write.
func (d *DownloadSession) AddBytes(n int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DownloadedBytes += n
	return d.DownloadedBytes
}

// SetTotalSize records the resolved content length.
func (d *DownloadSession) SetTotalSize(size int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.TotalSize = size
}

// ShouldEmitProgress mirrors UploadSession.ShouldEmitProgress for downloads.
func (d *DownloadSession) ShouldEmitProgress(nowNanos int64, throttleNanos int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastProgressAt != 0 && nowNanos-d.lastProgressAt < throttleNanos {
		return false
	}
	d.lastProgressAt = nowNanos
	return true
}

// ConnState is the per-connection record: authentication state and the set
// of upload sessions the connection owns.
type ConnState struct {
	mu            sync.RWMutex
	Authenticated bool
	Auth          Auth
	owned         map[string]struct{}
}

func newConnState() *ConnState {
	return &ConnState{owned: make(map[string]struct{})}
}

func (c *ConnState) authenticate(auth Auth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Authenticated = true
	c.Auth = auth
}

func (c *ConnState) isAuthenticated() (Auth, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Auth, c.Authenticated
}

func (c *ConnState) own(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owned[fileID] = struct{}{}
}

func (c *ConnState) disown(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.owned, fileID)
}

func (c *ConnState) ownedFileIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.owned))
	for id := range c.owned {
		ids = append(ids, id)
	}
	return ids
}

// Store is the in-memory registry of C1: session-id → UploadSession,
// connection → owned sessions, connection → auth state. Its maps are
// guarded by mu: upload records are changed from each connection's router
// goroutine, and download records are also removed from the background
// goroutine running that download.
type Store struct {
	stagingDir string
	metadata   metadata.Store

	mu       sync.RWMutex
	uploads  map[string]*UploadSession
	downloads map[string]*DownloadSession
	conns    map[any]*ConnState
}

// NewStore creates a session store rooted at stagingDir. The directory is
// created if it does not already exist.
func NewStore(stagingDir string) (*Store, error) {
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		stagingDir: stagingDir,
		metadata:   metadata.NewMemoryStore(),
		uploads:    make(map[string]*UploadSession),
		downloads:  make(map[string]*DownloadSession),
		conns:      make(map[any]*ConnState),
	}, nil
}

// Connection registers a new connection record keyed by an opaque handle
// (typically the *websocket.Conn or a wrapping connection struct).
func (s *Store) Connection(key any) *ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := newConnState()
	s.conns[key] = cs
	return cs
}

// Authenticate marks the connection as authenticated with the given
// identity.
func (s *Store) Authenticate(key any, auth Auth) {
	s.mu.RLock()
	cs := s.conns[key]
	s.mu.RUnlock()
	if cs != nil {
		cs.authenticate(auth)
	}
}

// AuthOf returns the auth state of a connection.
func (s *Store) AuthOf(key any) (Auth, bool) {
	s.mu.RLock()
	cs := s.conns[key]
	s.mu.RUnlock()
	if cs == nil {
		return Auth{}, false
	}
	return cs.isAuthenticated()
}

// SanitizeName strips directory separators from name and rejects the
// empty result.
func SanitizeName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return "", ErrEmptyName
	}
	return base, nil
}

func (s *Store) tempPath(fileID, sanitized string) string {
	return filepath.Join(s.stagingDir, fileID+"_"+sanitized+".part")
}

// GetOrCreateUpload implements C1's get_or_create contract: returns the
// existing session if fileID is known (updating the declared name/size but
// never userID), otherwise creates one, adopting bytes_received from an
// existing .part file if present.
func (s *Store) GetOrCreateUpload(key any, fileID, fileName string, fileSize int64, folderID string) (*UploadSession, error) {
	auth, ok := s.AuthOf(key)
	if !ok {
		return nil, ErrAuthRequired
	}

	sanitized, err := SanitizeName(fileName)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.uploads[fileID]; ok {
		existing.mu.Lock()
		if existing.UserID != auth.UserID {
			existing.mu.Unlock()
			return nil, ErrNotOwner
		}
		existing.FileName = sanitized
		existing.DeclaredName = fileName
		existing.FileSize = fileSize
		if folderID != "" {
			existing.FolderID = folderID
		}
		existing.mu.Unlock()
		if cs := s.conns[key]; cs != nil {
			cs.own(fileID)
		}
		return existing, nil
	}

	tempPath := s.tempPath(fileID, sanitized)
	var bytesReceived int64
	if info, err := os.Stat(tempPath); err == nil {
		bytesReceived = info.Size()
	}

	dbID, err := s.metadata.CreateRecord(context.Background(), fileID, sanitized, fileSize, auth.UserID)
	if err != nil {
		return nil, fmt.Errorf("create metadata record: %w", err)
	}

	session := &UploadSession{
		FileID:        fileID,
		FileName:      sanitized,
		DeclaredName:  fileName,
		FileSize:      fileSize,
		FolderID:      folderID,
		Status:        StatusActive,
		BytesReceived: bytesReceived,
		TempPath:      tempPath,
		UserID:        auth.UserID,
		UserToken:     auth.Token,
		DBID:          dbID,
	}
	s.uploads[fileID] = session
	if cs := s.conns[key]; cs != nil {
		cs.own(fileID)
	}
	return session, nil
}

// Upload looks up an existing upload session by file ID.
func (s *Store) Upload(fileID string) (*UploadSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.uploads[fileID]
	return sess, ok
}

// RemoveUpload discards the session record. The caller is responsible for
// staging-file disposition.
func (s *Store) RemoveUpload(fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, fileID)
}

// CreateDownload registers a new download session under a server-generated
// session ID.
func (s *Store) CreateDownload(sessionID, url, filename, tempPath string) *DownloadSession {
	sess := &DownloadSession{
		SessionID:    sessionID,
		URL:          url,
		Filename:     filename,
		Status:       DownloadPending,
		TempFilePath: tempPath,
	}
	s.mu.Lock()
	s.downloads[sessionID] = sess
	s.mu.Unlock()
	return sess
}

// Download looks up an existing download session.
func (s *Store) Download(sessionID string) (*DownloadSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.downloads[sessionID]
	return sess, ok
}

// RemoveDownload discards the download session record.
func (s *Store) RemoveDownload(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.downloads, sessionID)
}

// OnDisconnect implements C1's on_disconnect contract: every session owned
// by the connection whose status is active transitions to paused. Sessions
// are not destroyed so a reconnecting client may resume them.
func (s *Store) OnDisconnect(key any) {
	s.mu.Lock()
	cs := s.conns[key]
	delete(s.conns, key)
	s.mu.Unlock()

	if cs == nil {
		return
	}
	for _, fileID := range cs.ownedFileIDs() {
		if sess, ok := s.Upload(fileID); ok {
			sess.mu.Lock()
			if sess.Status == StatusActive {
				sess.Status = StatusPaused
			}
			sess.mu.Unlock()
		}
	}
}

// StagingDir returns the directory holding .part files.
func (s *Store) StagingDir() string {
	return s.stagingDir
}
