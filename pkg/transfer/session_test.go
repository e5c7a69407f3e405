package transfer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetOrCreateUploadRequiresAuth(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	key := "conn1"
	store.Connection(key)

	if _, err := store.GetOrCreateUpload(key, "f1", "a.bin", 10, ""); err != ErrAuthRequired {
		t.Errorf("error = %v, want %v", err, ErrAuthRequired)
	}
}

func TestGetOrCreateUploadAdoptsExistingPartFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	key := "conn1"
	store.Connection(key)
	store.Authenticate(key, Auth{UserID: "u1", Token: "tok"})

	partPath := filepath.Join(dir, "f1_a.bin.part")
	if err := os.WriteFile(partPath, make([]byte, 131072), 0o644); err != nil {
		t.Fatalf("setup WriteFile() error = %v", err)
	}

	sess, err := store.GetOrCreateUpload(key, "f1", "a.bin", 200000, "")
	if err != nil {
		t.Fatalf("GetOrCreateUpload() error = %v", err)
	}
	if sess.Get().BytesReceived != 131072 {
		t.Errorf("BytesReceived = %d, want 131072", sess.Get().BytesReceived)
	}
}

func TestGetOrCreateUploadNeverChangesOwner(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	keyA, keyB := "connA", "connB"
	store.Connection(keyA)
	store.Authenticate(keyA, Auth{UserID: "alice"})
	store.Connection(keyB)
	store.Authenticate(keyB, Auth{UserID: "bob"})

	first, err := store.GetOrCreateUpload(keyA, "f1", "a.bin", 10, "")
	if err != nil {
		t.Fatalf("GetOrCreateUpload() error = %v", err)
	}

	if _, err := store.GetOrCreateUpload(keyB, "f1", "a.bin", 20, ""); err != ErrNotOwner {
		t.Fatalf("error = %v, want %v", err, ErrNotOwner)
	}
	if first.UserID != "alice" {
		t.Errorf("UserID = %q, want %q (immutable)", first.UserID, "alice")
	}
	if first.Get().FileSize != 10 {
		t.Errorf("FileSize = %d, want 10 (unchanged by the rejected call)", first.Get().FileSize)
	}

	third, err := store.GetOrCreateUpload(keyA, "f1", "a.bin", 20, "")
	if err != nil {
		t.Fatalf("GetOrCreateUpload() error = %v", err)
	}
	if third != first {
		t.Fatal("expected same session instance for known fileID")
	}
	if third.Get().FileSize != 20 {
		t.Errorf("FileSize = %d, want 20 (declared size updates for the owning user)", third.Get().FileSize)
	}
}

func TestOnDisconnectPausesOwnedActiveSessions(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	key := "conn1"
	store.Connection(key)
	store.Authenticate(key, Auth{UserID: "u1"})

	sess, err := store.GetOrCreateUpload(key, "f1", "a.bin", 100, "")
	if err != nil {
		t.Fatalf("GetOrCreateUpload() error = %v", err)
	}
	sess.SetStatus(StatusActive)

	store.OnDisconnect(key)

	if got := sess.Get().Status; got != StatusPaused {
		t.Errorf("Status = %q, want %q", got, StatusPaused)
	}
	if _, ok := store.Upload("f1"); !ok {
		t.Error("session should still be in the store after disconnect")
	}
}

func TestShouldEmitProgressThrottles(t *testing.T) {
	sess := &UploadSession{}

	if !sess.ShouldEmitProgress(1000, 250) {
		t.Error("first call should emit")
	}
	if sess.ShouldEmitProgress(1100, 250) {
		t.Error("call within throttle window should not emit")
	}
	if !sess.ShouldEmitProgress(1300, 250) {
		t.Error("call past throttle window should emit")
	}
}
