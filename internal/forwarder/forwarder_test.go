package forwarder

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeStagingFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f1_movie.mp4.part")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestForwardSuccess(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		json.NewEncoder(w).Encode(Result{Success: true, FileID: "f1", Path: "/store/f1"})
	}))
	defer srv.Close()

	f := New(Config{UploadURL: srv.URL})
	path := writeStagingFile(t, "hello world")

	result, err := f.Forward(context.Background(), Request{
		FileID:      "f1",
		FileName:    "Movie.mp4",
		FileSize:    11,
		UserToken:   "tok-1",
		StagingPath: path,
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if !result.Success || result.Path != "/store/f1" {
		t.Errorf("result = %+v", result)
	}

	if gotHeaders.Get("X-File-Name") != "Movie.mp4" {
		t.Errorf("X-File-Name = %q", gotHeaders.Get("X-File-Name"))
	}
	if gotHeaders.Get("X-File-Size") != "11" {
		t.Errorf("X-File-Size = %q", gotHeaders.Get("X-File-Size"))
	}
	if gotHeaders.Get("X-File-ID") != "f1" {
		t.Errorf("X-File-ID = %q", gotHeaders.Get("X-File-ID"))
	}
	if gotHeaders.Get("Authorization") != "Bearer tok-1" {
		t.Errorf("Authorization = %q", gotHeaders.Get("Authorization"))
	}
	if string(gotBody) != "hello world" {
		t.Errorf("body = %q", gotBody)
	}
}

func TestForwardOptionalFolderHeader(t *testing.T) {
	var gotFolder string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotFolder = r.Header.Get("X-Folder-ID")
		json.NewEncoder(w).Encode(Result{Success: true})
	}))
	defer srv.Close()

	f := New(Config{UploadURL: srv.URL})
	path := writeStagingFile(t, "x")

	if _, err := f.Forward(context.Background(), Request{
		FileID: "f1", FileName: "a.bin", FileSize: 1, FolderID: "folder-9", StagingPath: path,
	}); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if gotFolder != "folder-9" {
		t.Errorf("X-Folder-ID = %q, want folder-9", gotFolder)
	}
}

func TestForwardNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(Config{UploadURL: srv.URL})
	path := writeStagingFile(t, "x")

	if _, err := f.Forward(context.Background(), Request{
		FileID: "f1", FileName: "a.bin", FileSize: 1, StagingPath: path,
	}); err == nil {
		t.Error("Forward() should error on non-2xx response")
	}
}
