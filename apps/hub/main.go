// Package main provides the entry point for the driver: a CLI that
// connects to a relay agent and uploads one local file, resuming from
// whatever offset the agent or local state already knows about.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lobinuxsoft/filerelay/apps/hub/state"
	"github.com/lobinuxsoft/filerelay/apps/hub/wsclient"
)

func main() {
	var (
		url       string
		token     string
		path      string
		fileID    string
		chunkSize int
	)

	flag.StringVar(&url, "url", "ws://127.0.0.1:8787/ws", "relay agent WebSocket URL")
	flag.StringVar(&token, "token", os.Getenv("RELAY_TOKEN"), "auth token")
	flag.StringVar(&path, "file", "", "local file to upload")
	flag.StringVar(&fileID, "file-id", "", "stable file identifier (default: derived from the path)")
	flag.IntVar(&chunkSize, "chunk-size", wsclient.DefaultChunkSize, "chunk size in bytes")
	flag.Parse()

	if path == "" {
		fmt.Fprintln(os.Stderr, "error: -file is required")
		os.Exit(1)
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "error: -token is required (or set RELAY_TOKEN)")
		os.Exit(1)
	}
	if fileID == "" {
		fileID = deriveFileID(path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("cancelling upload...")
		cancel()
	}()

	if err := run(ctx, url, token, fileID, path, chunkSize); err != nil {
		fmt.Fprintf(os.Stderr, "upload failed: %v\n", err)
		os.Exit(1)
	}

	log.Println("upload complete")
}

func run(ctx context.Context, url, token, fileID, path string, chunkSize int) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat local file: %w", err)
	}

	localState, err := state.Open()
	if err != nil {
		return fmt.Errorf("open local state: %w", err)
	}

	client := wsclient.New(url, token, chunkSize)
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	offset, err := client.Start(ctx, fileID, info.Name(), info.Size())
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	log.Printf("resuming %s at offset %d/%d", fileID, offset, info.Size())

	if err := localState.Put(state.Entry{FileID: fileID, Path: path, FileSize: info.Size(), Offset: offset}); err != nil {
		log.Printf("warning: failed to persist local state: %v", err)
	}

	filePath, err := client.Upload(ctx, fileID, path, info.Size())
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	if err := localState.Remove(fileID); err != nil {
		log.Printf("warning: failed to clear local state: %v", err)
	}

	log.Printf("stored at %s", filePath)
	return nil
}

// deriveFileID derives a stable identifier from the file's absolute path so
// repeated runs against the same file resume the same session.
func deriveFileID(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	hash := sha256.Sum256([]byte(path))
	return hex.EncodeToString(hash[:])[:16]
}
