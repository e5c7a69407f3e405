// Package main provides the entry point for the relay agent: the process
// that accepts client connections and runs the upload/download transfer
// state machines.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lobinuxsoft/filerelay/apps/agent/server"
	"github.com/lobinuxsoft/filerelay/internal/auth"
	"github.com/lobinuxsoft/filerelay/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutting down...")
		cancel()
	}()

	agent, err := server.New(cfg, loadAuthStore())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating agent: %v\n", err)
		os.Exit(1)
	}

	log.Printf("relay agent starting on %s, staging %s", cfg.ListenAddr, cfg.StagingDir)

	if err := agent.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "error running agent: %v\n", err)
		os.Exit(1)
	}

	log.Println("agent stopped")
}

// loadAuthStore builds the connection-time user store from AUTH_TOKENS, a
// "token:userID,token:userID" list. The real user/auth store is an external
// collaborator out of this relay's scope; this lets the agent run
// standalone without one.
func loadAuthStore() auth.Store {
	store := auth.NewMemoryStore()
	for _, pair := range strings.Split(os.Getenv("AUTH_TOKENS"), ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, userID, ok := strings.Cut(pair, ":")
		if !ok || token == "" || userID == "" {
			log.Printf("AUTH_TOKENS: ignoring malformed entry %q", pair)
			continue
		}
		store.Grant(token, userID)
	}
	return store
}
