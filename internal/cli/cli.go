// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package cli carries the flag and session bootstrap shared by the demo
// command line tools.
package cli

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/syncwise/go-docsync/docstore"
)

// CommonFlags are the options every demo subcommand accepts.
type CommonFlags struct {
	AppID           string
	PlaygroundToken string
	ServerURL       string
	Root            string
	Verbose         bool
}

// Register adds the common flags to fs. Defaults fall back to the APP_ID
// and PLAYGROUND_TOKEN environment variables, which a .env file next to
// the working directory may provide.
func (c *CommonFlags) Register(fs *flag.FlagSet) {
	// Best effort: a missing .env file is fine, the variables may be set
	// in the environment directly.
	_ = godotenv.Load()

	fs.StringVar(&c.AppID, "app-id", os.Getenv("APP_ID"), "Application ID (UUID, defaults to env APP_ID)")
	fs.StringVar(&c.PlaygroundToken, "playground-token", os.Getenv("PLAYGROUND_TOKEN"), "Playground token (defaults to env PLAYGROUND_TOKEN)")
	fs.StringVar(&c.ServerURL, "server", envOr("SERVER_URL", "http://localhost:8080"), "Coordination service URL")
	fs.StringVar(&c.Root, "root", "", "Local storage root (defaults to a directory next to the executable)")
	fs.BoolVar(&c.Verbose, "verbose", false, "Enable verbose logging")
}

// Logger builds the process logger and installs it as slog default so
// library code shares the same handler and level.
func (c *CommonFlags) Logger() *slog.Logger {
	logLevel := slog.LevelInfo
	if c.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// OpenSession validates the flags and opens the document store session.
// The storage root defaults to <executable dir>/<defaultRootName> so
// repeated runs of the same tool reuse one persistent store.
func (c *CommonFlags) OpenSession(ctx context.Context, defaultRootName string) (*docstore.Session, error) {
	if c.AppID == "" {
		return nil, fmt.Errorf("app ID is required (pass --app-id or set APP_ID)")
	}
	if c.PlaygroundToken == "" {
		return nil, fmt.Errorf("playground token is required (pass --playground-token or set PLAYGROUND_TOKEN)")
	}

	root := c.Root
	if root == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		root = filepath.Join(filepath.Dir(exe), defaultRootName)
	}

	cfg := docstore.DefaultConfig(c.AppID, c.PlaygroundToken, c.ServerURL, root)
	cfg.Logger = c.Logger()
	return docstore.Open(ctx, cfg)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
