// Package testutil provides shared test infrastructure: a throwaway
// SQLite store, a session filesystem rooted in a temp dir, and a fake
// agent child that emits a scripted event stream.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/agentum-dev/agentum/internal/sessionfs"
	"github.com/agentum-dev/agentum/internal/storage"
	"github.com/agentum-dev/agentum/migrations"
)

// Logger returns a test logger that discards below-warning output unless
// AGENTUM_TEST_VERBOSE is set.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	level := slog.LevelWarn
	if os.Getenv("AGENTUM_TEST_VERBOSE") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewDB opens a migrated SQLite store in the test's temp dir and closes
// it on cleanup.
func NewDB(t *testing.T) *storage.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentum.db")
	db, err := storage.New(context.Background(), path, Logger(t))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

// NewLayout creates a session filesystem rooted in the test's temp dir.
func NewLayout(t *testing.T) *sessionfs.Layout {
	t.Helper()
	layout, err := sessionfs.New(filepath.Join(t.TempDir(), "sessions"), Logger(t))
	if err != nil {
		t.Fatalf("create test layout: %v", err)
	}
	return layout
}

// FakeAgent writes an executable shell script that emits the given JSONL
// lines on stdout and exits with the given code. The returned command
// vector runs the script via sh.
func FakeAgent(t *testing.T, lines []string, exitCode int) []string {
	t.Helper()
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, line := range lines {
		b.WriteString("printf '%s\\n' '" + strings.ReplaceAll(line, "'", `'\''`) + "'\n")
	}
	b.WriteString("exit " + strconv.Itoa(exitCode) + "\n")

	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil { //nolint:gosec // test helper
		t.Fatalf("write fake agent: %v", err)
	}
	return []string{"/bin/sh", path}
}

// SlowFakeAgent writes a script that emits startLines, then sleeps for
// sleepSeconds, then emits endLines and exits 0.
func SlowFakeAgent(t *testing.T, startLines []string, sleepSeconds int, endLines []string) []string {
	t.Helper()
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, line := range startLines {
		b.WriteString("printf '%s\\n' '" + strings.ReplaceAll(line, "'", `'\''`) + "'\n")
	}
	b.WriteString("sleep " + strconv.Itoa(sleepSeconds) + "\n")
	for _, line := range endLines {
		b.WriteString("printf '%s\\n' '" + strings.ReplaceAll(line, "'", `'\''`) + "'\n")
	}

	path := filepath.Join(t.TempDir(), "slow-agent.sh")
	if err := os.WriteFile(path, []byte(b.String()), 0o755); err != nil { //nolint:gosec // test helper
		t.Fatalf("write slow agent: %v", err)
	}
	return []string{"/bin/sh", path}
}
