package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchAppliesValidReloadAndSkipsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speak.yaml")
	if err := os.WriteFile(path, []byte("scheduler:\n  trigger_percentage: 30\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	updates := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logger, func(cfg Config) { updates <- cfg })
	}()

	// Give the watcher time to register before mutating the file.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(path, []byte("scheduler:\n  cycle_length: 0\n"), 0o600); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}
	time.Sleep(2 * reloadDebounce)
	if err := os.WriteFile(path, []byte("scheduler:\n  trigger_percentage: 55\n"), 0o600); err != nil {
		t.Fatalf("write valid config: %v", err)
	}

	select {
	case cfg := <-updates:
		if cfg.Scheduler.TriggerPercentage != 55 {
			t.Fatalf("expected reloaded percentage 55, got %d", cfg.Scheduler.TriggerPercentage)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("watch returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
