package tts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Artifacts stores synthesized audio on disk for the host to play back.
type Artifacts struct {
	dir    string
	format string
	log    *slog.Logger
	now    func() time.Time
}

func NewArtifacts(dir, format string, log *slog.Logger) (*Artifacts, error) {
	if dir == "" {
		return nil, fmt.Errorf("audio dir must not be empty")
	}
	if format == "" {
		format = "mp3"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &Artifacts{
		dir:    dir,
		format: format,
		log:    log.With(slog.String("component", "tts-artifacts")),
		now:    time.Now,
	}, nil
}

func (a *Artifacts) Format() string { return a.format }

// Write stores audio as <uuid>.<format> and returns its path.
func (a *Artifacts) Write(audio []byte) (string, error) {
	path := filepath.Join(a.dir, uuid.NewString()+"."+a.format)
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", fmt.Errorf("write audio artifact: %w", err)
	}
	return path, nil
}

// Sweep removes artifacts older than maxAge and reports how many were removed.
func (a *Artifacts) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, fmt.Errorf("read audio dir: %w", err)
	}
	cutoff := a.now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !isArtifactName(entry.Name(), a.format) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(a.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			a.log.Warn("failed to remove audio artifact", slog.String("name", entry.Name()), slogError(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// RunSweeper sweeps on every tick until ctx is done.
func (a *Artifacts) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Sweep(maxAge)
			if err != nil {
				a.log.Warn("audio sweep failed", slogError(err))
				continue
			}
			if n > 0 {
				a.log.Debug("audio artifacts swept", slog.Int("removed", n))
			}
		}
	}
}

func isArtifactName(name, format string) bool {
	base, ok := strings.CutSuffix(name, "."+format)
	if !ok {
		return false
	}
	_, err := uuid.Parse(base)
	return err == nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
