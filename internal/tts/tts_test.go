package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenAISynthPostsSpeechRequest(t *testing.T) {
	var got struct {
		Model          string `json:"model"`
		Input          string `json:"input"`
		Voice          string `json:"voice"`
		ResponseFormat string `json:"response_format"`
	}
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-audio"))
	}))
	defer srv.Close()

	synth := NewOpenAISynth(srv.URL+"/v1/", "sk-test", 5*time.Second)
	audio, err := synth.Synthesize(context.Background(), SynthRequest{Text: "你好。", Voice: "nova", Model: "tts-1", Format: "mp3"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio) != "ID3-audio" {
		t.Fatalf("unexpected audio %q", audio)
	}
	if path != "/v1/audio/speech" {
		t.Fatalf("unexpected path %q", path)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("unexpected auth header %q", auth)
	}
	if got.Model != "tts-1" || got.Input != "你好。" || got.Voice != "nova" || got.ResponseFormat != "mp3" {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestOpenAISynthStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"backend down","type":"server_error"}}`))
	}))
	defer srv.Close()

	synth := NewOpenAISynth(srv.URL, "sk-test", 5*time.Second)
	_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi.", Voice: "nova", Model: "tts-1", Format: "mp3"})
	if !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis, got %v", err)
	}
	var status *StatusError
	if !errors.As(err, &status) || status.Code != http.StatusInternalServerError {
		t.Fatalf("expected status error 500, got %v", err)
	}
	if status.Body != "backend down" {
		t.Fatalf("expected api error message as body, got %q", status.Body)
	}
}

func TestOpenAISynthPlainTextErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded\n"))
	}))
	defer srv.Close()

	synth := NewOpenAISynth(srv.URL, "sk-test", 5*time.Second)
	_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi.", Voice: "nova", Model: "tts-1", Format: "mp3"})
	var status *StatusError
	if !errors.As(err, &status) {
		t.Fatalf("expected status error, got %v", err)
	}
	if status.Code != http.StatusBadGateway || status.Body != "upstream exploded" {
		t.Fatalf("expected 502 with backend body, got %d %q", status.Code, status.Body)
	}
	if !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected ErrSynthesis, got %v", err)
	}
}

func TestOpenAISynthWithoutKey(t *testing.T) {
	synth := NewOpenAISynth("http://127.0.0.1:1", "", time.Second)
	if _, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi."}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("  "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestExecSynthDecodesAudio(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	// "YXVkaW8=" is base64 for "audio".
	synth, err := NewExecSynth(`/bin/sh -c 'cat >/dev/null; echo "{\"audio_base64\":\"YXVkaW8=\"}"'`)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	audio, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi.", Voice: "nova", Format: "mp3"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(audio) != "audio" {
		t.Fatalf("unexpected audio %q", audio)
	}
}

func TestMockSynthHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMockSynth(time.Second).Synthesize(ctx, SynthRequest{Text: "x"}); !errors.Is(err, ErrSynthesis) {
		t.Fatalf("expected synthesis error on cancelled context, got %v", err)
	}
}

func TestSpeakerWritesArtifactWithLiveVoice(t *testing.T) {
	dir := t.TempDir()
	artifacts, err := NewArtifacts(dir, "mp3", discardLogger())
	if err != nil {
		t.Fatalf("new artifacts: %v", err)
	}
	speaker := NewSpeaker(NewMockSynth(0), artifacts, "nova", "tts-1")
	speaker.SetVoice("alloy")

	path, err := speaker.Speak(context.Background(), "你好。")
	if err != nil {
		t.Fatalf("speak: %v", err)
	}
	if filepath.Dir(path) != dir || !strings.HasSuffix(path, ".mp3") {
		t.Fatalf("unexpected artifact path %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "tts-1|alloy|你好。" {
		t.Fatalf("unexpected artifact content %q", data)
	}
}

func TestArtifactsSweepRemovesOnlyStaleArtifacts(t *testing.T) {
	dir := t.TempDir()
	artifacts, err := NewArtifacts(dir, "mp3", discardLogger())
	if err != nil {
		t.Fatalf("new artifacts: %v", err)
	}
	stale, err := artifacts.Write([]byte("old"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	fresh, err := artifacts.Write([]byte("new"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	foreign := filepath.Join(dir, "notes.mp3")
	if err := os.WriteFile(foreign, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write foreign: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	for _, p := range []string{stale, foreign} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	removed, err := artifacts.Sweep(time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale artifact should be removed")
	}
	for _, p := range []string{fresh, foreign} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s should be kept: %v", p, err)
		}
	}
}

func TestNewSynthesizerModes(t *testing.T) {
	for _, mode := range []string{"openai", "mock"} {
		if _, err := NewSynthesizer(config.TTSConfig{Mode: mode, BaseURL: "http://localhost", TimeoutMS: 1000}); err != nil {
			t.Fatalf("%s: unexpected error: %v", mode, err)
		}
	}
	if _, err := NewSynthesizer(config.TTSConfig{Mode: "exec"}); err == nil {
		t.Fatal("exec without command should fail")
	}
	if _, err := NewSynthesizer(config.TTSConfig{Mode: "cloud"}); err == nil {
		t.Fatal("unknown mode should fail")
	}
}
