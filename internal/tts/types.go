package tts

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSynthesis marks every failure of a synthesis backend.
	ErrSynthesis = errors.New("tts synthesis failed")
	// ErrNotConfigured is returned when the backend lacks credentials.
	ErrNotConfigured = errors.New("tts backend not configured")
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text   string
	Voice  string
	Model  string
	Format string
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) ([]byte, error)
}

// StatusError reports a non-success response from an HTTP backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("tts backend returned status %d", e.Code)
	}
	return fmt.Sprintf("tts backend returned status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrSynthesis }
