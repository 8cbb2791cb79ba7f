package tts

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
)

// NewSynthesizer builds the backend selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "openai", "":
		return NewOpenAISynth(cfg.BaseURL, cfg.APIKey, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	case "exec":
		return NewExecSynth(cfg.Command)
	case "mock":
		return NewMockSynth(0), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
