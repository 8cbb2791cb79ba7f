package tts

import (
	"context"
	"sync"
)

// Speaker turns text into a playable audio file. Voice and model can be
// changed at any time; each call uses the values current when it starts.
type Speaker struct {
	synth     Synthesizer
	artifacts *Artifacts

	mu    sync.RWMutex
	voice string
	model string
}

func NewSpeaker(synth Synthesizer, artifacts *Artifacts, voice, model string) *Speaker {
	return &Speaker{synth: synth, artifacts: artifacts, voice: voice, model: model}
}

// Speak synthesizes text and returns the artifact path.
func (s *Speaker) Speak(ctx context.Context, text string) (string, error) {
	voice, model := s.Voice()
	audio, err := s.synth.Synthesize(ctx, SynthRequest{
		Text:   text,
		Voice:  voice,
		Model:  model,
		Format: s.artifacts.Format(),
	})
	if err != nil {
		return "", err
	}
	return s.artifacts.Write(audio)
}

// Voice returns the current voice and model.
func (s *Speaker) Voice() (voice, model string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voice, s.model
}

func (s *Speaker) SetVoice(voice string) {
	s.mu.Lock()
	s.voice = voice
	s.mu.Unlock()
}

func (s *Speaker) SetModel(model string) {
	s.mu.Lock()
	s.model = model
	s.mu.Unlock()
}
