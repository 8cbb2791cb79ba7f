package tts

import (
	"context"
	"fmt"
	"time"
)

type mockSynth struct {
	delay time.Duration
}

// NewMockSynth returns a synthesizer whose audio is the request rendered as
// text, after delay.
func NewMockSynth(delay time.Duration) Synthesizer {
	return &mockSynth{delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	if m.delay > 0 {
		timer := time.NewTimer(m.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrSynthesis, ctx.Err())
		case <-timer.C:
		}
	}
	return []byte(fmt.Sprintf("%s|%s|%s", req.Model, req.Voice, req.Text)), nil
}
