package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

type openAISynth struct {
	client     *openai.Client
	configured bool
}

// NewOpenAISynth targets an OpenAI-compatible {baseURL}/audio/speech
// endpoint. An empty apiKey is accepted; every call then fails with
// ErrNotConfigured so replies degrade to text.
func NewOpenAISynth(baseURL, apiKey string, timeout time.Duration) Synthesizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}
	return &openAISynth{
		client:     openai.NewClientWithConfig(cfg),
		configured: strings.TrimSpace(apiKey) != "",
	}
}

func (o *openAISynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	if !o.configured {
		return nil, fmt.Errorf("%w: api key missing", ErrNotConfigured)
	}
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(req.Model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(req.Voice),
		ResponseFormat: openai.SpeechResponseFormat(req.Format),
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio: %v", ErrSynthesis, err)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: empty audio response", ErrSynthesis)
	}
	return audio, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &StatusError{Code: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		body := strings.TrimSpace(string(reqErr.Body))
		if body == "" && reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return &StatusError{Code: reqErr.HTTPStatusCode, Body: body}
	}
	return fmt.Errorf("%w: %v", ErrSynthesis, err)
}
