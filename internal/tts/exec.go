package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd []string
}

type execRequest struct {
	Text   string `json:"text"`
	Voice  string `json:"voice"`
	Model  string `json:"model,omitempty"`
	Format string `json:"response_format"`
}

type execResponse struct {
	AudioBase64 string `json:"audio_base64"`
	Error       string `json:"error,omitempty"`
}

// NewExecSynth runs command once per request. The process receives an
// execRequest as JSON on stdin and must print one JSON line carrying
// base64 audio.
func NewExecSynth(command string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	payload, err := json.Marshal(execRequest{
		Text:   req.Text,
		Voice:  req.Voice,
		Model:  req.Model,
		Format: req.Format,
	})
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %s", ErrSynthesis, err, strings.TrimSpace(stderr.String()))
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("%w: decode response: %v", ErrSynthesis, err)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrSynthesis, resp.Error)
		}
		audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: decode audio: %v", ErrSynthesis, err)
		}
		if len(audio) == 0 {
			return nil, fmt.Errorf("%w: empty audio response", ErrSynthesis)
		}
		return audio, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrSynthesis, err)
	}
	return nil, fmt.Errorf("%w: command produced no output", ErrSynthesis)
}
