package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/loqalabs/loqa-speak/internal/config"
)

// Persisted setting keys.
const (
	KeyEnabled               = "tts_enabled"
	KeyVoiceID               = "voice_id"
	KeyModelName             = "model_name"
	KeyProbabilityPercentage = "probability_percentage"
	KeyProbabilityTotal      = "probability_total"
	KeyMessageCount          = "message_count"
	KeySegmentPattern        = "segment_pattern"
	KeyThinkingKeywords      = "thinking_keywords"
)

// Settings are the operator-tunable values that survive restarts. Values
// written by commands take precedence over the YAML configuration.
type Settings struct {
	Enabled               bool
	VoiceID               string
	ModelName             string
	ProbabilityPercentage int
	ProbabilityTotal      int
	SegmentPattern        string
	ThinkingKeywords      []string
}

// Overlay returns defaults with every persisted key applied on top.
// Malformed values are logged and skipped.
func (s *Store) Overlay(ctx context.Context, defaults Settings) (Settings, error) {
	out := defaults
	out.ThinkingKeywords = append([]string(nil), defaults.ThinkingKeywords...)

	str := func(key string, target *string) error {
		v, ok, err := s.Get(ctx, key)
		if err == nil && ok {
			*target = v
		}
		return err
	}
	num := func(key string, target *int) error {
		v, ok, err := s.Get(ctx, key)
		if err != nil || !ok {
			return err
		}
		n, perr := strconv.Atoi(v)
		if perr != nil {
			s.log.Warn("ignoring malformed setting", slog.String("key", key), slog.String("value", v))
			return nil
		}
		*target = n
		return nil
	}

	if v, ok, err := s.Get(ctx, KeyEnabled); err != nil {
		return defaults, err
	} else if ok {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			s.log.Warn("ignoring malformed setting", slog.String("key", KeyEnabled), slog.String("value", v))
		} else {
			out.Enabled = b
		}
	}
	if err := str(KeyVoiceID, &out.VoiceID); err != nil {
		return defaults, err
	}
	if err := str(KeyModelName, &out.ModelName); err != nil {
		return defaults, err
	}
	if err := num(KeyProbabilityPercentage, &out.ProbabilityPercentage); err != nil {
		return defaults, err
	}
	if err := num(KeyProbabilityTotal, &out.ProbabilityTotal); err != nil {
		return defaults, err
	}
	if err := str(KeySegmentPattern, &out.SegmentPattern); err != nil {
		return defaults, err
	}
	if v, ok, err := s.Get(ctx, KeyThinkingKeywords); err != nil {
		return defaults, err
	} else if ok {
		var kws []string
		if jerr := json.Unmarshal([]byte(v), &kws); jerr != nil {
			s.log.Warn("ignoring malformed setting", slog.String("key", KeyThinkingKeywords), slog.String("value", v))
		} else {
			out.ThinkingKeywords = kws
		}
	}
	return out, nil
}

// Defaults derives settings from the static configuration.
func Defaults(cfg config.Config) Settings {
	return Settings{
		Enabled:               cfg.TTS.Enabled,
		VoiceID:               cfg.TTS.Voice,
		ModelName:             cfg.TTS.Model,
		ProbabilityPercentage: cfg.Scheduler.TriggerPercentage,
		ProbabilityTotal:      cfg.Scheduler.CycleLength,
		SegmentPattern:        cfg.Filter.SegmentPattern,
		ThinkingKeywords:      append([]string(nil), cfg.Filter.ThinkingKeywords...),
	}
}
