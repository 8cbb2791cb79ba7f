// Package interceptor decides how each outgoing bot reply reaches the user:
// as plain text, or with its sentences replaced by synthesized audio. It also
// owns the chat commands that tune that behaviour at runtime.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/dispatch"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/scheduler"
	"github.com/loqalabs/loqa-speak/internal/segment"
	"github.com/loqalabs/loqa-speak/internal/store"
	"github.com/loqalabs/loqa-speak/internal/thinking"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// VoiceControl switches the voice and model used for synthesis.
type VoiceControl interface {
	SetVoice(voice string)
	SetModel(model string)
}

type Deps struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Pipeline  *dispatch.Pipeline
	Voice     VoiceControl
}

type Interceptor struct {
	deps Deps
	log  *slog.Logger

	mu       sync.RWMutex
	cfg      config.InterceptorConfig
	mode     scheduler.Mode
	bracket  string
	settings store.Settings
	filter   *thinking.Filter
	scanner  *segment.Scanner

	tracer   trace.Tracer
	meter    metric.Meter
	messages metric.Int64Counter
}

// New builds an interceptor from the effective settings, that is the YAML
// configuration with persisted overrides applied.
func New(cfg config.Config, settings store.Settings, deps Deps, logger *slog.Logger) (*Interceptor, error) {
	if deps.Store == nil || deps.Scheduler == nil || deps.Pipeline == nil {
		return nil, errors.New("interceptor requires store, scheduler and pipeline")
	}
	in := &Interceptor{
		deps:     deps,
		log:      logger.With(slog.String("component", "interceptor")),
		cfg:      cfg.Interceptor,
		mode:     scheduler.Mode(cfg.Scheduler.Mode),
		bracket:  cfg.Filter.BracketPattern,
		settings: settings,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-speak/interceptor"),
		meter:    otel.Meter("github.com/loqalabs/loqa-speak/interceptor"),
	}
	if err := in.rebuild(settings); err != nil {
		return nil, err
	}
	if err := in.initMetrics(); err != nil {
		in.log.Warn("failed to initialize metrics", slogError(err))
	}
	return in, nil
}

func (in *Interceptor) initMetrics() error {
	var err error
	in.messages, err = in.meter.Int64Counter("speak.messages",
		metric.WithDescription("Inbound messages, by decision"))
	return err
}

// rebuild compiles the filter and scanner for settings. Callers hold mu or
// own the interceptor exclusively.
func (in *Interceptor) rebuild(settings store.Settings) error {
	filter, err := thinking.New(settings.ThinkingKeywords)
	if err != nil {
		return err
	}
	scanner, err := segment.NewScanner(settings.SegmentPattern, in.bracket)
	if err != nil {
		return err
	}
	in.filter = filter
	in.scanner = scanner
	return nil
}

// Settings returns a copy of the live settings.
func (in *Interceptor) Settings() store.Settings {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := in.settings
	out.ThinkingKeywords = append([]string(nil), in.settings.ThinkingKeywords...)
	return out
}

// ApplyConfig takes in the parts of a reloaded configuration that can change
// without a restart. Values set by chat commands keep precedence.
func (in *Interceptor) ApplyConfig(ctx context.Context, cfg config.Config) error {
	settings, err := in.deps.Store.Overlay(ctx, store.Defaults(cfg))
	if err != nil {
		return err
	}
	mode := scheduler.Mode(cfg.Scheduler.Mode)
	schedCfg := scheduler.Config{Mode: mode, CycleLength: settings.ProbabilityTotal, TriggerPercentage: settings.ProbabilityPercentage}
	if err := schedCfg.Validate(); err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	prevBracket := in.bracket
	in.bracket = cfg.Filter.BracketPattern
	if err := in.rebuild(settings); err != nil {
		in.bracket = prevBracket
		return err
	}
	if err := in.deps.Scheduler.Reconfigure(schedCfg); err != nil {
		return err
	}
	in.cfg = cfg.Interceptor
	in.mode = mode
	in.settings = settings
	if in.deps.Voice != nil {
		in.deps.Voice.SetVoice(settings.VoiceID)
		in.deps.Voice.SetModel(settings.ModelName)
	}
	in.log.Info("interceptor configuration applied")
	return nil
}

// OnInboundMessage processes one bot reply and emits its outbound units in
// order. Skipped messages emit nothing and leave the scheduler untouched.
func (in *Interceptor) OnInboundMessage(ctx context.Context, msg protocol.InboundMessage, emit dispatch.EmitFunc) (protocol.DispatchSummary, error) {
	summary := protocol.DispatchSummary{SessionID: msg.SessionID}

	ctx, span := in.tracer.Start(ctx, "speak.message",
		trace.WithAttributes(attribute.String("session.id", msg.SessionID)))
	defer span.End()

	in.mu.RLock()
	enabled := in.settings.Enabled
	filter := in.filter
	scanner := in.scanner
	skip := in.isCommandLocked(msg)
	in.mu.RUnlock()

	if !enabled || skip {
		summary.Skipped = true
		in.count(ctx, "skipped")
		return summary, nil
	}

	text := filter.Apply(msg.Text)
	if text == "" {
		summary.Skipped = true
		in.count(ctx, "skipped")
		return summary, nil
	}

	decided := in.deps.Scheduler.Decide(ctx)
	speak := decided.Speak
	decision := "text"
	if speak {
		decision = "voice"
	}
	in.count(ctx, decision)
	span.SetAttributes(attribute.String("speak.decision", decision))

	segments := scanner.Scan(text)
	stamped := func(ctx context.Context, unit protocol.OutboundUnit) error {
		unit.SessionID = msg.SessionID
		return emit(ctx, unit)
	}
	res, err := in.deps.Pipeline.Run(ctx, speak, segments, stamped)

	summary.Spoke = speak
	summary.Units = len(res.Units)
	summary.SynthesisFailures = res.Failures

	in.journal(ctx, msg, len(segments), decided.Count, summary)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		summary.Error = err.Error()
		return summary, fmt.Errorf("dispatch message: %w", err)
	}
	in.log.Debug("message dispatched",
		slog.String("session_id", msg.SessionID),
		slog.String("decision", decision),
		slog.Int("units", summary.Units),
		slog.Int("failures", summary.SynthesisFailures))
	return summary, nil
}

func (in *Interceptor) isCommandLocked(msg protocol.InboundMessage) bool {
	if msg.IsCommand {
		return true
	}
	trigger := strings.TrimSpace(msg.Trigger)
	if trigger == "" {
		return false
	}
	if in.cfg.CommandPrefix != "" && strings.HasPrefix(trigger, in.cfg.CommandPrefix) {
		return true
	}
	lowered := strings.ToLower(trigger)
	for _, name := range in.cfg.ExcludedCommands {
		if lowered == strings.ToLower(name) {
			return true
		}
	}
	return false
}

func (in *Interceptor) journal(ctx context.Context, msg protocol.InboundMessage, segments int, count uint64, summary protocol.DispatchSummary) {
	err := in.deps.Store.AppendDispatch(context.WithoutCancel(ctx), store.Dispatch{
		SessionID:         msg.SessionID,
		TraceID:           msg.TraceID,
		Spoke:             summary.Spoke,
		Segments:          segments,
		Units:             summary.Units,
		SynthesisFailures: summary.SynthesisFailures,
		MessageCount:      count,
	})
	if err != nil {
		in.log.Warn("failed to journal dispatch", slogError(err))
	}
}

func (in *Interceptor) count(ctx context.Context, decision string) {
	if in.messages == nil {
		return
	}
	in.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))
}
