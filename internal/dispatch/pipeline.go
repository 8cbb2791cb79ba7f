// Package dispatch turns scanned segments into an ordered stream of outbound
// units, synthesizing voice segments when the reply is spoken.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/segment"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultSynthesisTimeout = 30 * time.Second
	DefaultPacing           = 400 * time.Millisecond
)

// Speaker synthesizes text and returns a handle to the produced audio.
type Speaker interface {
	Speak(ctx context.Context, text string) (string, error)
}

// EmitFunc delivers one unit. A non-nil error aborts the run.
type EmitFunc func(ctx context.Context, unit protocol.OutboundUnit) error

type Options struct {
	// SynthesisTimeout bounds each Speak call. Zero means DefaultSynthesisTimeout.
	SynthesisTimeout time.Duration
	// Pacing is the pause between successive units. Negative disables it;
	// zero means DefaultPacing.
	Pacing time.Duration
}

type Result struct {
	Units    []protocol.OutboundUnit
	Spoken   int
	Failures int
}

type Pipeline struct {
	speaker Speaker
	opts    Options
	log     *slog.Logger
	now     func() time.Time

	meter     metric.Meter
	segments  metric.Int64Counter
	failures  metric.Int64Counter
	synthTime metric.Float64Histogram
}

func New(speaker Speaker, opts Options, logger *slog.Logger) *Pipeline {
	if opts.SynthesisTimeout <= 0 {
		opts.SynthesisTimeout = DefaultSynthesisTimeout
	}
	if opts.Pacing == 0 {
		opts.Pacing = DefaultPacing
	}
	if opts.Pacing < 0 {
		opts.Pacing = 0
	}
	p := &Pipeline{
		speaker: speaker,
		opts:    opts,
		log:     logger.With(slog.String("component", "dispatch")),
		now:     time.Now,
		meter:   otel.Meter("github.com/loqalabs/loqa-speak/dispatch"),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slogError(err))
	}
	return p
}

func (p *Pipeline) initMetrics() error {
	var err error
	if p.segments, err = p.meter.Int64Counter("speak.segments",
		metric.WithDescription("Segments dispatched, by emitted kind")); err != nil {
		return err
	}
	if p.failures, err = p.meter.Int64Counter("speak.synthesis.failures",
		metric.WithDescription("Voice segments that fell back to text")); err != nil {
		return err
	}
	if p.synthTime, err = p.meter.Float64Histogram("speak.synthesis.duration",
		metric.WithDescription("Synthesis latency"), metric.WithUnit("ms")); err != nil {
		return err
	}
	return nil
}

// Run emits one unit per segment, in order. When speak is set every voice
// segment is synthesized; a failed synthesis is emitted as text instead so no
// content is lost. Only emit errors and cancellation abort the run.
func (p *Pipeline) Run(ctx context.Context, speak bool, segments []segment.Segment, emit EmitFunc) (Result, error) {
	var res Result
	for i, seg := range segments {
		if i > 0 {
			if err := p.pause(ctx); err != nil {
				return res, err
			}
		}

		unit := protocol.OutboundUnit{
			Sequence: i,
			Kind:     protocol.UnitText,
			Content:  seg.Content,
			Final:    i == len(segments)-1,
		}
		if speak && seg.Kind == segment.Voice {
			path, err := p.synthesize(ctx, seg.Content)
			if err != nil {
				res.Failures++
				p.record(ctx, p.failures, 1)
				p.log.Warn("synthesis failed, sending text",
					slog.Int("sequence", i), slogError(err))
			} else {
				unit.Kind = protocol.UnitAudio
				unit.AudioPath = path
				res.Spoken++
			}
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		unit.Timestamp = p.now().UTC()

		if err := emit(ctx, unit); err != nil {
			return res, err
		}
		res.Units = append(res.Units, unit)
		p.record(ctx, p.segments, 1, attribute.String("kind", string(unit.Kind)))
	}
	return res, nil
}

func (p *Pipeline) synthesize(ctx context.Context, text string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.opts.SynthesisTimeout)
	defer cancel()
	start := p.now()
	path, err := p.speaker.Speak(callCtx, text)
	if p.synthTime != nil {
		p.synthTime.Record(ctx, float64(p.now().Sub(start).Microseconds())/1000)
	}
	return path, err
}

func (p *Pipeline) pause(ctx context.Context) error {
	if p.opts.Pacing <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.opts.Pacing)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Pipeline) record(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
