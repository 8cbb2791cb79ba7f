package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
)

type Mode string

const (
	// ModeDeterministic speaks on the first slots of every cycle.
	ModeDeterministic Mode = "deterministic"
	// ModeRandomized draws a fresh random set of trigger slots each cycle.
	ModeRandomized Mode = "randomized"
)

var ErrInvalidConfig = errors.New("invalid scheduler config")

// MaxCycleLength bounds the cycle so slot arithmetic and the randomized
// trigger set stay small.
const MaxCycleLength = 1_000_000

type Config struct {
	Mode              Mode
	CycleLength       int
	TriggerPercentage int
}

// Validate reports configuration errors that would otherwise surface as a
// division by zero or an impossible slot count.
func (c Config) Validate() error {
	switch c.Mode {
	case "", ModeDeterministic, ModeRandomized:
	default:
		return fmt.Errorf("%w: mode must be one of deterministic|randomized, got %q", ErrInvalidConfig, c.Mode)
	}
	if c.CycleLength <= 0 {
		return fmt.Errorf("%w: cycle length must be positive, got %d", ErrInvalidConfig, c.CycleLength)
	}
	if c.CycleLength > MaxCycleLength {
		return fmt.Errorf("%w: cycle length must be at most %d, got %d", ErrInvalidConfig, MaxCycleLength, c.CycleLength)
	}
	if c.TriggerPercentage < 0 || c.TriggerPercentage > 100 {
		return fmt.Errorf("%w: trigger percentage must be within 0..100, got %d", ErrInvalidConfig, c.TriggerPercentage)
	}
	return nil
}

// Slots is the number of voice messages per cycle.
func (c Config) Slots() int {
	return c.CycleLength/100*c.TriggerPercentage + c.CycleLength%100*c.TriggerPercentage/100
}

// State is a snapshot of the scheduler.
type State struct {
	MessageCount      uint64
	CycleLength       int
	TriggerPercentage int
	Mode              Mode
	Triggers          []int
}

// StateStore persists the message counter across restarts.
type StateStore interface {
	LoadMessageCount(ctx context.Context) (uint64, error)
	SaveMessageCount(ctx context.Context, count uint64) error
}

// Scheduler decides per message whether the reply is spoken. Calls are
// serialized so the counter never loses an increment.
type Scheduler struct {
	mu       sync.Mutex
	cfg      Config
	count    uint64
	triggers map[int]bool
	store    StateStore
	rng      *rand.Rand
	logger   *slog.Logger
}

type Option func(*Scheduler)

// WithRand injects the source used by the randomized mode.
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = r }
}

func New(ctx context.Context, cfg Config, store StateStore, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDeterministic
	}
	s := &Scheduler{
		cfg:    cfg,
		store:  store,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		logger: logger.With(slog.String("component", "scheduler")),
	}
	for _, opt := range opts {
		opt(s)
	}
	if store != nil {
		count, err := store.LoadMessageCount(ctx)
		if err != nil {
			return nil, fmt.Errorf("load message count: %w", err)
		}
		s.count = count
	}
	if s.cfg.Mode == ModeRandomized {
		if s.count >= uint64(s.cfg.CycleLength) {
			s.count = 0
		}
		s.drawTriggers()
	}
	return s, nil
}

// Decision is the outcome for one message. Count is the counter value the
// message produced, before any cycle reset.
type Decision struct {
	Speak bool
	Count uint64
}

// ShouldSpeak counts the current message and reports whether it falls on a
// trigger slot.
func (s *Scheduler) ShouldSpeak(ctx context.Context) bool {
	return s.Decide(ctx).Speak
}

// Decide is ShouldSpeak with the message's count. The new count is persisted
// before returning; a failed write is logged and the decision stands.
func (s *Scheduler) Decide(ctx context.Context) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.count++
	counted := s.count
	var speak bool
	switch s.cfg.Mode {
	case ModeRandomized:
		speak = s.triggers[int(s.count)]
		if s.count >= uint64(s.cfg.CycleLength) {
			s.count = 0
			s.drawTriggers()
		}
	default:
		position := s.count % uint64(s.cfg.CycleLength)
		speak = position < uint64(s.cfg.Slots())
	}

	if s.store != nil {
		if err := s.store.SaveMessageCount(ctx, s.count); err != nil {
			s.logger.Warn("failed to persist message count", slog.Uint64("count", s.count), slogError(err))
		}
	}
	s.logger.Debug("voice decision", slog.Uint64("count", counted), slog.Bool("speak", speak))
	return Decision{Speak: speak, Count: counted}
}

// Reconfigure swaps cycle settings without resetting the counter. An invalid
// config leaves the scheduler unchanged.
func (s *Scheduler) Reconfigure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeDeterministic
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := cfg != s.cfg
	s.cfg = cfg
	if s.cfg.Mode == ModeRandomized && (changed || s.triggers == nil) {
		if s.count >= uint64(s.cfg.CycleLength) {
			s.count = 0
		}
		s.drawTriggers()
	}
	if s.cfg.Mode == ModeDeterministic {
		s.triggers = nil
	}
	return nil
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		MessageCount:      s.count,
		CycleLength:       s.cfg.CycleLength,
		TriggerPercentage: s.cfg.TriggerPercentage,
		Mode:              s.cfg.Mode,
	}
	for n := range s.triggers {
		st.Triggers = append(st.Triggers, n)
	}
	sort.Ints(st.Triggers)
	return st
}

// drawTriggers samples slot numbers from 1..cycle with Floyd's algorithm, so
// only the chosen slots are allocated. Caller holds mu.
func (s *Scheduler) drawTriggers() {
	cycle := s.cfg.CycleLength
	n := min(s.cfg.Slots(), cycle)
	s.triggers = make(map[int]bool, n)
	if n == 0 {
		return
	}
	for j := cycle - n + 1; j <= cycle; j++ {
		t := s.rng.IntN(j) + 1
		if s.triggers[t] {
			t = j
		}
		s.triggers[t] = true
	}
	s.logger.Info("drew voice trigger slots", slog.Int("cycle", cycle), slog.Int("slots", n))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
