package interceptor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-speak/internal/bus"
	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/semaphore"
)

// Service binds an Interceptor to the message bus.
type Service struct {
	cfg         config.InterceptorConfig
	bus         *bus.Client
	interceptor *Interceptor
	logger      *slog.Logger
	subInbound  *nats.Subscription
	subCommand  *nats.Subscription
	sem         *semaphore.Weighted
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

func NewService(parent context.Context, cfg config.InterceptorConfig, busClient *bus.Client, interceptor *Interceptor, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	limit := int64(cfg.MaxConcurrency)
	if limit <= 0 {
		limit = 1
	}
	return &Service{
		cfg:         cfg,
		bus:         busClient,
		interceptor: interceptor,
		logger:      logger.With(slog.String("component", "interceptor-service")),
		sem:         semaphore.NewWeighted(limit),
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectInbound, s.handleInbound)
	if err != nil {
		return err
	}
	s.subInbound = sub

	subCmd, err := s.bus.Conn().Subscribe(protocol.SubjectCommand, s.handleCommand)
	if err != nil {
		_ = s.subInbound.Drain()
		return err
	}
	s.subCommand = subCmd
	return nil
}

// Close stops accepting messages and waits for in-flight dispatches.
func (s *Service) Close() {
	if s.subInbound != nil {
		_ = s.subInbound.Unsubscribe()
	}
	if s.subCommand != nil {
		_ = s.subCommand.Unsubscribe()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.subInbound != nil && s.subCommand != nil && s.bus.Healthy()
}

func (s *Service) handleInbound(msg *nats.Msg) {
	var inbound protocol.InboundMessage
	if err := json.Unmarshal(msg.Data, &inbound); err != nil {
		s.logger.Warn("failed to decode inbound message", slogError(err))
		return
	}

	reply := msg.Reply
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		summary, err := s.interceptor.OnInboundMessage(s.ctx, inbound, s.publishUnit)
		if err != nil {
			s.logger.Warn("dispatch aborted",
				slog.String("session_id", inbound.SessionID), slogError(err))
		}
		if reply != "" {
			s.respond(reply, summary)
		}
	}()
}

func (s *Service) handleCommand(msg *nats.Msg) {
	var req protocol.CommandRequest
	var reply protocol.CommandReply
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply = fail("malformed command: %v", err)
	} else {
		reply = s.interceptor.OnCommand(s.ctx, req.Name, req.Args)
		s.logger.Info("command handled",
			slog.String("session_id", req.SessionID),
			slog.String("command", req.Name),
			slog.Bool("ok", reply.OK))
	}
	if msg.Reply != "" {
		s.respond(msg.Reply, reply)
	}
}

func (s *Service) publishUnit(_ context.Context, unit protocol.OutboundUnit) error {
	data, err := json.Marshal(unit)
	if err != nil {
		return err
	}
	return s.bus.Conn().Publish(protocol.SubjectOutbound, data)
}

func (s *Service) respond(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish reply", slogError(err))
	}
}
