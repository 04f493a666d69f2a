package manager

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"martingale-bot-go/internal/bot"
	"martingale-bot-go/internal/events"
	"martingale-bot-go/internal/exchange"
	"martingale-bot-go/internal/metrics"
	"martingale-bot-go/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrAlreadyRunning     = errors.New("bot is already running")
	ErrCredentialsMissing = errors.New("exchange credentials missing")
	ErrCredentialsInvalid = errors.New("exchange credentials invalid")
	ErrStartCancelled     = errors.New("bot was stopped while starting")
)

// ClientFactory builds the exchange client a bot trades through.
type ClientFactory func(creds models.Credentials) (exchange.Client, error)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithoutCredentials lets bots start with empty credentials, for clients
// (like the paper exchange) that do not authenticate.
func WithoutCredentials() Option {
	return func(s *Supervisor) { s.requireCredentials = false }
}

// handle is the registry entry of one identity. It is reserved before the bot
// is built, so inst stays nil while the start is pending.
type handle struct {
	inst   *bot.Instance
	userID string
	cancel context.CancelFunc
	done   chan struct{} // closed once the loop (or the aborted start) is over

	// guarded by Supervisor.mu
	exited   bool // loop returned, or the start was abandoned
	orphaned bool // a Stop gave up waiting; whoever exits last reports
	reported bool // stopped already emitted
}

// Supervisor owns every running bot and guarantees at most one run loop per
// bot identity. It holds no persisted state: after a restart every bot is
// considered stopped.
type Supervisor struct {
	mu      sync.Mutex
	running map[uuid.UUID]*handle

	factory            ClientFactory
	engine             models.EngineConfig
	sink               events.Sink
	requireCredentials bool
	logger             *zap.Logger
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(factory ClientFactory, engine models.EngineConfig, sink events.Sink, logger *zap.Logger, opts ...Option) *Supervisor {
	if sink == nil {
		sink = events.Discard
	}
	s := &Supervisor{
		running:            make(map[uuid.UUID]*handle),
		factory:            factory,
		engine:             engine,
		sink:               sink,
		requireCredentials: true,
		logger:             logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds the bot described by spec and spawns its run loop. It returns
// ErrAlreadyRunning, without side effects, when the identity is registered or
// another Start for it is in progress. The identity is reserved for the whole
// construction, so a Stop arriving meanwhile cancels the start and Start
// returns ErrStartCancelled. Any other failure emits an error event and leaves
// nothing registered. ctx bounds construction only; the run loop outlives it.
func (s *Supervisor) Start(ctx context.Context, spec models.BotSpec) error {
	s.mu.Lock()
	if _, ok := s.running[spec.ID]; ok {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.Background())
	h := &handle{userID: spec.UserID, cancel: cancel, done: make(chan struct{})}
	s.running[spec.ID] = h
	s.mu.Unlock()

	// Stop 在构建期间取消 runCtx, which also aborts the build calls
	buildCtx, stopBuild := context.WithCancel(ctx)
	defer stopBuild()
	unhook := context.AfterFunc(runCtx, stopBuild)
	defer unhook()

	inst, err := s.build(buildCtx, spec)

	s.mu.Lock()
	cancelled := runCtx.Err() != nil
	if err == nil && !cancelled {
		h.inst = inst
		metrics.RunningBots.Inc()
	}
	s.mu.Unlock()

	if cancelled {
		s.abandon(spec.ID, h)
		s.logger.Info("bot start cancelled by stop", zap.String("bot_id", spec.ID.String()))
		return ErrStartCancelled
	}
	if err != nil {
		err = s.startFailed(spec, err)
		s.abandon(spec.ID, h)
		return err
	}

	// started precedes any event of the run loop
	s.emit(spec.ID, spec.UserID, events.Started, events.StartedPayload{
		Name:    spec.Name,
		Symbols: append([]string(nil), spec.Symbols...),
	})
	go s.run(runCtx, spec.ID, h)

	s.logger.Info("bot started",
		zap.String("bot_id", spec.ID.String()),
		zap.String("name", spec.Name),
		zap.Strings("symbols", spec.Symbols))
	return nil
}

func (s *Supervisor) build(ctx context.Context, spec models.BotSpec) (*bot.Instance, error) {
	if s.requireCredentials && spec.Credentials.Empty() {
		return nil, ErrCredentialsMissing
	}
	client, err := s.factory(spec.Credentials)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialsInvalid, err)
	}
	inst, err := bot.New(spec, client, s.engine, s.sink, s.logger)
	if err != nil {
		return nil, err
	}
	if err := inst.Preflight(ctx); err != nil {
		if errors.Is(err, exchange.ErrInvalidCredentials) {
			err = fmt.Errorf("%w: %w", ErrCredentialsInvalid, err)
		}
		return nil, err
	}
	return inst, nil
}

// abandon drops the reservation of a start that did not make it.
func (s *Supervisor) abandon(id uuid.UUID, h *handle) {
	h.cancel()
	report := s.finish(id, h)
	close(h.done)
	if report {
		s.emit(id, h.userID, events.Stopped, events.StoppedPayload{Reason: "stop requested"})
	}
}

func (s *Supervisor) startFailed(spec models.BotSpec, err error) error {
	s.logger.Error("bot failed to start",
		zap.String("bot_id", spec.ID.String()),
		zap.Error(err))
	s.emit(spec.ID, spec.UserID, events.Error, events.ErrorPayload{
		Message: err.Error(),
		Fatal:   true,
	})
	return err
}

// run executes the loop. Whatever way the loop ends, the bot is removed from
// the registry; a crash is reported as a fatal error, a cancelled loop whose
// Stop already gave up is reported as stopped.
func (s *Supervisor) run(ctx context.Context, id uuid.UUID, h *handle) {
	defer close(h.done)

	err := s.runRecovered(ctx, h.inst)
	report := s.finish(id, h)
	if err == nil || (ctx.Err() != nil && errors.Is(err, context.Canceled)) {
		if report {
			s.emit(id, h.userID, events.Stopped, events.StoppedPayload{Reason: "stop requested"})
			s.logger.Info("bot stopped after stop deadline", zap.String("bot_id", id.String()))
		}
		return
	}

	s.logger.Error("bot crashed",
		zap.String("bot_id", id.String()),
		zap.Error(err))
	s.emit(id, h.userID, events.Error, events.ErrorPayload{
		Message: err.Error(),
		Fatal:   true,
	})
}

// finish deregisters h and marks it exited. It reports whether the caller
// owes the stopped event of a Stop that timed out.
func (s *Supervisor) finish(id uuid.UUID, h *handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deregisterLocked(id, h)
	h.exited = true
	if h.orphaned && !h.reported {
		h.reported = true
		return true
	}
	return false
}

func (s *Supervisor) runRecovered(ctx context.Context, inst *bot.Instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("run loop panicked: %v", r)
		}
	}()
	return inst.Run(ctx)
}

// Stop cancels the bot, or its pending start, and waits for it to wind down,
// bounded by ctx. Stopping a bot that is not running succeeds. When ctx
// expires first the bot stays registered until its loop returns, at which
// point it is removed and reported as stopped.
func (s *Supervisor) Stop(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	h, ok := s.running[id]
	s.mu.Unlock()

	if !ok {
		s.emit(id, "", events.Stopped, events.StoppedPayload{Reason: "not running"})
		return nil
	}

	h.cancel()
	if err := s.await(ctx, id, h, "stop requested"); err != nil {
		s.logger.Warn("timed out waiting for bot to stop", zap.String("bot_id", id.String()))
		return err
	}
	s.logger.Info("bot stopped", zap.String("bot_id", id.String()))
	return nil
}

// await waits for h to be done, then deregisters it and emits stopped once.
func (s *Supervisor) await(ctx context.Context, id uuid.UUID, h *handle, reason string) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		s.mu.Lock()
		if !h.exited {
			h.orphaned = true
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.deregisterLocked(id, h)
	report := !h.reported
	h.reported = true
	s.mu.Unlock()

	if report {
		s.emit(id, h.userID, events.Stopped, events.StoppedPayload{Reason: reason})
	}
	return nil
}

// StopAll stops every running bot and pending start. Exchange-side positions
// are left as they are.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	handles := make(map[uuid.UUID]*handle, len(s.running))
	for id, h := range s.running {
		handles[id] = h
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for id, h := range handles {
		if err := s.await(ctx, id, h, "shutdown"); err != nil {
			s.logger.Warn("shutdown deadline reached with bots still running", zap.Int("bots", len(handles)))
			return
		}
	}
	s.logger.Info("all bots stopped", zap.Int("bots", len(handles)))
}

// IsRunning reports whether id is registered with a started run loop. A
// pending start does not count.
func (s *Supervisor) IsRunning(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.running[id]
	return ok && h.inst != nil
}

// GetRunning returns the running instance for id.
func (s *Supervisor) GetRunning(id uuid.UUID) (*bot.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.running[id]
	if !ok || h.inst == nil {
		return nil, false
	}
	return h.inst, true
}

// Running lists the registered identities in a stable order.
func (s *Supervisor) Running() []uuid.UUID {
	s.mu.Lock()
	ids := make([]uuid.UUID, 0, len(s.running))
	for id, h := range s.running {
		if h.inst != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return strings.Compare(a.String(), b.String())
	})
	return ids
}

// Snapshots returns the state of every running bot.
func (s *Supervisor) Snapshots() []bot.Snapshot {
	var out []bot.Snapshot
	for _, id := range s.Running() {
		if inst, ok := s.GetRunning(id); ok {
			out = append(out, inst.Snapshot())
		}
	}
	return out
}

// deregisterLocked removes h only if it is still the registered handle for
// id, so a crash and a Stop can both call it safely. s.mu must be held.
func (s *Supervisor) deregisterLocked(id uuid.UUID, h *handle) {
	if cur, ok := s.running[id]; ok && cur == h {
		delete(s.running, id)
		if h.inst != nil {
			metrics.RunningBots.Dec()
		}
	}
}

func (s *Supervisor) emit(id uuid.UUID, userID string, typ events.Type, payload any) {
	s.sink.Publish(events.New(id, userID, typ, payload))
}
