// Package synchronizer applies client messages to shared session state on a
// single event loop and fans the results out to session rooms.
//
// Every mutation of the registry, the router membership and the transfer
// assembler happens on the goroutine running Run. Other goroutines interact
// with the loop only through Submit, Disconnect and Do.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/harun/tablesync/internal/observability"
	"github.com/harun/tablesync/pkg/broadcast"
	"github.com/harun/tablesync/pkg/commandqueue"
	"github.com/harun/tablesync/pkg/dice"
	"github.com/harun/tablesync/pkg/protocol"
	"github.com/harun/tablesync/pkg/session"
	"github.com/harun/tablesync/pkg/transfer"
	"github.com/rs/zerolog"
)

// ErrStopped is returned when the loop is no longer running.
var ErrStopped = errors.New("synchronizer stopped")

// Persister schedules durable writes of session snapshots.
type Persister interface {
	Persist(ctx context.Context, kind session.Kind, sessionID string, snapshot any) *commandqueue.Future
}

// Roller performs server-side dice rolls.
type Roller interface {
	Roll(req dice.Request) (dice.Roll, error)
}

// Config configures a Synchronizer.
type Config struct {
	Registry  *session.Registry
	Router    *broadcast.Router
	Persister Persister
	Roller    Roller
	Logger    zerolog.Logger

	TransferLimits transfer.Limits
	// Scheduler overrides transfer timers, for tests.
	Scheduler transfer.Scheduler

	HistoryLimit int
	InboxSize    int
	Now          func() time.Time
}

type itemKind int

const (
	itemMessage itemKind = iota
	itemDisconnect
	itemFrameTooLarge
	itemExpiry
	itemCall
)

type item struct {
	kind   itemKind
	ctx    context.Context
	conn   broadcast.Conn
	msg    protocol.Message
	expiry transfer.Expiry
	limit  int64
	fn     func()
	done   chan struct{}
}

// Synchronizer owns the session registry and serializes all access to it.
type Synchronizer struct {
	registry     *session.Registry
	router       *broadcast.Router
	persister    Persister
	roller       Roller
	assembler    *transfer.Assembler
	logger       zerolog.Logger
	historyLimit int
	now          func() time.Time

	inbox   chan item
	running atomic.Bool
	stopped chan struct{}
}

// New creates a Synchronizer. Registry, Router and Persister are required.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}
	if cfg.Persister == nil {
		return nil, errors.New("persister is required")
	}
	observability.EnsureRegistered()

	roller := cfg.Roller
	if roller == nil {
		seed, err := dice.NewSeed()
		if err != nil {
			return nil, fmt.Errorf("failed to seed dice roller: %w", err)
		}
		roller = dice.NewRoller(seed)
	}

	inboxSize := cfg.InboxSize
	if inboxSize <= 0 {
		inboxSize = 256
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = session.DefaultHistoryLimit
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Synchronizer{
		registry:     cfg.Registry,
		router:       cfg.Router,
		persister:    cfg.Persister,
		roller:       roller,
		logger:       cfg.Logger,
		historyLimit: historyLimit,
		now:          now,
		inbox:        make(chan item, inboxSize),
		stopped:      make(chan struct{}),
	}
	s.assembler = transfer.NewAssembler(transfer.Config{
		Limits:    cfg.TransferLimits,
		Logger:    cfg.Logger,
		Scheduler: cfg.Scheduler,
		OnExpire:  s.postExpiry,
	})
	return s, nil
}

// Run processes inbox items one at a time until ctx is done.
func (s *Synchronizer) Run(ctx context.Context) {
	s.running.Store(true)
	defer close(s.stopped)
	s.logger.Info().Msg("Synchronizer loop started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Synchronizer loop stopping")
			return
		case it := <-s.inbox:
			s.dispatch(it)
		}
	}
}

func (s *Synchronizer) dispatch(it item) {
	switch it.kind {
	case itemMessage:
		s.handleRecovered(it)
	case itemDisconnect:
		s.handleDisconnect(it.conn)
	case itemFrameTooLarge:
		s.handleFrameTooLarge(it.conn, it.limit)
	case itemExpiry:
		s.handleExpiry(it.expiry)
	case itemCall:
		it.fn()
		close(it.done)
	}
}

// handleRecovered keeps a panicking handler from stopping the loop for
// every other room.
func (s *Synchronizer) handleRecovered(it item) {
	defer func() {
		if r := recover(); r != nil {
			observability.RecordDropped("panic")
			s.logger.Error().
				Interface("panic", r).
				Str("conn_id", it.conn.ID()).
				Str("event", it.msg.EventName()).
				Msg("Panic while handling message")
		}
	}()
	s.Handle(it.ctx, it.conn, it.msg)
}

// Submit queues msg from conn. It blocks while the inbox is full.
func (s *Synchronizer) Submit(ctx context.Context, conn broadcast.Conn, msg protocol.Message) error {
	return s.post(ctx, item{kind: itemMessage, ctx: ctx, conn: conn, msg: msg})
}

// Disconnect queues the cleanup of conn.
func (s *Synchronizer) Disconnect(ctx context.Context, conn broadcast.Conn) error {
	return s.post(ctx, item{kind: itemDisconnect, conn: conn})
}

// FrameTooLarge queues the failure of every transfer conn started after it
// sent a frame over the gateway's read limit. Disconnect should follow.
func (s *Synchronizer) FrameTooLarge(ctx context.Context, conn broadcast.Conn, limit int64) error {
	return s.post(ctx, item{kind: itemFrameTooLarge, conn: conn, limit: limit})
}

// Do runs fn on the loop and waits for it. When the loop is not running fn
// runs on the caller's goroutine, since nothing else owns the state.
func (s *Synchronizer) Do(ctx context.Context, fn func()) error {
	if !s.running.Load() || s.isStopped() {
		fn()
		return nil
	}

	done := make(chan struct{})
	select {
	case s.inbox <- item{kind: itemCall, fn: fn, done: done}:
	case <-s.stopped:
		fn()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-s.stopped:
		// the loop may have exited with the call still queued
		select {
		case <-done:
		default:
			s.drainCalls()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drainCalls runs calls left in the inbox after the loop exited.
func (s *Synchronizer) drainCalls() {
	for {
		select {
		case it := <-s.inbox:
			if it.kind == itemCall {
				it.fn()
				close(it.done)
			}
		default:
			return
		}
	}
}

func (s *Synchronizer) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

func (s *Synchronizer) post(ctx context.Context, it item) error {
	if s.isStopped() {
		return ErrStopped
	}
	select {
	case s.inbox <- it:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// postExpiry runs on a timer goroutine.
func (s *Synchronizer) postExpiry(e transfer.Expiry) {
	select {
	case s.inbox <- item{kind: itemExpiry, expiry: e}:
	case <-s.stopped:
	}
}

// Checkpoint persists every known session of every kind without waiting.
func (s *Synchronizer) Checkpoint(ctx context.Context) error {
	var count int
	err := s.Do(ctx, func() {
		count = len(s.persistAll(ctx))
	})
	if err == nil {
		s.logger.Debug().Int("writes", count).Msg("Checkpoint scheduled")
	}
	return err
}

// Flush persists every known session and waits for all writes. Failures are
// joined into the returned error.
func (s *Synchronizer) Flush(ctx context.Context) error {
	var futures []*commandqueue.Future
	if err := s.Do(ctx, func() {
		futures = s.persistAll(ctx)
	}); err != nil {
		return fmt.Errorf("failed to snapshot sessions: %w", err)
	}

	var errs []error
	for _, f := range futures {
		if err := f.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// persistAll must run on the loop.
func (s *Synchronizer) persistAll(ctx context.Context) []*commandqueue.Future {
	var futures []*commandqueue.Future
	for _, kind := range session.Kinds() {
		for _, id := range s.registry.SessionIDs(kind) {
			snapshot, err := s.registry.Snapshot(kind, id)
			if err != nil {
				continue
			}
			futures = append(futures, s.persister.Persist(ctx, kind, id, snapshot))
		}
	}
	return futures
}

// ActiveTransfers returns the number of transfers in flight. Loop only.
func (s *Synchronizer) ActiveTransfers() int {
	return s.assembler.Active()
}
