package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/tablesync/internal/observability"
	"github.com/harun/tablesync/internal/tracing"
	"github.com/harun/tablesync/pkg/commandqueue"
	"github.com/harun/tablesync/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Config configures a Writer.
type Config struct {
	Store  Store
	Logger zerolog.Logger
	// MaxAttempts is the number of times a write is tried. Values below 1 mean 1.
	MaxAttempts int
	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
	// DeadLetterCapacity bounds the dead-letter journal and the Errors channel.
	DeadLetterCapacity int
}

// Writer issues snapshot writes asynchronously on per-session lanes.
type Writer struct {
	store       Store
	logger      zerolog.Logger
	attempts    int
	backoff     time.Duration
	queue       *commandqueue.CommandQueue
	deadLetters *journal
	errs        chan DeadLetter
}

// NewWriter creates a Writer over cfg.Store.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	observability.EnsureRegistered()

	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	capacity := cfg.DeadLetterCapacity
	if capacity <= 0 {
		capacity = 100
	}

	return &Writer{
		store:       cfg.Store,
		logger:      cfg.Logger,
		attempts:    attempts,
		backoff:     cfg.RetryBackoff,
		queue:       commandqueue.New(commandqueue.Config{Logger: cfg.Logger, WarnAfter: 5 * time.Second}),
		deadLetters: newJournal(capacity),
		errs:        make(chan DeadLetter, capacity),
	}, nil
}

// Persist serializes snapshot now and schedules its write. Writes for the
// same sessionID run in call order regardless of kind.
func (w *Writer) Persist(ctx context.Context, kind session.Kind, sessionID string, snapshot any) *commandqueue.Future {
	data, err := json.Marshal(snapshot)
	if err != nil {
		werr := &WriteError{Kind: kind, SessionID: sessionID, Err: fmt.Errorf("encode snapshot: %w", err)}
		w.fail(werr, nil)
		return commandqueue.Failed(werr)
	}

	ctx = tracing.WithSessionID(tracing.Detach(ctx), sessionID)
	return w.queue.Enqueue(ctx, laneFor(sessionID), func(ctx context.Context) error {
		return w.write(ctx, kind, sessionID, data)
	})
}

// FlushSync persists snapshot and waits for the write, including any
// earlier writes queued for the same session.
func (w *Writer) FlushSync(ctx context.Context, kind session.Kind, sessionID string, snapshot any) error {
	return w.Persist(ctx, kind, sessionID, snapshot).Wait(ctx)
}

func (w *Writer) write(ctx context.Context, kind session.Kind, sessionID string, data []byte) error {
	logger := tracing.LoggerFromContext(ctx, w.logger).With().Str("kind", string(kind)).Logger()

	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if attempt > 1 && w.backoff > 0 {
			select {
			case <-time.After(w.backoff):
			case <-ctx.Done():
				return w.fail(&WriteError{Kind: kind, SessionID: sessionID, Attempts: attempt - 1, Err: ctx.Err()}, data)
			}
		}

		spanCtx, span := tracing.StartSpan(
			ctx,
			"tablesync.persistence",
			"persistence.upsert",
			attribute.String("kind", string(kind)),
			attribute.String("session_id", sessionID),
			attribute.Int("attempt", attempt),
		)
		start := time.Now()
		err := w.store.Upsert(spanCtx, kind, sessionID, data)
		observability.RecordPersistenceWrite(string(kind), time.Since(start), err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err == nil {
			logger.Debug().Int("bytes", len(data)).Msg("Snapshot persisted")
			return nil
		}
		lastErr = err
		logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", w.attempts).Msg("Snapshot write failed")
	}

	return w.fail(&WriteError{Kind: kind, SessionID: sessionID, Attempts: w.attempts, Err: lastErr}, data)
}

// fail records an abandoned write and returns it.
func (w *Writer) fail(werr *WriteError, data []byte) error {
	dl := DeadLetter{
		Kind:      werr.Kind,
		SessionID: werr.SessionID,
		Data:      data,
		Error:     werr.Err.Error(),
		Attempts:  werr.Attempts,
		FailedAt:  time.Now().UTC(),
	}
	w.deadLetters.add(dl)
	observability.RecordDeadLetter(string(werr.Kind))

	w.logger.Error().
		Err(werr.Err).
		Str("kind", string(werr.Kind)).
		Str("session_id", werr.SessionID).
		Int("attempts", werr.Attempts).
		Msg("Snapshot write abandoned")

	select {
	case w.errs <- dl:
	default:
	}
	return werr
}

// Errors delivers abandoned writes. Entries are dropped when nobody reads.
func (w *Writer) Errors() <-chan DeadLetter {
	return w.errs
}

// DeadLetters returns the most recent abandoned writes, oldest first.
func (w *Writer) DeadLetters() []DeadLetter {
	return w.deadLetters.list()
}

// LoadInto hydrates reg from every stored snapshot. Rows that fail to
// decode are logged and skipped. It returns the number of sessions loaded.
func (w *Writer) LoadInto(ctx context.Context, reg *session.Registry) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "tablesync.persistence", "persistence.load_all")
	defer span.End()

	loaded := 0
	for _, kind := range session.Kinds() {
		records, err := w.store.LoadAll(ctx, kind)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return loaded, fmt.Errorf("load %s sessions: %w", kind, err)
		}
		for _, rec := range records {
			if err := reg.Hydrate(kind, rec.SessionID, rec.Data); err != nil {
				w.logger.Warn().
					Err(err).
					Str("kind", string(kind)).
					Str("session_id", rec.SessionID).
					Msg("Skipping undecodable snapshot")
				continue
			}
			loaded++
		}
	}
	return loaded, nil
}

// Drain waits for every queued write to finish.
func (w *Writer) Drain(ctx context.Context) error {
	return w.queue.Drain(ctx)
}

// Close drains queued writes and closes the store.
func (w *Writer) Close(ctx context.Context) error {
	qerr := w.queue.Close(ctx)
	return errors.Join(qerr, w.store.Close())
}

func laneFor(sessionID string) string {
	return "session:" + sessionID
}
