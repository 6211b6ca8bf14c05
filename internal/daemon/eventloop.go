package daemon

import (
	"context"
	"time"

	"github.com/harun/tablesync/pkg/persistence"
)

const statsInterval = 30 * time.Second

// EventLoop reports dead-lettered writes and logs periodic stats.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: statsInterval,
	}
}

// Run blocks until ctx is done.
func (e *EventLoop) Run(ctx context.Context) {
	logger := e.daemon.logger
	logger.Debug().Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	errs := e.daemon.writer.Errors()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Event loop stopping")
			return

		case dl := <-errs:
			e.reportDeadLetter(dl)

		case <-ticker.C:
			e.logStats(ctx)
		}
	}
}

func (e *EventLoop) reportDeadLetter(dl persistence.DeadLetter) {
	e.daemon.logger.Error().
		Str("kind", string(dl.Kind)).
		Str("session_id", dl.SessionID).
		Int("attempts", dl.Attempts).
		Str("error", dl.Error).
		Msg("Session snapshot was not written")
}

func (e *EventLoop) logStats(ctx context.Context) {
	d := e.daemon
	var transfers int
	if err := d.loop.Do(ctx, func() { transfers = d.loop.ActiveTransfers() }); err != nil {
		return
	}
	d.logger.Debug().
		Int("transfers", transfers).
		Int("clients", len(d.gateway.GetConnectedClients())).
		Int("rooms", d.router.RoomCount()).
		Int("dead_letters", len(d.writer.DeadLetters())).
		Msg("Runtime stats")
}
