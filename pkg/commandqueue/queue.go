package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/tablesync/internal/observability"
	"github.com/harun/tablesync/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrClosed is returned for tasks enqueued after Close.
var ErrClosed = errors.New("command queue closed")

// Task represents an asynchronous operation to be executed
type Task func(ctx context.Context) error

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	future     *Future
}

// laneState holds the pending tasks of a single lane
type laneState struct {
	queue   []*taskRecord
	running bool
}

// Config configures a CommandQueue.
type Config struct {
	Logger zerolog.Logger
	// WarnAfter logs tasks that waited longer than this before starting. Zero disables.
	WarnAfter time.Duration
}

// CommandQueue provides lane-based task serialization
type CommandQueue struct {
	cfg       Config
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new CommandQueue
func New(cfg Config) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())

	return &CommandQueue{
		cfg:    cfg,
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue appends task to lane and returns immediately.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) *Future {
	if ctx == nil {
		ctx = context.Background()
	}

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return Failed(ErrClosed)
	}

	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		future:     newFuture(),
	}

	ls, exists := cq.lanes[lane]
	if !exists {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	startWorker := !ls.running
	ls.running = true
	cq.wg.Add(1)
	cq.mu.Unlock()

	observability.AddQueuePending(1)

	cq.cfg.Logger.Debug().
		Str("lane", lane).
		Str("task_id", record.id).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	if startWorker {
		go cq.processLane(lane, ls)
	}

	return record.future
}

// processLane runs the tasks of a lane until its queue is empty.
func (cq *CommandQueue) processLane(lane string, ls *laneState) {
	for {
		cq.mu.Lock()
		if len(ls.queue) == 0 {
			ls.running = false
			delete(cq.lanes, lane)
			cq.mu.Unlock()
			return
		}
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		cq.mu.Unlock()

		cq.executeTask(lane, record)
	}
}

// executeTask executes a single task
func (cq *CommandQueue) executeTask(lane string, record *taskRecord) {
	defer cq.wg.Done()
	defer observability.AddQueuePending(-1)

	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"tablesync.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, cq.cfg.Logger).With().Str("lane", lane).Logger()

	if wait := time.Since(record.enqueuedAt); cq.cfg.WarnAfter > 0 && wait > cq.cfg.WarnAfter {
		logger.Warn().
			Str("task_id", record.id).
			Dur("wait", wait).
			Msg("Task waited longer than expected")
	}

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	err := record.task(runCtx)
	duration := time.Since(startTime)

	record.future.complete(err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	observability.RecordTaskCompletion(duration, err == nil)
}

// GetQueueSize returns the number of tasks waiting to start in a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if ls, exists := cq.lanes[lane]; exists {
		return len(ls.queue)
	}
	return 0
}

// LaneCount returns the number of lanes with queued or running work
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// Drain waits until every enqueued task has finished or ctx is done.
func (cq *CommandQueue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		cq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close rejects further tasks and waits for queued ones to finish. Running
// tasks observe a cancelled context once ctx expires.
func (cq *CommandQueue) Close(ctx context.Context) error {
	cq.mu.Lock()
	cq.closed = true
	cq.mu.Unlock()

	err := cq.Drain(ctx)
	cq.cancel()
	return err
}
