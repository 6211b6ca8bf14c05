// Package commandqueue provides lane-based asynchronous task execution with
// FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute one at a time in the order they were enqueued.
// - Tasks in different lanes may execute concurrently.
// - Enqueue never blocks; the caller receives a Future.
// - A lane's worker exits when its queue is empty, so idle lanes cost nothing.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{Logger: logger})
//	defer queue.Close()
//	future := queue.Enqueue(ctx, "session:abc", func(ctx context.Context) error {
//		return nil
//	})
//	err := future.Wait(ctx)
package commandqueue
