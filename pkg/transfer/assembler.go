package transfer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/tablesync/internal/observability"
	"github.com/rs/zerolog"
)

// ErrUnknownTransfer is returned for chunks naming no transfer in flight.
var ErrUnknownTransfer = errors.New("unknown transfer")

// Reason classifies a failed transfer.
type Reason string

const (
	TooManyChunks          Reason = "TooManyChunks"
	ChunkTooLarge          Reason = "ChunkTooLarge"
	InvalidChunkIndex      Reason = "InvalidChunkIndex"
	ReconstructionTooLarge Reason = "ReconstructionTooLarge"
	Timeout                Reason = "Timeout"
	TransferInProgress     Reason = "TransferInProgress"
)

// Audience says who must be told about a failure.
type Audience int

const (
	// AudienceInitiator is only the connection that sent the rejected message.
	AudienceInitiator Audience = iota
	// AudienceRoom is every connection in the session room.
	AudienceRoom
)

// Failure is a transfer protocol error.
type Failure struct {
	SessionID string
	ImageID   string
	Reason    Reason
	Message   string
	Audience  Audience
}

func (f *Failure) Error() string {
	return fmt.Sprintf("transfer %s failed: %s: %s", f.ImageID, f.Reason, f.Message)
}

// Limits bound a transfer.
type Limits struct {
	MaxChunks     int
	MaxChunkBytes int
	MaxImageBytes int
	Timeout       time.Duration
}

// DefaultLimits returns 100 chunks of at most 600 KiB, a 10 MiB image and a
// 60 second inactivity timeout.
func DefaultLimits() Limits {
	return Limits{
		MaxChunks:     100,
		MaxChunkBytes: 600 * 1024,
		MaxImageBytes: 10 * 1024 * 1024,
		Timeout:       60 * time.Second,
	}
}

// Expiry identifies one armed inactivity timer.
type Expiry struct {
	ImageID    string
	Generation uint64
}

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler arms timers. The default uses time.AfterFunc.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Config configures an Assembler.
type Config struct {
	Limits    Limits
	Logger    zerolog.Logger
	Scheduler Scheduler
	// OnExpire is called from the timer goroutine when a transfer goes idle.
	OnExpire func(Expiry)
}

// Chunk is one fragment of an image.
type Chunk struct {
	ImageID string
	Index   int
	Data    string
	IsLast  bool
}

// Result describes the effect of an accepted chunk.
type Result struct {
	SessionID string
	ImageID   string
	Duplicate bool
	Completed bool
	// Image is the reconstructed payload when Completed is set.
	Image string
}

type transfer struct {
	sessionID  string
	imageID    string
	initiator  string
	slots      []string
	filled     []bool
	received   int
	timer      Timer
	generation uint64
}

// Assembler tracks every transfer in flight.
type Assembler struct {
	limits    Limits
	logger    zerolog.Logger
	scheduler Scheduler
	onExpire  func(Expiry)
	transfers map[string]*transfer

	// generation numbers every armed timer across all transfers, so an
	// expiry never matches a later transfer reusing the same image id
	generation uint64
}

// NewAssembler creates an Assembler. Zero limits take their defaults.
func NewAssembler(cfg Config) *Assembler {
	observability.EnsureRegistered()

	limits := cfg.Limits
	defaults := DefaultLimits()
	if limits.MaxChunks <= 0 {
		limits.MaxChunks = defaults.MaxChunks
	}
	if limits.MaxChunkBytes <= 0 {
		limits.MaxChunkBytes = defaults.MaxChunkBytes
	}
	if limits.MaxImageBytes <= 0 {
		limits.MaxImageBytes = defaults.MaxImageBytes
	}
	if limits.Timeout <= 0 {
		limits.Timeout = defaults.Timeout
	}

	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = realScheduler{}
	}
	onExpire := cfg.OnExpire
	if onExpire == nil {
		onExpire = func(Expiry) {}
	}

	return &Assembler{
		limits:    limits,
		logger:    cfg.Logger,
		scheduler: scheduler,
		onExpire:  onExpire,
		transfers: make(map[string]*transfer),
	}
}

// Limits returns the effective limits.
func (a *Assembler) Limits() Limits {
	return a.limits
}

// Active returns the number of transfers in flight.
func (a *Assembler) Active() int {
	return len(a.transfers)
}

// Start begins a transfer of totalChunks chunks for sessionID initiated by
// connID. Rejections are *Failure addressed to the initiator.
func (a *Assembler) Start(sessionID, connID, imageID string, totalChunks int) error {
	if totalChunks > a.limits.MaxChunks {
		observability.RecordTransfer(string(TooManyChunks))
		return &Failure{
			SessionID: sessionID,
			ImageID:   imageID,
			Reason:    TooManyChunks,
			Message:   fmt.Sprintf("transfer of %d chunks exceeds the limit of %d", totalChunks, a.limits.MaxChunks),
			Audience:  AudienceInitiator,
		}
	}
	if totalChunks < 1 {
		return fmt.Errorf("total chunks must be positive, got %d", totalChunks)
	}
	if _, exists := a.transfers[imageID]; exists {
		observability.RecordTransfer(string(TransferInProgress))
		return &Failure{
			SessionID: sessionID,
			ImageID:   imageID,
			Reason:    TransferInProgress,
			Message:   "a transfer with this image id is already in progress",
			Audience:  AudienceInitiator,
		}
	}

	t := &transfer{
		sessionID: sessionID,
		imageID:   imageID,
		initiator: connID,
		slots:     make([]string, totalChunks),
		filled:    make([]bool, totalChunks),
	}
	a.transfers[imageID] = t
	a.arm(t)
	observability.SetActiveTransfers(len(a.transfers))

	a.logger.Debug().
		Str("session_id", sessionID).
		Str("conn_id", connID).
		Str("image_id", imageID).
		Int("total_chunks", totalChunks).
		Msg("Transfer started")
	return nil
}

// Chunk stores one fragment. Aborts are returned as *Failure addressed to
// the room; a chunk for an unknown image returns ErrUnknownTransfer.
func (a *Assembler) Chunk(c Chunk) (Result, error) {
	t, ok := a.transfers[c.ImageID]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTransfer, c.ImageID)
	}
	res := Result{SessionID: t.sessionID, ImageID: t.imageID}

	if len(c.Data) > a.limits.MaxChunkBytes {
		return res, a.abort(t, ChunkTooLarge,
			fmt.Sprintf("chunk %d is %d bytes, limit is %d", c.Index, len(c.Data), a.limits.MaxChunkBytes))
	}
	if c.Index < 0 || c.Index >= len(t.slots) {
		return res, a.abort(t, InvalidChunkIndex,
			fmt.Sprintf("chunk index %d outside [0, %d)", c.Index, len(t.slots)))
	}
	if t.filled[c.Index] {
		a.logger.Debug().Str("image_id", t.imageID).Int("index", c.Index).Msg("Duplicate chunk ignored")
		res.Duplicate = true
		return res, nil
	}

	t.slots[c.Index] = c.Data
	t.filled[c.Index] = true
	t.received++

	if t.received < len(t.slots) {
		a.arm(t)
		return res, nil
	}

	size := 0
	for _, slot := range t.slots {
		size += len(slot)
	}
	if size > a.limits.MaxImageBytes {
		return res, a.abort(t, ReconstructionTooLarge,
			fmt.Sprintf("image is %d bytes, limit is %d", size, a.limits.MaxImageBytes))
	}

	var b strings.Builder
	b.Grow(size)
	for _, slot := range t.slots {
		b.WriteString(slot)
	}
	a.free(t)
	observability.RecordTransfer("complete")

	a.logger.Info().
		Str("session_id", t.sessionID).
		Str("image_id", t.imageID).
		Int("bytes", size).
		Int("chunks", len(t.slots)).
		Msg("Transfer complete")

	res.Completed = true
	res.Image = b.String()
	return res, nil
}

// Expire applies a timer expiry. Expiries from a timer that has since been
// rearmed or stopped are ignored and return nil.
func (a *Assembler) Expire(e Expiry) *Failure {
	t, ok := a.transfers[e.ImageID]
	if !ok || t.generation != e.Generation {
		return nil
	}
	return a.abort(t, Timeout, fmt.Sprintf("no chunk received for %s", a.limits.Timeout))
}

// AbortInitiatedBy silently drops every transfer started by connID and
// returns their image ids.
func (a *Assembler) AbortInitiatedBy(connID string) []string {
	var aborted []string
	for imageID, t := range a.transfers {
		if t.initiator != connID {
			continue
		}
		a.free(t)
		aborted = append(aborted, imageID)
		observability.RecordTransfer("initiator_disconnected")
		a.logger.Debug().Str("image_id", imageID).Str("conn_id", connID).Msg("Transfer aborted on disconnect")
	}
	return aborted
}

// FailInitiatedBy aborts every transfer started by connID with reason and
// returns one room failure per transfer, ordered by image id.
func (a *Assembler) FailInitiatedBy(connID string, reason Reason, message string) []*Failure {
	var owned []*transfer
	for _, t := range a.transfers {
		if t.initiator == connID {
			owned = append(owned, t)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].imageID < owned[j].imageID })

	failures := make([]*Failure, 0, len(owned))
	for _, t := range owned {
		failures = append(failures, a.abort(t, reason, message))
	}
	return failures
}

func (a *Assembler) arm(t *transfer) {
	if t.timer != nil {
		t.timer.Stop()
	}
	a.generation++
	t.generation = a.generation
	expiry := Expiry{ImageID: t.imageID, Generation: t.generation}
	t.timer = a.scheduler.AfterFunc(a.limits.Timeout, func() {
		a.onExpire(expiry)
	})
}

func (a *Assembler) abort(t *transfer, reason Reason, message string) *Failure {
	a.free(t)
	observability.RecordTransfer(string(reason))

	a.logger.Warn().
		Str("session_id", t.sessionID).
		Str("image_id", t.imageID).
		Str("reason", string(reason)).
		Msg(message)

	return &Failure{
		SessionID: t.sessionID,
		ImageID:   t.imageID,
		Reason:    reason,
		Message:   message,
		Audience:  AudienceRoom,
	}
}

func (a *Assembler) free(t *transfer) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.generation = 0
	t.slots = nil
	t.filled = nil
	delete(a.transfers, t.imageID)
	observability.SetActiveTransfers(len(a.transfers))
}
