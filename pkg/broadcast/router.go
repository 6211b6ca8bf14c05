// Package broadcast fans session events out to the connections joined to a
// session room.
package broadcast

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/tablesync/internal/observability"
	"github.com/rs/zerolog"
)

// Conn is a client connection that can receive encoded events.
type Conn interface {
	ID() string
	Send(data []byte) error
}

// Envelope is the wire form of a server-initiated event.
type Envelope struct {
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Seq       int64  `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// Router tracks room membership and delivers events to members.
type Router struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn
	// joined maps a connection id to the rooms it belongs to
	joined map[string]map[string]struct{}
	logger zerolog.Logger
	seq    uint64
	now    func() time.Time
}

// NewRouter creates an empty router.
func NewRouter(logger zerolog.Logger) *Router {
	observability.EnsureRegistered()
	return &Router{
		rooms:  make(map[string]map[string]Conn),
		joined: make(map[string]map[string]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// Join adds conn to the room of sessionID. Joining twice is a no-op.
func (r *Router) Join(sessionID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[sessionID]
	if !ok {
		room = make(map[string]Conn)
		r.rooms[sessionID] = room
	}
	room[conn.ID()] = conn

	rooms, ok := r.joined[conn.ID()]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[conn.ID()] = rooms
	}
	rooms[sessionID] = struct{}{}

	observability.SetRooms(len(r.rooms))
}

// Leave removes connID from the room of sessionID.
func (r *Router) Leave(sessionID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(sessionID, connID)
	observability.SetRooms(len(r.rooms))
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (r *Router) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := make([]string, 0, len(r.joined[connID]))
	for sessionID := range r.joined[connID] {
		left = append(left, sessionID)
	}
	for _, sessionID := range left {
		r.leaveLocked(sessionID, connID)
	}
	sort.Strings(left)

	observability.SetRooms(len(r.rooms))
	return left
}

func (r *Router) leaveLocked(sessionID, connID string) {
	if room, ok := r.rooms[sessionID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, sessionID)
		}
	}
	if rooms, ok := r.joined[connID]; ok {
		delete(rooms, sessionID)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
}

// Members returns the ids of the connections in the room, sorted.
func (r *Router) Members(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms[sessionID]))
	for id := range r.rooms[sessionID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomCount returns the number of non-empty rooms.
func (r *Router) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// ToRoom delivers event to every member of the room and returns the number
// of connections it was handed to.
func (r *Router) ToRoom(sessionID, event string, data any) int {
	return r.fanOut(sessionID, "", event, data)
}

// ToOthers delivers event to every member of the room except senderID.
func (r *Router) ToOthers(sessionID, senderID, event string, data any) int {
	return r.fanOut(sessionID, senderID, event, data)
}

// ToConn delivers event to a single connection.
func (r *Router) ToConn(conn Conn, event string, data any) error {
	payload, err := r.encode(event, data)
	if err != nil {
		return err
	}
	if err := conn.Send(payload); err != nil {
		r.logger.Warn().Err(err).Str("conn_id", conn.ID()).Str("event", event).Msg("Failed to send event")
		observability.RecordBroadcast(event, 0, 1)
		return err
	}
	observability.RecordBroadcast(event, 1, 0)
	return nil
}

func (r *Router) fanOut(sessionID, excludeID, event string, data any) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.rooms[sessionID]))
	for id, conn := range r.rooms[sessionID] {
		if id != excludeID {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.logger.Debug().Str("session_id", sessionID).Str("event", event).Msg("No room members to broadcast to")
		return 0
	}

	// Encoded once, before any send, so every member sees the same state
	payload, err := r.encode(event, data)
	if err != nil {
		return 0
	}

	successCount := 0
	failureCount := 0
	for _, conn := range targets {
		if err := conn.Send(payload); err != nil {
			r.logger.Warn().
				Err(err).
				Str("conn_id", conn.ID()).
				Str("session_id", sessionID).
				Str("event", event).
				Msg("Failed to broadcast to connection")
			failureCount++
			continue
		}
		successCount++
	}

	observability.RecordBroadcast(event, successCount, failureCount)
	r.logger.Debug().
		Str("session_id", sessionID).
		Str("event", event).
		Int("success", successCount).
		Int("failed", failureCount).
		Msg("Event broadcast complete")
	return successCount
}

func (r *Router) encode(event string, data any) ([]byte, error) {
	msg := Envelope{
		Event:     event,
		Data:      data,
		Seq:       r.nextSeq(),
		Timestamp: r.now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error().Err(err).Str("event", event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return nil, err
	}
	return payload, nil
}

func (r *Router) nextSeq() int64 {
	return int64(atomic.AddUint64(&r.seq, 1))
}
