package synchronizer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/tablesync/pkg/broadcast"
	"github.com/harun/tablesync/pkg/commandqueue"
	"github.com/harun/tablesync/pkg/dice"
	"github.com/harun/tablesync/pkg/protocol"
	"github.com/harun/tablesync/pkg/session"
	"github.com/harun/tablesync/pkg/transfer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type fakeConn struct {
	id   string
	mu   sync.Mutex
	sent []received
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(data []byte) error {
	var msg received
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, msg := range c.sent {
		out = append(out, msg.Event)
	}
	return out
}

// last decodes the payload of the most recent event named event into v.
func (c *fakeConn) last(t *testing.T, event string, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Event == event {
			require.NoError(t, json.Unmarshal(c.sent[i].Data, v))
			return
		}
	}
	t.Fatalf("no %s event received", event)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

type persistCall struct {
	kind      session.Kind
	sessionID string
	data      []byte
}

type fakePersister struct {
	mu    sync.Mutex
	calls []persistCall
	err   error
}

func (p *fakePersister) Persist(_ context.Context, kind session.Kind, sessionID string, snapshot any) *commandqueue.Future {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return commandqueue.Failed(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, persistCall{kind: kind, sessionID: sessionID, data: data})
	if p.err != nil {
		return commandqueue.Failed(p.err)
	}
	return commandqueue.Completed()
}

func (p *fakePersister) kinds() []session.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]session.Kind, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.kind)
	}
	return out
}

func (p *fakePersister) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

type fakeTimer struct{ fn func() }

func (t *fakeTimer) Stop() bool { return true }

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(_ time.Duration, f func()) transfer.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{fn: f}
	s.timers = append(s.timers, timer)
	return timer
}

func (s *fakeScheduler) latest() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[len(s.timers)-1]
}

type harness struct {
	sync      *Synchronizer
	registry  *session.Registry
	persister *fakePersister
	scheduler *fakeScheduler
}

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func newHarness(t *testing.T, limits transfer.Limits) *harness {
	t.Helper()
	h := &harness{
		registry:  session.NewRegistry(),
		persister: &fakePersister{},
		scheduler: &fakeScheduler{},
	}
	s, err := New(Config{
		Registry:       h.registry,
		Router:         broadcast.NewRouter(zerolog.Nop()),
		Persister:      h.persister,
		Roller:         dice.NewRoller(42),
		Logger:         zerolog.Nop(),
		TransferLimits: limits,
		Scheduler:      h.scheduler,
		Now:            func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	h.sync = s
	return h
}

// joined connects n fresh connections to sessionID and clears their
// snapshot traffic.
func (h *harness) joined(sessionID string, ids ...string) []*fakeConn {
	conns := make([]*fakeConn, 0, len(ids))
	for _, id := range ids {
		c := &fakeConn{id: id}
		h.sync.Handle(context.Background(), c, &protocol.Join{Target: protocol.Target{SessionID: sessionID}})
		c.reset()
		conns = append(conns, c)
	}
	h.persister.reset()
	return conns
}

func target(id string) protocol.Target {
	return protocol.Target{SessionID: id}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{Router: broadcast.NewRouter(zerolog.Nop()), Persister: &fakePersister{}})
	assert.Error(t, err)

	_, err = New(Config{Registry: session.NewRegistry(), Persister: &fakePersister{}})
	assert.Error(t, err)

	_, err = New(Config{Registry: session.NewRegistry(), Router: broadcast.NewRouter(zerolog.Nop())})
	assert.Error(t, err)
}

func TestJoin_SendsSnapshotsToJoinerOnly(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	existing := h.joined("s1", "a")[0]

	joiner := &fakeConn{id: "b"}
	h.sync.Handle(context.Background(), joiner, &protocol.Join{Target: target("s1")})

	assert.Equal(t, []string{
		protocol.EventSessionUpdated,
		protocol.EventDiceStateUpdated,
		protocol.EventRollHistorySync,
		protocol.EventBattlefieldStateUpdated,
	}, joiner.events())
	assert.Empty(t, existing.events())
	assert.Empty(t, h.persister.kinds())

	var state session.DiceState
	joiner.last(t, protocol.EventDiceStateUpdated, &state)
	assert.Len(t, state.Dice, len(dice.Vocabulary))

	var history []dice.Roll
	joiner.last(t, protocol.EventRollHistorySync, &history)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestAddMonster(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	conns := h.joined("s1", "a", "b")

	h.sync.Handle(context.Background(), conns[0], &protocol.AddMonster{
		Target:  target("s1"),
		Monster: session.Monster{ID: "m1", Name: "Orc", CurrentHP: 15, MaxHP: 15},
	})

	want := []string{
		protocol.EventMonsterUpdated,
		protocol.EventMonstersReordered,
		protocol.EventBattlefieldStateUpdated,
	}
	for _, c := range conns {
		assert.Equal(t, want, c.events(), c.id)
	}

	var monster session.Monster
	conns[1].last(t, protocol.EventMonsterUpdated, &monster)
	assert.NotNil(t, monster.Conditions)

	var field session.BattlefieldSession
	conns[1].last(t, protocol.EventBattlefieldStateUpdated, &field)
	require.Contains(t, field.Pieces, "m1")
	assert.Equal(t, 50.0, field.Pieces["m1"].X)
	assert.Equal(t, 50.0, field.Pieces["m1"].Y)

	assert.Equal(t, []session.Kind{session.KindCombat, session.KindBattlefield}, h.persister.kinds())
	assert.True(t, fixedNow.Equal(h.registry.Combat("s1").LastUpdated))

	t.Run("re-adding keeps the existing piece", func(t *testing.T) {
		h.persister.reset()
		h.sync.Handle(context.Background(), conns[0], &protocol.AddMonster{
			Target:  target("s1"),
			Monster: session.Monster{ID: "m1", Name: "Orc Chief"},
		})

		assert.Equal(t, []session.Kind{session.KindCombat}, h.persister.kinds())
		assert.Equal(t, []string{"m1"}, h.registry.Combat("s1").MonsterOrder)
		assert.Equal(t, "Orc", h.registry.Battlefield("s1").Pieces["m1"].Name)
	})
}

func TestUpdateHP(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	conns := h.joined("s1", "a")
	h.registry.Combat("s1").PutMonster(session.Monster{ID: "m1", CurrentHP: 10, MaxHP: 10, TempHP: 2})

	h.sync.Handle(context.Background(), conns[0], &protocol.UpdateHP{Target: target("s1"), MonsterID: "m1", CurrentHP: 4})
	got := h.registry.Combat("s1").Monsters["m1"]
	assert.Equal(t, 4, got.CurrentHP)
	assert.Equal(t, 2, got.TempHP)
	assert.Equal(t, 10, got.MaxHP)

	temp, maxHP := 0, 12
	h.sync.Handle(context.Background(), conns[0], &protocol.UpdateHP{Target: target("s1"), MonsterID: "m1", CurrentHP: 12, TempHP: &temp, MaxHP: &maxHP})
	got = h.registry.Combat("s1").Monsters["m1"]
	assert.Equal(t, 0, got.TempHP)
	assert.Equal(t, 12, got.MaxHP)

	assert.Equal(t, []string{protocol.EventMonsterUpdated, protocol.EventMonsterUpdated}, conns[0].events())
	assert.Len(t, h.persister.kinds(), 2)

	t.Run("unknown monster is ignored", func(t *testing.T) {
		conns[0].reset()
		h.persister.reset()

		h.sync.Handle(context.Background(), conns[0], &protocol.UpdateHP{Target: target("s1"), MonsterID: "ghost", CurrentHP: 1})
		h.sync.Handle(context.Background(), conns[0], &protocol.UpdateName{Target: target("s1"), MonsterID: "ghost", Name: "Boo"})

		assert.Empty(t, conns[0].events())
		assert.Empty(t, h.persister.kinds())
		assert.NotContains(t, h.registry.Combat("s1").Monsters, "ghost")
	})
}

func TestUpdateName(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	conns := h.joined("s1", "a")
	h.registry.Combat("s1").PutMonster(session.Monster{ID: "m1", Name: "Orc"})

	h.sync.Handle(context.Background(), conns[0], &protocol.UpdateName{Target: target("s1"), MonsterID: "m1", Name: "Grak"})

	var monster session.Monster
	conns[0].last(t, protocol.EventMonsterUpdated, &monster)
	assert.Equal(t, "Grak", monster.Name)
	assert.Equal(t, []session.Kind{session.KindCombat}, h.persister.kinds())
}

func TestBatchDeleteMonsters(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	conns := h.joined("s1", "a")
	for _, id := range []string{"m1", "m2", "m3"} {
		h.sync.Handle(context.Background(), conns[0], &protocol.AddMonster{Target: target("s1"), Monster: session.Monster{ID: id}})
	}
	// a stray piece with no monster behind it
	h.registry.Battlefield("s1").Pieces["p9"] = session.Piece{ID: "p9"}
	conns[0].reset()
	h.persister.reset()

	h.sync.Handle(context.Background(), conns[0], &protocol.BatchDeleteMonsters{Target: target("s1"), MonsterIDs: []string{"m2", "p9", "nope"}})

	assert.Equal(t, []string{
		protocol.EventMonstersDeleted,
		protocol.EventMonstersReordered,
		protocol.EventBattlefieldStateUpdated,
	}, conns[0].events())

	var deleted protocol.MonstersDeleted
	conns[0].last(t, protocol.EventMonstersDeleted, &deleted)
	assert.Equal(t, []string{"m2", "p9"}, deleted.MonsterIDs)

	var order protocol.MonstersReordered
	conns[0].last(t, protocol.EventMonstersReordered, &order)
	assert.Equal(t, []string{"m1", "m3"}, order.MonsterOrder)

	assert.Equal(t, []session.Kind{session.KindCombat, session.KindBattlefield}, h.persister.kinds())
	assert.NotContains(t, h.registry.Battlefield("s1").Pieces, "m2")

	t.Run("nothing matched", func(t *testing.T) {
		conns[0].reset()
		h.persister.reset()

		h.sync.Handle(context.Background(), conns[0], &protocol.BatchDeleteMonsters{Target: target("s1"), MonsterIDs: []string{"nope"}})

		assert.Empty(t, conns[0].events())
		assert.Empty(t, h.persister.kinds())
	})
}

func TestReorderMonsters(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	conns := h.joined("s1", "a", "b")

	h.sync.Handle(context.Background(), conns[0], &protocol.ReorderMonsters{Target: target("s1"), MonsterOrder: []string{"b", "a"}})

	var order protocol.MonstersReordered
	conns[1].last(t, protocol.EventMonstersReordered, &order)
	assert.Equal(t, []string{"b", "a"}, order.MonsterOrder)
	assert.Equal(t, []string{protocol.EventMonstersReordered}, conns[0].events())
	assert.Equal(t, []session.Kind{session.KindCombat}, h.persister.kinds())
}

func TestUpdateDiceState_ExcludesSender(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	conns := h.joined("s1", "a", "b")

	h.sync.Handle(context.Background(), conns[0], &protocol.UpdateDiceState{
		Target:    target("s1"),
		DiceState: session.DiceState{Dice: map[string]int{"d20": 2}, Advantage: true},
	})

	assert.Empty(t, conns[0].events())
	var state session.DiceState
	conns[1].last(t, protocol.EventDiceStateUpdated, &state)
	assert.Equal(t, 2, state.Dice["d20"])
	assert.True(t, state.Advantage)
	assert.Equal(t, []session.Kind{session.KindDice}, h.persister.kinds())
}

func TestRollDice(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	conns := h.joined("s1", "a", "b")

	h.sync.Handle(context.Background(), conns[0], &protocol.RollDice{
		Target:     target("s1"),
		PlayerName: "Ana",
		DiceConfig: session.DiceState{Dice: map[string]int{"d6": 3}},
	})

	for _, c := range conns {
		assert.Equal(t, []string{protocol.EventDiceRolled}, c.events(), c.id)
	}
	var roll dice.Roll
	conns[1].last(t, protocol.EventDiceRolled, &roll)
	assert.Equal(t, "Ana", roll.PlayerName)
	assert.GreaterOrEqual(t, roll.GrandTotal, 3)
	assert.LessOrEqual(t, roll.GrandTotal, 18)
	assert.Len(t, h.registry.Dice("s1").RollHistory, 1)
	assert.Equal(t, []session.Kind{session.KindDice}, h.persister.kinds())

	t.Run("no dice selected", func(t *testing.T) {
		conns[0].reset()
		h.persister.reset()

		h.sync.Handle(context.Background(), conns[0], &protocol.RollDice{Target: target("s1"), PlayerName: "Ana"})

		assert.Empty(t, conns[0].events())
		assert.Empty(t, h.persister.kinds())
		assert.Len(t, h.registry.Dice("s1").RollHistory, 1)
	})
}

func TestResetDice(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	conns := h.joined("s1", "a")
	d := h.registry.Dice("s1")
	d.SetDiceState(session.DiceState{Dice: map[string]int{"d4": 1}})
	d.AppendRoll(dice.Roll{ID: "r1"}, session.DefaultHistoryLimit)

	h.sync.Handle(context.Background(), conns[0], &protocol.ResetDiceRequest{Target: target("s1")})

	assert.Equal(t, []string{protocol.EventResetDice, protocol.EventDiceStateUpdated}, conns[0].events())
	var reset protocol.ResetDice
	conns[0].last(t, protocol.EventResetDice, &reset)
	assert.Equal(t, "s1", reset.SessionID)
	assert.Empty(t, d.RollHistory)
	assert.Equal(t, 0, d.DiceState.Dice["d4"])
}

func TestMovePiece(t *testing.T) {
	t.Run("existing piece goes to others", func(t *testing.T) {
		h := newHarness(t, transfer.DefaultLimits())
		conns := h.joined("s1", "a", "b")
		h.registry.Battlefield("s1").Pieces["p1"] = session.Piece{ID: "p1", X: 1, Y: 1}

		h.sync.Handle(context.Background(), conns[0], &protocol.MovePiece{Target: target("s1"), PieceID: "p1", X: 120.5, Y: 80})

		assert.Empty(t, conns[0].events())
		var moved protocol.PieceMoved
		conns[1].last(t, protocol.EventPieceMoved, &moved)
		assert.Equal(t, protocol.PieceMoved{PieceID: "p1", X: 120.5, Y: 80}, moved)
		assert.Equal(t, []session.Kind{session.KindBattlefield}, h.persister.kinds())
	})

	t.Run("monster without piece is placed", func(t *testing.T) {
		h := newHarness(t, transfer.DefaultLimits())
		conns := h.joined("s1", "a", "b")
		h.registry.Combat("s1").PutMonster(session.Monster{ID: "m1", Name: "Orc", MaxHP: 9})

		h.sync.Handle(context.Background(), conns[0], &protocol.MovePiece{Target: target("s1"), PieceID: "m1", X: 300, Y: 200})

		for _, c := range conns {
			assert.Equal(t, []string{protocol.EventBattlefieldStateUpdated}, c.events(), c.id)
		}
		piece := h.registry.Battlefield("s1").Pieces["m1"]
		assert.Equal(t, session.Piece{ID: "m1", X: 300, Y: 200, Name: "Orc", MaxHP: 9}, piece)
	})

	t.Run("unknown id changes nothing", func(t *testing.T) {
		h := newHarness(t, transfer.DefaultLimits())
		conns := h.joined("s1", "a", "b")

		h.sync.Handle(context.Background(), conns[0], &protocol.MovePiece{Target: target("s1"), PieceID: "ghost", X: 1, Y: 2})

		assert.Empty(t, h.registry.Battlefield("s1").Pieces)
		assert.Empty(t, conns[0].events())
		assert.Empty(t, conns[1].events())
		assert.Empty(t, h.persister.kinds())
	})
}

func TestBattlefieldSettings(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	conns := h.joined("s1", "a", "b")
	ctx := context.Background()

	h.sync.Handle(ctx, conns[0], &protocol.UpdateScale{Target: target("s1"), Scale: 5})
	var scale protocol.ScaleUpdated
	conns[1].last(t, protocol.EventScaleUpdated, &scale)
	assert.Equal(t, session.MaxScale, scale.Scale)

	h.sync.Handle(ctx, conns[0], &protocol.UpdatePieceSize{Target: target("s1"), PieceSize: 55.6})
	var size protocol.PieceSizeUpdated
	conns[1].last(t, protocol.EventPieceSizeUpdated, &size)
	assert.Equal(t, 56, size.PieceSize)

	h.sync.Handle(ctx, conns[0], &protocol.UpdateGridVisibility{Target: target("s1"), IsGridVisible: false})
	var grid protocol.GridVisibilityUpdated
	conns[1].last(t, protocol.EventGridVisibilityUpdated, &grid)
	assert.False(t, grid.IsGridVisible)

	image := "data:image/png;base64,AAAA"
	h.sync.Handle(ctx, conns[0], &protocol.UpdateBackground{Target: target("s1"), BackgroundImage: &image})
	h.sync.Handle(ctx, conns[0], &protocol.UpdateBackground{Target: target("s1")})
	var bg protocol.BackgroundUpdated
	conns[1].last(t, protocol.EventBackgroundUpdated, &bg)
	assert.Nil(t, bg.BackgroundImage)

	assert.Empty(t, conns[0].events())
	field := h.registry.Battlefield("s1")
	assert.Equal(t, session.MaxScale, field.Scale)
	assert.Equal(t, 56, field.PieceSize)
	assert.False(t, field.IsGridVisible)
	assert.Nil(t, field.BackgroundImage)
	assert.Len(t, h.persister.kinds(), 5)
}

func TestBackgroundTransfer(t *testing.T) {
	t.Run("out of order chunks complete for the room", func(t *testing.T) {
		h := newHarness(t, transfer.DefaultLimits())
		conns := h.joined("s1", "a", "b")
		ctx := context.Background()

		h.sync.Handle(ctx, conns[0], &protocol.BackgroundTransferStart{Target: target("s1"), ImageID: "img", TotalChunks: 3})
		for _, idx := range []int{0, 2, 1} {
			h.sync.Handle(ctx, conns[0], &protocol.BackgroundTransferChunk{
				Target:     target("s1"),
				ImageID:    "img",
				ChunkIndex: idx,
				Data:       []string{"AA", "BB", "CC"}[idx],
			})
		}

		for _, c := range conns {
			assert.Equal(t, []string{protocol.EventBackgroundTransferComplete}, c.events(), c.id)
		}
		var done protocol.BackgroundTransferComplete
		conns[1].last(t, protocol.EventBackgroundTransferComplete, &done)
		assert.Equal(t, "AABBCC", done.BackgroundImage)

		field := h.registry.Battlefield("s1")
		require.NotNil(t, field.BackgroundImage)
		assert.Equal(t, "AABBCC", *field.BackgroundImage)
		assert.Equal(t, []session.Kind{session.KindBattlefield}, h.persister.kinds())
		assert.Equal(t, 0, h.sync.ActiveTransfers())
	})

	t.Run("rejected start goes to initiator only", func(t *testing.T) {
		h := newHarness(t, transfer.DefaultLimits())
		conns := h.joined("s1", "a", "b")

		h.sync.Handle(context.Background(), conns[0], &protocol.BackgroundTransferStart{Target: target("s1"), ImageID: "img", TotalChunks: 101})

		var failed protocol.BackgroundTransferFailed
		conns[0].last(t, protocol.EventBackgroundTransferFailed, &failed)
		assert.Equal(t, string(transfer.TooManyChunks), failed.Reason)
		assert.Empty(t, conns[1].events())
	})

	t.Run("oversize chunk fails for the room", func(t *testing.T) {
		limits := transfer.DefaultLimits()
		limits.MaxChunkBytes = 4
		h := newHarness(t, limits)
		conns := h.joined("s1", "a", "b")
		ctx := context.Background()

		h.sync.Handle(ctx, conns[0], &protocol.BackgroundTransferStart{Target: target("s1"), ImageID: "img", TotalChunks: 2})
		h.sync.Handle(ctx, conns[0], &protocol.BackgroundTransferChunk{Target: target("s1"), ImageID: "img", ChunkIndex: 0, Data: "TOOLONG"})
		h.sync.Handle(ctx, conns[0], &protocol.BackgroundTransferChunk{Target: target("s1"), ImageID: "img", ChunkIndex: 1, Data: "OK"})

		for _, c := range conns {
			assert.Equal(t, []string{protocol.EventBackgroundTransferFailed}, c.events(), c.id)
		}
		assert.Nil(t, h.registry.Battlefield("s1").BackgroundImage)
	})

	t.Run("inactivity timeout", func(t *testing.T) {
		h := newHarness(t, transfer.DefaultLimits())
		conns := h.joined("s1", "a", "b")

		h.sync.Handle(context.Background(), conns[0], &protocol.BackgroundTransferStart{Target: target("s1"), ImageID: "img", TotalChunks: 2})
		h.scheduler.latest().fn()
		h.sync.dispatch(<-h.sync.inbox)

		for _, c := range conns {
			assert.Equal(t, []string{protocol.EventBackgroundTransferFailed}, c.events(), c.id)
		}
		var failed protocol.BackgroundTransferFailed
		conns[1].last(t, protocol.EventBackgroundTransferFailed, &failed)
		assert.Equal(t, string(transfer.Timeout), failed.Reason)
		assert.Equal(t, 0, h.sync.ActiveTransfers())
	})

	t.Run("frame over read limit fails for the room", func(t *testing.T) {
		h := newHarness(t, transfer.DefaultLimits())
		conns := h.joined("s1", "a", "b")
		ctx := context.Background()

		h.sync.Handle(ctx, conns[0], &protocol.BackgroundTransferStart{Target: target("s1"), ImageID: "img", TotalChunks: 2})
		require.NoError(t, h.sync.FrameTooLarge(ctx, conns[0], 1<<20))
		require.NoError(t, h.sync.Disconnect(ctx, conns[0]))
		h.sync.dispatch(<-h.sync.inbox)
		h.sync.dispatch(<-h.sync.inbox)

		assert.Equal(t, []string{protocol.EventBackgroundTransferFailed}, conns[1].events())
		var failed protocol.BackgroundTransferFailed
		conns[1].last(t, protocol.EventBackgroundTransferFailed, &failed)
		assert.Equal(t, string(transfer.ChunkTooLarge), failed.Reason)
		assert.Equal(t, "img", failed.ImageID)
		assert.Equal(t, 0, h.sync.ActiveTransfers())
	})

	t.Run("initiator disconnect aborts", func(t *testing.T) {
		h := newHarness(t, transfer.DefaultLimits())
		conns := h.joined("s1", "a", "b")
		ctx := context.Background()

		h.sync.Handle(ctx, conns[0], &protocol.BackgroundTransferStart{Target: target("s1"), ImageID: "img", TotalChunks: 1})
		h.sync.handleDisconnect(conns[0])
		h.sync.Handle(ctx, conns[1], &protocol.BackgroundTransferChunk{Target: target("s1"), ImageID: "img", ChunkIndex: 0, Data: "AA"})

		assert.Equal(t, 0, h.sync.ActiveTransfers())
		assert.Empty(t, conns[1].events())
		assert.Nil(t, h.registry.Battlefield("s1").BackgroundImage)
	})
}

type panickingRoller struct{}

func (panickingRoller) Roll(dice.Request) (dice.Roll, error) {
	panic("roller exploded")
}

func TestDispatch_RecoversFromHandlerPanic(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	h.sync.roller = panickingRoller{}
	conns := h.joined("s1", "a")
	ctx := context.Background()

	assert.NotPanics(t, func() {
		h.sync.dispatch(item{kind: itemMessage, ctx: ctx, conn: conns[0], msg: &protocol.RollDice{
			Target:     target("s1"),
			DiceConfig: session.DiceState{Dice: map[string]int{"d6": 1}},
		}})
	})

	h.sync.dispatch(item{kind: itemMessage, ctx: ctx, conn: conns[0], msg: &protocol.ReorderMonsters{Target: target("s1"), MonsterOrder: []string{}}})
	assert.Equal(t, []string{protocol.EventMonstersReordered}, conns[0].events())
}

func TestDisconnect_LeavesRoomsSilently(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	conns := h.joined("s1", "a", "b")

	h.sync.handleDisconnect(conns[0])
	h.sync.Handle(context.Background(), conns[1], &protocol.ReorderMonsters{Target: target("s1"), MonsterOrder: []string{}})

	assert.Empty(t, conns[0].events())
	assert.Equal(t, []string{protocol.EventMonstersReordered}, conns[1].events())
}

func TestRun_SerializesSubmittedMessages(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	ctx, cancel := context.WithCancel(context.Background())

	stopped := make(chan struct{})
	go func() {
		h.sync.Run(ctx)
		close(stopped)
	}()
	require.Eventually(t, h.sync.running.Load, time.Second, time.Millisecond)

	conn := &fakeConn{id: "a"}
	require.NoError(t, h.sync.Submit(ctx, conn, &protocol.Join{Target: target("s1")}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.sync.Submit(ctx, conn, &protocol.RollDice{
				Target:     target("s1"),
				DiceConfig: session.DiceState{Dice: map[string]int{"d4": 1}},
			}))
		}()
	}
	wg.Wait()

	var rolls int
	require.NoError(t, h.sync.Do(ctx, func() {
		rolls = len(h.registry.Dice("s1").RollHistory)
	}))
	assert.Equal(t, 20, rolls)

	require.NoError(t, h.sync.Disconnect(ctx, conn))
	require.NoError(t, h.sync.Checkpoint(ctx))

	cancel()
	<-stopped

	assert.ErrorIs(t, h.sync.Submit(context.Background(), conn, &protocol.Join{Target: target("s1")}), ErrStopped)

	ran := false
	require.NoError(t, h.sync.Do(context.Background(), func() { ran = true }))
	assert.True(t, ran)
}

func TestFlush(t *testing.T) {
	h := newHarness(t, transfer.DefaultLimits())
	h.registry.Combat("s1")
	h.registry.Dice("s1")
	h.registry.Battlefield("s2")

	require.NoError(t, h.sync.Flush(context.Background()))
	assert.Equal(t, []session.Kind{session.KindCombat, session.KindDice, session.KindBattlefield}, h.persister.kinds())

	h.persister.reset()
	h.persister.err = errors.New("disk full")
	err := h.sync.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
