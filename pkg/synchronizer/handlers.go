package synchronizer

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/harun/tablesync/internal/observability"
	"github.com/harun/tablesync/internal/tracing"
	"github.com/harun/tablesync/pkg/broadcast"
	"github.com/harun/tablesync/pkg/dice"
	"github.com/harun/tablesync/pkg/protocol"
	"github.com/harun/tablesync/pkg/session"
	"go.opentelemetry.io/otel/attribute"
)

// Drop reasons reported to metrics.
const (
	dropUnknownReference = "unknown_reference"
	dropNoDice           = "no_dice"
	dropMalformed        = "malformed"
	dropUnsupported      = "unsupported"
)

// Handle applies msg from conn. It must only be called from the loop
// goroutine, or from tests that own the Synchronizer exclusively.
func (s *Synchronizer) Handle(ctx context.Context, conn broadcast.Conn, msg protocol.Message) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	ctx = tracing.NewMessageContext(ctx, conn.ID(), msg.EventName())
	ctx = tracing.WithSessionID(ctx, msg.Session())
	ctx, span := tracing.StartSpan(ctx, "synchronizer", "synchronizer.handle",
		attribute.String("event", msg.EventName()),
		attribute.String("session_id", msg.Session()),
	)
	defer span.End()

	switch m := msg.(type) {
	case *protocol.Join:
		s.join(conn, m)
	case *protocol.AddMonster:
		s.addMonster(ctx, m)
	case *protocol.UpdateHP:
		s.updateHP(ctx, m)
	case *protocol.UpdateName:
		s.updateName(ctx, m)
	case *protocol.BatchDeleteMonsters:
		s.batchDeleteMonsters(ctx, m)
	case *protocol.ReorderMonsters:
		s.reorderMonsters(ctx, m)
	case *protocol.UpdateDiceState:
		s.updateDiceState(ctx, conn, m)
	case *protocol.RollDice:
		s.rollDice(ctx, m)
	case *protocol.ResetDiceRequest:
		s.resetDice(ctx, m)
	case *protocol.MovePiece:
		s.movePiece(ctx, conn, m)
	case *protocol.UpdateBackground:
		s.updateBackground(ctx, conn, m)
	case *protocol.UpdateScale:
		s.updateScale(ctx, conn, m)
	case *protocol.UpdateGridVisibility:
		s.updateGridVisibility(ctx, conn, m)
	case *protocol.UpdatePieceSize:
		s.updatePieceSize(ctx, conn, m)
	case *protocol.BackgroundTransferStart:
		s.startTransfer(ctx, conn, m)
	case *protocol.BackgroundTransferChunk:
		s.receiveChunk(ctx, m)
	default:
		s.drop(ctx, dropUnsupported, "Unsupported message type")
	}

	observability.SetSessions(s.registry.Len())
	observability.RecordInbound(msg.EventName(), time.Since(start))
}

func (s *Synchronizer) drop(ctx context.Context, reason, msg string) {
	observability.RecordDropped(reason)
	log := tracing.LoggerFromContext(ctx, s.logger)
	log.Warn().Str("reason", reason).Msg(msg)
}

func (s *Synchronizer) persist(ctx context.Context, kind session.Kind, sessionID string, snapshot any) {
	// a write failure surfaces through the writer's dead-letter channel
	s.persister.Persist(ctx, kind, sessionID, snapshot)
}

func (s *Synchronizer) join(conn broadcast.Conn, m *protocol.Join) {
	id := m.SessionID
	s.router.Join(id, conn)

	diceSession := s.registry.Dice(id)
	s.router.ToConn(conn, protocol.EventSessionUpdated, s.registry.Combat(id))
	s.router.ToConn(conn, protocol.EventDiceStateUpdated, diceSession.DiceState)
	s.router.ToConn(conn, protocol.EventRollHistorySync, diceSession.RollHistory)
	s.router.ToConn(conn, protocol.EventBattlefieldStateUpdated, s.registry.Battlefield(id))

	s.logger.Debug().
		Str("session_id", id).
		Str("conn_id", conn.ID()).
		Msg("Connection joined session")
}

func (s *Synchronizer) addMonster(ctx context.Context, m *protocol.AddMonster) {
	id := m.SessionID
	now := s.now()

	monster := m.Monster
	if monster.Conditions == nil {
		monster.Conditions = make([]string, 0)
	}

	combat := s.registry.Combat(id)
	combat.PutMonster(monster)
	combat.Touch(now)

	field := s.registry.Battlefield(id)
	placed := field.PlaceMonster(monster)
	if placed {
		field.Touch(now)
	}

	s.persist(ctx, session.KindCombat, id, combat)
	if placed {
		s.persist(ctx, session.KindBattlefield, id, field)
	}

	s.router.ToRoom(id, protocol.EventMonsterUpdated, monster)
	s.router.ToRoom(id, protocol.EventMonstersReordered, protocol.MonstersReordered{MonsterOrder: combat.MonsterOrder})
	s.router.ToRoom(id, protocol.EventBattlefieldStateUpdated, field)
}

func (s *Synchronizer) updateHP(ctx context.Context, m *protocol.UpdateHP) {
	combat := s.registry.Combat(m.SessionID)
	monster, ok := combat.Monsters[m.MonsterID]
	if !ok {
		s.drop(ctx, dropUnknownReference, "Hit point update for unknown monster")
		return
	}

	monster.CurrentHP = m.CurrentHP
	if m.TempHP != nil {
		monster.TempHP = *m.TempHP
	}
	if m.MaxHP != nil {
		monster.MaxHP = *m.MaxHP
	}
	combat.Monsters[monster.ID] = monster
	combat.Touch(s.now())

	s.persist(ctx, session.KindCombat, m.SessionID, combat)
	s.router.ToRoom(m.SessionID, protocol.EventMonsterUpdated, monster)
}

func (s *Synchronizer) updateName(ctx context.Context, m *protocol.UpdateName) {
	combat := s.registry.Combat(m.SessionID)
	monster, ok := combat.Monsters[m.MonsterID]
	if !ok {
		s.drop(ctx, dropUnknownReference, "Rename of unknown monster")
		return
	}

	monster.Name = m.Name
	combat.Monsters[monster.ID] = monster
	combat.Touch(s.now())

	s.persist(ctx, session.KindCombat, m.SessionID, combat)
	s.router.ToRoom(m.SessionID, protocol.EventMonsterUpdated, monster)
}

func (s *Synchronizer) batchDeleteMonsters(ctx context.Context, m *protocol.BatchDeleteMonsters) {
	id := m.SessionID
	now := s.now()

	combat := s.registry.Combat(id)
	field := s.registry.Battlefield(id)

	removed := union(combat.RemoveMonsters(m.MonsterIDs), field.RemovePieces(m.MonsterIDs))
	if len(removed) == 0 {
		log := tracing.LoggerFromContext(ctx, s.logger)
		log.Debug().
			Int("requested", len(m.MonsterIDs)).
			Msg("Batch delete matched nothing")
		return
	}
	combat.Touch(now)
	field.Touch(now)

	s.persist(ctx, session.KindCombat, id, combat)
	s.persist(ctx, session.KindBattlefield, id, field)

	s.router.ToRoom(id, protocol.EventMonstersDeleted, protocol.MonstersDeleted{MonsterIDs: removed})
	s.router.ToRoom(id, protocol.EventMonstersReordered, protocol.MonstersReordered{MonsterOrder: combat.MonsterOrder})
	s.router.ToRoom(id, protocol.EventBattlefieldStateUpdated, field)
}

func (s *Synchronizer) reorderMonsters(ctx context.Context, m *protocol.ReorderMonsters) {
	combat := s.registry.Combat(m.SessionID)
	combat.Reorder(m.MonsterOrder)
	combat.Touch(s.now())

	s.persist(ctx, session.KindCombat, m.SessionID, combat)
	s.router.ToRoom(m.SessionID, protocol.EventMonstersReordered, protocol.MonstersReordered{MonsterOrder: combat.MonsterOrder})
}

func (s *Synchronizer) updateDiceState(ctx context.Context, conn broadcast.Conn, m *protocol.UpdateDiceState) {
	d := s.registry.Dice(m.SessionID)
	d.SetDiceState(m.DiceState)

	s.persist(ctx, session.KindDice, m.SessionID, d)
	s.router.ToOthers(m.SessionID, conn.ID(), protocol.EventDiceStateUpdated, d.DiceState)
}

func (s *Synchronizer) rollDice(ctx context.Context, m *protocol.RollDice) {
	roll, err := s.roller.Roll(dice.Request{
		PlayerName:   m.PlayerName,
		Dice:         m.DiceConfig.Dice,
		Advantage:    m.DiceConfig.Advantage,
		Disadvantage: m.DiceConfig.Disadvantage,
	})
	if errors.Is(err, dice.ErrNoDice) {
		s.drop(ctx, dropNoDice, "Roll requested with no dice selected")
		return
	}
	if err != nil {
		s.drop(ctx, dropMalformed, "Roll request rejected")
		return
	}

	d := s.registry.Dice(m.SessionID)
	d.AppendRoll(roll, s.historyLimit)

	s.persist(ctx, session.KindDice, m.SessionID, d)
	s.router.ToRoom(m.SessionID, protocol.EventDiceRolled, roll)
}

func (s *Synchronizer) resetDice(ctx context.Context, m *protocol.ResetDiceRequest) {
	d := s.registry.Dice(m.SessionID)
	d.Reset()

	s.persist(ctx, session.KindDice, m.SessionID, d)
	s.router.ToRoom(m.SessionID, protocol.EventResetDice, protocol.ResetDice{SessionID: m.SessionID})
	s.router.ToRoom(m.SessionID, protocol.EventDiceStateUpdated, d.DiceState)
}

func (s *Synchronizer) movePiece(ctx context.Context, conn broadcast.Conn, m *protocol.MovePiece) {
	id := m.SessionID
	field := s.registry.Battlefield(id)

	if piece, ok := field.Pieces[m.PieceID]; ok {
		piece.X, piece.Y = m.X, m.Y
		field.Pieces[piece.ID] = piece
		field.Touch(s.now())

		s.persist(ctx, session.KindBattlefield, id, field)
		s.router.ToOthers(id, conn.ID(), protocol.EventPieceMoved, protocol.PieceMoved{PieceID: piece.ID, X: piece.X, Y: piece.Y})
		return
	}

	// a move of a monster without a piece places it at the requested spot
	monster, ok := s.registry.Combat(id).Monsters[m.PieceID]
	if !ok {
		s.drop(ctx, dropUnknownReference, "Move of unknown piece")
		return
	}
	field.Pieces[monster.ID] = session.PieceFromMonster(monster, m.X, m.Y)
	field.Touch(s.now())

	s.persist(ctx, session.KindBattlefield, id, field)
	s.router.ToRoom(id, protocol.EventBattlefieldStateUpdated, field)
}

func (s *Synchronizer) updateBackground(ctx context.Context, conn broadcast.Conn, m *protocol.UpdateBackground) {
	field := s.registry.Battlefield(m.SessionID)
	field.BackgroundImage = m.BackgroundImage
	field.Touch(s.now())

	s.persist(ctx, session.KindBattlefield, m.SessionID, field)
	s.router.ToOthers(m.SessionID, conn.ID(), protocol.EventBackgroundUpdated, protocol.BackgroundUpdated{BackgroundImage: field.BackgroundImage})
}

func (s *Synchronizer) updateScale(ctx context.Context, conn broadcast.Conn, m *protocol.UpdateScale) {
	field := s.registry.Battlefield(m.SessionID)
	scale := field.SetScale(m.Scale)
	field.Touch(s.now())

	s.persist(ctx, session.KindBattlefield, m.SessionID, field)
	s.router.ToOthers(m.SessionID, conn.ID(), protocol.EventScaleUpdated, protocol.ScaleUpdated{Scale: scale})
}

func (s *Synchronizer) updateGridVisibility(ctx context.Context, conn broadcast.Conn, m *protocol.UpdateGridVisibility) {
	field := s.registry.Battlefield(m.SessionID)
	field.IsGridVisible = m.IsGridVisible
	field.Touch(s.now())

	s.persist(ctx, session.KindBattlefield, m.SessionID, field)
	s.router.ToOthers(m.SessionID, conn.ID(), protocol.EventGridVisibilityUpdated, protocol.GridVisibilityUpdated{IsGridVisible: field.IsGridVisible})
}

func (s *Synchronizer) updatePieceSize(ctx context.Context, conn broadcast.Conn, m *protocol.UpdatePieceSize) {
	field := s.registry.Battlefield(m.SessionID)
	size := field.SetPieceSize(int(math.Round(m.PieceSize)))
	field.Touch(s.now())

	s.persist(ctx, session.KindBattlefield, m.SessionID, field)
	s.router.ToOthers(m.SessionID, conn.ID(), protocol.EventPieceSizeUpdated, protocol.PieceSizeUpdated{PieceSize: size})
}

func (s *Synchronizer) handleDisconnect(conn broadcast.Conn) {
	rooms := s.router.LeaveAll(conn.ID())
	aborted := s.assembler.AbortInitiatedBy(conn.ID())

	s.logger.Debug().
		Str("conn_id", conn.ID()).
		Strs("rooms", rooms).
		Strs("aborted_transfers", aborted).
		Msg("Connection removed")
}

// union returns the ids of a followed by those of b not already in a.
func union(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]bool, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
