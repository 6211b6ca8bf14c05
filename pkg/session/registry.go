package session

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/harun/tablesync/pkg/dice"
)

// Registry maps session ids to their state, one sub-registry per kind.
type Registry struct {
	combat      map[string]*CombatSession
	dice        map[string]*DiceSession
	battlefield map[string]*BattlefieldSession
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		combat:      make(map[string]*CombatSession),
		dice:        make(map[string]*DiceSession),
		battlefield: make(map[string]*BattlefieldSession),
	}
}

// Combat returns the combat session for id, creating an empty one if needed.
func (r *Registry) Combat(id string) *CombatSession {
	if s, ok := r.combat[id]; ok {
		return s
	}
	s := NewCombatSession(id)
	r.combat[id] = s
	return s
}

// Dice returns the dice session for id, creating a zeroed one if needed.
func (r *Registry) Dice(id string) *DiceSession {
	if s, ok := r.dice[id]; ok {
		return s
	}
	s := NewDiceSession(id)
	r.dice[id] = s
	return s
}

// Battlefield returns the battlefield for id, creating a default one if needed.
func (r *Registry) Battlefield(id string) *BattlefieldSession {
	if s, ok := r.battlefield[id]; ok {
		return s
	}
	s := NewBattlefieldSession(id)
	r.battlefield[id] = s
	return s
}

// Snapshot returns the state of kind for id, creating it if needed. The
// returned value is the live entry and must be serialised before the next
// mutation.
func (r *Registry) Snapshot(kind Kind, id string) (any, error) {
	switch kind {
	case KindCombat:
		return r.Combat(id), nil
	case KindDice:
		return r.Dice(id), nil
	case KindBattlefield:
		return r.Battlefield(id), nil
	default:
		return nil, fmt.Errorf("unknown session kind: %s", kind)
	}
}

// SessionIDs returns the known ids of kind in sorted order.
func (r *Registry) SessionIDs(kind Kind) []string {
	var ids []string
	switch kind {
	case KindCombat:
		ids = keys(r.combat)
	case KindDice:
		ids = keys(r.dice)
	case KindBattlefield:
		ids = keys(r.battlefield)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of entries across all kinds.
func (r *Registry) Len() int {
	return len(r.combat) + len(r.dice) + len(r.battlefield)
}

// Hydrate decodes a persisted snapshot of kind and installs it under id,
// replacing any existing entry.
func (r *Registry) Hydrate(kind Kind, id string, data []byte) error {
	switch kind {
	case KindCombat:
		s := NewCombatSession(id)
		if err := json.Unmarshal(data, s); err != nil {
			return fmt.Errorf("failed to decode combat session %q: %w", id, err)
		}
		s.SessionID = id
		if s.Monsters == nil {
			s.Monsters = make(map[string]Monster)
		}
		if s.MonsterOrder == nil {
			s.MonsterOrder = make([]string, 0)
		}
		r.combat[id] = s

	case KindDice:
		s := NewDiceSession(id)
		if err := json.Unmarshal(data, s); err != nil {
			return fmt.Errorf("failed to decode dice session %q: %w", id, err)
		}
		s.SessionID = id
		s.SetDiceState(s.DiceState)
		if s.RollHistory == nil {
			s.RollHistory = make([]dice.Roll, 0)
		}
		r.dice[id] = s

	case KindBattlefield:
		s := NewBattlefieldSession(id)
		if err := json.Unmarshal(data, s); err != nil {
			return fmt.Errorf("failed to decode battlefield session %q: %w", id, err)
		}
		s.SessionID = id
		if s.Pieces == nil {
			s.Pieces = make(map[string]Piece)
		}
		s.SetScale(s.Scale)
		s.SetPieceSize(s.PieceSize)
		r.battlefield[id] = s

	default:
		return fmt.Errorf("unknown session kind: %s", kind)
	}
	return nil
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
