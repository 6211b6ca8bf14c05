package session

import (
	"time"

	"github.com/harun/tablesync/pkg/dice"
)

// Kind identifies one of the three independently stored session kinds.
type Kind string

const (
	KindCombat      Kind = "combat"
	KindDice        Kind = "dice"
	KindBattlefield Kind = "battlefield"
)

// Kinds returns every session kind in persistence order.
func Kinds() []Kind {
	return []Kind{KindCombat, KindDice, KindBattlefield}
}

// Battlefield limits
const (
	MinScale         = 0.5
	MaxScale         = 3.0
	DefaultScale     = 1.0
	MinPieceSize     = 20
	MaxPieceSize     = 80
	DefaultPieceSize = 40

	gridOrigin  = 50
	gridSpacing = 50
	gridColumns = 10
)

// DefaultHistoryLimit is the number of rolls a dice session retains.
const DefaultHistoryLimit = 50

// Monster is one combatant on a combat roster.
type Monster struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	CurrentHP  int      `json:"currentHp"`
	MaxHP      int      `json:"maxHp"`
	TempHP     int      `json:"tempHp"`
	Conditions []string `json:"conditions"`
	IsLocked   bool     `json:"isLocked"`
}

// CombatSession is the shared combat roster of a session.
type CombatSession struct {
	SessionID    string             `json:"sessionId"`
	Monsters     map[string]Monster `json:"monsters"`
	MonsterOrder []string           `json:"monsterOrder"`
	LastUpdated  time.Time          `json:"lastUpdated"`
}

// DiceState is the dice selection shared by everyone at the table.
type DiceState struct {
	Dice         map[string]int `json:"dice"`
	Advantage    bool           `json:"advantage"`
	Disadvantage bool           `json:"disadvantage"`
}

// DiceSession is the shared dice roller of a session.
type DiceSession struct {
	SessionID   string      `json:"sessionId"`
	DiceState   DiceState   `json:"diceState"`
	RollHistory []dice.Roll `json:"rollHistory"`
}

// Piece is a token placed on the battlefield.
type Piece struct {
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	CurrentHP int     `json:"currentHp"`
	MaxHP     int     `json:"maxHp"`
}

// BattlefieldSession is the shared battlefield layout of a session.
type BattlefieldSession struct {
	SessionID       string           `json:"sessionId"`
	Pieces          map[string]Piece `json:"pieces"`
	BackgroundImage *string          `json:"backgroundImage"`
	Scale           float64          `json:"scale"`
	IsGridVisible   bool             `json:"isGridVisible"`
	PieceSize       int              `json:"pieceSize"`
	LastUpdated     time.Time        `json:"lastUpdated"`
}

// NewCombatSession returns an empty roster.
func NewCombatSession(sessionID string) *CombatSession {
	return &CombatSession{
		SessionID:    sessionID,
		Monsters:     make(map[string]Monster),
		MonsterOrder: make([]string, 0),
	}
}

// NewDiceState returns a dice selection with every die at zero.
func NewDiceState() DiceState {
	counts := make(map[string]int, len(dice.Vocabulary))
	for _, die := range dice.Vocabulary {
		counts[die.Name] = 0
	}
	return DiceState{Dice: counts}
}

// NewDiceSession returns a dice session with zeroed dice and no history.
func NewDiceSession(sessionID string) *DiceSession {
	return &DiceSession{
		SessionID:   sessionID,
		DiceState:   NewDiceState(),
		RollHistory: make([]dice.Roll, 0),
	}
}

// NewBattlefieldSession returns an empty battlefield with default settings.
func NewBattlefieldSession(sessionID string) *BattlefieldSession {
	return &BattlefieldSession{
		SessionID:     sessionID,
		Pieces:        make(map[string]Piece),
		Scale:         DefaultScale,
		IsGridVisible: true,
		PieceSize:     DefaultPieceSize,
	}
}

// PutMonster inserts or overwrites m and appends its id to the display
// order when it is not already there. It reports whether the id was appended.
func (c *CombatSession) PutMonster(m Monster) bool {
	c.Monsters[m.ID] = m
	for _, id := range c.MonsterOrder {
		if id == m.ID {
			return false
		}
	}
	c.MonsterOrder = append(c.MonsterOrder, m.ID)
	return true
}

// RemoveMonsters deletes ids from the roster and the display order and
// returns the ids that were present in either.
func (c *CombatSession) RemoveMonsters(ids []string) []string {
	doomed := make(map[string]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}

	removed := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	mark := func(id string) {
		if !seen[id] {
			seen[id] = true
			removed = append(removed, id)
		}
	}

	for _, id := range ids {
		if _, ok := c.Monsters[id]; ok {
			delete(c.Monsters, id)
			mark(id)
		}
	}

	kept := make([]string, 0, len(c.MonsterOrder))
	for _, id := range c.MonsterOrder {
		if doomed[id] {
			mark(id)
			continue
		}
		kept = append(kept, id)
	}
	c.MonsterOrder = kept

	return removed
}

// Reorder replaces the display order wholesale. The order is trusted as
// given; it is not checked against the roster.
func (c *CombatSession) Reorder(order []string) {
	c.MonsterOrder = append(make([]string, 0, len(order)), order...)
}

// Touch records a mutation time.
func (c *CombatSession) Touch(now time.Time) {
	c.LastUpdated = now
}

// AppendRoll adds roll to the history, evicting the oldest entries once
// the history exceeds limit.
func (d *DiceSession) AppendRoll(roll dice.Roll, limit int) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	d.RollHistory = append(d.RollHistory, roll)
	if overflow := len(d.RollHistory) - limit; overflow > 0 {
		d.RollHistory = append(make([]dice.Roll, 0, limit), d.RollHistory[overflow:]...)
	}
}

// SetDiceState replaces the shared selection. Unknown dice are dropped and
// negative quantities are stored as zero.
func (d *DiceSession) SetDiceState(state DiceState) {
	next := NewDiceState()
	for name := range next.Dice {
		if qty := state.Dice[name]; qty > 0 {
			next.Dice[name] = qty
		}
	}
	next.Advantage = state.Advantage
	next.Disadvantage = state.Disadvantage
	d.DiceState = next
}

// Reset clears the history and zeroes the dice selection.
func (d *DiceSession) Reset() {
	d.DiceState = NewDiceState()
	d.RollHistory = make([]dice.Roll, 0)
}

// DefaultPiecePosition returns the grid slot a new piece takes when count
// pieces are already on the battlefield.
func DefaultPiecePosition(count int) (x, y float64) {
	x = float64(gridOrigin + (count%gridColumns)*gridSpacing)
	y = float64(gridOrigin + (count/gridColumns)*gridSpacing)
	return x, y
}

// PieceFromMonster copies the display fields of m into a piece at (x, y).
func PieceFromMonster(m Monster, x, y float64) Piece {
	return Piece{
		ID:        m.ID,
		X:         x,
		Y:         y,
		Name:      m.Name,
		Type:      m.Type,
		CurrentHP: m.CurrentHP,
		MaxHP:     m.MaxHP,
	}
}

// HasPiece reports whether a piece with id is on the battlefield.
func (b *BattlefieldSession) HasPiece(id string) bool {
	_, ok := b.Pieces[id]
	return ok
}

// PlaceMonster adds a piece for m at the next default grid slot unless one
// already exists. It reports whether a piece was created.
func (b *BattlefieldSession) PlaceMonster(m Monster) bool {
	if b.HasPiece(m.ID) {
		return false
	}
	x, y := DefaultPiecePosition(len(b.Pieces))
	b.Pieces[m.ID] = PieceFromMonster(m, x, y)
	return true
}

// RemovePieces deletes the pieces with the given ids and returns those
// that existed.
func (b *BattlefieldSession) RemovePieces(ids []string) []string {
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := b.Pieces[id]; ok {
			delete(b.Pieces, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// SetScale stores scale clamped to [MinScale, MaxScale] and returns it.
func (b *BattlefieldSession) SetScale(scale float64) float64 {
	b.Scale = ClampScale(scale)
	return b.Scale
}

// SetPieceSize stores size clamped to [MinPieceSize, MaxPieceSize] and returns it.
func (b *BattlefieldSession) SetPieceSize(size int) int {
	b.PieceSize = ClampPieceSize(size)
	return b.PieceSize
}

// Touch records a mutation time.
func (b *BattlefieldSession) Touch(now time.Time) {
	b.LastUpdated = now
}

// ClampScale bounds a battlefield scale.
func ClampScale(scale float64) float64 {
	return min(max(scale, MinScale), MaxScale)
}

// ClampPieceSize bounds a battlefield piece size.
func ClampPieceSize(size int) int {
	return min(max(size, MinPieceSize), MaxPieceSize)
}
