package protocol

import (
	"github.com/harun/tablesync/pkg/session"
)

// Message is a validated inbound client message.
type Message interface {
	// EventName returns the wire event name.
	EventName() string
	// Session returns the session id the message addresses.
	Session() string
}

// Target carries the session id every inbound message addresses.
type Target struct {
	SessionID string `json:"sessionId"`
}

func (t Target) Session() string { return t.SessionID }

type Join struct {
	Target
}

type AddMonster struct {
	Target
	Monster session.Monster `json:"monster"`
}

// UpdateHP sets current hit points. TempHP and MaxHP are applied only when present.
type UpdateHP struct {
	Target
	MonsterID string `json:"monsterId"`
	CurrentHP int    `json:"currentHp"`
	TempHP    *int   `json:"tempHp,omitempty"`
	MaxHP     *int   `json:"maxHp,omitempty"`
}

type UpdateName struct {
	Target
	MonsterID string `json:"monsterId"`
	Name      string `json:"name"`
}

type BatchDeleteMonsters struct {
	Target
	MonsterIDs []string `json:"monsterIds"`
}

type ReorderMonsters struct {
	Target
	MonsterOrder []string `json:"monsterOrder"`
}

type UpdateDiceState struct {
	Target
	DiceState session.DiceState `json:"diceState"`
}

type RollDice struct {
	Target
	PlayerName string            `json:"playerName"`
	DiceConfig session.DiceState `json:"diceConfig"`
}

type ResetDiceRequest struct {
	Target
}

type MovePiece struct {
	Target
	PieceID string  `json:"pieceId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// UpdateBackground sets or clears (nil) the battlefield background.
type UpdateBackground struct {
	Target
	BackgroundImage *string `json:"backgroundImage"`
}

type UpdateScale struct {
	Target
	Scale float64 `json:"scale"`
}

type UpdateGridVisibility struct {
	Target
	IsGridVisible bool `json:"isGridVisible"`
}

// UpdatePieceSize carries the requested size; fractional sizes are rounded.
type UpdatePieceSize struct {
	Target
	PieceSize float64 `json:"pieceSize"`
}

type BackgroundTransferStart struct {
	Target
	ImageID     string `json:"imageId"`
	TotalChunks int    `json:"totalChunks"`
}

type BackgroundTransferChunk struct {
	Target
	ImageID    string `json:"imageId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
	IsLast     bool   `json:"isLast"`
}

func (Join) EventName() string                    { return EventJoin }
func (AddMonster) EventName() string              { return EventAddMonster }
func (UpdateHP) EventName() string                { return EventUpdateHP }
func (UpdateName) EventName() string              { return EventUpdateName }
func (BatchDeleteMonsters) EventName() string     { return EventBatchDeleteMonsters }
func (ReorderMonsters) EventName() string         { return EventReorderMonsters }
func (UpdateDiceState) EventName() string         { return EventUpdateDiceState }
func (RollDice) EventName() string                { return EventRollDice }
func (ResetDiceRequest) EventName() string        { return EventResetDiceRequest }
func (MovePiece) EventName() string               { return EventMovePiece }
func (UpdateBackground) EventName() string        { return EventUpdateBackground }
func (UpdateScale) EventName() string             { return EventUpdateScale }
func (UpdateGridVisibility) EventName() string    { return EventUpdateGridVisibility }
func (UpdatePieceSize) EventName() string         { return EventUpdatePieceSize }
func (BackgroundTransferStart) EventName() string { return EventBackgroundTransferStart }
func (BackgroundTransferChunk) EventName() string { return EventBackgroundTransferChunk }

// Outbound payloads

type MonstersReordered struct {
	MonsterOrder []string `json:"monsterOrder"`
}

type MonstersDeleted struct {
	MonsterIDs []string `json:"monsterIds"`
}

type ResetDice struct {
	SessionID string `json:"sessionId"`
}

type PieceMoved struct {
	PieceID string  `json:"pieceId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

type BackgroundUpdated struct {
	BackgroundImage *string `json:"backgroundImage"`
}

type ScaleUpdated struct {
	Scale float64 `json:"scale"`
}

type GridVisibilityUpdated struct {
	IsGridVisible bool `json:"isGridVisible"`
}

type PieceSizeUpdated struct {
	PieceSize int `json:"pieceSize"`
}

type BackgroundTransferComplete struct {
	ImageID         string `json:"imageId"`
	BackgroundImage string `json:"backgroundImage"`
}

type BackgroundTransferFailed struct {
	ImageID string `json:"imageId"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}
