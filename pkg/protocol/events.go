// Package protocol defines the client message vocabulary and validates
// inbound frames before they reach the synchronizer.
package protocol

// Inbound event names
const (
	EventJoin                    = "join"
	EventAddMonster              = "add-monster"
	EventUpdateHP                = "update-hp"
	EventUpdateName              = "update-name"
	EventBatchDeleteMonsters     = "batch-delete-monsters"
	EventReorderMonsters         = "reorder-monsters"
	EventUpdateDiceState         = "update-dice-state"
	EventRollDice                = "roll-dice"
	EventResetDiceRequest        = "reset-dice-request"
	EventMovePiece               = "move-piece"
	EventUpdateBackground        = "update-background"
	EventUpdateScale             = "update-scale"
	EventUpdateGridVisibility    = "update-grid-visibility"
	EventUpdatePieceSize         = "update-piece-size"
	EventBackgroundTransferStart = "background-transfer-start"
	EventBackgroundTransferChunk = "background-transfer-chunk"
)

// Outbound event names
const (
	EventSessionUpdated             = "session-updated"
	EventDiceStateUpdated           = "dice-state-updated"
	EventRollHistorySync            = "roll-history-sync"
	EventBattlefieldStateUpdated    = "battlefield-state-updated"
	EventMonsterUpdated             = "monster-updated"
	EventMonstersReordered          = "monsters-reordered"
	EventMonstersDeleted            = "monsters-deleted"
	EventDiceRolled                 = "dice-rolled"
	EventResetDice                  = "reset-dice"
	EventPieceMoved                 = "piece-moved"
	EventBackgroundUpdated          = "background-updated"
	EventScaleUpdated               = "scale-updated"
	EventGridVisibilityUpdated      = "grid-visibility-updated"
	EventPieceSizeUpdated           = "piece-size-updated"
	EventBackgroundTransferComplete = "background-transfer-complete"
	EventBackgroundTransferFailed   = "background-transfer-failed"
)
