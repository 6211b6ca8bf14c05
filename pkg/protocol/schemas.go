package protocol

// Each schema describes the "data" object of one inbound event. Only
// structural requirements live here; content rules such as clamping are
// applied by the synchronizer.

const sessionIDProperty = `"sessionId": {"type": "string", "minLength": 1}`

const diceStateSchema = `{
	"type": "object",
	"required": ["dice"],
	"properties": {
		"dice": {
			"type": "object",
			"additionalProperties": {"type": "integer", "maximum": 100}
		},
		"advantage": {"type": "boolean"},
		"disadvantage": {"type": "boolean"}
	}
}`

var eventSchemas = map[string]string{
	EventJoin: `{
		"type": "object",
		"required": ["sessionId"],
		"properties": {` + sessionIDProperty + `}
	}`,

	EventAddMonster: `{
		"type": "object",
		"required": ["sessionId", "monster"],
		"properties": {
			` + sessionIDProperty + `,
			"monster": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"type": {"type": "string"},
					"currentHp": {"type": "integer"},
					"maxHp": {"type": "integer"},
					"tempHp": {"type": "integer"},
					"conditions": {"type": "array", "items": {"type": "string"}},
					"isLocked": {"type": "boolean"}
				}
			}
		}
	}`,

	EventUpdateHP: `{
		"type": "object",
		"required": ["sessionId", "monsterId", "currentHp"],
		"properties": {
			` + sessionIDProperty + `,
			"monsterId": {"type": "string", "minLength": 1},
			"currentHp": {"type": "integer"},
			"tempHp": {"type": "integer"},
			"maxHp": {"type": "integer"}
		}
	}`,

	EventUpdateName: `{
		"type": "object",
		"required": ["sessionId", "monsterId", "name"],
		"properties": {
			` + sessionIDProperty + `,
			"monsterId": {"type": "string", "minLength": 1},
			"name": {"type": "string"}
		}
	}`,

	EventBatchDeleteMonsters: `{
		"type": "object",
		"required": ["sessionId", "monsterIds"],
		"properties": {
			` + sessionIDProperty + `,
			"monsterIds": {"type": "array", "items": {"type": "string"}}
		}
	}`,

	EventReorderMonsters: `{
		"type": "object",
		"required": ["sessionId", "monsterOrder"],
		"properties": {
			` + sessionIDProperty + `,
			"monsterOrder": {"type": "array", "items": {"type": "string"}}
		}
	}`,

	EventUpdateDiceState: `{
		"type": "object",
		"required": ["sessionId", "diceState"],
		"properties": {
			` + sessionIDProperty + `,
			"diceState": ` + diceStateSchema + `
		}
	}`,

	EventRollDice: `{
		"type": "object",
		"required": ["sessionId", "playerName", "diceConfig"],
		"properties": {
			` + sessionIDProperty + `,
			"playerName": {"type": "string"},
			"diceConfig": ` + diceStateSchema + `
		}
	}`,

	EventResetDiceRequest: `{
		"type": "object",
		"required": ["sessionId"],
		"properties": {` + sessionIDProperty + `}
	}`,

	EventMovePiece: `{
		"type": "object",
		"required": ["sessionId", "pieceId", "x", "y"],
		"properties": {
			` + sessionIDProperty + `,
			"pieceId": {"type": "string", "minLength": 1},
			"x": {"type": "number"},
			"y": {"type": "number"}
		}
	}`,

	EventUpdateBackground: `{
		"type": "object",
		"required": ["sessionId", "backgroundImage"],
		"properties": {
			` + sessionIDProperty + `,
			"backgroundImage": {"type": ["string", "null"]}
		}
	}`,

	EventUpdateScale: `{
		"type": "object",
		"required": ["sessionId", "scale"],
		"properties": {
			` + sessionIDProperty + `,
			"scale": {"type": "number"}
		}
	}`,

	EventUpdateGridVisibility: `{
		"type": "object",
		"required": ["sessionId", "isGridVisible"],
		"properties": {
			` + sessionIDProperty + `,
			"isGridVisible": {"type": "boolean"}
		}
	}`,

	EventUpdatePieceSize: `{
		"type": "object",
		"required": ["sessionId", "pieceSize"],
		"properties": {
			` + sessionIDProperty + `,
			"pieceSize": {"type": "number"}
		}
	}`,

	EventBackgroundTransferStart: `{
		"type": "object",
		"required": ["sessionId", "imageId", "totalChunks"],
		"properties": {
			` + sessionIDProperty + `,
			"imageId": {"type": "string", "minLength": 1},
			"totalChunks": {"type": "integer", "minimum": 1}
		}
	}`,

	EventBackgroundTransferChunk: `{
		"type": "object",
		"required": ["sessionId", "imageId", "chunkIndex", "data"],
		"properties": {
			` + sessionIDProperty + `,
			"imageId": {"type": "string", "minLength": 1},
			"chunkIndex": {"type": "integer"},
			"data": {"type": "string"},
			"isLast": {"type": "boolean"}
		}
	}`,
}
