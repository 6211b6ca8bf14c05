package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ErrUnknownEvent is returned for an envelope naming no known inbound event.
var ErrUnknownEvent = errors.New("unknown event")

// ValidationError reports a frame that does not satisfy its event schema.
type ValidationError struct {
	Event  string
	Issues []string
}

func (e *ValidationError) Error() string {
	if e.Event == "" {
		return "malformed message: " + strings.Join(e.Issues, "; ")
	}
	return fmt.Sprintf("malformed %s message: %s", e.Event, strings.Join(e.Issues, "; "))
}

// Envelope is the wire form of an inbound frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

var (
	schemas   = mustCompileSchemas()
	factories = map[string]func() Message{
		EventJoin:                    func() Message { return &Join{} },
		EventAddMonster:              func() Message { return &AddMonster{} },
		EventUpdateHP:                func() Message { return &UpdateHP{} },
		EventUpdateName:              func() Message { return &UpdateName{} },
		EventBatchDeleteMonsters:     func() Message { return &BatchDeleteMonsters{} },
		EventReorderMonsters:         func() Message { return &ReorderMonsters{} },
		EventUpdateDiceState:         func() Message { return &UpdateDiceState{} },
		EventRollDice:                func() Message { return &RollDice{} },
		EventResetDiceRequest:        func() Message { return &ResetDiceRequest{} },
		EventMovePiece:               func() Message { return &MovePiece{} },
		EventUpdateBackground:        func() Message { return &UpdateBackground{} },
		EventUpdateScale:             func() Message { return &UpdateScale{} },
		EventUpdateGridVisibility:    func() Message { return &UpdateGridVisibility{} },
		EventUpdatePieceSize:         func() Message { return &UpdatePieceSize{} },
		EventBackgroundTransferStart: func() Message { return &BackgroundTransferStart{} },
		EventBackgroundTransferChunk: func() Message { return &BackgroundTransferChunk{} },
	}
)

func mustCompileSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, len(eventSchemas))
	for event, raw := range eventSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("invalid schema for %s: %v", event, err))
		}
		compiled[event] = schema
	}
	return compiled
}

// Parse decodes and validates one inbound frame. The returned Message is a
// pointer to one of the typed message structs in this package.
func Parse(frame []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &ValidationError{Issues: []string{err.Error()}}
	}
	if env.Event == "" {
		return nil, &ValidationError{Issues: []string{"event is required"}}
	}

	schema, ok := schemas[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Event)
	}
	if len(env.Data) == 0 {
		return nil, &ValidationError{Event: env.Event, Issues: []string{"data is required"}}
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(env.Data))
	if err != nil {
		return nil, &ValidationError{Event: env.Event, Issues: []string{err.Error()}}
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			issues = append(issues, issue.String())
		}
		return nil, &ValidationError{Event: env.Event, Issues: issues}
	}

	msg := factories[env.Event]()
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, &ValidationError{Event: env.Event, Issues: []string{err.Error()}}
	}
	return msg, nil
}

// IsMalformed reports whether err is a *ValidationError.
func IsMalformed(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
