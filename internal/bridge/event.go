package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one row-level change published by the upstream store.
type ChangeEvent struct {
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	ChangeType ChangeType      `json:"changeType"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

var ErrInvalidEvent = errors.New("invalid change event")

func (e *ChangeEvent) Validate() error {
	if e.EntityType == "" || e.EntityID == "" {
		return fmt.Errorf("%w: entityType and entityId are required", ErrInvalidEvent)
	}
	switch e.ChangeType {
	case ChangeInsert, ChangeUpdate:
		if len(e.After) == 0 {
			return fmt.Errorf("%w: %s without after", ErrInvalidEvent, e.ChangeType)
		}
	case ChangeDelete:
	default:
		return fmt.Errorf("%w: unknown changeType %q", ErrInvalidEvent, e.ChangeType)
	}
	for name, doc := range map[string]json.RawMessage{"before": e.Before, "after": e.After} {
		if len(doc) > 0 && !json.Valid(doc) {
			return fmt.Errorf("%w: %s is not valid JSON", ErrInvalidEvent, name)
		}
	}
	return nil
}

// document returns the state the event describes: the new row, or the old
// one for deletes.
func (e *ChangeEvent) document() json.RawMessage {
	if len(e.After) > 0 {
		return e.After
	}
	return e.Before
}

// DecodeEvent parses and validates raw upstream bytes.
func DecodeEvent(raw []byte) (*ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}
