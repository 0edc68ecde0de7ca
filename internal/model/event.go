package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// EntityType names the kind of entity a change event carries.
type EntityType string

const (
	EntityMessage      EntityType = "message"
	EntityConversation EntityType = "conversation"
)

// Op is the change operation of an event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

var (
	ErrMissingID     = errors.New("missing id")
	ErrUnknownEntity = errors.New("unknown entity type")
	ErrUnknownOp     = errors.New("unknown op")
	ErrBadPayload    = errors.New("bad payload")
)

// EventError reports an inbound event that falls outside the event schema.
type EventError struct {
	Entity string
	Op     string
	ID     string
	Err    error
}

func (e *EventError) Error() string {
	return fmt.Sprintf("reject %s %s event %q: %v", e.Entity, e.Op, e.ID, e.Err)
}

func (e *EventError) Unwrap() error { return e.Err }

// Event is a decoded change event. Exactly one of Conversation or Message is
// set for inserts and updates, matching Entity; deletes carry neither.
type Event struct {
	Entity       EntityType
	Op           Op
	ID           string
	Conversation *ConversationPatch
	Message      *MessagePatch
}

type wireEvent struct {
	EntityType string          `json:"entity_type"`
	Op         string          `json:"op"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ParseEvent decodes a raw event from the push feed.
func ParseEvent(raw []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, &EventError{Err: fmt.Errorf("%w: %v", ErrBadPayload, err)}
	}
	reject := func(err error) (Event, error) {
		return Event{}, &EventError{Entity: w.EntityType, Op: w.Op, ID: w.ID, Err: err}
	}

	evt := Event{Entity: EntityType(w.EntityType), Op: Op(w.Op), ID: w.ID}
	switch evt.Entity {
	case EntityMessage, EntityConversation:
	default:
		return reject(ErrUnknownEntity)
	}
	switch evt.Op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return reject(ErrUnknownOp)
	}
	if w.ID == "" {
		return reject(ErrMissingID)
	}
	if evt.Op == OpDelete {
		return evt, nil
	}

	payload := w.Payload
	if len(payload) == 0 || string(payload) == "null" {
		payload = []byte("{}")
	}
	switch evt.Entity {
	case EntityConversation:
		var p ConversationPatch
		if err := json.Unmarshal(payload, &p); err != nil {
			return reject(fmt.Errorf("%w: %v", ErrBadPayload, err))
		}
		if err := p.validate(); err != nil {
			return reject(fmt.Errorf("%w: %v", ErrBadPayload, err))
		}
		evt.Conversation = &p
	case EntityMessage:
		var p MessagePatch
		if err := json.Unmarshal(payload, &p); err != nil {
			return reject(fmt.Errorf("%w: %v", ErrBadPayload, err))
		}
		if err := p.validate(); err != nil {
			return reject(fmt.Errorf("%w: %v", ErrBadPayload, err))
		}
		evt.Message = &p
	}
	return evt, nil
}

// EncodeConversation renders a conversation change as a wire event.
func EncodeConversation(op Op, c *Conversation) ([]byte, error) {
	return encode(EntityConversation, op, c.ID, c)
}

// EncodeMessage renders a message change as a wire event.
func EncodeMessage(op Op, m *Message) ([]byte, error) {
	return encode(EntityMessage, op, m.ID, m)
}

// EncodeDelete renders a delete event for entity id.
func EncodeDelete(entity EntityType, id string) ([]byte, error) {
	return encode(entity, OpDelete, id, nil)
}

func encode(entity EntityType, op Op, id string, payload any) ([]byte, error) {
	w := wireEvent{EntityType: string(entity), Op: string(op), ID: id}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", entity, err)
		}
		w.Payload = b
	}
	return json.Marshal(w)
}

const previewLen = 100

// Preview returns the conversation preview text for m.
func Preview(m *Message) string {
	switch m.Type {
	case TypeImage:
		return "📷 Photo"
	case TypeAudio:
		return "🎵 Audio"
	case TypeVideo:
		return "🎥 Video"
	case TypeSticker:
		return "😊 Sticker"
	case TypeDocument:
		return "📄 Document"
	}
	return truncate(m.Content, previewLen)
}

func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxRunes])
}
