package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Nullable is a patch field that tells an absent key apart from an explicit null.
type Nullable[T any] struct {
	Set   bool
	Value *T
}

// Null returns a Nullable that clears the field.
func Null[T any]() Nullable[T] {
	return Nullable[T]{Set: true}
}

// Some returns a Nullable that sets the field to v.
func Some[T any](v T) Nullable[T] {
	return Nullable[T]{Set: true, Value: &v}
}

func (n *Nullable[T]) UnmarshalJSON(b []byte) error {
	n.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		n.Value = nil
		return nil
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	n.Value = &v
	return nil
}

func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if n.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*n.Value)
}

// ConversationPatch carries the provided fields of a conversation write.
// Nil fields are left untouched when applied.
type ConversationPatch struct {
	ChannelID          *string             `json:"channel_id,omitempty"`
	ExternalID         *string             `json:"external_id,omitempty"`
	DisplayName        *string             `json:"display_name,omitempty"`
	Status             *Status             `json:"status,omitempty"`
	AIManaged          *bool               `json:"ai_managed,omitempty"`
	LastMessagePreview *string             `json:"last_message_preview,omitempty"`
	LastMessageAt      Nullable[time.Time] `json:"last_message_at"`
	UnreadCount        *int                `json:"unread_count,omitempty"`
	TagIDs             *[]string           `json:"tag_ids,omitempty"`
}

// ApplyTo merges the provided fields into c.
func (p *ConversationPatch) ApplyTo(c *Conversation) {
	if p.ChannelID != nil {
		c.ChannelID = *p.ChannelID
	}
	if p.ExternalID != nil {
		c.ExternalID = *p.ExternalID
	}
	if p.DisplayName != nil {
		c.DisplayName = *p.DisplayName
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.AIManaged != nil {
		c.AIManaged = *p.AIManaged
	}
	if p.LastMessagePreview != nil {
		c.LastMessagePreview = *p.LastMessagePreview
	}
	if p.LastMessageAt.Set {
		if p.LastMessageAt.Value == nil {
			c.LastMessageAt = nil
		} else {
			t := *p.LastMessageAt.Value
			c.LastMessageAt = &t
		}
	}
	if p.UnreadCount != nil {
		c.UnreadCount = *p.UnreadCount
	}
	if p.TagIDs != nil {
		c.TagIDs = slices.Clone(*p.TagIDs)
	}
}

// Fields lists the fields the patch provides.
func (p *ConversationPatch) Fields() []Field {
	var out []Field
	if p.Status != nil {
		out = append(out, FieldStatus)
	}
	if p.AIManaged != nil {
		out = append(out, FieldAIManaged)
	}
	if p.DisplayName != nil {
		out = append(out, FieldDisplayName)
	}
	if p.TagIDs != nil {
		out = append(out, FieldTagIDs)
	}
	if p.UnreadCount != nil {
		out = append(out, FieldUnreadCount)
	}
	return out
}

func (p *ConversationPatch) validate() error {
	if p.Status != nil && !validStatus(*p.Status) {
		return fmt.Errorf("status %q", *p.Status)
	}
	if p.UnreadCount != nil && *p.UnreadCount < 0 {
		return fmt.Errorf("unread_count %d", *p.UnreadCount)
	}
	return nil
}

// NewConversation builds a conversation from an insert payload.
func NewConversation(id string, p *ConversationPatch) *Conversation {
	c := &Conversation{ID: id, Status: StatusOpen}
	if p != nil {
		p.ApplyTo(c)
	}
	return c
}

// PatchForField converts a dynamically typed field value into a patch.
func PatchForField(field Field, value any) (ConversationPatch, error) {
	var p ConversationPatch
	switch field {
	case FieldStatus:
		s, ok := value.(string)
		if !ok {
			if st, isStatus := value.(Status); isStatus {
				s, ok = string(st), true
			}
		}
		if !ok || !validStatus(Status(s)) {
			return p, fmt.Errorf("field %s: invalid value %v", field, value)
		}
		st := Status(s)
		p.Status = &st
	case FieldAIManaged:
		b, ok := value.(bool)
		if !ok {
			return p, fmt.Errorf("field %s: invalid value %v", field, value)
		}
		p.AIManaged = &b
	case FieldDisplayName:
		s, ok := value.(string)
		if !ok {
			return p, fmt.Errorf("field %s: invalid value %v", field, value)
		}
		p.DisplayName = &s
	case FieldTagIDs:
		tags, err := toStrings(value)
		if err != nil {
			return p, fmt.Errorf("field %s: %w", field, err)
		}
		p.TagIDs = &tags
	case FieldUnreadCount:
		n, ok := toInt(value)
		if !ok || n < 0 {
			return p, fmt.Errorf("field %s: invalid value %v", field, value)
		}
		p.UnreadCount = &n
	default:
		return p, fmt.Errorf("unknown field %q", field)
	}
	return p, nil
}

// MessagePatch carries the provided fields of a message write.
type MessagePatch struct {
	ConversationID *string          `json:"conversation_id,omitempty"`
	Direction      *Direction       `json:"direction,omitempty"`
	Type           *MessageType     `json:"type,omitempty"`
	Content        *string          `json:"content,omitempty"`
	SentAt         *time.Time       `json:"sent_at,omitempty"`
	MediaURL       Nullable[string] `json:"media_url"`
}

// ApplyTo merges the provided fields into m. The owning conversation never changes.
func (p *MessagePatch) ApplyTo(m *Message) {
	if p.Direction != nil {
		m.Direction = *p.Direction
	}
	if p.Type != nil {
		m.Type = *p.Type
	}
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.SentAt != nil {
		m.SentAt = *p.SentAt
	}
	if p.MediaURL.Set {
		if p.MediaURL.Value == nil {
			m.MediaURL = nil
		} else {
			u := *p.MediaURL.Value
			m.MediaURL = &u
		}
	}
}

func (p *MessagePatch) validate() error {
	if p.Direction != nil && *p.Direction != Inbound && *p.Direction != Outbound {
		return fmt.Errorf("direction %q", *p.Direction)
	}
	if p.Type != nil && !validType(*p.Type) {
		return fmt.Errorf("type %q", *p.Type)
	}
	return nil
}

// NewMessage builds a message from an insert payload. The payload must name
// the owning conversation.
func NewMessage(id string, p *MessagePatch) (*Message, error) {
	if p == nil || p.ConversationID == nil || *p.ConversationID == "" {
		return nil, fmt.Errorf("message %q: missing conversation_id", id)
	}
	m := &Message{
		ID:             id,
		ConversationID: *p.ConversationID,
		Direction:      Inbound,
		Type:           TypeText,
	}
	p.ApplyTo(m)
	return m, nil
}

func validStatus(s Status) bool {
	switch s {
	case StatusActive, StatusOpen, StatusClosed:
		return true
	}
	return false
}

func validType(t MessageType) bool {
	switch t {
	case TypeText, TypeImage, TypeAudio, TypeVideo, TypeSticker, TypeDocument:
		return true
	}
	return false
}

func toStrings(v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return slices.Clone(vv), nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("invalid element %v", e)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return []string{}, nil
	}
	return nil, fmt.Errorf("invalid value %v", v)
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	}
	return 0, false
}
