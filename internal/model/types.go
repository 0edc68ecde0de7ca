package model

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive Status = "active"
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Direction tells whether a message came from the customer or was sent by the business.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// MessageType is the content kind of a message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeVideo    MessageType = "video"
	TypeSticker  MessageType = "sticker"
	TypeDocument MessageType = "document"
)

// Conversation is a thread with one external participant on one channel.
type Conversation struct {
	ID                 string     `json:"id"`
	ChannelID          string     `json:"channel_id"`
	ExternalID         string     `json:"external_id"`
	DisplayName        string     `json:"display_name"`
	Status             Status     `json:"status"`
	AIManaged          bool       `json:"ai_managed"`
	LastMessagePreview string     `json:"last_message_preview"`
	LastMessageAt      *time.Time `json:"last_message_at"`
	UnreadCount        int        `json:"unread_count"`
	TagIDs             []string   `json:"tag_ids"`
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.LastMessageAt != nil {
		t := *c.LastMessageAt
		out.LastMessageAt = &t
	}
	out.TagIDs = slices.Clone(c.TagIDs)
	return &out
}

// HasTag reports whether the conversation carries tagID.
func (c *Conversation) HasTag(tagID string) bool {
	return slices.Contains(c.TagIDs, tagID)
}

// Message belongs to exactly one conversation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Direction      Direction   `json:"direction"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	SentAt         time.Time   `json:"sent_at"`
	MediaURL       *string     `json:"media_url,omitempty"`
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.MediaURL != nil {
		u := *m.MediaURL
		out.MediaURL = &u
	}
	return &out
}

// Field names a conversation attribute that can be changed by a remote call.
type Field string

const (
	FieldStatus      Field = "status"
	FieldAIManaged   Field = "ai_managed"
	FieldDisplayName Field = "display_name"
	FieldTagIDs      Field = "tag_ids"
	FieldUnreadCount Field = "unread_count"
)

// Filters narrows a merged search result set.
type Filters struct {
	Status Status `json:"status,omitempty"`
	TagID  string `json:"tag_id,omitempty"`
}

// Empty reports whether no filter is set.
func (f Filters) Empty() bool {
	return f.Status == "" && f.TagID == ""
}

// Match reports whether c passes the filters.
func (f Filters) Match(c *Conversation) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.TagID != "" && !c.HasTag(f.TagID) {
		return false
	}
	return true
}
