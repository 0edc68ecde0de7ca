package api

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/search"
	"github.com/stitchline/convsync/internal/status"
)

// Encode converts any JSON-serialisable value into a protobuf Struct.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode struct: %w", err)
	}
	return s, nil
}

// Decode fills v from a protobuf Struct.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode struct: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// StatusView is the GetStatus response.
type StatusView struct {
	State              status.State `json:"state"`
	Scope              string       `json:"scope"`
	Attempts           int          `json:"attempts"`
	LastConnectedAt    *time.Time   `json:"last_connected_at,omitempty"`
	OpenConversationID string       `json:"open_conversation_id,omitempty"`
	EventsApplied      uint64       `json:"events_applied"`
	EventsDropped      uint64       `json:"events_dropped"`
	Recoveries         uint64       `json:"recoveries"`
}

// ConversationRequest names one conversation.
type ConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

// MessagesRequest is the ListMessages request. Open marks the conversation
// as the one being viewed.
type MessagesRequest struct {
	ConversationID string `json:"conversation_id"`
	Open           bool   `json:"open,omitempty"`
}

// SetFieldRequest is the SetField request.
type SetFieldRequest struct {
	ConversationID string      `json:"conversation_id"`
	Field          model.Field `json:"field"`
	Value          any         `json:"value"`
}

// SendRequest is the SendMessage request.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
}

// SearchRequest is the Search request. With Wait the call returns once the
// results for Term have settled.
type SearchRequest struct {
	Term    string        `json:"term"`
	Filters model.Filters `json:"filters"`
	Wait    bool          `json:"wait,omitempty"`
}

// IngestRequest is the Ingest request.
type IngestRequest struct {
	ConversationID string            `json:"conversation_id"`
	ExternalID     string            `json:"external_id,omitempty"`
	DisplayName    string            `json:"display_name,omitempty"`
	Type           model.MessageType `json:"type,omitempty"`
	Content        string            `json:"content"`
	MediaURL       *string           `json:"media_url,omitempty"`
}

// WatchRequest filters WatchChanges by kind prefix. Empty receives everything.
type WatchRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// ConversationList wraps a list of conversations.
type ConversationList struct {
	Conversations []*model.Conversation `json:"conversations"`
}

// MessageList wraps a list of messages.
type MessageList struct {
	Messages []*model.Message `json:"messages"`
}

// ConversationView wraps one conversation.
type ConversationView struct {
	Conversation *model.Conversation `json:"conversation"`
}

// MessageView wraps one message.
type MessageView struct {
	Message *model.Message `json:"message"`
}

// ResultView is one search hit.
type ResultView struct {
	Conversation *model.Conversation `json:"conversation"`
	Message      *model.Message      `json:"message,omitempty"`
	Match        string              `json:"match"`
}

// SearchView is the Search response and the search.updated watch payload.
type SearchView struct {
	Term        string        `json:"term"`
	Filters     model.Filters `json:"filters"`
	Results     []ResultView  `json:"results"`
	IsSearching bool          `json:"is_searching"`
	Error       string        `json:"error,omitempty"`
}

func searchView(st search.State) SearchView {
	v := SearchView{Term: st.Term, Filters: st.Filters, IsSearching: st.IsSearching, Results: []ResultView{}}
	for _, r := range st.Results {
		v.Results = append(v.Results, ResultView{Conversation: r.Conversation, Message: r.Message, Match: r.Match.String()})
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	return v
}

// ChangeView is one WatchChanges item.
type ChangeView struct {
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}
