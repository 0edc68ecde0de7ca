// Package remote declares the collaborators the sync engine consumes: the
// backend for remote calls and the push feed for change events.
package remote

import (
	"context"
	"errors"

	"github.com/stitchline/convsync/internal/model"
)

// ErrNotFound is returned by backends when a conversation does not exist.
var ErrNotFound = errors.New("not found")

// Backend is the remote API of the hosted service.
type Backend interface {
	// SendMessage posts an outbound message. The engine does not append it
	// locally; the resulting insert event does.
	SendMessage(ctx context.Context, conversationID, content string) error
	SetConversationField(ctx context.Context, conversationID string, field model.Field, value any) error
	DeleteConversation(ctx context.Context, conversationID string) error

	SearchConversations(ctx context.Context, term string, limit int) ([]*model.Conversation, error)
	SearchMessages(ctx context.Context, term string, limit int) ([]*model.Message, error)
	GetConversations(ctx context.Context, ids []string) ([]*model.Conversation, error)

	ListConversations(ctx context.Context, scope string) ([]*model.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error)
}

// TransportStatus is a push subscription lifecycle signal.
type TransportStatus string

const (
	Subscribed   TransportStatus = "SUBSCRIBED"
	ChannelError TransportStatus = "CHANNEL_ERROR"
	TimedOut     TransportStatus = "TIMED_OUT"
	Closed       TransportStatus = "CLOSED"
)

// Failed reports whether the signal ends the subscription.
func (s TransportStatus) Failed() bool {
	return s == ChannelError || s == TimedOut || s == Closed
}

// Subscription is a live push subscription.
type Subscription interface {
	Close() error
}

// EventSource opens push subscriptions. onEvent receives raw event JSON;
// onStatus receives lifecycle signals with an optional cause. Callbacks may be
// invoked from any goroutine, including before Subscribe returns.
type EventSource interface {
	Subscribe(scope string, onEvent func(raw []byte), onStatus func(st TransportStatus, err error)) (Subscription, error)
}
