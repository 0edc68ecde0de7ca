package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/clock"
	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/remote"
)

// Backend serves remote.Backend from the local database and publishes every
// write it makes on the hub, the way the hosted service pushes its changes.
type Backend struct {
	db     *DB
	hub    *Hub
	clock  clock.Clock
	logger *zap.Logger

	// writes serialises read-modify-write of conversation rows
	writes sync.Mutex
}

var _ remote.Backend = (*Backend)(nil)

// NewBackend creates a local backend.
func NewBackend(db *DB, hub *Hub, clk clock.Clock, logger *zap.Logger) *Backend {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{db: db, hub: hub, clock: clk, logger: logger}
}

// InboundMessage is a customer message arriving on a channel.
type InboundMessage struct {
	Scope          string
	ConversationID string
	ChannelID      string
	ExternalID     string
	DisplayName    string
	Type           model.MessageType
	Content        string
	MediaURL       *string
}

// Ingest records an inbound message, creating its conversation on first
// contact. It returns the stored message.
func (b *Backend) Ingest(ctx context.Context, in InboundMessage) (*model.Message, error) {
	if in.ConversationID == "" {
		return nil, errors.New("ingest: conversation id is required")
	}
	if in.Scope == "" {
		in.Scope = "main"
	}
	if in.Type == "" {
		in.Type = model.TypeText
	}

	b.writes.Lock()
	defer b.writes.Unlock()

	row, err := b.db.GetConversation(ctx, in.ConversationID)
	created := false
	switch {
	case errors.Is(err, remote.ErrNotFound):
		created = true
		row = &ConversationRow{Scope: in.Scope, Conversation: model.Conversation{
			ID:          in.ConversationID,
			ChannelID:   in.ChannelID,
			ExternalID:  in.ExternalID,
			DisplayName: in.DisplayName,
			Status:      model.StatusOpen,
		}}
	case err != nil:
		return nil, err
	}

	m := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: in.ConversationID,
		Direction:      model.Inbound,
		Type:           in.Type,
		Content:        in.Content,
		SentAt:         b.now(),
		MediaURL:       in.MediaURL,
	}
	c := &row.Conversation
	if created {
		if err := b.db.UpsertConversation(ctx, row.Scope, c); err != nil {
			return nil, err
		}
		b.publishConversation(row.Scope, model.OpInsert, c)
	}
	if err := b.db.InsertMessage(ctx, m); err != nil {
		return nil, err
	}
	b.publishMessage(row.Scope, m)

	touch(c, m)
	c.UnreadCount++
	if err := b.db.UpsertConversation(ctx, row.Scope, c); err != nil {
		return nil, err
	}
	b.publishConversation(row.Scope, model.OpUpdate, c)
	return m, nil
}

func (b *Backend) SendMessage(ctx context.Context, conversationID, content string) error {
	b.writes.Lock()
	defer b.writes.Unlock()

	row, err := b.db.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	m := &model.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Direction:      model.Outbound,
		Type:           model.TypeText,
		Content:        content,
		SentAt:         b.now(),
	}
	if err := b.db.InsertMessage(ctx, m); err != nil {
		return err
	}
	b.publishMessage(row.Scope, m)

	touch(&row.Conversation, m)
	if err := b.db.UpsertConversation(ctx, row.Scope, &row.Conversation); err != nil {
		return err
	}
	b.publishConversation(row.Scope, model.OpUpdate, &row.Conversation)
	return nil
}

func (b *Backend) SetConversationField(ctx context.Context, conversationID string, field model.Field, value any) error {
	patch, err := model.PatchForField(field, value)
	if err != nil {
		return err
	}

	b.writes.Lock()
	defer b.writes.Unlock()

	row, err := b.db.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	patch.ApplyTo(&row.Conversation)
	if err := b.db.UpsertConversation(ctx, row.Scope, &row.Conversation); err != nil {
		return err
	}
	b.publishConversation(row.Scope, model.OpUpdate, &row.Conversation)
	return nil
}

func (b *Backend) DeleteConversation(ctx context.Context, conversationID string) error {
	b.writes.Lock()
	defer b.writes.Unlock()

	row, err := b.db.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if err := b.db.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	raw, err := model.EncodeDelete(model.EntityConversation, conversationID)
	if err != nil {
		return err
	}
	b.hub.Publish(row.Scope, raw)
	return nil
}

func (b *Backend) SearchConversations(ctx context.Context, term string, limit int) ([]*model.Conversation, error) {
	return b.db.SearchConversations(ctx, term, limit)
}

func (b *Backend) SearchMessages(ctx context.Context, term string, limit int) ([]*model.Message, error) {
	return b.db.SearchMessages(ctx, term, limit)
}

func (b *Backend) GetConversations(ctx context.Context, ids []string) ([]*model.Conversation, error) {
	return b.db.GetConversations(ctx, ids)
}

func (b *Backend) ListConversations(ctx context.Context, scope string) ([]*model.Conversation, error) {
	return b.db.ListConversations(ctx, scope)
}

func (b *Backend) ListMessages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	return b.db.ListMessages(ctx, conversationID)
}

func (b *Backend) publishConversation(scope string, op model.Op, c *model.Conversation) {
	raw, err := model.EncodeConversation(op, c)
	if err != nil {
		b.logger.Error("encode conversation event", zap.String("id", c.ID), zap.Error(err))
		return
	}
	b.hub.Publish(scope, raw)
}

func (b *Backend) publishMessage(scope string, m *model.Message) {
	raw, err := model.EncodeMessage(model.OpInsert, m)
	if err != nil {
		b.logger.Error("encode message event", zap.String("id", m.ID), zap.Error(err))
		return
	}
	b.hub.Publish(scope, raw)
}

// now is millisecond precision, what the database keeps.
func (b *Backend) now() time.Time {
	return b.clock.Now().UTC().Truncate(time.Millisecond)
}

// touch moves the conversation's last activity to m unless it already shows
// a newer message.
func touch(c *model.Conversation, m *model.Message) {
	if c.LastMessageAt != nil && m.SentAt.Before(*c.LastMessageAt) {
		return
	}
	sent := m.SentAt
	c.LastMessageAt = &sent
	c.LastMessagePreview = model.Preview(m)
}

// Seed stores a conversation directly without publishing, for fixtures.
func (b *Backend) Seed(ctx context.Context, scope string, c *model.Conversation, msgs ...*model.Message) error {
	if err := b.db.UpsertConversation(ctx, scope, c); err != nil {
		return err
	}
	for _, m := range msgs {
		if m.ConversationID != c.ID {
			return fmt.Errorf("seed %s: message %s belongs to %s", c.ID, m.ID, m.ConversationID)
		}
		if err := b.db.InsertMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
