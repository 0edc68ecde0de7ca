package sync

import (
	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/bus"
	"github.com/stitchline/convsync/internal/cache"
	"github.com/stitchline/convsync/internal/model"
)

// Reconciler applies change events to the cache store. Applying the same
// event twice leaves the store unchanged.
type Reconciler struct {
	store  *cache.Store
	bus    *bus.Bus
	logger *zap.Logger
}

// NewReconciler creates a reconciler writing to store.
func NewReconciler(store *cache.Store, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, bus: b, logger: logger}
}

type change struct {
	kind string
	ref  bus.EntityRef
}

// Apply reconciles one decoded event. It reports whether the store changed.
func (r *Reconciler) Apply(evt model.Event) bool {
	if evt.Conversation == nil {
		evt.Conversation = &model.ConversationPatch{}
	}
	if evt.Message == nil {
		evt.Message = &model.MessagePatch{}
	}
	var changes []change
	r.store.Apply(func(tx *cache.Tx) {
		switch evt.Entity {
		case model.EntityMessage:
			changes = r.applyMessage(tx, evt)
		case model.EntityConversation:
			changes = r.applyConversation(tx, evt)
		}
	})
	for _, c := range changes {
		r.bus.Emit(c.kind, c.ref)
	}
	return len(changes) > 0
}

func (r *Reconciler) applyMessage(tx *cache.Tx, evt model.Event) []change {
	switch evt.Op {
	case model.OpInsert:
		if tx.Message(evt.ID) != nil {
			return nil
		}
		return r.insertMessage(tx, evt)
	case model.OpUpdate:
		existing := tx.Message(evt.ID)
		if existing == nil {
			return r.insertMessage(tx, evt)
		}
		evt.Message.ApplyTo(existing)
		tx.PutMessage(existing)
		out := []change{{bus.MessageChanged, bus.EntityRef{ConversationID: existing.ConversationID, MessageID: existing.ID}}}
		p := evt.Message
		if (p.Content != nil || p.Type != nil || p.SentAt != nil) && r.refreshOwner(tx, existing) {
			out = append(out, change{bus.ConversationChanged, bus.EntityRef{ConversationID: existing.ConversationID}})
		}
		return out
	case model.OpDelete:
		existing := tx.Message(evt.ID)
		if existing == nil || !tx.RemoveMessage(evt.ID) {
			return nil
		}
		return []change{{bus.MessageRemoved, bus.EntityRef{ConversationID: existing.ConversationID, MessageID: evt.ID}}}
	}
	return nil
}

func (r *Reconciler) insertMessage(tx *cache.Tx, evt model.Event) []change {
	m, err := model.NewMessage(evt.ID, evt.Message)
	if err != nil {
		r.logger.Warn("drop message event", zap.String("id", evt.ID), zap.Error(err))
		return nil
	}
	tx.PutMessage(m)

	c := tx.Conversation(m.ConversationID)
	stub := c == nil
	if stub {
		c = model.NewConversation(m.ConversationID, nil)
	}
	advanceActivity(c, m)
	delta := 0
	if m.Direction == model.Inbound {
		delta = 1
		c.UnreadCount++
	}
	if stub {
		tx.PutStub(c)
	} else {
		tx.PutActivity(c, delta)
	}
	return []change{
		{bus.MessageChanged, bus.EntityRef{ConversationID: m.ConversationID, MessageID: m.ID}},
		{bus.ConversationChanged, bus.EntityRef{ConversationID: m.ConversationID}},
	}
}

// refreshOwner re-derives the owner's preview when m is its newest message.
func (r *Reconciler) refreshOwner(tx *cache.Tx, m *model.Message) bool {
	c := tx.Conversation(m.ConversationID)
	if c == nil {
		return false
	}
	if c.LastMessageAt != nil && m.SentAt.Before(*c.LastMessageAt) {
		return false
	}
	preview := model.Preview(m)
	if c.LastMessageAt != nil && c.LastMessageAt.Equal(m.SentAt) && c.LastMessagePreview == preview {
		return false
	}
	advanceActivity(c, m)
	tx.PutActivity(c, 0)
	return true
}

// advanceActivity moves the preview and last activity to m unless the
// conversation already shows a newer message.
func advanceActivity(c *model.Conversation, m *model.Message) {
	if c.LastMessageAt != nil && m.SentAt.Before(*c.LastMessageAt) {
		return
	}
	sent := m.SentAt
	c.LastMessageAt = &sent
	c.LastMessagePreview = model.Preview(m)
}

func (r *Reconciler) applyConversation(tx *cache.Tx, evt model.Event) []change {
	ref := bus.EntityRef{ConversationID: evt.ID}
	switch evt.Op {
	case model.OpInsert, model.OpUpdate:
		existing := tx.Conversation(evt.ID)
		switch {
		case existing == nil:
			tx.PutConversation(model.NewConversation(evt.ID, evt.Conversation))
		case evt.Op == model.OpInsert && !tx.IsStub(evt.ID):
			return nil
		default:
			evt.Conversation.ApplyTo(existing)
			tx.PutConversation(existing)
		}
		return []change{{bus.ConversationChanged, ref}}
	case model.OpDelete:
		if !tx.RemoveConversation(evt.ID) {
			return nil
		}
		return []change{{bus.ConversationRemoved, ref}}
	}
	return nil
}
