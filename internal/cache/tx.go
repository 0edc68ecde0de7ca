package cache

import (
	"slices"

	"github.com/stitchline/convsync/internal/model"
)

// Tx is the write handle passed to Store.Apply. It is only valid inside the
// callback. Getters return copies; writes go through the Put and Remove methods.
type Tx struct {
	s *Store
}

// Conversation returns a copy of the confirmed value, or nil.
func (tx *Tx) Conversation(id string) *model.Conversation {
	return tx.s.convs[id].Clone()
}

// Visible returns a copy of the value readers currently see, or nil.
func (tx *Tx) Visible(id string) *model.Conversation {
	if _, ok := tx.s.convs[id]; !ok {
		return nil
	}
	return tx.s.visibleLocked(id)
}

// IsStub reports whether id was created from a message for an unseen conversation.
func (tx *Tx) IsStub(id string) bool {
	return tx.s.stubs[id]
}

// PutConversation writes c to the confirmed layer. New conversations are
// prepended to the index. Pending overlays for c.ID are discarded.
func (tx *Tx) PutConversation(c *model.Conversation) {
	tx.put(c, false)
}

// PutStub inserts a placeholder conversation and marks the index stale so the
// next read fetches the full record.
func (tx *Tx) PutStub(c *model.Conversation) {
	tx.put(c, true)
	tx.s.markIndexStaleLocked()
}

// PutActivity writes a conversation whose message-derived fields (preview,
// last activity, unread count) changed, keeping its pending overlays.
// unreadDelta is added to overlays that set the unread count, so a pending
// reset still counts messages that arrive while it is in flight.
func (tx *Tx) PutActivity(c *model.Conversation, unreadDelta int) {
	s := tx.s
	if _, ok := s.convs[c.ID]; !ok {
		tx.put(c, false)
		return
	}
	s.convs[c.ID] = c.Clone()
	s.convWrites[c.ID] = s.version
	if unreadDelta == 0 {
		return
	}
	for i, o := range s.pending[c.ID] {
		if o.patch.UnreadCount == nil {
			continue
		}
		n := max(*o.patch.UnreadCount+unreadDelta, 0)
		s.pending[c.ID][i].patch.UnreadCount = &n
	}
}

func (tx *Tx) put(c *model.Conversation, stub bool) {
	s := tx.s
	if _, ok := s.convs[c.ID]; !ok {
		s.order = slices.Insert(s.order, 0, c.ID)
	}
	s.convs[c.ID] = c.Clone()
	if stub {
		s.stubs[c.ID] = true
	} else {
		delete(s.stubs, c.ID)
	}
	delete(s.pending, c.ID)
	s.convWrites[c.ID] = s.version
}

// RemoveConversation deletes a conversation and cascades to its messages and
// pending overlays. Returns false if it was not cached.
func (tx *Tx) RemoveConversation(id string) bool {
	s := tx.s
	if _, ok := s.convs[id]; !ok {
		return false
	}
	for _, m := range s.msgs[id] {
		s.msgWrites[m.ID] = s.version
	}
	s.dropConversationLocked(id)
	s.convWrites[id] = s.version
	return true
}

// AddPending layers an optimistic patch over a cached conversation.
func (tx *Tx) AddPending(id, token string, patch model.ConversationPatch) bool {
	s := tx.s
	if _, ok := s.convs[id]; !ok {
		return false
	}
	s.pending[id] = append(s.pending[id], overlay{token: token, patch: patch})
	return true
}

// HasPending reports whether the overlay for token is still layered over id.
func (tx *Tx) HasPending(id, token string) bool {
	return slices.ContainsFunc(tx.s.pending[id], func(o overlay) bool { return o.token == token })
}

// DropPending removes the overlay for token. Returns false if a confirmed
// write already discarded it.
func (tx *Tx) DropPending(id, token string) bool {
	_, ok := tx.takePending(id, token)
	return ok
}

// FoldPending moves the overlay for token into the confirmed layer, leaving
// other overlays in place. Returns false if it was already discarded.
func (tx *Tx) FoldPending(id, token string) bool {
	o, ok := tx.takePending(id, token)
	if !ok {
		return false
	}
	s := tx.s
	c := s.convs[id]
	if c == nil {
		return false
	}
	o.patch.ApplyTo(c)
	s.convWrites[id] = s.version
	return true
}

func (tx *Tx) takePending(id, token string) (overlay, bool) {
	s := tx.s
	list := s.pending[id]
	i := slices.IndexFunc(list, func(o overlay) bool { return o.token == token })
	if i < 0 {
		return overlay{}, false
	}
	o := list[i]
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(s.pending, id)
	} else {
		s.pending[id] = list
	}
	return o, true
}

// Message returns a copy of a cached message, or nil.
func (tx *Tx) Message(id string) *model.Message {
	conv, ok := tx.s.owner[id]
	if !ok {
		return nil
	}
	for _, m := range tx.s.msgs[conv] {
		if m.ID == id {
			return m.Clone()
		}
	}
	return nil
}

// PutMessage inserts or replaces m in its conversation's list, keeping the
// list ordered by sent time. Equal timestamps keep arrival order.
func (tx *Tx) PutMessage(m *model.Message) {
	s := tx.s
	if prev, ok := s.owner[m.ID]; ok {
		s.msgs[prev] = slices.DeleteFunc(s.msgs[prev], func(x *model.Message) bool { return x.ID == m.ID })
	}
	list := s.msgs[m.ConversationID]
	i := len(list)
	for i > 0 && list[i-1].SentAt.After(m.SentAt) {
		i--
	}
	s.msgs[m.ConversationID] = slices.Insert(list, i, m.Clone())
	s.owner[m.ID] = m.ConversationID
	s.msgWrites[m.ID] = s.version
}

// RemoveMessage deletes a message by id. Returns false if it was not cached.
func (tx *Tx) RemoveMessage(id string) bool {
	s := tx.s
	if !s.removeMessageLocked(id) {
		return false
	}
	s.msgWrites[id] = s.version
	return true
}

// MarkIndexStale flags the index for refetch on next read.
func (tx *Tx) MarkIndexStale() {
	tx.s.markIndexStaleLocked()
}
