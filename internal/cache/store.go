package cache

import (
	"slices"
	"sync"

	"github.com/stitchline/convsync/internal/model"
)

// Store is the in-memory materialized view of conversations and messages.
//
// Conversations live in two layers: a confirmed layer written from server
// data and a pending layer of optimistic overlays keyed by mutation token.
// Readers see confirmed values with the pending overlays applied in order.
// Every confirmed write for an id discards that id's pending overlays, except
// PutActivity, which only touches message-derived fields.
//
// All writes go through Apply or the Replace methods and hold the write lock
// for the duration; callers must not perform I/O inside Apply.
type Store struct {
	mu sync.RWMutex

	convs   map[string]*model.Conversation
	order   []string
	stubs   map[string]bool
	pending map[string][]overlay

	msgs   map[string][]*model.Message
	owner  map[string]string
	loaded map[string]bool

	version     uint64
	convWrites  map[string]uint64
	msgWrites   map[string]uint64
	indexStale  bool
	indexMarked uint64
	msgsMarked  map[string]uint64
}

type overlay struct {
	token string
	patch model.ConversationPatch
}

// New returns an empty store. The index starts stale so the first read loads it.
func New() *Store {
	return &Store{
		convs:      make(map[string]*model.Conversation),
		stubs:      make(map[string]bool),
		pending:    make(map[string][]overlay),
		msgs:       make(map[string][]*model.Message),
		owner:      make(map[string]string),
		loaded:     make(map[string]bool),
		convWrites: make(map[string]uint64),
		msgWrites:  make(map[string]uint64),
		msgsMarked: make(map[string]uint64),
		indexStale: true,
	}
}

// Apply runs fn as one atomic write step and re-sorts the index afterwards.
func (s *Store) Apply(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	fn(&Tx{s: s})
	s.sortLocked()
}

// Version returns the write counter. Pass it to the Replace methods to keep
// writes that happen while a refetch is in flight.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Index returns the visible conversations ordered by last activity, newest first.
func (s *Store) Index() []*model.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Conversation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.visibleLocked(id))
	}
	return out
}

// Conversation returns the visible value of one conversation.
func (s *Store) Conversation(id string) (*model.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.convs[id]; !ok {
		return nil, false
	}
	return s.visibleLocked(id), true
}

// Messages returns the cached messages of a conversation ordered by sent time.
func (s *Store) Messages(conversationID string) []*model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.msgs[conversationID]
	out := make([]*model.Message, 0, len(list))
	for _, m := range list {
		out = append(out, m.Clone())
	}
	return out
}

// IndexStale reports whether the conversation index needs a refetch.
func (s *Store) IndexStale() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.indexStale
}

// MessagesStale reports whether a conversation's message list needs a refetch.
func (s *Store) MessagesStale(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.loaded[conversationID]
}

// MarkStale flags the index and the message lists of the given conversations.
func (s *Store) MarkStale(conversationIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	s.markIndexStaleLocked()
	for _, id := range conversationIDs {
		s.loaded[id] = false
		s.msgsMarked[id] = s.version
	}
}

// ReplaceIndex installs a refetched conversation list. Conversations written
// after since keep their cached value; the stale flag is cleared only if no
// invalidation happened after since.
func (s *Store) ReplaceIndex(convs []*model.Conversation, since uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++

	fresh := make(map[string]*model.Conversation, len(convs))
	var serverOrder []string
	for _, c := range convs {
		if _, dup := fresh[c.ID]; dup || s.convWrites[c.ID] > since {
			continue
		}
		fresh[c.ID] = c.Clone()
		serverOrder = append(serverOrder, c.ID)
	}

	var kept []string
	for _, id := range slices.Clone(s.order) {
		if s.convWrites[id] > since {
			kept = append(kept, id)
			continue
		}
		if _, ok := fresh[id]; !ok {
			s.dropConversationLocked(id)
		}
	}
	for id, c := range fresh {
		s.convs[id] = c
		delete(s.stubs, id)
		delete(s.pending, id)
	}
	s.order = append(kept, serverOrder...)
	if s.indexMarked <= since {
		s.indexStale = false
	}
	s.sortLocked()
}

// ReplaceMessages installs a refetched message list for one conversation,
// keeping messages written after since.
func (s *Store) ReplaceMessages(conversationID string, msgs []*model.Message, since uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++

	var list []*model.Message
	seen := make(map[string]bool, len(msgs))
	for _, m := range s.msgs[conversationID] {
		if s.msgWrites[m.ID] > since {
			list = append(list, m)
			seen[m.ID] = true
		} else {
			delete(s.owner, m.ID)
		}
	}
	for _, m := range msgs {
		if seen[m.ID] || s.msgWrites[m.ID] > since || m.ConversationID != conversationID {
			continue
		}
		if prev, ok := s.owner[m.ID]; ok && prev != conversationID {
			s.removeMessageLocked(m.ID)
		}
		seen[m.ID] = true
		list = append(list, m.Clone())
		s.owner[m.ID] = conversationID
	}
	slices.SortStableFunc(list, compareSent)
	s.msgs[conversationID] = list
	if s.msgsMarked[conversationID] <= since {
		s.loaded[conversationID] = true
	}
}

func (s *Store) visibleLocked(id string) *model.Conversation {
	c := s.convs[id].Clone()
	for _, o := range s.pending[id] {
		o.patch.ApplyTo(c)
	}
	return c
}

func (s *Store) markIndexStaleLocked() {
	s.indexStale = true
	s.indexMarked = s.version
}

func (s *Store) sortLocked() {
	visible := make(map[string]*model.Conversation, len(s.order))
	for _, id := range s.order {
		visible[id] = s.visibleLocked(id)
	}
	slices.SortStableFunc(s.order, func(a, b string) int {
		return compareActivity(visible[a], visible[b])
	})
}

func (s *Store) dropConversationLocked(id string) {
	delete(s.convs, id)
	delete(s.stubs, id)
	delete(s.pending, id)
	for _, m := range s.msgs[id] {
		delete(s.owner, m.ID)
	}
	delete(s.msgs, id)
	delete(s.loaded, id)
	delete(s.msgsMarked, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
}

func (s *Store) removeMessageLocked(id string) bool {
	conv, ok := s.owner[id]
	if !ok {
		return false
	}
	delete(s.owner, id)
	s.msgs[conv] = slices.DeleteFunc(s.msgs[conv], func(m *model.Message) bool { return m.ID == id })
	return true
}

// compareActivity orders by last activity descending with nulls last.
func compareActivity(a, b *model.Conversation) int {
	switch {
	case a.LastMessageAt == nil && b.LastMessageAt == nil:
		return 0
	case a.LastMessageAt == nil:
		return 1
	case b.LastMessageAt == nil:
		return -1
	}
	return b.LastMessageAt.Compare(*a.LastMessageAt)
}

func compareSent(a, b *model.Message) int {
	return a.SentAt.Compare(b.SentAt)
}
