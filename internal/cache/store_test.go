package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchline/convsync/internal/model"
)

func at(sec int) *time.Time {
	t := time.Unix(int64(sec), 0).UTC()
	return &t
}

func conv(id string, last *time.Time) *model.Conversation {
	return &model.Conversation{ID: id, Status: model.StatusOpen, LastMessageAt: last}
}

func ids(list []*model.Conversation) []string {
	out := make([]string, 0, len(list))
	for _, c := range list {
		out = append(out, c.ID)
	}
	return out
}

func TestIndexOrderNullsLastTiesStable(t *testing.T) {
	s := New()
	s.Apply(func(tx *Tx) {
		tx.PutConversation(conv("null-a", nil))
		tx.PutConversation(conv("t1-a", at(1)))
		tx.PutConversation(conv("t2", at(2)))
		tx.PutConversation(conv("t1-b", at(1)))
		tx.PutConversation(conv("null-b", nil))
	})
	// Prepended inserts land before existing entries with the same activity.
	assert.Equal(t, []string{"t2", "t1-b", "t1-a", "null-b", "null-a"}, ids(s.Index()))

	// An unrelated update must not reshuffle ties.
	s.Apply(func(tx *Tx) {
		c := tx.Conversation("t2")
		c.DisplayName = "renamed"
		tx.PutConversation(c)
	})
	assert.Equal(t, []string{"t2", "t1-b", "t1-a", "null-b", "null-a"}, ids(s.Index()))
}

func TestPendingOverlay(t *testing.T) {
	s := New()
	s.Apply(func(tx *Tx) { tx.PutConversation(conv("c1", at(1))) })

	closed := model.StatusClosed
	s.Apply(func(tx *Tx) {
		require.True(t, tx.AddPending("c1", "tok", model.ConversationPatch{Status: &closed}))
	})
	got, ok := s.Conversation("c1")
	require.True(t, ok)
	assert.Equal(t, model.StatusClosed, got.Status)

	s.Apply(func(tx *Tx) {
		assert.Equal(t, model.StatusOpen, tx.Conversation("c1").Status, "confirmed layer untouched")
		assert.True(t, tx.DropPending("c1", "tok"))
	})
	got, _ = s.Conversation("c1")
	assert.Equal(t, model.StatusOpen, got.Status)
}

func TestConfirmedWriteDiscardsPending(t *testing.T) {
	s := New()
	s.Apply(func(tx *Tx) { tx.PutConversation(conv("c1", at(1))) })

	name := "optimistic"
	s.Apply(func(tx *Tx) { tx.AddPending("c1", "tok", model.ConversationPatch{DisplayName: &name}) })
	s.Apply(func(tx *Tx) {
		c := tx.Conversation("c1")
		c.DisplayName = "server"
		tx.PutConversation(c)
	})

	got, _ := s.Conversation("c1")
	assert.Equal(t, "server", got.DisplayName)
	s.Apply(func(tx *Tx) {
		assert.False(t, tx.FoldPending("c1", "tok"))
		assert.False(t, tx.DropPending("c1", "tok"))
	})
	got, _ = s.Conversation("c1")
	assert.Equal(t, "server", got.DisplayName)
}

func TestPutActivityKeepsPending(t *testing.T) {
	s := New()
	c := conv("c1", at(1))
	c.UnreadCount = 5
	s.Apply(func(tx *Tx) { tx.PutConversation(c) })

	zero := 0
	closed := model.StatusClosed
	s.Apply(func(tx *Tx) {
		tx.AddPending("c1", "read", model.ConversationPatch{UnreadCount: &zero})
		tx.AddPending("c1", "close", model.ConversationPatch{Status: &closed})
	})
	s.Apply(func(tx *Tx) {
		c := tx.Conversation("c1")
		c.UnreadCount++
		c.LastMessageAt = at(2)
		c.LastMessagePreview = "new"
		tx.PutActivity(c, 1)
	})

	got, _ := s.Conversation("c1")
	assert.Equal(t, 1, got.UnreadCount)
	assert.Equal(t, model.StatusClosed, got.Status)
	assert.Equal(t, "new", got.LastMessagePreview)

	s.Apply(func(tx *Tx) {
		assert.Equal(t, 6, tx.Conversation("c1").UnreadCount)
		require.True(t, tx.FoldPending("c1", "read"))
		require.True(t, tx.HasPending("c1", "close"))
	})
	got, _ = s.Conversation("c1")
	assert.Equal(t, 1, got.UnreadCount)
	assert.Equal(t, model.StatusClosed, got.Status)
}

func TestFoldPending(t *testing.T) {
	s := New()
	s.Apply(func(tx *Tx) { tx.PutConversation(conv("c1", at(1))) })
	yes := true
	s.Apply(func(tx *Tx) { tx.AddPending("c1", "tok", model.ConversationPatch{AIManaged: &yes}) })
	s.Apply(func(tx *Tx) { require.True(t, tx.FoldPending("c1", "tok")) })
	s.Apply(func(tx *Tx) {
		assert.True(t, tx.Conversation("c1").AIManaged)
		assert.False(t, tx.HasPending("c1", "tok"))
	})
}

func TestRemoveConversationCascades(t *testing.T) {
	s := New()
	s.Apply(func(tx *Tx) {
		tx.PutConversation(conv("c1", at(1)))
		tx.PutMessage(&model.Message{ID: "m1", ConversationID: "c1", SentAt: *at(1)})
		tx.PutMessage(&model.Message{ID: "m2", ConversationID: "c1", SentAt: *at(2)})
	})
	require.Len(t, s.Messages("c1"), 2)

	s.Apply(func(tx *Tx) {
		assert.True(t, tx.RemoveConversation("c1"))
		assert.Nil(t, tx.Message("m1"))
	})
	assert.Empty(t, s.Index())
	assert.Empty(t, s.Messages("c1"))
}

func TestMessagesOrderedBySentTime(t *testing.T) {
	s := New()
	s.Apply(func(tx *Tx) {
		tx.PutMessage(&model.Message{ID: "late", ConversationID: "c1", SentAt: *at(5)})
		tx.PutMessage(&model.Message{ID: "early", ConversationID: "c1", SentAt: *at(1)})
		tx.PutMessage(&model.Message{ID: "tie", ConversationID: "c1", SentAt: *at(5)})
	})
	var got []string
	for _, m := range s.Messages("c1") {
		got = append(got, m.ID)
	}
	assert.Equal(t, []string{"early", "late", "tie"}, got)
}

func TestReplaceIndexKeepsConcurrentWrites(t *testing.T) {
	s := New()
	require.True(t, s.IndexStale())
	s.Apply(func(tx *Tx) {
		tx.PutConversation(conv("old", at(1)))
		tx.PutConversation(conv("gone", at(2)))
	})

	since := s.Version()
	// An event lands while the refetch is in flight.
	s.Apply(func(tx *Tx) {
		c := conv("old", at(9))
		c.DisplayName = "from event"
		tx.PutConversation(c)
	})

	s.ReplaceIndex([]*model.Conversation{
		{ID: "old", DisplayName: "from fetch", LastMessageAt: at(1)},
		{ID: "new", LastMessageAt: at(3)},
	}, since)

	assert.False(t, s.IndexStale())
	assert.Equal(t, []string{"old", "new"}, ids(s.Index()))
	got, _ := s.Conversation("old")
	assert.Equal(t, "from event", got.DisplayName)
	_, ok := s.Conversation("gone")
	assert.False(t, ok)
}

func TestReplaceIndexKeepsStaleFlagWhenMarkedDuringFetch(t *testing.T) {
	s := New()
	since := s.Version()
	s.MarkStale()
	s.ReplaceIndex(nil, since)
	assert.True(t, s.IndexStale())

	s.ReplaceIndex(nil, s.Version())
	assert.False(t, s.IndexStale())
}

func TestStubMarksIndexStale(t *testing.T) {
	s := New()
	s.ReplaceIndex(nil, s.Version())
	require.False(t, s.IndexStale())

	s.Apply(func(tx *Tx) { tx.PutStub(conv("c9", at(1))) })
	assert.True(t, s.IndexStale())
	s.Apply(func(tx *Tx) { assert.True(t, tx.IsStub("c9")) })
}

func TestReplaceMessages(t *testing.T) {
	s := New()
	assert.True(t, s.MessagesStale("c1"))
	since := s.Version()
	s.Apply(func(tx *Tx) {
		tx.PutMessage(&model.Message{ID: "live", ConversationID: "c1", SentAt: *at(10)})
	})
	s.ReplaceMessages("c1", []*model.Message{
		{ID: "a", ConversationID: "c1", SentAt: *at(1)},
		{ID: "b", ConversationID: "c1", SentAt: *at(2)},
	}, since)

	var got []string
	for _, m := range s.Messages("c1") {
		got = append(got, m.ID)
	}
	assert.Equal(t, []string{"a", "b", "live"}, got)
	assert.False(t, s.MessagesStale("c1"))

	s.MarkStale("c1")
	assert.True(t, s.MessagesStale("c1"))
}
