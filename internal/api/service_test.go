package api

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/stitchline/convsync/internal/bus"
	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/search"
	"github.com/stitchline/convsync/internal/status"
	"github.com/stitchline/convsync/internal/store"
	intsync "github.com/stitchline/convsync/internal/sync"
)

type harness struct {
	client  *Client
	engine  *intsync.Engine
	backend *store.Backend
}

func newHarness(t *testing.T, withIngest bool) *harness {
	t.Helper()
	// Short path keeps the socket under the 104-char limit on macOS.
	dir, err := os.MkdirTemp("/tmp", "convsync-api-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "convsync.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := store.NewHub(64, nil)
	backend := store.NewBackend(db, hub, nil, nil)
	ctx := context.Background()
	ana := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, backend.Seed(ctx, "main", &model.Conversation{
		ID: "c-ana", DisplayName: "Ana Souza", ExternalID: "5511988887777",
		Status: model.StatusOpen, UnreadCount: 3, LastMessageAt: &ana, LastMessagePreview: "oi",
	}, &model.Message{
		ID: "m-1", ConversationID: "c-ana", Direction: model.Inbound, Type: model.TypeText,
		Content: "oi", SentAt: ana,
	}))

	engine := intsync.NewEngine(intsync.Options{
		Backend: backend,
		Source:  hub,
		Backoff: status.Backoff{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond},
		Search:  search.Config{Debounce: 5 * time.Millisecond},
		Logger:  zap.NewNop(),
	})
	t.Cleanup(engine.Close)
	require.NoError(t, engine.Subscribe("main"))
	require.Eventually(t, func() bool {
		return engine.ConnectionStatus().State == status.Connected
	}, 2*time.Second, 5*time.Millisecond)

	var ingester Ingester
	if withIngest {
		ingester = backend
	}
	srv := grpc.NewServer()
	Register(srv, NewSyncService(engine, ingester, nil))
	sock := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", sock)
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial(sock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return &harness{client: c, engine: engine, backend: backend}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func codeOf(err error) codes.Code {
	return grpcstatus.Code(err)
}

func TestStatusAndList(t *testing.T) {
	h := newHarness(t, true)
	ctx := testCtx(t)

	st, err := h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.Connected, st.State)
	assert.Equal(t, "main", st.Scope)
	assert.NotNil(t, st.LastConnectedAt)

	convs, err := h.client.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Ana Souza", convs[0].DisplayName)
	assert.Equal(t, 3, convs[0].UnreadCount)

	msgs, err := h.client.Messages(ctx, "c-ana", true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "oi", msgs[0].Content)

	st, err = h.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c-ana", st.OpenConversationID)
}

func TestSetFieldAndMarkRead(t *testing.T) {
	h := newHarness(t, true)
	ctx := testCtx(t)

	c, err := h.client.SetField(ctx, "c-ana", model.FieldTagIDs, []string{"vip"})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []string{"vip"}, c.TagIDs)

	c, err = h.client.MarkRead(ctx, "c-ana")
	require.NoError(t, err)
	require.NotNil(t, c)
	// Feed events for both writes land after the responses.
	require.Eventually(t, func() bool {
		convs, err := h.client.Conversations(ctx)
		return err == nil && len(convs) == 1 && convs[0].UnreadCount == 0 && convs[0].HasTag("vip")
	}, 2*time.Second, 10*time.Millisecond)

	_, err = h.client.SetField(ctx, "c-ana", model.FieldUnreadCount, 5)
	assert.Equal(t, codes.InvalidArgument, codeOf(err))

	_, err = h.client.SetField(ctx, "c-nobody", model.FieldStatus, "closed")
	assert.Equal(t, codes.FailedPrecondition, codeOf(err))
}

func TestIngestAndSendFlowThroughFeed(t *testing.T) {
	h := newHarness(t, true)
	ctx := testCtx(t)

	_, err := h.client.Conversations(ctx)
	require.NoError(t, err)

	m, err := h.client.Ingest(ctx, IngestRequest{ConversationID: "c-bia", DisplayName: "Bia", Content: "preciso de ajuda"})
	require.NoError(t, err)
	assert.Equal(t, model.Inbound, m.Direction)

	require.Eventually(t, func() bool {
		convs, err := h.client.Conversations(ctx)
		return err == nil && len(convs) == 2 && convs[0].ID == "c-bia"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.client.Send(ctx, "c-ana", "tudo certo"))
	require.Eventually(t, func() bool {
		convs, err := h.client.Conversations(ctx)
		return err == nil && len(convs) == 2 && convs[0].ID == "c-ana" && convs[0].LastMessagePreview == "tudo certo"
	}, 2*time.Second, 10*time.Millisecond)

	err = h.client.Send(ctx, "c-ana", "   ")
	assert.Equal(t, codes.InvalidArgument, codeOf(err))
}

func TestIngestWithoutLocalBackend(t *testing.T) {
	h := newHarness(t, false)
	_, err := h.client.Ingest(testCtx(t), IngestRequest{ConversationID: "c-x", Content: "hi"})
	assert.Equal(t, codes.FailedPrecondition, codeOf(err))
}

func TestDeleteConversation(t *testing.T) {
	h := newHarness(t, true)
	ctx := testCtx(t)

	_, err := h.client.Conversations(ctx)
	require.NoError(t, err)
	require.NoError(t, h.client.Delete(ctx, "c-ana"))

	convs, err := h.client.Conversations(ctx)
	require.NoError(t, err)
	assert.Empty(t, convs)

	err = h.client.Delete(ctx, "c-ana")
	assert.Equal(t, codes.NotFound, codeOf(err))
}

func TestSearchWaitsForResults(t *testing.T) {
	h := newHarness(t, true)
	ctx := testCtx(t)

	v, err := h.client.Search(ctx, SearchRequest{Term: "souza", Wait: true})
	require.NoError(t, err)
	assert.Equal(t, "souza", v.Term)
	assert.False(t, v.IsSearching)
	require.Len(t, v.Results, 1)
	assert.Equal(t, "c-ana", v.Results[0].Conversation.ID)
	assert.Equal(t, "identity_name", v.Results[0].Match)

	v, err = h.client.Search(ctx, SearchRequest{Term: "", Wait: true})
	require.NoError(t, err)
	assert.Empty(t, v.Results)
}

func TestWatchStreamsChanges(t *testing.T) {
	h := newHarness(t, true)
	ctx := testCtx(t)

	_, err := h.client.Conversations(ctx)
	require.NoError(t, err)

	w, err := h.client.Watch(ctx, "cache.conversation")
	require.NoError(t, err)

	// The stream is registered asynchronously; publish until a change arrives.
	got := make(chan *ChangeView, 1)
	go func() {
		if ch, err := w.Recv(); err == nil {
			got <- ch
		}
	}()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case ch := <-got:
			assert.Equal(t, bus.ConversationChanged, ch.Kind)
			assert.NotEmpty(t, ch.EventID)
			payload, ok := ch.Payload.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "c-ana", payload["conversation_id"])
			return
		case <-tick.C:
			_, err := h.backend.Ingest(ctx, store.InboundMessage{Scope: "main", ConversationID: "c-ana", Content: "ping"})
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("no change received")
		}
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"read only", intsync.ErrReadOnlyField, codes.InvalidArgument},
		{"deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"other", assert.AnError, codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, codeOf(toStatus(tt.err)))
		})
	}
}
