package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/remote"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

func newServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization")}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			assert.NoError(t, json.Unmarshal(b, &rec.body))
		}
		calls = append(calls, rec)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "tok", WithTimeout(2*time.Second)), &calls
}

func TestListConversationsDecodes(t *testing.T) {
	c, calls := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"c1","display_name":"Ana","status":"open","last_message_at":"2026-04-01T10:00:00Z","unread_count":2}]`)
	})

	convs, err := c.ListConversations(context.Background(), "main")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Ana", convs[0].DisplayName)
	assert.Equal(t, 2, convs[0].UnreadCount)
	require.NotNil(t, convs[0].LastMessageAt)

	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, http.MethodGet, got.method)
	assert.Equal(t, "/conversations", got.path)
	assert.Equal(t, "scope=main", got.query)
	assert.Equal(t, "Bearer tok", got.auth)
}

func TestMutationsSendExpectedRequests(t *testing.T) {
	c, calls := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()

	require.NoError(t, c.SetConversationField(ctx, "c 1", model.FieldAIManaged, true))
	require.NoError(t, c.SendMessage(ctx, "c1", "hello"))
	require.NoError(t, c.DeleteConversation(ctx, "c1"))

	require.Len(t, *calls, 3)
	assert.Equal(t, http.MethodPatch, (*calls)[0].method)
	assert.Equal(t, "/conversations/c 1", (*calls)[0].path)
	assert.Equal(t, map[string]any{"ai_managed": true}, (*calls)[0].body)

	assert.Equal(t, "/conversations/c1/messages", (*calls)[1].path)
	assert.Equal(t, "hello", (*calls)[1].body["content"])
	assert.NotEmpty(t, (*calls)[1].body["client_message_id"])

	assert.Equal(t, http.MethodDelete, (*calls)[2].method)
}

func TestSearchQueries(t *testing.T) {
	c, calls := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[]`)
	})
	ctx := context.Background()

	_, err := c.SearchConversations(ctx, "ana maria", 20)
	require.NoError(t, err)
	_, err = c.SearchMessages(ctx, "ana", 50)
	require.NoError(t, err)
	_, err = c.GetConversations(ctx, []string{"c1", "c2"})
	require.NoError(t, err)
	_, err = c.GetConversations(ctx, nil)
	require.NoError(t, err)

	require.Len(t, *calls, 3, "empty id list makes no request")
	assert.Equal(t, "/conversations/search", (*calls)[0].path)
	assert.Equal(t, "limit=20&q=ana+maria", (*calls)[0].query)
	assert.Equal(t, "/messages/search", (*calls)[1].path)
	assert.Equal(t, "ids=c1%2Cc2", (*calls)[2].query)
}

func TestErrorStatuses(t *testing.T) {
	c, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		http.Error(w, "boom", http.StatusBadGateway)
	})
	ctx := context.Background()

	err := c.DeleteConversation(ctx, "c1")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	_, err = c.ListMessages(ctx, "c1")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.Code)
	assert.Equal(t, "boom", se.Body)
}
