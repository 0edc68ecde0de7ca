package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/bus"
	"github.com/stitchline/convsync/internal/cache"
	"github.com/stitchline/convsync/internal/clock"
	"github.com/stitchline/convsync/internal/model"
	"github.com/stitchline/convsync/internal/mutation"
	"github.com/stitchline/convsync/internal/remote"
	"github.com/stitchline/convsync/internal/search"
	"github.com/stitchline/convsync/internal/status"
)

// ErrReadOnlyField is returned for fields that cannot be set directly.
var ErrReadOnlyField = errors.New("field is not directly mutable")

// Options wires an Engine.
type Options struct {
	Backend remote.Backend
	Source  remote.EventSource
	Clock   clock.Clock
	Bus     *bus.Bus
	Logger  *zap.Logger
	Backoff status.Backoff
	Search  search.Config
}

// Engine keeps a local view of one scope's conversations in step with the
// push feed and exposes it to the application.
type Engine struct {
	backend     remote.Backend
	bus         *bus.Bus
	logger      *zap.Logger
	store       *cache.Store
	reconciler  *Reconciler
	router      *Router
	recovery    *Recovery
	supervisor  *status.Supervisor
	coordinator *mutation.Coordinator
	search      *search.Engine

	mu    gosync.Mutex
	scope string
	open  string

	indexFetch gosync.Mutex
	msgFetch   gosync.Mutex
}

// NewEngine composes the engine components.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	e := &Engine{
		backend: opts.Backend,
		bus:     opts.Bus,
		logger:  opts.Logger,
		store:   cache.New(),
	}
	e.reconciler = NewReconciler(e.store, e.bus, opts.Logger.Named("reconciler"))
	e.router = NewRouter(e.reconciler, opts.Logger.Named("router"))
	e.recovery = NewRecovery(e.store, e.bus, e.OpenConversationID, opts.Logger.Named("recovery"))
	e.supervisor = status.NewSupervisor(status.SupervisorConfig{
		Source:   opts.Source,
		OnEvent:  e.router.Handle,
		Recovery: e.recovery,
		Clock:    opts.Clock,
		Backoff:  opts.Backoff,
		Machine:  status.NewMachine(e.bus, opts.Clock),
		Logger:   opts.Logger.Named("supervisor"),
	})
	e.coordinator = mutation.NewCoordinator(e.store, e.bus, opts.Logger.Named("mutation"))
	e.search = search.New(opts.Backend, opts.Clock, e.bus, opts.Search, opts.Logger.Named("search"))
	return e
}

// Bus returns the bus the engine publishes change notifications on.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Subscribe starts the push subscription for scope.
func (e *Engine) Subscribe(scope string) error {
	e.mu.Lock()
	e.scope = scope
	e.mu.Unlock()
	return e.supervisor.Subscribe(scope)
}

// Unsubscribe stops the push subscription.
func (e *Engine) Unsubscribe() { e.supervisor.Unsubscribe() }

// Reconnect retries the push subscription immediately.
func (e *Engine) Reconnect() { e.supervisor.Reconnect() }

// ConnectionStatus returns the push connection snapshot.
func (e *Engine) ConnectionStatus() status.Snapshot { return e.supervisor.Status() }

// ConversationIndex returns the conversations ordered by last activity,
// refetching them first when the index is stale.
func (e *Engine) ConversationIndex(ctx context.Context) ([]*model.Conversation, error) {
	if e.store.IndexStale() {
		if err := e.refreshIndex(ctx); err != nil {
			return nil, err
		}
	}
	return e.store.Index(), nil
}

func (e *Engine) refreshIndex(ctx context.Context) error {
	e.indexFetch.Lock()
	defer e.indexFetch.Unlock()
	if !e.store.IndexStale() {
		return nil
	}
	e.mu.Lock()
	scope := e.scope
	e.mu.Unlock()

	since := e.store.Version()
	convs, err := e.backend.ListConversations(ctx, scope)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	e.store.ReplaceIndex(convs, since)
	e.logger.Debug("conversation index refreshed", zap.Int("count", len(convs)))
	return nil
}

// Messages returns a conversation's messages ordered by sent time,
// refetching them first when the cached list is stale.
func (e *Engine) Messages(ctx context.Context, conversationID string) ([]*model.Message, error) {
	if e.store.MessagesStale(conversationID) {
		if err := e.refreshMessages(ctx, conversationID); err != nil {
			return nil, err
		}
	}
	return e.store.Messages(conversationID), nil
}

func (e *Engine) refreshMessages(ctx context.Context, conversationID string) error {
	e.msgFetch.Lock()
	defer e.msgFetch.Unlock()
	if !e.store.MessagesStale(conversationID) {
		return nil
	}
	since := e.store.Version()
	msgs, err := e.backend.ListMessages(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("list messages of %s: %w", conversationID, err)
	}
	e.store.ReplaceMessages(conversationID, msgs, since)
	return nil
}

// OpenConversation marks conversationID as the one being viewed. Recovery
// invalidates its messages along with the index.
func (e *Engine) OpenConversation(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.open = conversationID
}

// CloseConversation clears the open conversation.
func (e *Engine) CloseConversation() {
	e.OpenConversation("")
}

// OpenConversationID returns the open conversation, or "".
func (e *Engine) OpenConversationID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// MutateConversationField sets one field optimistically. The returned handle
// settles once the backend has answered.
func (e *Engine) MutateConversationField(ctx context.Context, conversationID string, field model.Field, value any) (*mutation.Pending, error) {
	if field == model.FieldUnreadCount {
		return nil, fmt.Errorf("%s: %w", field, ErrReadOnlyField)
	}
	return e.mutate(ctx, conversationID, field, value)
}

// MarkRead resets the unread counter of a conversation.
func (e *Engine) MarkRead(ctx context.Context, conversationID string) (*mutation.Pending, error) {
	return e.mutate(ctx, conversationID, model.FieldUnreadCount, 0)
}

func (e *Engine) mutate(ctx context.Context, conversationID string, field model.Field, value any) (*mutation.Pending, error) {
	patch, err := model.PatchForField(field, value)
	if err != nil {
		return nil, err
	}
	return e.coordinator.Mutate(ctx, conversationID, patch, func(ctx context.Context) error {
		return e.backend.SetConversationField(ctx, conversationID, field, value)
	})
}

// SendMessage posts an outbound message. The cache is updated by the insert
// event that follows, not here.
func (e *Engine) SendMessage(ctx context.Context, conversationID, content string) error {
	if err := e.backend.SendMessage(ctx, conversationID, content); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// DeleteConversation deletes a conversation remotely and removes it locally
// once the backend confirms. A failed delete leaves the cache untouched.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := e.backend.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	removed := false
	e.store.Apply(func(tx *cache.Tx) {
		removed = tx.RemoveConversation(conversationID)
	})
	if removed {
		e.bus.Emit(bus.ConversationRemoved, bus.EntityRef{ConversationID: conversationID})
	}
	e.mu.Lock()
	if e.open == conversationID {
		e.open = ""
	}
	e.mu.Unlock()
	return nil
}

// Search updates the search term.
func (e *Engine) Search(term string, filters model.Filters) search.State {
	return e.search.SetTerm(term, filters)
}

// SearchState returns the current search state.
func (e *Engine) SearchState() search.State { return e.search.State() }

// ClearSearch empties the search.
func (e *Engine) ClearSearch() { e.search.Clear() }

// Stats reports event routing and recovery counters.
type Stats struct {
	Router     RouterStats
	Recoveries uint64
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{Router: e.router.Stats(), Recoveries: e.recovery.Runs()}
}

// Close tears down the subscription and the search pipeline.
func (e *Engine) Close() {
	e.supervisor.Unsubscribe()
	e.search.Close()
}
