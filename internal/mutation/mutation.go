// Package mutation applies optimistic conversation changes ahead of their
// remote confirmation and rolls them back when the remote call fails.
package mutation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/bus"
	"github.com/stitchline/convsync/internal/cache"
	"github.com/stitchline/convsync/internal/model"
)

// ErrNotCached is the reason given when the target conversation is not cached.
var ErrNotCached = errors.New("conversation not cached")

// MutationError reports a rolled-back mutation.
type MutationError struct {
	EntityID string      `json:"entity_id"`
	Field    model.Field `json:"field"`
	Reason   string      `json:"reason"`
	Err      error       `json:"-"`
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutate %s of conversation %s: %s", e.Field, e.EntityID, e.Reason)
}

func (e *MutationError) Unwrap() error { return e.Err }

// RemoteCall performs the server side of a mutation.
type RemoteCall func(ctx context.Context) error

// Pending tracks an in-flight mutation.
type Pending struct {
	Token    string
	EntityID string
	done     chan struct{}
	err      error
}

// Done is closed once the remote call has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the mutation settles. It returns nil on success or a
// *MutationError after rollback.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Coordinator runs optimistic mutations against the cache store. The patch
// is layered over the confirmed value until the remote call settles; any
// confirmed write for the same conversation in the meantime takes precedence.
type Coordinator struct {
	store  *cache.Store
	bus    *bus.Bus
	logger *zap.Logger
}

// NewCoordinator creates a coordinator writing to store.
func NewCoordinator(store *cache.Store, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{store: store, bus: b, logger: logger}
}

// Mutate applies patch to entityID immediately and runs call in the
// background. Observers see the patched value as soon as Mutate returns.
func (c *Coordinator) Mutate(ctx context.Context, entityID string, patch model.ConversationPatch, call RemoteCall) (*Pending, error) {
	field := primaryField(patch)
	token := uuid.NewString()

	applied := false
	c.store.Apply(func(tx *cache.Tx) {
		applied = tx.AddPending(entityID, token, patch)
	})
	if !applied {
		return nil, &MutationError{EntityID: entityID, Field: field, Reason: ErrNotCached.Error(), Err: ErrNotCached}
	}
	c.bus.Emit(bus.ConversationChanged, bus.EntityRef{ConversationID: entityID})

	p := &Pending{Token: token, EntityID: entityID, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		err := call(ctx)
		p.err = c.settle(entityID, field, token, err)
	}()
	return p, nil
}

func (c *Coordinator) settle(entityID string, field model.Field, token string, callErr error) error {
	var present bool
	c.store.Apply(func(tx *cache.Tx) {
		if callErr == nil {
			present = tx.FoldPending(entityID, token)
		} else {
			present = tx.DropPending(entityID, token)
		}
	})
	if present {
		c.bus.Emit(bus.ConversationChanged, bus.EntityRef{ConversationID: entityID})
	}
	if callErr == nil {
		return nil
	}

	mErr := &MutationError{EntityID: entityID, Field: field, Reason: callErr.Error(), Err: callErr}
	c.logger.Warn("mutation rolled back",
		zap.String("conversation", entityID),
		zap.String("field", string(field)),
		zap.Bool("superseded", !present),
		zap.Error(callErr),
	)
	c.bus.Emit(bus.MutationFailed, mErr)
	return mErr
}

func primaryField(p model.ConversationPatch) model.Field {
	if fields := p.Fields(); len(fields) > 0 {
		return fields[0]
	}
	return ""
}
