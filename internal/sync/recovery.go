package sync

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/bus"
	"github.com/stitchline/convsync/internal/cache"
)

// StaleNotice is the payload of cache.stale events.
type StaleNotice struct {
	OpenConversationID string `json:"open_conversation_id,omitempty"`
}

// Recovery invalidates the cache after a connectivity gap: the conversation
// index and the open conversation's messages are refetched on next read.
// Missed events are not replayed.
type Recovery struct {
	store  *cache.Store
	bus    *bus.Bus
	logger *zap.Logger
	open   func() string
	runs   atomic.Uint64
}

// NewRecovery creates a recovery over store. open reports the currently open
// conversation, or "".
func NewRecovery(store *cache.Store, b *bus.Bus, open func() string, logger *zap.Logger) *Recovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	if open == nil {
		open = func() string { return "" }
	}
	return &Recovery{store: store, bus: b, logger: logger, open: open}
}

// Recover marks the affected partitions stale.
func (r *Recovery) Recover() {
	openID := r.open()
	if openID != "" {
		r.store.MarkStale(openID)
	} else {
		r.store.MarkStale()
	}
	r.runs.Add(1)
	r.logger.Info("missed-event recovery", zap.String("open_conversation", openID))
	r.bus.Emit(bus.CacheStale, StaleNotice{OpenConversationID: openID})
}

// Runs returns how many recoveries have happened.
func (r *Recovery) Runs() uint64 {
	return r.runs.Load()
}
