package sync

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/model"
)

// Router decodes raw push events and hands them to the reconciler. A bad
// event is logged and dropped; it never stops later events.
type Router struct {
	reconciler *Reconciler
	logger     *zap.Logger
	applied    atomic.Uint64
	dropped    atomic.Uint64
}

// RouterStats counts routed events.
type RouterStats struct {
	Applied uint64
	Dropped uint64
}

// NewRouter creates a router feeding r.
func NewRouter(r *Reconciler, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{reconciler: r, logger: logger}
}

// Handle routes one raw event.
func (r *Router) Handle(raw []byte) {
	defer func() {
		if p := recover(); p != nil {
			r.dropped.Add(1)
			r.logger.Error("reconcile panic", zap.Any("panic", p), zap.ByteString("event", clip(raw)))
		}
	}()

	evt, err := model.ParseEvent(raw)
	if err != nil {
		r.dropped.Add(1)
		r.logger.Warn("drop malformed event", zap.Error(err), zap.ByteString("event", clip(raw)))
		return
	}
	r.reconciler.Apply(evt)
	r.applied.Add(1)
}

// Stats returns the routed event counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{Applied: r.applied.Load(), Dropped: r.dropped.Load()}
}

func clip(raw []byte) []byte {
	if len(raw) > 256 {
		return raw[:256]
	}
	return raw
}
