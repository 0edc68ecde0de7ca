package store

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/remote"
)

// ErrHubClosed is returned by Subscribe after Close.
var ErrHubClosed = errors.New("event hub closed")

// ErrSubscriberOverflow ends a subscription whose buffer filled up.
var ErrSubscriberOverflow = errors.New("subscriber fell behind")

// Hub is the in-process push feed of the local backend. Each subscriber
// receives the events of its scope in publish order on its own goroutine.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*hubSub
	next   uint64
	closed bool
	buffer int
	logger *zap.Logger
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[uint64]*hubSub), buffer: buffer, logger: logger}
}

var _ remote.EventSource = (*Hub)(nil)

type hubSub struct {
	hub      *Hub
	id       uint64
	scope    string
	ch       chan []byte
	onEvent  func([]byte)
	onStatus func(remote.TransportStatus, error)

	once   sync.Once
	done   chan struct{}
	reason remote.TransportStatus
	cause  error
}

// Subscribe registers a subscriber for scope. Subscribed is reported from the
// subscriber's goroutine.
func (h *Hub) Subscribe(scope string, onEvent func([]byte), onStatus func(remote.TransportStatus, error)) (remote.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	s := &hubSub{
		hub:      h,
		id:       h.next,
		scope:    scope,
		ch:       make(chan []byte, h.buffer),
		onEvent:  onEvent,
		onStatus: onStatus,
		done:     make(chan struct{}),
	}
	h.next++
	h.subs[s.id] = s
	go s.run()
	return s, nil
}

// Publish delivers raw to every subscriber of scope. A subscriber whose
// buffer is full is failed with CHANNEL_ERROR.
func (h *Hub) Publish(scope string, raw []byte) {
	h.mu.Lock()
	var overflowed []*hubSub
	for _, s := range h.subs {
		if s.scope != scope {
			continue
		}
		select {
		case s.ch <- raw:
		default:
			overflowed = append(overflowed, s)
		}
	}
	for _, s := range overflowed {
		delete(h.subs, s.id)
	}
	h.mu.Unlock()

	for _, s := range overflowed {
		h.logger.Warn("subscriber overflow", zap.String("scope", scope))
		s.end(remote.ChannelError, ErrSubscriberOverflow)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription with CLOSED.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = make(map[uint64]*hubSub)
	h.mu.Unlock()
	for _, s := range subs {
		s.end(remote.Closed, nil)
	}
}

func (s *hubSub) Close() error {
	s.hub.mu.Lock()
	delete(s.hub.subs, s.id)
	s.hub.mu.Unlock()
	s.end("", nil)
	return nil
}

func (s *hubSub) end(reason remote.TransportStatus, cause error) {
	s.once.Do(func() {
		s.reason, s.cause = reason, cause
		close(s.done)
	})
}

func (s *hubSub) run() {
	select {
	case <-s.done:
		if s.reason != "" {
			s.onStatus(s.reason, s.cause)
		}
		return
	default:
	}
	s.onStatus(remote.Subscribed, nil)
	for {
		select {
		case <-s.done:
			if s.reason != "" {
				s.onStatus(s.reason, s.cause)
			}
			return
		case raw := <-s.ch:
			select {
			case <-s.done:
				continue
			default:
			}
			s.onEvent(raw)
		}
	}
}
