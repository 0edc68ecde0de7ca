// Package natsfeed implements remote.EventSource over a NATS subject per
// scope. Each subscription owns its connection; reconnection is left to the
// connection supervisor.
package natsfeed

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/remote"
)

// DefaultSubjectPrefix is prepended to the scope to form the subject.
const DefaultSubjectPrefix = "convsync.events"

const defaultSubscribeTimeout = 10 * time.Second

// Config configures a Feed.
type Config struct {
	URL              string
	Token            string
	SubjectPrefix    string
	SubscribeTimeout time.Duration
}

// Feed opens NATS subscriptions.
type Feed struct {
	cfg    Config
	logger *zap.Logger
}

var _ remote.EventSource = (*Feed)(nil)

// New creates a feed.
func New(cfg Config, logger *zap.Logger) *Feed {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaultSubscribeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{cfg: cfg, logger: logger}
}

// Subject returns the subject events for scope are published on.
func (f *Feed) Subject(scope string) string {
	return fmt.Sprintf("%s.%s", f.cfg.SubjectPrefix, scope)
}

// Subscribe connects in the background and returns immediately.
func (f *Feed) Subscribe(scope string, onEvent func([]byte), onStatus func(remote.TransportStatus, error)) (remote.Subscription, error) {
	s := &subscription{feed: f, scope: scope, onEvent: onEvent, onStatus: onStatus}
	go s.run()
	return s, nil
}

type subscription struct {
	feed     *Feed
	scope    string
	onEvent  func([]byte)
	onStatus func(remote.TransportStatus, error)

	mu     sync.Mutex
	nc     *nats.Conn
	closed atomic.Bool
	ended  atomic.Bool
}

func (s *subscription) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	nc := s.nc
	s.nc = nil
	s.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	return nil
}

func (s *subscription) report(st remote.TransportStatus, err error) {
	if s.closed.Load() {
		return
	}
	if st.Failed() && !s.ended.CompareAndSwap(false, true) {
		return
	}
	s.onStatus(st, err)
}

func (s *subscription) run() {
	cfg := s.feed.cfg
	subject := s.feed.Subject(s.scope)
	logger := s.feed.logger.With(zap.String("subject", subject))

	opts := []nats.Option{
		nats.Name("convsync"),
		nats.NoReconnect(),
		nats.Timeout(cfg.SubscribeTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.report(remote.ChannelError, fmt.Errorf("nats disconnected: %w", err))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			s.report(remote.Closed, nil)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("nats async error", zap.Error(err))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		s.report(connectStatus(err), fmt.Errorf("connect to nats: %w", err))
		return
	}
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.nc = nc
	s.mu.Unlock()

	if _, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		if !s.closed.Load() {
			s.onEvent(msg.Data)
		}
	}); err != nil {
		s.report(remote.ChannelError, fmt.Errorf("subscribe %s: %w", subject, err))
		nc.Close()
		return
	}
	// The server has registered the interest once the flush round-trips.
	if err := nc.FlushTimeout(cfg.SubscribeTimeout); err != nil {
		s.report(connectStatus(err), fmt.Errorf("flush %s: %w", subject, err))
		nc.Close()
		return
	}
	logger.Debug("nats subscribed")
	s.report(remote.Subscribed, nil)
}

func connectStatus(err error) remote.TransportStatus {
	if errors.Is(err, nats.ErrTimeout) {
		return remote.TimedOut
	}
	return remote.ChannelError
}
