// Package wsfeed implements remote.EventSource over the hosted service's
// WebSocket change feed.
package wsfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/remote"
)

const (
	defaultSubscribeTimeout = 10 * time.Second
	defaultHeartbeat        = 25 * time.Second
	pingTimeout             = 10 * time.Second
	readLimit               = 4 << 20
)

// Frame types exchanged on the feed.
const (
	FrameSubscribe  = "subscribe"
	FrameSubscribed = "subscribed"
	FrameEvent      = "event"
	FrameError      = "error"
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Type    string          `json:"type"`
	Scope   string          `json:"scope,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Config configures a Feed.
type Config struct {
	URL              string
	Token            string
	SubscribeTimeout time.Duration
	Heartbeat        time.Duration
	HTTPClient       *http.Client
}

// Feed dials one WebSocket per subscription.
type Feed struct {
	cfg    Config
	logger *zap.Logger
}

var _ remote.EventSource = (*Feed)(nil)

// New creates a feed. http(s) URLs are rewritten to ws(s).
func New(cfg Config, logger *zap.Logger) *Feed {
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaultSubscribeTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	cfg.URL = strings.Replace(cfg.URL, "https://", "wss://", 1)
	cfg.URL = strings.Replace(cfg.URL, "http://", "ws://", 1)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{cfg: cfg, logger: logger}
}

// Subscribe dials in the background and returns immediately. The outcome is
// reported through onStatus.
func (f *Feed) Subscribe(scope string, onEvent func([]byte), onStatus func(remote.TransportStatus, error)) (remote.Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		feed:     f,
		scope:    scope,
		onEvent:  onEvent,
		onStatus: onStatus,
		cancel:   cancel,
	}
	go s.run(ctx)
	return s, nil
}

type subscription struct {
	feed     *Feed
	scope    string
	onEvent  func([]byte)
	onStatus func(remote.TransportStatus, error)
	cancel   context.CancelFunc

	mu     sync.Mutex
	conn   *websocket.Conn
	closed atomic.Bool
	ended  atomic.Bool
	once   sync.Once
}

// Close stops the subscription. No callback fires afterwards.
func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "unsubscribe")
		}
	})
	return err
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

func (s *subscription) run(ctx context.Context) {
	defer s.cancel()
	cfg := s.feed.cfg
	logger := s.feed.logger.With(zap.String("scope", s.scope))

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.SubscribeTimeout)
	defer cancelDial()

	opts := &websocket.DialOptions{HTTPClient: cfg.HTTPClient}
	if cfg.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + cfg.Token}}
	}
	conn, _, err := websocket.Dial(dialCtx, cfg.URL, opts)
	if err != nil {
		s.report(dialStatus(dialCtx, err), fmt.Errorf("websocket dial: %w", err))
		return
	}
	conn.SetReadLimit(readLimit)

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "unsubscribe")
		return
	}
	s.conn = conn
	s.mu.Unlock()
	defer conn.CloseNow()

	if err := wsjson.Write(dialCtx, conn, Frame{Type: FrameSubscribe, Scope: s.scope}); err != nil {
		s.report(remote.ChannelError, fmt.Errorf("write subscribe: %w", err))
		return
	}

	var ack Frame
	if err := wsjson.Read(dialCtx, conn, &ack); err != nil {
		s.report(readStatus(dialCtx, err), fmt.Errorf("read subscribe ack: %w", err))
		return
	}
	if ack.Type != FrameSubscribed {
		s.report(remote.ChannelError, fmt.Errorf("expected %q, got %q: %s", FrameSubscribed, ack.Type, ack.Message))
		return
	}
	logger.Debug("feed subscribed")
	s.report(remote.Subscribed, nil)

	go s.heartbeat(ctx, conn)
	s.readLoop(ctx, conn, logger)
}

func (s *subscription) readLoop(ctx context.Context, conn *websocket.Conn, logger *zap.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.report(readStatus(ctx, err), err)
			return
		}
		var fr Frame
		if err := json.Unmarshal(data, &fr); err != nil {
			logger.Warn("skip malformed frame", zap.Error(err))
			continue
		}
		switch fr.Type {
		case FrameEvent:
			if len(fr.Event) > 0 && !s.closed.Load() {
				s.onEvent(fr.Event)
			}
		case FrameError:
			s.report(remote.ChannelError, fmt.Errorf("feed error: %s", fr.Message))
			return
		default:
			logger.Debug("ignore frame", zap.String("type", fr.Type))
		}
	}
}

func (s *subscription) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.feed.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					s.report(remote.TimedOut, fmt.Errorf("heartbeat: %w", err))
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func dialStatus(ctx context.Context, err error) remote.TransportStatus {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return remote.TimedOut
	}
	return remote.ChannelError
}

func readStatus(ctx context.Context, err error) remote.TransportStatus {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return remote.Closed
	}
	return dialStatus(ctx, err)
}
