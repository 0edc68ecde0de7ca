package status

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/clock"
	"github.com/stitchline/convsync/internal/remote"
)

// ErrAlreadySubscribed is returned by Subscribe while a subscription is active.
var ErrAlreadySubscribed = errors.New("already subscribed")

// Recoverer restores cache validity after a connectivity gap.
type Recoverer interface {
	Recover()
}

// Snapshot is the observable connection state.
type Snapshot struct {
	State           State
	Scope           string
	Attempts        int
	LastConnectedAt *time.Time
}

// Supervisor owns the push subscription lifecycle for one scope. Failed
// attempts are retried with exponential backoff until Unsubscribe. After
// Unsubscribe every pending timer is stopped and late callbacks are ignored.
type Supervisor struct {
	source   remote.EventSource
	onEvent  func(raw []byte)
	recovery Recoverer
	clock    clock.Clock
	backoff  Backoff
	machine  *Machine
	logger   *zap.Logger

	mu            sync.Mutex
	active        bool
	scope         string
	gen           uint64
	sub           remote.Subscription
	timer         clock.Timer
	attempts      int
	needsRecovery bool
	lastConnected *time.Time
}

// SupervisorConfig wires a Supervisor.
type SupervisorConfig struct {
	Source   remote.EventSource
	OnEvent  func(raw []byte)
	Recovery Recoverer
	Clock    clock.Clock
	Backoff  Backoff
	Machine  *Machine
	Logger   *zap.Logger
}

// NewSupervisor creates an idle supervisor in the Disconnected state.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Machine == nil {
		cfg.Machine = NewMachine(nil, cfg.Clock)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff
	}
	return &Supervisor{
		source:   cfg.Source,
		onEvent:  cfg.OnEvent,
		recovery: cfg.Recovery,
		clock:    cfg.Clock,
		backoff:  cfg.Backoff,
		machine:  cfg.Machine,
		logger:   cfg.Logger,
	}
}

// Subscribe starts supervising the push subscription for scope.
func (s *Supervisor) Subscribe(scope string) error {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return ErrAlreadySubscribed
	}
	s.active = true
	s.scope = scope
	s.attempts = 0
	s.needsRecovery = false
	s.mu.Unlock()

	s.logger.Info("subscribing", zap.String("scope", scope))
	s.connect()
	return nil
}

// Unsubscribe tears the subscription down. It is safe to call more than once.
func (s *Supervisor) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	sub := s.sub
	s.sub = nil
	s.attempts = 0
	s.needsRecovery = false
	if s.machine.Current() != Disconnected {
		s.transitionLocked(Disconnected)
	}
	s.mu.Unlock()

	s.closeSub(sub)
	s.logger.Info("unsubscribed")
}

// Reconnect cancels any pending retry and attempts immediately with the
// attempt counter reset. A recovery still owed from an earlier drop is kept.
// Reconnecting from Connected also owes one: events published between closing
// the live subscription and the new ack are never delivered.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	cur := s.machine.Current()
	if s.attempts > 0 || cur == Connected {
		s.needsRecovery = true
	}
	s.attempts = 0
	s.gen++
	sub := s.sub
	s.sub = nil
	if cur == Connected || cur == Connecting {
		s.transitionLocked(Disconnected)
	}
	s.mu.Unlock()

	s.closeSub(sub)
	s.logger.Info("manual reconnect")
	s.connect()
}

// Status returns the current connection snapshot.
func (s *Supervisor) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:    s.machine.Current(),
		Scope:    s.scope,
		Attempts: s.attempts,
	}
	if s.lastConnected != nil {
		t := *s.lastConnected
		snap.LastConnectedAt = &t
	}
	return snap
}

func (s *Supervisor) connect() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	scope := s.scope
	s.transitionLocked(Connecting)
	s.mu.Unlock()

	sub, err := s.source.Subscribe(scope,
		func(raw []byte) { s.handleEvent(gen, raw) },
		func(st remote.TransportStatus, err error) { s.handleStatus(gen, st, err) },
	)

	s.mu.Lock()
	if err != nil {
		if s.active && gen == s.gen {
			s.failLocked(remote.ChannelError, err)
		}
		s.mu.Unlock()
		return
	}
	if !s.active || gen != s.gen {
		s.mu.Unlock()
		s.closeSub(sub)
		return
	}
	s.sub = sub
	s.mu.Unlock()
}

func (s *Supervisor) handleEvent(gen uint64, raw []byte) {
	s.mu.Lock()
	live := s.active && gen == s.gen
	s.mu.Unlock()
	if live && s.onEvent != nil {
		s.onEvent(raw)
	}
}

func (s *Supervisor) handleStatus(gen uint64, st remote.TransportStatus, err error) {
	s.mu.Lock()
	if !s.active || gen != s.gen {
		s.mu.Unlock()
		return
	}

	if st == remote.Subscribed {
		if s.machine.Current() != Connecting {
			s.mu.Unlock()
			return
		}
		owed := s.attempts > 0 || s.needsRecovery
		now := s.clock.Now()
		s.lastConnected = &now
		s.transitionLocked(Connected)
		s.attempts = 0
		s.needsRecovery = false
		s.mu.Unlock()

		s.logger.Info("connected", zap.Bool("recovering", owed))
		if owed && s.recovery != nil {
			s.recovery.Recover()
		}
		return
	}

	if !st.Failed() {
		s.mu.Unlock()
		return
	}
	sub := s.sub
	s.sub = nil
	s.failLocked(st, err)
	s.mu.Unlock()
	s.closeSub(sub)
}

// failLocked records a failed attempt and schedules the next one. Bumping the
// generation discards any further signals from the failed attempt.
func (s *Supervisor) failLocked(st remote.TransportStatus, err error) {
	if s.machine.Current() == Connected {
		s.needsRecovery = true
	}
	s.gen++
	gen := s.gen
	s.transitionLocked(Disconnected)

	delay := s.backoff.Delay(s.attempts)
	s.attempts++
	s.transitionLocked(Reconnecting)
	s.timer = s.clock.AfterFunc(delay, func() { s.retry(gen) })

	s.logger.Warn("push subscription failed",
		zap.String("signal", string(st)),
		zap.Error(err),
		zap.Int("attempts", s.attempts),
		zap.Duration("retry_in", delay),
	)
}

func (s *Supervisor) retry(gen uint64) {
	s.mu.Lock()
	if !s.active || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()
	s.connect()
}

func (s *Supervisor) transitionLocked(to State) {
	if err := s.machine.Transition(to, s.attempts); err != nil {
		s.logger.Error("connection state", zap.Error(err))
	}
}

func (s *Supervisor) closeSub(sub remote.Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Close(); err != nil {
		s.logger.Debug("close subscription", zap.Error(err))
	}
}
