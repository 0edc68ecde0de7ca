// Package search runs the debounced two-phase conversation search.
package search

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stitchline/convsync/internal/bus"
	"github.com/stitchline/convsync/internal/clock"
	"github.com/stitchline/convsync/internal/model"
)

// Searcher is the slice of the backend the search engine queries.
type Searcher interface {
	SearchConversations(ctx context.Context, term string, limit int) ([]*model.Conversation, error)
	SearchMessages(ctx context.Context, term string, limit int) ([]*model.Message, error)
	GetConversations(ctx context.Context, ids []string) ([]*model.Conversation, error)
}

// Config holds the debounce delay and per-phase caps.
type Config struct {
	Debounce      time.Duration
	IdentityLimit int
	ContentLimit  int
	FetchLimit    int
}

// DefaultConfig is a 500ms debounce with caps 20/50/20.
var DefaultConfig = Config{
	Debounce:      500 * time.Millisecond,
	IdentityLimit: 20,
	ContentLimit:  50,
	FetchLimit:    20,
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultConfig.Debounce
	}
	if c.IdentityLimit <= 0 {
		c.IdentityLimit = DefaultConfig.IdentityLimit
	}
	if c.ContentLimit <= 0 {
		c.ContentLimit = DefaultConfig.ContentLimit
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultConfig.FetchLimit
	}
	return c
}

// SearchFailed is reported in State.Err when a query for Term failed.
type SearchFailed struct {
	Term string
	Err  error
}

func (e *SearchFailed) Error() string {
	return fmt.Sprintf("search %q: %v", e.Term, e.Err)
}

func (e *SearchFailed) Unwrap() error { return e.Err }

// State is the observable search state. Results belong to Term.
type State struct {
	Term        string
	Filters     model.Filters
	Results     []Result
	IsSearching bool
	Err         *SearchFailed
}

// Engine debounces term changes and runs one query at a time. Results of a
// superseded query are discarded by token, whatever order they arrive in.
type Engine struct {
	backend Searcher
	clock   clock.Clock
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config

	mu     sync.Mutex
	closed bool
	seq    uint64
	timer  clock.Timer
	token  string
	cancel context.CancelFunc
	state  State
}

// New creates a search engine over backend.
func New(backend Searcher, clk clock.Clock, b *bus.Bus, cfg Config, logger *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		backend: backend,
		clock:   clk,
		bus:     b,
		logger:  logger,
		cfg:     cfg.withDefaults(),
	}
}

// SetTerm records a keystroke. The query runs once term has been stable for
// the debounce delay. An in-flight query for an earlier term is cancelled
// immediately. An empty term clears the results without any backend call.
func (e *Engine) SetTerm(term string, filters model.Filters) State {
	e.mu.Lock()
	if e.closed {
		defer e.mu.Unlock()
		return e.state
	}
	e.seq++
	seq := e.seq
	e.stopLocked()

	if strings.TrimSpace(term) == "" {
		e.state = State{}
		snap := e.snapshotLocked()
		e.mu.Unlock()
		e.bus.Emit(bus.SearchUpdated, snap)
		return snap
	}

	e.state.IsSearching = true
	e.timer = e.clock.AfterFunc(e.cfg.Debounce, func() { e.dispatch(seq, term, filters) })
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.bus.Emit(bus.SearchUpdated, snap)
	return snap
}

// State returns the current search state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Clear cancels any pending or in-flight query and empties the results.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.seq++
	e.stopLocked()
	e.state = State{}
	snap := e.snapshotLocked()
	e.mu.Unlock()
	e.bus.Emit(bus.SearchUpdated, snap)
}

// Close clears the engine and ignores every later call.
func (e *Engine) Close() {
	e.Clear()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *Engine) stopLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.token = ""
}

func (e *Engine) dispatch(seq uint64, term string, filters model.Filters) {
	e.mu.Lock()
	if e.closed || seq != e.seq {
		e.mu.Unlock()
		return
	}
	e.timer = nil
	token := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	e.token = token
	e.cancel = cancel
	e.mu.Unlock()

	go e.run(ctx, token, term, filters)
}

func (e *Engine) run(ctx context.Context, token, term string, filters model.Filters) {
	results, err := e.query(ctx, term, filters)

	e.mu.Lock()
	if e.token != token {
		e.mu.Unlock()
		e.logger.Debug("discard superseded search", zap.String("term", term))
		return
	}
	e.cancel()
	e.token = ""
	e.cancel = nil
	if err != nil {
		e.state = State{Term: term, Filters: filters, Err: &SearchFailed{Term: term, Err: err}}
	} else {
		e.state = State{Term: term, Filters: filters, Results: results}
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("search failed", zap.String("term", term), zap.Error(err))
	}
	e.bus.Emit(bus.SearchUpdated, snap)
}

func (e *Engine) snapshotLocked() State {
	snap := e.state
	if e.state.Results != nil {
		snap.Results = make([]Result, len(e.state.Results))
		for i, r := range e.state.Results {
			snap.Results[i] = r.clone()
		}
	}
	return snap
}
