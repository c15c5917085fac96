package tracker

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/inkworks/novelwatch/internal/analysis"
	"github.com/inkworks/novelwatch/internal/observability"
)

// Conn is one live push channel. Satisfied by the gorilla-backed connection
// in dialer.go and by in-package fakes in tests.
type Conn interface {
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a push channel scoped to one novel.
type Dialer interface {
	Dial(ctx context.Context, novelID string) (Conn, error)
}

// Poller is the pull collaborator used to resynchronize when the push
// channel is unavailable. Satisfied by client.Client.
type Poller interface {
	LatestTask(ctx context.Context, novelID string) (analysis.LatestResult, error)
}

// Options tune the reconnection scheduler. Zero values fall back to the
// production defaults (1s base, five attempts).
type Options struct {
	BaseDelay   time.Duration
	MaxAttempts int
	DialTimeout time.Duration
	PollTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 4 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 10 * time.Second
	}
	return o
}

// Engine keeps a local mirror of one novel's analysis task consistent with
// the backend across an unreliable push channel.
//
// Every callback a connection or timer registers captures the generation
// counter's value at registration time and, as its first action under the
// lock, drops itself when the live counter has moved on. That staleness
// check is the only synchronization discipline guarding the mirror from
// superseded connections; the mutex provides the callback atomicity the
// original event-loop runtime gave for free.
type Engine struct {
	dialer  Dialer
	poller  Poller
	metrics *observability.Metrics
	opts    Options

	// afterFunc is swappable in tests to capture scheduled delays.
	afterFunc func(d time.Duration, f func()) *time.Timer

	mu        sync.Mutex
	gen       uint64
	subjectID string
	conn      Conn
	attempt   int
	timer     *time.Timer
	state     state
	onChange  func(Snapshot)
}

func NewEngine(dialer Dialer, poller Poller, metrics *observability.Metrics, opts Options) *Engine {
	return &Engine{
		dialer:    dialer,
		poller:    poller,
		metrics:   metrics,
		opts:      opts.withDefaults(),
		afterFunc: time.AfterFunc,
	}
}

// SetChangeHook registers a callback invoked with a fresh snapshot after
// every applied mutation. Called outside the engine lock.
func (e *Engine) SetChangeHook(hook func(Snapshot)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onChange = hook
}

// Snapshot returns a read-only copy of the mirrored state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.snapshot()
}

// Generation exposes the live generation counter. It only ever increases.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

// SetTask replaces the mirrored task wholesale. Pass nil to clear it when
// switching subjects; progress fields are left untouched.
func (e *Engine) SetTask(task *analysis.Task) {
	e.mu.Lock()
	e.state.setTask(task)
	snap, hook := e.state.snapshot(), e.onChange
	e.mu.Unlock()
	if hook != nil {
		hook(snap)
	}
}

// ResetProgress zeroes progress, chapter counters, stats and the failure
// list. The task and connection state are untouched.
func (e *Engine) ResetProgress() {
	e.mu.Lock()
	e.state.resetProgress()
	snap, hook := e.state.snapshot(), e.onChange
	e.mu.Unlock()
	if hook != nil {
		hook(snap)
	}
}

// Connect binds the engine to a novel and opens a push channel for it.
// Safe to call at any time: a pending reconnect timer is cancelled, the
// generation bump renders every in-flight callback of the previous channel
// inert, and the old channel is closed as best-effort cleanup.
func (e *Engine) Connect(subjectID string) {
	e.openChannel(subjectID, true)
}

// open is Connect without the attempt-counter reset; the scheduler uses it
// so consecutive failed reconnects keep escalating the backoff. The counter
// only returns to zero once a channel actually opens.
func (e *Engine) open(subjectID string) {
	e.openChannel(subjectID, false)
}

func (e *Engine) openChannel(subjectID string, resetAttempt bool) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return
	}
	e.mu.Lock()
	e.stopTimerLocked()
	e.gen++
	gen := e.gen
	old := e.conn
	e.conn = nil
	e.subjectID = subjectID
	if resetAttempt {
		e.attempt = 0
	}
	e.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	go e.dial(gen, subjectID)
}

// Disconnect tears the channel down: timer cancelled, generation bumped
// before the close so a synchronously re-entered close handler already sees
// itself stale, then the physical channel released. Idempotent.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	e.stopTimerLocked()
	e.gen++
	e.subjectID = ""
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		e.metrics.SetOpenChannels(0)
		e.metrics.ObserveChannelEvent("disconnected")
	}
}

// Refresh is the manual resync path (the page-revisibility hook in the
// original UI): one poll, then a fresh Connect when the task is still live.
func (e *Engine) Refresh() {
	e.mu.Lock()
	gen := e.gen
	subjectID := e.subjectID
	e.mu.Unlock()
	if subjectID == "" {
		return
	}

	res, err := e.poll(subjectID)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	if err == nil {
		e.applyPollLocked(res)
	}
	active := e.state.taskActive()
	snap, hook := e.state.snapshot(), e.onChange
	e.mu.Unlock()

	if hook != nil && err == nil {
		hook(snap)
	}
	if active {
		e.Connect(subjectID)
	}
}

func (e *Engine) dial(gen uint64, subjectID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.DialTimeout)
	defer cancel()

	conn, err := e.dialer.Dial(ctx, subjectID)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		e.mu.Unlock()
		log.Printf("tracker: dial %s failed: %v", subjectID, err)
		e.metrics.ObserveChannelEvent("dial_failed")
		e.handleClose(gen)
		return
	}
	e.conn = conn
	// onOpen: a live channel resets the backoff ladder.
	e.attempt = 0
	e.mu.Unlock()

	e.metrics.SetOpenChannels(1)
	e.metrics.ObserveChannelEvent("connected")
	go e.readPump(gen, conn)
}

func (e *Engine) readPump(gen uint64, conn Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			e.metrics.SetOpenChannels(0)
			e.handleClose(gen)
			return
		}
		e.handleMessage(gen, raw)
	}
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}
