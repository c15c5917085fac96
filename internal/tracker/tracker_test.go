package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inkworks/novelwatch/internal/analysis"
)

type fakeConn struct {
	mu     sync.Mutex
	msgs   chan []byte
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.msgs
	if !ok {
		return nil, errors.New("channel closed")
	}
	return data, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.msgs)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// dropFromServer simulates the remote side closing the channel.
func (c *fakeConn) dropFromServer() {
	_ = c.Close()
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int // fail this many dials first; -1 fails every dial
	conns    []*fakeConn
	subjects []string
}

func (d *fakeDialer) Dial(_ context.Context, novelID string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subjects = append(d.subjects, novelID)
	if d.failures != 0 {
		if d.failures > 0 {
			d.failures--
		}
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subjects)
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type fakePoller struct {
	mu     sync.Mutex
	res    analysis.LatestResult
	err    error
	calls  int
	onPoll func()
}

func (p *fakePoller) LatestTask(_ context.Context, _ string) (analysis.LatestResult, error) {
	p.mu.Lock()
	p.calls++
	res, err, hook := p.res, p.err, p.onPoll
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res, err
}

func (p *fakePoller) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// timerRecorder captures scheduled backoff timers so tests can inspect
// delays and fire callbacks deterministically.
type timerRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fires  []func()
}

func (r *timerRecorder) afterFunc(d time.Duration, f func()) *time.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	r.fires = append(r.fires, f)
	return time.NewTimer(time.Hour)
}

func (r *timerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func (r *timerRecorder) delay(i int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delays[i]
}

func (r *timerRecorder) fire(i int) {
	r.mu.Lock()
	f := r.fires[i]
	r.mu.Unlock()
	f()
}

func newTestEngine(dialer Dialer, poller Poller) (*Engine, *timerRecorder) {
	e := NewEngine(dialer, poller, nil, Options{})
	rec := &timerRecorder{}
	e.afterFunc = rec.afterFunc
	return e, rec
}

func runningTask(novelID string) *analysis.Task {
	now := time.Now().UTC()
	return &analysis.Task{
		ID:             "task-1",
		NovelID:        novelID,
		Status:         analysis.TaskStatusRunning,
		ChapterStart:   1,
		ChapterEnd:     20,
		CurrentChapter: 0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitConnected(t *testing.T, e *Engine) {
	t.Helper()
	waitFor(t, "channel open", func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.conn != nil
	})
}
