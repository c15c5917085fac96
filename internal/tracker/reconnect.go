package tracker

import (
	"context"
	"log"

	"github.com/inkworks/novelwatch/internal/analysis"
)

// handleClose runs when a channel's read pump exits (or its dial fails). A
// stale close is ignored outright; a current one hands control to the
// reconnection scheduler.
func (e *Engine) handleClose(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.metrics.ObserveChannelEvent("closed")

	// A finished or errored task no longer needs a channel.
	if !e.state.taskActive() {
		e.mu.Unlock()
		return
	}

	if e.attempt < e.opts.MaxAttempts {
		delay := e.opts.BaseDelay << uint(e.attempt)
		e.timer = e.afterFunc(delay, func() { e.onReconnectTimer(gen) })
		e.mu.Unlock()
		return
	}

	// Retries exhausted: one pull-based resync, then the engine stays quiet
	// until the caller reconnects manually (Refresh).
	subjectID := e.subjectID
	e.mu.Unlock()
	go e.pollOnce(gen, subjectID)
}

// onReconnectTimer fires after the backoff delay. The generation is checked
// twice: once before the poll, and again after the poll resolves, because a
// newer Connect or a Disconnect may land while the poll is in flight.
func (e *Engine) onReconnectTimer(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || e.subjectID == "" || !e.state.taskActive() {
		e.mu.Unlock()
		return
	}
	e.attempt++
	subjectID := e.subjectID
	e.mu.Unlock()

	e.metrics.ObserveReconnectAttempt()

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

	if err == nil && hook != nil {
		hook(snap)
	}
	if active {
		e.open(subjectID)
	}
}

// pollOnce is the degraded-mode resync after the retry budget is spent.
func (e *Engine) pollOnce(gen uint64, subjectID string) {
	res, err := e.poll(subjectID)
	if err != nil {
		return
	}
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	e.applyPollLocked(res)
	snap, hook := e.state.snapshot(), e.onChange
	e.mu.Unlock()
	if hook != nil {
		hook(snap)
	}
}

func (e *Engine) poll(subjectID string) (analysis.LatestResult, error) {
	if e.poller == nil {
		return analysis.LatestResult{}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.PollTimeout)
	defer cancel()
	res, err := e.poller.LatestTask(ctx, subjectID)
	if err != nil {
		// Best effort: a failed poll must never wipe good local state.
		log.Printf("tracker: poll %s failed: %v", subjectID, err)
		e.metrics.ObservePollFallback("error")
		return analysis.LatestResult{}, err
	}
	e.metrics.ObservePollFallback("ok")
	return res, nil
}

// applyPollLocked overwrites the mirror from an authoritative pull result.
// The task is replaced wholesale; progress is derived from the chapter
// counters rather than trusted from any stale push-derived percent.
func (e *Engine) applyPollLocked(res analysis.LatestResult) {
	e.state.setTask(res.Task)
	if res.Task != nil {
		task := *res.Task
		if task.Status.Active() || task.Status == analysis.TaskStatusCompleted {
			e.state.progress = analysis.DeriveProgress(task)
			e.state.currentChapter = task.CurrentChapter
			e.state.totalChapters = task.ChapterEnd - task.ChapterStart + 1
		}
	}
	if res.Stats != nil {
		e.state.stats = *res.Stats
	}
	// The pull endpoint carries no stage information; whatever label the dead
	// channel left behind is stale by definition.
	e.state.stageLabel = ""
}
