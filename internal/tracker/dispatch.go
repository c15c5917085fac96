package tracker

import (
	"log"

	"github.com/inkworks/novelwatch/internal/analysis"
	"github.com/inkworks/novelwatch/internal/protocol"
)

// handleMessage decodes and applies one push payload. Nothing here ever
// propagates an error: a malformed message, a stale generation, or a payload
// for a different novel all degrade to "make no change".
func (e *Engine) handleMessage(gen uint64, raw []byte) {
	msg, err := protocol.ParseServerMessage(raw)
	if err != nil {
		log.Printf("tracker: dropping message: %v", err)
		e.metrics.ObserveDroppedMessage("decode")
		return
	}

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		e.metrics.ObserveDroppedMessage("stale_generation")
		return
	}
	// A superseded channel for another novel can still drain queued messages
	// after a fast subject switch; the embedded novel id catches those.
	if subject := protocol.SubjectOf(msg); subject != "" && subject != e.subjectID {
		e.mu.Unlock()
		e.metrics.ObserveDroppedMessage("subject_mismatch")
		return
	}
	applied := e.applyLocked(msg)
	snap, hook := e.state.snapshot(), e.onChange
	e.mu.Unlock()

	if applied != "" {
		e.metrics.ObservePushMessage(applied)
		if hook != nil {
			hook(snap)
		}
	}
}

// applyLocked mutates the mirror for one typed message and reports the
// message type it applied, or "" when the variant is unknown.
func (e *Engine) applyLocked(msg any) string {
	switch m := msg.(type) {
	case protocol.Stage:
		e.state.stageLabel = m.StageLabel
		return string(protocol.TypeStage)

	case protocol.Progress:
		e.state.currentChapter = m.Chapter
		e.state.totalChapters = m.Total
		e.state.progress = analysis.Percent(m.Done, m.Total)
		e.state.stats = m.Stats
		e.state.stageLabel = ""
		if m.Cost != nil {
			cost := *m.Cost
			e.state.cost = &cost
		}
		return string(protocol.TypeProgress)

	case protocol.Processing:
		e.state.currentChapter = m.Chapter
		e.state.totalChapters = m.Total
		e.state.stageLabel = ""
		return string(protocol.TypeProcessing)

	case protocol.ChapterDone:
		e.state.stageLabel = ""
		if m.Status == protocol.ChapterStatusFailed {
			e.state.failedChapters = append(e.state.failedChapters, analysis.FailedChapter{
				Chapter: m.Chapter,
				Error:   m.Error,
			})
		}
		return string(protocol.TypeChapterDone)

	case protocol.TaskStatus:
		if e.state.task != nil {
			e.state.task.Status = m.Status
		}
		if m.Stats != nil {
			e.state.stats = *m.Stats
		}
		if m.Cost != nil {
			cost := *m.Cost
			e.state.cost = &cost
		}
		// A stage label only describes a phase of an actively running task.
		if m.Status != analysis.TaskStatusRunning {
			e.state.stageLabel = ""
		}
		return string(protocol.TypeTaskStatus)

	default:
		return ""
	}
}
