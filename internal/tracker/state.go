package tracker

import (
	"github.com/inkworks/novelwatch/internal/analysis"
)

// state is the local mirror of one analysis task. It is owned by the Engine
// and mutated only while the engine lock is held; consumers read it through
// Snapshot copies.
type state struct {
	task           *analysis.Task
	progress       int
	currentChapter int
	totalChapters  int
	stats          analysis.Stats
	cost           *analysis.CostStats
	failedChapters []analysis.FailedChapter
	stageLabel     string
}

// Snapshot is a read-only copy of the mirrored task state handed to
// consumers. Progress is an integer percent in 0..100.
type Snapshot struct {
	Task           *analysis.Task
	Progress       int
	CurrentChapter int
	TotalChapters  int
	Stats          analysis.Stats
	Cost           *analysis.CostStats
	FailedChapters []analysis.FailedChapter
	StageLabel     string
}

func (s *state) snapshot() Snapshot {
	out := Snapshot{
		Progress:       s.progress,
		CurrentChapter: s.currentChapter,
		TotalChapters:  s.totalChapters,
		Stats:          s.stats,
		StageLabel:     s.stageLabel,
	}
	if s.task != nil {
		task := *s.task
		out.Task = &task
	}
	if s.cost != nil {
		cost := *s.cost
		out.Cost = &cost
	}
	if len(s.failedChapters) > 0 {
		out.FailedChapters = make([]analysis.FailedChapter, len(s.failedChapters))
		copy(out.FailedChapters, s.failedChapters)
	}
	return out
}

// resetProgress zeroes the derived progress fields and the failure list
// without touching the task or any connection state.
func (s *state) resetProgress() {
	s.progress = 0
	s.currentChapter = 0
	s.totalChapters = 0
	s.stats = analysis.Stats{}
	s.cost = nil
	s.failedChapters = nil
	s.stageLabel = ""
}

func (s *state) setTask(task *analysis.Task) {
	if task == nil {
		s.task = nil
		return
	}
	clone := *task
	s.task = &clone
}

func (s *state) taskActive() bool {
	return s.task != nil && s.task.Status.Active()
}
