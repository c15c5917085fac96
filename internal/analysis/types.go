package analysis

import (
	"math"
	"time"
)

type TaskStatus string

const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusFailed    TaskStatus = "failed"
)

// Task mirrors one analysis run as the backend reports it. The sync engine
// replaces it wholesale on every task-level update; it never merges fields.
type Task struct {
	ID             string     `json:"id"`
	NovelID        string     `json:"novel_id"`
	Status         TaskStatus `json:"status"`
	ChapterStart   int        `json:"chapter_start"`
	ChapterEnd     int        `json:"chapter_end"`
	CurrentChapter int        `json:"current_chapter"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Stats are cumulative extraction counts for the chapters analyzed so far.
type Stats struct {
	Entities  int `json:"entities"`
	Relations int `json:"relations"`
	Events    int `json:"events"`
}

// CostStats tracks LLM spend for a run. Optional on the wire.
type CostStats struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalUSD         float64 `json:"total_usd"`
}

// FailedChapter records one failed extraction attempt. The list is
// append-only; a chapter retried and failed again produces a second record.
type FailedChapter struct {
	Chapter int    `json:"chapter"`
	Error   string `json:"error"`
}

// LatestResult is the pull collaborator's answer for one novel: the most
// recent task, if any, plus cumulative stats.
type LatestResult struct {
	Task  *Task  `json:"task"`
	Stats *Stats `json:"stats,omitempty"`
}

func (s TaskStatus) Active() bool {
	return s == TaskStatusRunning || s == TaskStatusPaused
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusCancelled, TaskStatusFailed:
		return true
	default:
		return false
	}
}

func (t Task) Active() bool {
	return t.Status.Active()
}

// DeriveProgress recomputes the percent-complete from the task's chapter
// counters instead of trusting a possibly stale push-derived value. Used on
// the poll-fallback path. Completed tasks always report 100.
func DeriveProgress(t Task) int {
	if t.Status == TaskStatusCompleted {
		return 100
	}
	total := t.ChapterEnd - t.ChapterStart + 1
	if total <= 0 {
		return 0
	}
	done := t.CurrentChapter - t.ChapterStart + 1
	if done < 0 {
		done = 0
	}
	pct := int(math.Round(float64(done) / float64(total) * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Percent rounds done/total to an integer percentage, clamped to 0..100.
func Percent(done, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(float64(done) / float64(total) * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}
