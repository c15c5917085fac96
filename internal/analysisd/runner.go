package analysisd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkworks/novelwatch/internal/analysis"
	"github.com/inkworks/novelwatch/internal/protocol"
)

var (
	ErrTaskActive   = errors.New("novel already has an active analysis task")
	ErrNotPausable  = errors.New("task is not running")
	ErrNotResumable = errors.New("task is not paused")
)

// Broadcaster delivers push messages to a novel's subscribers. Satisfied by
// Hub and by fakes in tests.
type Broadcaster interface {
	Broadcast(novelID string, msg any)
}

type RunnerConfig struct {
	// ChapterInterval is the simulated extraction time per chapter.
	ChapterInterval time.Duration
	// FailEvery makes every Nth chapter fail extraction. 0 disables failures.
	FailEvery int
}

// Runner drives scripted analysis runs, emitting the same broadcast sequence
// per chapter that the real pipeline produces: processing, chapter_done,
// progress, and a terminal task_status.
type Runner struct {
	store Store
	hub   Broadcaster
	cfg   RunnerConfig

	mu      sync.Mutex
	signals map[string]analysis.TaskStatus
}

func NewRunner(store Store, hub Broadcaster, cfg RunnerConfig) *Runner {
	if cfg.ChapterInterval <= 0 {
		cfg.ChapterInterval = 2 * time.Second
	}
	return &Runner{
		store:   store,
		hub:     hub,
		cfg:     cfg,
		signals: make(map[string]analysis.TaskStatus),
	}
}

// Start creates a task and launches its run loop. One active task per novel.
func (r *Runner) Start(ctx context.Context, novelID string, chapterStart, chapterEnd int) (analysis.Task, error) {
	if chapterStart < 1 || chapterEnd < chapterStart {
		return analysis.Task{}, fmt.Errorf("invalid chapter range %d..%d", chapterStart, chapterEnd)
	}
	if existing, err := r.store.LatestTask(ctx, novelID); err == nil && existing.Status.Active() {
		return analysis.Task{}, ErrTaskActive
	}

	now := time.Now().UTC()
	task := analysis.Task{
		ID:             uuid.NewString(),
		NovelID:        novelID,
		Status:         analysis.TaskStatusRunning,
		ChapterStart:   chapterStart,
		ChapterEnd:     chapterEnd,
		CurrentChapter: chapterStart - 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.SaveTask(ctx, task); err != nil {
		return analysis.Task{}, err
	}
	r.setSignal(task.ID, analysis.TaskStatusRunning)

	go r.runLoop(task, chapterStart, chapterEnd, analysis.Stats{})
	return task, nil
}

// Pause signals a running task to stop after the current chapter.
func (r *Runner) Pause(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != analysis.TaskStatusRunning {
		return ErrNotPausable
	}
	r.setSignal(taskID, analysis.TaskStatusPaused)
	return nil
}

// Resume relaunches a paused task from the chapter after the last one done.
func (r *Runner) Resume(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != analysis.TaskStatusPaused {
		return ErrNotResumable
	}

	task.Status = analysis.TaskStatusRunning
	task.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveTask(ctx, task); err != nil {
		return err
	}
	r.setSignal(taskID, analysis.TaskStatusRunning)

	r.hub.Broadcast(task.NovelID, protocol.TaskStatus{
		Type:    protocol.TypeTaskStatus,
		NovelID: task.NovelID,
		Status:  analysis.TaskStatusRunning,
	})
	go r.runLoop(task, task.CurrentChapter+1, task.ChapterEnd, analysis.Stats{})
	return nil
}

// Cancel signals a running or paused task to stop for good. A paused task
// has no loop to observe the signal, so it is finalized directly.
func (r *Runner) Cancel(ctx context.Context, taskID string) error {
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Active() {
		return nil
	}
	if task.Status == analysis.TaskStatusPaused {
		r.clearSignal(taskID)
		return r.finalize(task, analysis.TaskStatusCancelled, nil)
	}
	r.setSignal(taskID, analysis.TaskStatusCancelled)
	return nil
}

func (r *Runner) runLoop(task analysis.Task, from, to int, stats analysis.Stats) {
	ctx := context.Background()
	total := to - from + 1

	r.hub.Broadcast(task.NovelID, protocol.Stage{
		Type:       protocol.TypeStage,
		NovelID:    task.NovelID,
		StageLabel: "building chapter context",
	})
	r.hub.Broadcast(task.NovelID, protocol.Progress{
		Type:    protocol.TypeProgress,
		NovelID: task.NovelID,
		Chapter: from,
		Total:   total,
		Done:    0,
		Stats:   stats,
	})

	for chapter := from; chapter <= to; chapter++ {
		switch r.signal(task.ID) {
		case analysis.TaskStatusPaused:
			if err := r.finalize(task, analysis.TaskStatusPaused, nil); err != nil {
				log.Printf("analysisd: pause task %s: %v", task.ID, err)
			}
			return
		case analysis.TaskStatusCancelled:
			r.clearSignal(task.ID)
			if err := r.finalize(task, analysis.TaskStatusCancelled, nil); err != nil {
				log.Printf("analysisd: cancel task %s: %v", task.ID, err)
			}
			return
		}

		r.hub.Broadcast(task.NovelID, protocol.Processing{
			Type:    protocol.TypeProcessing,
			NovelID: task.NovelID,
			Chapter: chapter,
			Total:   total,
		})

		time.Sleep(r.cfg.ChapterInterval)

		if r.cfg.FailEvery > 0 && chapter%r.cfg.FailEvery == 0 {
			r.hub.Broadcast(task.NovelID, protocol.ChapterDone{
				Type:    protocol.TypeChapterDone,
				NovelID: task.NovelID,
				Chapter: chapter,
				Status:  protocol.ChapterStatusFailed,
				Error:   fmt.Sprintf("extraction failed for chapter %d", chapter),
			})
		} else {
			stats.Entities += 2 + chapter%3
			stats.Relations += 1 + chapter%2
			stats.Events += chapter % 2
			r.hub.Broadcast(task.NovelID, protocol.ChapterDone{
				Type:    protocol.TypeChapterDone,
				NovelID: task.NovelID,
				Chapter: chapter,
				Status:  protocol.ChapterStatusCompleted,
			})
		}

		task.CurrentChapter = chapter
		task.UpdatedAt = time.Now().UTC()
		if err := r.store.SaveTask(ctx, task); err != nil {
			log.Printf("analysisd: save progress for task %s: %v", task.ID, err)
		}

		r.hub.Broadcast(task.NovelID, protocol.Progress{
			Type:    protocol.TypeProgress,
			NovelID: task.NovelID,
			Chapter: chapter,
			Total:   total,
			Done:    chapter - from + 1,
			Stats:   stats,
		})
	}

	r.clearSignal(task.ID)
	if err := r.finalize(task, analysis.TaskStatusCompleted, &stats); err != nil {
		log.Printf("analysisd: complete task %s: %v", task.ID, err)
	}
}

func (r *Runner) finalize(task analysis.Task, status analysis.TaskStatus, stats *analysis.Stats) error {
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	if err := r.store.SaveTask(context.Background(), task); err != nil {
		return err
	}
	r.hub.Broadcast(task.NovelID, protocol.TaskStatus{
		Type:    protocol.TypeTaskStatus,
		NovelID: task.NovelID,
		Status:  status,
		Stats:   stats,
	})
	return nil
}

func (r *Runner) signal(taskID string) analysis.TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.signals[taskID]; ok {
		return s
	}
	return analysis.TaskStatusRunning
}

func (r *Runner) setSignal(taskID string, status analysis.TaskStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals[taskID] = status
}

func (r *Runner) clearSignal(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.signals, taskID)
}
