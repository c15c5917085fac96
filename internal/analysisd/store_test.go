package analysisd

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/inkworks/novelwatch/internal/analysis"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("GetTask err = %v, want ErrStoreNotFound", err)
	}
	if _, err := s.LatestTask(ctx, "novel-1"); !errors.Is(err, ErrStoreNotFound) {
		t.Fatalf("LatestTask err = %v, want ErrStoreNotFound", err)
	}

	now := time.Now().UTC()
	old := analysis.Task{ID: "t1", NovelID: "novel-1", Status: analysis.TaskStatusCompleted, CreatedAt: now.Add(-time.Hour)}
	cur := analysis.Task{ID: "t2", NovelID: "novel-1", Status: analysis.TaskStatusRunning, CreatedAt: now}
	other := analysis.Task{ID: "t3", NovelID: "novel-2", Status: analysis.TaskStatusPaused, CreatedAt: now}
	for _, task := range []analysis.Task{old, cur, other} {
		if err := s.SaveTask(ctx, task); err != nil {
			t.Fatalf("SaveTask %s: %v", task.ID, err)
		}
	}

	got, err := s.GetTask(ctx, "t2")
	if err != nil || got.NovelID != "novel-1" {
		t.Fatalf("GetTask = %+v, %v", got, err)
	}

	latest, err := s.LatestTask(ctx, "novel-1")
	if err != nil {
		t.Fatalf("LatestTask: %v", err)
	}
	if latest.ID != "t2" {
		t.Fatalf("latest task = %s, want t2", latest.ID)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active tasks = %d, want 2", len(active))
	}
	for _, task := range active {
		if !task.Status.Active() {
			t.Fatalf("inactive task listed: %+v", task)
		}
	}
}

func TestMemoryStoreSaveOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	task := analysis.Task{ID: "t1", NovelID: "novel-1", Status: analysis.TaskStatusRunning, CurrentChapter: 3}
	_ = s.SaveTask(ctx, task)
	task.CurrentChapter = 7
	task.Status = analysis.TaskStatusPaused
	_ = s.SaveTask(ctx, task)

	got, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.CurrentChapter != 7 || got.Status != analysis.TaskStatusPaused {
		t.Fatalf("task = %+v", got)
	}
}
