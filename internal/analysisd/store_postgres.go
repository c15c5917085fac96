package analysisd

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkworks/novelwatch/internal/analysis"
)

// PostgresStore keeps tasks in Postgres so runs survive backend restarts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initTaskSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initTaskSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS analysis_tasks (
			id TEXT PRIMARY KEY,
			novel_id TEXT NOT NULL,
			status TEXT NOT NULL,
			chapter_start INTEGER NOT NULL,
			chapter_end INTEGER NOT NULL,
			current_chapter INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_tasks_novel_created ON analysis_tasks (novel_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_tasks_status ON analysis_tasks (status);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init analysis task schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, task analysis.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analysis_tasks (
			id, novel_id, status, chapter_start, chapter_end, current_chapter, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8
		)
		ON CONFLICT (id) DO UPDATE SET
			novel_id=EXCLUDED.novel_id,
			status=EXCLUDED.status,
			chapter_start=EXCLUDED.chapter_start,
			chapter_end=EXCLUDED.chapter_end,
			current_chapter=EXCLUDED.current_chapter,
			created_at=EXCLUDED.created_at,
			updated_at=EXCLUDED.updated_at`,
		task.ID,
		task.NovelID,
		string(task.Status),
		task.ChapterStart,
		task.ChapterEnd,
		task.CurrentChapter,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert analysis task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (analysis.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, novel_id, status, chapter_start, chapter_end, current_chapter, created_at, updated_at
		   FROM analysis_tasks WHERE id=$1`,
		taskID,
	)
	task, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return analysis.Task{}, ErrStoreNotFound
		}
		return analysis.Task{}, fmt.Errorf("get analysis task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) LatestTask(ctx context.Context, novelID string) (analysis.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, novel_id, status, chapter_start, chapter_end, current_chapter, created_at, updated_at
		   FROM analysis_tasks WHERE novel_id=$1 ORDER BY created_at DESC LIMIT 1`,
		novelID,
	)
	task, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return analysis.Task{}, ErrStoreNotFound
		}
		return analysis.Task{}, fmt.Errorf("latest analysis task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]analysis.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, novel_id, status, chapter_start, chapter_end, current_chapter, created_at, updated_at
		   FROM analysis_tasks WHERE status IN ('running','paused') ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	out := make([]analysis.Task, 0, 4)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analysis tasks: %w", err)
	}
	return out, nil
}

func scanTask(row pgx.Row) (analysis.Task, error) {
	var (
		task   analysis.Task
		status string
	)
	if err := row.Scan(
		&task.ID,
		&task.NovelID,
		&status,
		&task.ChapterStart,
		&task.ChapterEnd,
		&task.CurrentChapter,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return analysis.Task{}, err
	}
	task.Status = analysis.TaskStatus(status)
	return task, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
