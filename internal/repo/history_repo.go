package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/immigrally/pipeline/internal/domain"
)

// ErrRunNotFound — прогон не найден в истории.
var ErrRunNotFound = errors.New("pipeline run not found")

// HistoryRepo — репозиторий истории прогонов.
//
// История опциональна и служит только отчётности оператора (`history`
// command); resumability на неё не опирается — фильтры --only/--from
// работают по attestation оператора.
type HistoryRepo struct {
	pool *pgxpool.Pool
}

// NewHistoryRepo создаёт HistoryRepo.
func NewHistoryRepo(pool *pgxpool.Pool) *HistoryRepo {
	return &HistoryRepo{pool: pool}
}

// EnsureSchema создаёт таблицы истории, если их нет.
func (r *HistoryRepo) EnsureSchema(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS pipeline_runs (
			id          UUID PRIMARY KEY,
			pipeline    TEXT NOT NULL,
			status      TEXT NOT NULL,
			error       TEXT,
			started_at  TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS stage_records (
			id         UUID PRIMARY KEY,
			run_id     UUID NOT NULL REFERENCES pipeline_runs(id) ON DELETE CASCADE,
			position   INT NOT NULL,
			stage      TEXT NOT NULL,
			status     TEXT NOT NULL,
			exit_code  INT NOT NULL,
			reason     TEXT,
			started_at TIMESTAMPTZ,
			ended_at   TIMESTAMPTZ
		);
	`
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure history schema: %w", err)
	}
	return nil
}

// Save сохраняет финализированный прогон со всеми записями stages.
func (r *HistoryRepo) Save(ctx context.Context, run *domain.PipelineRun) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO pipeline_runs (id, pipeline, status, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, run.ID, run.Pipeline, run.Status, nullString(run.Error), run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, rec := range run.Records {
		_, err = tx.Exec(ctx, `
			INSERT INTO stage_records (id, run_id, position, stage, status, exit_code, reason, started_at, ended_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, rec.ID, run.ID, i, rec.Stage, rec.Status, rec.ExitCode, nullString(rec.Reason), rec.StartedAt, rec.EndedAt)
		if err != nil {
			return fmt.Errorf("insert stage record %s: %w", rec.Stage, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// List возвращает последние прогоны (без записей stages).
func (r *HistoryRepo) List(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, pipeline, status, COALESCE(error, ''), started_at, finished_at
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.PipelineRun
	for rows.Next() {
		var run domain.PipelineRun
		if err := rows.Scan(&run.ID, &run.Pipeline, &run.Status, &run.Error,
			&run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetByID возвращает прогон с записями stages в порядке выбора.
func (r *HistoryRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	err := r.pool.QueryRow(ctx, `
		SELECT id, pipeline, status, COALESCE(error, ''), started_at, finished_at
		FROM pipeline_runs
		WHERE id = $1
	`, id).Scan(&run.ID, &run.Pipeline, &run.Status, &run.Error, &run.StartedAt, &run.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, stage, status, exit_code, COALESCE(reason, ''), started_at, ended_at
		FROM stage_records
		WHERE run_id = $1
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get stage records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec := &domain.RunRecord{}
		if err := rows.Scan(&rec.ID, &rec.Stage, &rec.Status, &rec.ExitCode,
			&rec.Reason, &rec.StartedAt, &rec.EndedAt); err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		run.Records = append(run.Records, rec)
	}
	return &run, rows.Err()
}

// nullString возвращает nil для пустой строки (NULL в БД).
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
