package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Step names, in pipeline order.
const (
	StepUploadOriginal = "upload-original"
	StepAnalyze        = "analyze"
	StepTransform      = "transform-and-upload"
	StepFinalize       = "finalize"
)

type StepStatus string

const (
	StepSkipped   StepStatus = "skipped"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// StepRecord is one step execution.
type StepRecord struct {
	GenerationID uuid.UUID  `db:"generation_id" json:"generation_id"`
	EventID      string     `db:"event_id" json:"event_id"`
	Step         string     `db:"step" json:"step"`
	Status       StepStatus `db:"status" json:"status"`
	Attempt      int        `db:"attempt" json:"attempt"`
	DurationMS   int64      `db:"duration_ms" json:"duration_ms"`
	Error        string     `db:"error" json:"error,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
}

// StepLog stores step executions for inspection.
type StepLog interface {
	Record(ctx context.Context, rec StepRecord) error
	List(ctx context.Context, generationID uuid.UUID) ([]StepRecord, error)
}

type PostgresStepLog struct {
	db *sqlx.DB
}

func NewStepLog(db *sqlx.DB) *PostgresStepLog {
	return &PostgresStepLog{db: db}
}

func (l *PostgresStepLog) Record(ctx context.Context, rec StepRecord) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := l.db.ExecContext(ctx2, `
		INSERT INTO generation_steps (generation_id, event_id, step, status, attempt, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.GenerationID, rec.EventID, rec.Step, string(rec.Status), rec.Attempt, rec.DurationMS, rec.Error)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	return nil
}

func (l *PostgresStepLog) List(ctx context.Context, generationID uuid.UUID) ([]StepRecord, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	steps := make([]StepRecord, 0)
	err := l.db.SelectContext(ctx2, &steps, `
		SELECT generation_id, event_id, step, status, attempt, duration_ms, error, created_at
		FROM generation_steps
		WHERE generation_id = $1
		ORDER BY created_at, id
	`, generationID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return steps, nil
}
