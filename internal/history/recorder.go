package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/SubhajL/munbon2-backend-sub009/internal/control"
	"github.com/SubhajL/munbon2-backend-sub009/internal/scheduler"
)

// Recorder persists the operational audit trail: every executed gate
// operation and every mode transition, append-only.
type Recorder struct {
	db *sql.DB
}

// OperationRecord is one executed gate operation as stored.
type OperationRecord struct {
	OperationID   uuid.UUID
	GateID        string
	Action        string
	TargetOpening float64
	Reason        string
	ExecutedAt    time.Time
}

// NewRecorder opens the audit store over an existing connection pool.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Open dials Postgres and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the audit tables if they do not exist.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS gate_operations (
			operation_id   UUID PRIMARY KEY,
			gate_id        TEXT NOT NULL,
			action         TEXT NOT NULL,
			target_opening DOUBLE PRECISION NOT NULL,
			reason         TEXT NOT NULL DEFAULT '',
			executed_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS gate_operations_gate_idx
			ON gate_operations (gate_id, executed_at DESC);

		CREATE TABLE IF NOT EXISTS mode_transitions (
			id            BIGSERIAL PRIMARY KEY,
			gate_id       TEXT NOT NULL,
			from_mode     TEXT NOT NULL,
			to_mode       TEXT NOT NULL,
			reason        TEXT NOT NULL DEFAULT '',
			saved_opening DOUBLE PRECISION,
			saved_flow    DOUBLE PRECISION,
			occurred_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS mode_transitions_gate_idx
			ON mode_transitions (gate_id, occurred_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// RecordOperation stores an executed gate operation. Conflicts on the
// operation ID are ignored: a re-dispatched plan may re-report an
// operation that already ran.
func (r *Recorder) RecordOperation(ctx context.Context, op scheduler.Operation, executedAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO gate_operations (operation_id, gate_id, action, target_opening, reason, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (operation_id) DO NOTHING`,
		op.ID, op.GateID, string(op.Action), op.TargetOpening, op.Reason, executedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

// RecordTransition stores a completed mode transition.
func (r *Recorder) RecordTransition(ctx context.Context, tr control.TransitionRecord) error {
	var savedOpening, savedFlow sql.NullFloat64
	if tr.Saved != nil {
		savedOpening = sql.NullFloat64{Float64: tr.Saved.Opening, Valid: true}
		savedFlow = sql.NullFloat64{Float64: tr.Saved.Flow, Valid: true}
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO mode_transitions (gate_id, from_mode, to_mode, reason, saved_opening, saved_flow, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tr.GateID, string(tr.From), string(tr.To), tr.Reason, savedOpening, savedFlow, tr.At,
	)
	if err != nil {
		return fmt.Errorf("failed to record transition: %w", err)
	}
	return nil
}

// RecentOperations returns the latest operations for a gate, newest first.
func (r *Recorder) RecentOperations(ctx context.Context, gateID string, limit int) ([]OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT operation_id, gate_id, action, target_opening, reason, executed_at
		 FROM gate_operations WHERE gate_id = $1
		 ORDER BY executed_at DESC LIMIT $2`,
		gateID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var rec OperationRecord
		if err := rows.Scan(&rec.OperationID, &rec.GateID, &rec.Action,
			&rec.TargetOpening, &rec.Reason, &rec.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastTransition returns a gate's most recent mode transition, or nil.
func (r *Recorder) LastTransition(ctx context.Context, gateID string) (*control.TransitionRecord, error) {
	var (
		tr           control.TransitionRecord
		from, to     string
		savedOpening sql.NullFloat64
		savedFlow    sql.NullFloat64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT gate_id, from_mode, to_mode, reason, saved_opening, saved_flow, occurred_at
		 FROM mode_transitions WHERE gate_id = $1
		 ORDER BY occurred_at DESC LIMIT 1`,
		gateID,
	).Scan(&tr.GateID, &from, &to, &tr.Reason, &savedOpening, &savedFlow, &tr.At)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transition: %w", err)
	}
	tr.From, tr.To = control.Mode(from), control.Mode(to)
	if savedOpening.Valid {
		tr.Saved = &control.SavedState{Opening: savedOpening.Float64, Flow: savedFlow.Float64}
	}
	return &tr, nil
}
