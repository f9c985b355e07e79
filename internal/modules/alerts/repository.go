package alerts

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Repository handles alert persistence
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new alert repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "alerts").Logger(),
	}
}

// Insert persists a new alert
func (r *Repository) Insert(a *Alert) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	_, err = r.db.Exec(`INSERT INTO alerts
		(id, kind, severity, grid_id, symbol, payload, dedup_key, created_at, dispatch_attempts, dispatch_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		a.ID, string(a.Kind), string(a.Severity),
		nullIfEmpty(a.GridID), nullIfEmpty(a.Symbol),
		string(payload), a.DedupKey, a.CreatedAt.Unix(), DispatchPending)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	return nil
}

// ExistsWithin reports whether any alert with the dedup key was created at or
// after the given instant.
func (r *Repository) ExistsWithin(dedupKey string, since time.Time) (bool, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM alerts WHERE dedup_key = ? AND created_at >= ?`,
		dedupKey, since.Unix(),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check dedup window: %w", err)
	}
	return count > 0, nil
}

// ListUndispatched returns pending alerts oldest first, up to limit
func (r *Repository) ListUndispatched(limit int) ([]Alert, error) {
	rows, err := r.db.Query(`SELECT id, kind, severity, grid_id, symbol, payload, dedup_key,
		created_at, dispatched_at, dispatch_attempts, dispatch_state, last_attempt_at
		FROM alerts WHERE dispatch_state = ? ORDER BY created_at ASC LIMIT ?`,
		DispatchPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query undispatched alerts: %w", err)
	}
	defer rows.Close()

	return r.scanAlerts(rows)
}

// ListFilter narrows List results
type ListFilter struct {
	GridID string
	Kind   Kind
	Limit  int
}

// List returns alerts newest first, optionally filtered
func (r *Repository) List(f ListFilter) ([]Alert, error) {
	query := `SELECT id, kind, severity, grid_id, symbol, payload, dedup_key,
		created_at, dispatched_at, dispatch_attempts, dispatch_state, last_attempt_at
		FROM alerts WHERE 1=1`
	var args []interface{}

	if f.GridID != "" {
		query += " AND grid_id = ?"
		args = append(args, f.GridID)
	}
	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, string(f.Kind))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	return r.scanAlerts(rows)
}

// MarkDispatched records a successful dispatch
func (r *Repository) MarkDispatched(id string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE alerts SET dispatch_state = ?, dispatched_at = ?, last_attempt_at = ?
		WHERE id = ?`, DispatchDone, at.Unix(), at.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark alert dispatched: %w", err)
	}
	return nil
}

// RecordFailedAttempt increments the attempt counter; once attempts reach
// maxAttempts the alert is marked DISPATCH_FAILED but stays persisted.
func (r *Repository) RecordFailedAttempt(id string, at time.Time, maxAttempts int) error {
	_, err := r.db.Exec(`UPDATE alerts SET
		dispatch_attempts = dispatch_attempts + 1,
		last_attempt_at = ?,
		dispatch_state = CASE WHEN dispatch_attempts + 1 >= ? THEN ? ELSE dispatch_state END
		WHERE id = ?`, at.Unix(), maxAttempts, DispatchFailed, id)
	if err != nil {
		return fmt.Errorf("failed to record dispatch attempt: %w", err)
	}
	return nil
}

// MarkSuppressed takes an alert out of the dispatch queue (deleted grid)
func (r *Repository) MarkSuppressed(id string) error {
	_, err := r.db.Exec(`UPDATE alerts SET dispatch_state = ? WHERE id = ?`, DispatchSuppressed, id)
	if err != nil {
		return fmt.Errorf("failed to suppress alert: %w", err)
	}
	return nil
}

func (r *Repository) scanAlerts(rows *sql.Rows) ([]Alert, error) {
	var alerts []Alert
	for rows.Next() {
		var (
			a             Alert
			kind, sev     string
			gridID        sql.NullString
			symbol        sql.NullString
			payload       string
			createdAt     int64
			dispatchedAt  sql.NullInt64
			lastAttemptAt sql.NullInt64
		)
		err := rows.Scan(&a.ID, &kind, &sev, &gridID, &symbol, &payload, &a.DedupKey,
			&createdAt, &dispatchedAt, &a.DispatchAttempts, &a.DispatchState, &lastAttemptAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		a.Kind = Kind(kind)
		a.Severity = Severity(sev)
		a.GridID = gridID.String
		a.Symbol = symbol.String
		a.CreatedAt = time.Unix(createdAt, 0)
		if dispatchedAt.Valid {
			t := time.Unix(dispatchedAt.Int64, 0)
			a.DispatchedAt = &t
		}
		if lastAttemptAt.Valid {
			t := time.Unix(lastAttemptAt.Int64, 0)
			a.LastAttemptAt = &t
		}
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			r.log.Warn().Err(err).Str("alert_id", a.ID).Msg("Failed to decode alert payload")
			a.Payload = map[string]interface{}{}
		}

		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}

	return alerts, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
