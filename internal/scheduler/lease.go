package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkarlis/gridtrader/internal/database"
)

// LeaseStore implements per-task leases over the leases table. A tick that
// overruns its cadence keeps its lease, and the next tick is skipped instead
// of running concurrently against the same grids.
type LeaseStore struct {
	db  *database.DB
	log zerolog.Logger
	now func() time.Time
}

// NewLeaseStore creates a lease store
func NewLeaseStore(db *database.DB, log zerolog.Logger) *LeaseStore {
	return &LeaseStore{
		db:  db,
		log: log.With().Str("component", "leases").Logger(),
		now: time.Now,
	}
}

// Acquire tries to take the lease for a task. It succeeds when no lease
// exists, the existing lease has expired, or the caller already holds it
// (renewal). Returns false when another live holder owns the task.
func (s *LeaseStore) Acquire(task, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	expiry := now.Add(ttl).Unix()

	var acquired bool
	err := database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		acquired = false

		var currentHolder string
		var expiresAt int64
		err := tx.QueryRow(`SELECT holder_id, expires_at FROM leases WHERE task_name = ?`, task).
			Scan(&currentHolder, &expiresAt)
		switch {
		case err == sql.ErrNoRows:
			if _, err := tx.Exec(`INSERT INTO leases (task_name, holder_id, expires_at) VALUES (?, ?, ?)`,
				task, holder, expiry); err != nil {
				return fmt.Errorf("failed to insert lease: %w", err)
			}
			acquired = true
			return nil
		case err != nil:
			return fmt.Errorf("failed to read lease: %w", err)
		}

		if currentHolder != holder && expiresAt > now.Unix() {
			return nil
		}

		if _, err := tx.Exec(`UPDATE leases SET holder_id = ?, expires_at = ? WHERE task_name = ?`,
			holder, expiry, task); err != nil {
			return fmt.Errorf("failed to take over lease: %w", err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if !acquired {
		s.log.Debug().Str("task", task).Msg("Lease held elsewhere, skipping")
	}
	return acquired, nil
}

// Release drops the lease if the caller still holds it
func (s *LeaseStore) Release(task, holder string) error {
	_, err := s.db.Conn().Exec(`DELETE FROM leases WHERE task_name = ? AND holder_id = ?`, task, holder)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
