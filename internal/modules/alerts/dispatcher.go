package alerts

import (
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
)

const (
	// maxDispatchAttempts before an alert is marked DISPATCH_FAILED
	maxDispatchAttempts = 5

	// dispatchBatchSize caps how many alerts one dispatcher run drains
	dispatchBatchSize = 100
)

// Channel delivers an alert to one destination (email, webhook, ...)
type Channel interface {
	Name() string
	Deliver(a Alert) error
}

// GridChecker reports whether a grid still exists. Alerts referencing a
// deleted grid are suppressed at dispatch time, not delivered.
type GridChecker interface {
	Exists(gridID string) (bool, error)
}

// Dispatcher drains undispatched alerts and delivers them through the
// configured channels. Delivery is best-effort chronological; transient
// failures back off exponentially across runs.
type Dispatcher struct {
	repo     *Repository
	channels []Channel
	grids    GridChecker
	retry    *backoff.Backoff
	log      zerolog.Logger
	now      func() time.Time
}

// NewDispatcher creates a new alert dispatcher
func NewDispatcher(repo *Repository, grids GridChecker, channels []Channel, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:     repo,
		channels: channels,
		grids:    grids,
		retry: &backoff.Backoff{
			Min:    30 * time.Second,
			Max:    15 * time.Minute,
			Factor: 2,
		},
		log: log.With().Str("component", "alert_dispatcher").Logger(),
		now: time.Now,
	}
}

// RunOnce processes one batch of undispatched alerts
func (d *Dispatcher) RunOnce() error {
	pending, err := d.repo.ListUndispatched(dispatchBatchSize)
	if err != nil {
		return fmt.Errorf("failed to load undispatched alerts: %w", err)
	}

	for _, alert := range pending {
		if !d.attemptDue(alert) {
			continue
		}
		if err := d.dispatch(alert); err != nil {
			d.log.Warn().Err(err).
				Str("alert_id", alert.ID).
				Str("kind", string(alert.Kind)).
				Int("attempts", alert.DispatchAttempts+1).
				Msg("Alert dispatch failed")
		}
	}

	return nil
}

// attemptDue applies the backoff schedule based on prior failed attempts
func (d *Dispatcher) attemptDue(a Alert) bool {
	if a.DispatchAttempts == 0 || a.LastAttemptAt == nil {
		return true
	}
	wait := d.retry.ForAttempt(float64(a.DispatchAttempts - 1))
	return d.now().Sub(*a.LastAttemptAt) >= wait
}

func (d *Dispatcher) dispatch(a Alert) error {
	// Deleted grid: the alert stays persisted but is never delivered
	if a.GridID != "" && d.grids != nil {
		exists, err := d.grids.Exists(a.GridID)
		if err != nil {
			return fmt.Errorf("failed to check grid %s: %w", a.GridID, err)
		}
		if !exists {
			d.log.Debug().
				Str("alert_id", a.ID).
				Str("grid_id", a.GridID).
				Msg("Suppressing alert for deleted grid")
			return d.repo.MarkSuppressed(a.ID)
		}
	}

	for _, ch := range d.channels {
		if err := ch.Deliver(a); err != nil {
			if recErr := d.repo.RecordFailedAttempt(a.ID, d.now(), maxDispatchAttempts); recErr != nil {
				return recErr
			}
			return fmt.Errorf("channel %s failed: %w", ch.Name(), err)
		}
	}

	return d.repo.MarkDispatched(a.ID, d.now())
}
