package alerts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkarlis/gridtrader/internal/events"
)

// DefaultDedupWindow suppresses repeats of the same dedup key for an hour
const DefaultDedupWindow = time.Hour

// Service is the alert write side: dedup check, persist, publish
type Service struct {
	repo        *Repository
	bus         *events.Bus
	dedupWindow time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// NewService creates a new alert service
func NewService(repo *Repository, bus *events.Bus, dedupWindow time.Duration, log zerolog.Logger) *Service {
	if dedupWindow <= 0 {
		dedupWindow = DefaultDedupWindow
	}
	return &Service{
		repo:        repo,
		bus:         bus,
		dedupWindow: dedupWindow,
		log:         log.With().Str("component", "alerts").Logger(),
		now:         time.Now,
	}
}

// Emit deduplicates, persists, and publishes a draft alert.
// CRITICAL severity bypasses the dedup window. Returns false when suppressed.
func (s *Service) Emit(d Draft) (bool, error) {
	now := s.now()
	key := DedupKey(d.Kind, d.GridID, d.Bucket)

	if d.Severity != SeverityCritical {
		seen, err := s.repo.ExistsWithin(key, now.Add(-s.dedupWindow))
		if err != nil {
			return false, fmt.Errorf("failed to check dedup window for %s: %w", d.Kind, err)
		}
		if seen {
			s.log.Debug().
				Str("kind", string(d.Kind)).
				Str("grid_id", d.GridID).
				Msg("Alert suppressed by dedup window")
			return false, nil
		}
	}

	payload := d.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}

	alert := &Alert{
		ID:        uuid.New().String(),
		Kind:      d.Kind,
		Severity:  d.Severity,
		GridID:    d.GridID,
		Symbol:    d.Symbol,
		Payload:   payload,
		DedupKey:  key,
		CreatedAt: now,
	}

	if err := s.repo.Insert(alert); err != nil {
		return false, fmt.Errorf("failed to persist alert %s: %w", d.Kind, err)
	}

	s.log.Info().
		Str("kind", string(d.Kind)).
		Str("severity", string(d.Severity)).
		Str("grid_id", d.GridID).
		Str("symbol", d.Symbol).
		Msg("Alert created")

	if s.bus != nil {
		s.bus.Emit(events.AlertCreated, "alerts", map[string]interface{}{
			"id":       alert.ID,
			"kind":     string(alert.Kind),
			"severity": string(alert.Severity),
			"grid_id":  alert.GridID,
			"symbol":   alert.Symbol,
			"payload":  alert.Payload,
		})
	}

	return true, nil
}

// List exposes the persisted alert feed (the in-store channel)
func (s *Service) List(f ListFilter) ([]Alert, error) {
	return s.repo.List(f)
}
