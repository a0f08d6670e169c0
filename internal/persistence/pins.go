package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmms-ai/dmms-ai/internal/audit"
	"github.com/dmms-ai/dmms-ai/internal/bus"
)

// GatewayPin is a TLS certificate fingerprint pinned for a gateway stableId.
type GatewayPin struct {
	StableID    string    `json:"stable_id"`
	Fingerprint string    `json:"fingerprint"`
	Label       string    `json:"label,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PutPin adds or replaces the pin for stableID.
func (s *Store) PutPin(ctx context.Context, stableID, fingerprint, label string) error {
	stableID = strings.TrimSpace(stableID)
	fingerprint = strings.TrimSpace(fingerprint)
	if stableID == "" {
		return fmt.Errorf("put pin: stable id required")
	}
	if fingerprint == "" {
		return fmt.Errorf("put pin: fingerprint required")
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO gateway_pins (stable_id, fingerprint, label, created_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
			ON CONFLICT(stable_id) DO UPDATE SET
				fingerprint = excluded.fingerprint,
				label = excluded.label,
				updated_at = CURRENT_TIMESTAMP;
		`, stableID, fingerprint, strings.TrimSpace(label))
		return err
	})
	if err != nil {
		return fmt.Errorf("put pin: %w", err)
	}
	audit.RecordContext(ctx, audit.OutcomeOK, "trust.pin", "fingerprint pinned", stableID)
	if s.bus != nil {
		s.bus.Publish(bus.TopicTrustPinned, bus.TrustEvent{StableID: stableID, Fingerprint: fingerprint})
	}
	return nil
}

// GetPin returns the stored fingerprint for stableID, or "" when none is pinned.
func (s *Store) GetPin(ctx context.Context, stableID string) (string, error) {
	var fp string
	err := s.db.QueryRowContext(ctx, `SELECT fingerprint FROM gateway_pins WHERE stable_id = ?;`, strings.TrimSpace(stableID)).Scan(&fp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("get pin: %w", err)
	}
	return fp, nil
}

// DeletePin removes the pin for stableID. It reports whether a row was removed.
func (s *Store) DeletePin(ctx context.Context, stableID string) (bool, error) {
	stableID = strings.TrimSpace(stableID)
	var removed bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM gateway_pins WHERE stable_id = ?;`, stableID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete pin: %w", err)
	}
	if removed {
		audit.RecordContext(ctx, audit.OutcomeOK, "trust.unpin", "fingerprint removed", stableID)
		if s.bus != nil {
			s.bus.Publish(bus.TopicTrustUnpinned, bus.TrustEvent{StableID: stableID})
		}
	}
	return removed, nil
}

// ListPins returns all pins ordered by stableId.
func (s *Store) ListPins(ctx context.Context) ([]GatewayPin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stable_id, fingerprint, label, created_at, updated_at
		FROM gateway_pins
		ORDER BY stable_id;
	`)
	if err != nil {
		return nil, fmt.Errorf("list pins: %w", err)
	}
	defer rows.Close()

	var pins []GatewayPin
	for rows.Next() {
		var p GatewayPin
		var created, updated string
		if err := rows.Scan(&p.StableID, &p.Fingerprint, &p.Label, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		p.CreatedAt = parseTime(created)
		p.UpdatedAt = parseTime(updated)
		pins = append(pins, p)
	}
	return pins, rows.Err()
}
