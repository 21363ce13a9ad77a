// ABOUTME: Check-in engine: thin application layer over the track store
package state

import (
	"context"

	"github.com/tendhq/tend/internal/models"
)

// CheckinStore is the slice of storage the check-in engine needs.
type CheckinStore interface {
	WriteCheckin(ctx context.Context, userID, turnID string, payload models.CheckinWrite, idempotencyKey, sourceModel string) (models.WriteSummary, error)
}

// CheckinEngine applies check-in writes.
type CheckinEngine struct {
	store CheckinStore
}

// NewCheckinEngine creates a check-in engine.
func NewCheckinEngine(store CheckinStore) *CheckinEngine {
	return &CheckinEngine{store: store}
}

// Apply persists one check-in, creating or updating its track.
func (e *CheckinEngine) Apply(ctx context.Context, userID, turnID string, payload models.CheckinWrite, idempotencyKey, sourceModel string) (models.WriteSummary, error) {
	return e.store.WriteCheckin(ctx, userID, turnID, payload, idempotencyKey, sourceModel)
}
