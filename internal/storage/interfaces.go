// Package storage defines persistence for vault state.
package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/yield_vault/internal/vault"
)

// ErrNotFound is returned by LoadSnapshot when nothing has been persisted.
var ErrNotFound = errors.New("storage: vault state not found")

// SnapshotStore loads and saves engine checkpoints.
type SnapshotStore interface {
	// LoadSnapshot returns the full persisted vault, including decision
	// references.
	LoadSnapshot(ctx context.Context) (vault.Snapshot, error)
	// SaveChanges writes a checkpoint atomically. Decisions are append-only.
	SaveChanges(ctx context.Context, changes vault.Changes) error
}

// ReceiptStore persists notarization references for decisions.
type ReceiptStore interface {
	AttachReference(ctx context.Context, seq uint64, ref string) error
}

// Store is the full persistence surface used by the vault service.
type Store interface {
	SnapshotStore
	ReceiptStore
	Close() error
}
