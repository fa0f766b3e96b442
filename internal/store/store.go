// Package store persists vault snapshots in an embedded libSQL database.
// Credential ciphertext is written exactly as the encryption engine
// produced it; nothing in this package can decrypt it.
package store

import (
	"context"
	"time"

	"github.com/371-Minds/credvault/internal/vault"
)

// Store is the persistence contract used by the CLI. It extends the
// vault's SnapshotStore with lifecycle and history operations.
type Store interface {
	vault.SnapshotStore

	// LatestSnapshot describes the most recent save, or NOT_FOUND.
	LatestSnapshot(ctx context.Context) (*SnapshotInfo, error)
	// History lists saves, newest first. limit <= 0 returns all.
	History(ctx context.Context, limit int) ([]*SnapshotInfo, error)

	Migrate(ctx context.Context) error
	Close() error
}

// Snapshotter is the vault side of a save; satisfied by *vault.Service.
type Snapshotter interface {
	Save(ctx context.Context, st vault.SnapshotStore) error
}

// SnapshotInfo describes one saved snapshot.
type SnapshotInfo struct {
	ID           string    `json:"id"`
	TakenAt      time.Time `json:"taken_at"`
	SavedAt      time.Time `json:"saved_at"`
	Credentials  int       `json:"credentials"`
	Grants       int       `json:"grants"`
	AuditEntries int       `json:"audit_entries"`
}

var _ Store = (*LibSQLStore)(nil)
