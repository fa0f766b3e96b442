package vault

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/371-Minds/credvault/internal/audit"
	"github.com/371-Minds/credvault/pkg/schema"
)

// Snapshot is a point-in-time copy of vault state. Credentials stay
// encrypted; the master key is never part of a snapshot.
type Snapshot struct {
	TakenAt     time.Time           `json:"taken_at"`
	Credentials []Entry             `json:"credentials"`
	Grants      map[string][]string `json:"grants"`
	AccessLog   []audit.Entry       `json:"access_log"`
}

// SnapshotStore persists snapshots. LoadSnapshot returns a NOT_FOUND
// VaultError when nothing has been saved yet.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LoadSnapshot(ctx context.Context) (*Snapshot, error)
}

// Snapshot copies the current state. Credentials are ordered by creation.
func (s *Service) Snapshot(_ context.Context) *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	creds := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		creds = append(creds, *e.clone())
	}
	sort.Slice(creds, func(i, j int) bool {
		if !creds[i].CreatedAt.Equal(creds[j].CreatedAt) {
			return creds[i].CreatedAt.Before(creds[j].CreatedAt)
		}
		return creds[i].ID < creds[j].ID
	})

	return &Snapshot{
		TakenAt:     s.now(),
		Credentials: creds,
		Grants:      s.grants.Snapshot(),
		AccessLog:   s.log.Entries(),
	}
}

// Restore replaces all vault state with snap. The snapshot is checked
// before anything is replaced: ids must be present and unique and names
// unique. Ciphertext is not decrypted here.
func (s *Service) Restore(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return schema.NewError(schema.ErrCodeValidation, "snapshot is nil")
	}

	entries := make(map[string]*Entry, len(snap.Credentials))
	byName := make(map[string]string, len(snap.Credentials))
	for i := range snap.Credentials {
		e := snap.Credentials[i].clone()
		if e.ID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "snapshot credential %d has no id", i)
		}
		if _, dup := entries[e.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict, "duplicate credential id %s in snapshot", e.ID)
		}
		if other, dup := byName[e.Name]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"credentials %s and %s share the name %q", other, e.ID, e.Name)
		}
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		entries[e.ID] = e
		byName[e.Name] = e.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = entries
	s.byName = byName
	s.grants.Restore(snap.Grants)
	s.log.Restore(snap.AccessLog)
	s.metrics.setCredentials(len(entries))
	s.metrics.setAuditSize(s.log.Len())

	s.logger.InfoContext(ctx, "vault restored",
		slog.Int("credentials", len(entries)),
		slog.Int("audit_entries", s.log.Len()),
		slog.Time("taken_at", snap.TakenAt),
	)
	return nil
}

// Save writes a snapshot to st.
func (s *Service) Save(ctx context.Context, st SnapshotStore) error {
	snap := s.Snapshot(ctx)
	if err := st.SaveSnapshot(ctx, snap); err != nil {
		return asVaultError(schema.ErrCodeStore, err)
	}
	s.logger.InfoContext(ctx, "vault saved", slog.Int("credentials", len(snap.Credentials)))
	return nil
}

// Load restores the vault from st. A store with no snapshot yields a
// NOT_FOUND error and leaves the vault unchanged.
func (s *Service) Load(ctx context.Context, st SnapshotStore) error {
	snap, err := st.LoadSnapshot(ctx)
	if err != nil {
		return asVaultError(schema.ErrCodeStore, err)
	}
	return s.Restore(ctx, snap)
}
