package vault

import (
	"context"
	"log/slog"
	"sort"

	"github.com/371-Minds/credvault/internal/identity"
	"github.com/371-Minds/credvault/internal/logging"
	"github.com/371-Minds/credvault/pkg/schema"
)

const (
	actionGrant  = "grant"
	actionRevoke = "revoke"
)

// List returns the credentials agent may read, oldest first. When tags is
// non-empty only entries carrying at least one of them are returned.
// Secret data is never included.
func (s *Service) List(ctx context.Context, agent string, tags []string) []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Summary, 0)
	for _, e := range s.entries {
		if len(tags) > 0 && !e.HasAnyTag(tags) {
			continue
		}
		if _, ok := s.canRead(ctx, e, agent); !ok {
			continue
		}
		out = append(out, e.summary())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Grant lets grantee read credential id. Only the creator may grant.
// Returns false when the grant already exists or grantee is the creator.
func (s *Service) Grant(ctx context.Context, grantee, id, grantor string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorizeGrant(grantee, id, grantor); err != nil {
		s.metrics.observe(actionGrant, outcomeOf(err))
		return false, err
	}
	if s.entries[id].CreatedBy() == grantee {
		s.metrics.observe(actionGrant, outcomeSuccess)
		return false, nil
	}
	added := s.grants.Grant(grantee, id)
	s.metrics.observe(actionGrant, outcomeSuccess)

	ctx = logging.WithIDs(ctx, "", grantor, id)
	s.logger.InfoContext(ctx, "access granted",
		slog.String("grantee", grantee), slog.Bool("new", added))
	return added, nil
}

// Revoke removes grantee's grant on id. Same authorization as Grant.
// Returns false when there was no grant.
func (s *Service) Revoke(ctx context.Context, grantee, id, grantor string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.authorizeGrant(grantee, id, grantor); err != nil {
		s.metrics.observe(actionRevoke, outcomeOf(err))
		return false, err
	}
	removed := s.grants.Revoke(grantee, id)
	s.metrics.observe(actionRevoke, outcomeSuccess)

	ctx = logging.WithIDs(ctx, "", grantor, id)
	s.logger.InfoContext(ctx, "access revoked",
		slog.String("grantee", grantee), slog.Bool("removed", removed))
	return removed, nil
}

func (s *Service) authorizeGrant(grantee, id, grantor string) *schema.VaultError {
	e, ok := s.entries[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "credential %s not found", id).WithCredential(id)
	}
	if grantor == "" || e.CreatedBy() != grantor {
		return schema.NewErrorf(schema.ErrCodePermissionDenied,
			"only the creator may manage access to credential %s", id).WithCredential(id)
	}
	if err := identity.ValidateAgentID(grantee); err != nil {
		return asVaultError(schema.ErrCodeValidation, err).WithCredential(id)
	}
	return nil
}

func outcomeOf(err *schema.VaultError) string {
	return lowerCode(err.Code)
}
