package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/371-Minds/credvault/internal/audit"
	"github.com/371-Minds/credvault/pkg/schema"
)

// AuditQuery filters Audit results. Hours <= 0 selects the last 24 hours.
type AuditQuery struct {
	AgentID      string
	CredentialID string
	Hours        int
	// Where is an optional expr-lang filter, e.g. `action == "read" && !success`.
	Where string
}

// Audit returns audit entries within the recency window, in call order.
// Auditors configured on the vault see every entry; any other requester
// sees only attempts they made and attempts on credentials they created.
func (s *Service) Audit(ctx context.Context, requester string, q AuditQuery) ([]audit.Entry, error) {
	if requester == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "requester is required")
	}
	hours := q.Hours
	if hours <= 0 {
		hours = DefaultAuditWindowHours
	}

	entries, err := s.log.Query(ctx, audit.Query{
		AgentID:      q.AgentID,
		CredentialID: q.CredentialID,
		Since:        s.now().Add(-time.Duration(hours) * time.Hour),
		Where:        q.Where,
	})
	if err != nil {
		return nil, err
	}
	if s.auditors[requester] {
		return entries, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	visible := make([]audit.Entry, 0, len(entries))
	for _, e := range entries {
		if e.AgentID == requester || e.Owner == requester {
			visible = append(visible, e)
			continue
		}
		// Entries restored from snapshots taken before owners were recorded.
		if e.Owner == "" {
			if c, ok := s.entries[e.CredentialID]; ok && c.CreatedBy() == requester {
				visible = append(visible, e)
			}
		}
	}
	return visible, nil
}

// CheckExpiring returns credentials whose expiry falls within daysAhead
// days from now, soonest first. Already expired credentials are included.
func (s *Service) CheckExpiring(_ context.Context, daysAhead int) []Expiring {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiringLocked(s.now(), daysAhead)
}

func (s *Service) expiringLocked(now time.Time, daysAhead int) []Expiring {
	cutoff := now.Add(time.Duration(daysAhead) * day)
	out := make([]Expiring, 0)
	for _, e := range s.entries {
		if e.ExpiresAt == nil || e.ExpiresAt.After(cutoff) {
			continue
		}
		out = append(out, Expiring{
			ID:              e.ID,
			Name:            e.Name,
			Type:            e.Type,
			CreatedBy:       e.CreatedBy(),
			ExpiresAt:       *e.ExpiresAt,
			DaysUntilExpiry: daysUntil(now, *e.ExpiresAt),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func daysUntil(now, t time.Time) int {
	return int(math.Floor(t.Sub(now).Hours() / 24))
}

var healthProbe = map[string]any{"test": "data"}

// HealthCheck round-trips a fixed payload through the encryption engine.
// Stored credentials are not touched.
func (s *Service) HealthCheck(ctx context.Context) bool {
	plaintext, err := json.Marshal(healthProbe)
	if err != nil {
		return false
	}
	ct, err := s.engine.Encrypt(plaintext)
	if err != nil {
		s.logger.ErrorContext(ctx, "health check encrypt failed", slog.String("error", err.Error()))
		return false
	}
	got, err := s.engine.Decrypt(ct)
	if err != nil {
		s.logger.ErrorContext(ctx, "health check decrypt failed", slog.String("error", err.Error()))
		return false
	}
	if !bytes.Equal(got, plaintext) {
		s.logger.ErrorContext(ctx, "health check round trip mismatch")
		return false
	}
	return true
}

// Stats summarizes the vault contents.
func (s *Service) Stats(_ context.Context) Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType := make(map[string]int)
	for _, e := range s.entries {
		byType[e.Type]++
	}
	return Stats{
		TotalCredentials:   len(s.entries),
		ByType:             byType,
		ExpiringSoon:       len(s.expiringLocked(s.now(), ExpiringSoonDays)),
		TotalAccessLogs:    s.log.Len(),
		AgentsWithAccess:   s.grants.Agents(),
		TemplatesAvailable: len(s.templates.Types()),
	}
}
