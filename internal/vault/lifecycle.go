package vault

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/371-Minds/credvault/internal/identity"
	"github.com/371-Minds/credvault/internal/logging"
	"github.com/371-Minds/credvault/pkg/schema"
)

// StoreRequest carries the arguments of Store. Tags default to the
// template's tags and RotationDays (when <= 0) to the template's interval,
// then 90 days.
type StoreRequest struct {
	Name         string
	Type         string
	Data         map[string]any
	AgentID      string
	Tags         []string
	RotationDays int
}

// Store encrypts and records a new credential created by req.AgentID and
// returns its id. Every call, successful or not, appends one "write" audit
// entry; failed calls are recorded with an empty credential id.
func (s *Service) Store(ctx context.Context, req StoreRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateStore(req); err != nil {
		return "", s.fail(ctx, "", req.AgentID, schema.ActionWrite, asVaultError(schema.ErrCodeValidation, err))
	}
	if existing, ok := s.byName[req.Name]; ok {
		return "", s.fail(ctx, "", req.AgentID, schema.ActionWrite,
			schema.NewErrorf(schema.ErrCodeConflict, "a credential named %q already exists", req.Name).
				WithDetails(map[string]any{"existing_id": existing}))
	}

	data := req.Data
	if data == nil {
		data = map[string]any{}
	}
	ct, size, err := s.seal(data)
	if err != nil {
		return "", s.fail(ctx, "", req.AgentID, schema.ActionWrite, asVaultError(schema.ErrCodeEncryption, err))
	}

	now := s.now()
	id, err := s.allocateID(req.Type, now)
	if err != nil {
		return "", s.fail(ctx, "", req.AgentID, schema.ActionWrite, asVaultError(schema.ErrCodeStore, err))
	}

	tpl, known := s.templates.Lookup(req.Type)
	tags := req.Tags
	if tags == nil && known {
		tags = tpl.DefaultTags
	}
	days := s.templates.RotationDays(req.Type, req.RotationDays)

	entry := &Entry{
		ID:         id,
		Name:       req.Name,
		Type:       req.Type,
		Ciphertext: ct,
		Metadata: map[string]any{
			schema.MetaCreatedBy:    req.AgentID,
			schema.MetaSizeBytes:    size,
			schema.MetaTemplateUsed: known,
		},
		CreatedAt:            now,
		ExpiresAt:            expiryFrom(now, days),
		RotationIntervalDays: days,
		Tags:                 uniqueTags(tags),
	}
	s.entries[id] = entry
	s.byName[req.Name] = id
	s.record(ctx, id, req.AgentID, schema.ActionWrite, outcomeSuccess)
	s.metrics.setCredentials(len(s.entries))

	ctx = logging.WithIDs(ctx, "", req.AgentID, id)
	s.logger.InfoContext(ctx, "credential stored",
		slog.String("type", req.Type),
		slog.Int("rotation_days", days),
		slog.Time("expires_at", *entry.ExpiresAt),
	)
	return id, nil
}

func (s *Service) validateStore(req StoreRequest) error {
	if err := identity.ValidateAgentID(req.AgentID); err != nil {
		return err
	}
	if err := identity.ValidateCredentialName(req.Name); err != nil {
		return err
	}
	if strings.TrimSpace(req.Type) == "" {
		return schema.NewError(schema.ErrCodeValidation, "credential type is required")
	}
	if strings.ContainsAny(req.Type, " \t\r\n") {
		return schema.NewErrorf(schema.ErrCodeValidation, "credential type %q must not contain whitespace", req.Type)
	}
	if req.RotationDays < 0 {
		return schema.NewError(schema.ErrCodeValidation, "rotation_days must not be negative")
	}
	return s.templates.Validate(req.Type, req.Data)
}

func (s *Service) allocateID(typ string, now time.Time) (string, error) {
	for {
		id, err := newID(typ, now)
		if err != nil {
			return "", err
		}
		if _, taken := s.entries[id]; !taken {
			return id, nil
		}
	}
}

// Retrieve decrypts a credential for agent. Failures are checked in the
// order NOT_FOUND, PERMISSION_DENIED, EXPIRED, DECRYPTION_ERROR and each
// records a failed "read" before returning. Success bumps the access count.
func (s *Service) Retrieve(ctx context.Context, id, agent string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retrieveLocked(ctx, id, agent)
}

func (s *Service) retrieveLocked(ctx context.Context, id, agent string) (*Record, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, s.fail(ctx, id, agent, schema.ActionRead,
			schema.NewErrorf(schema.ErrCodeNotFound, "credential %s not found", id))
	}
	via, ok := s.canRead(ctx, e, agent)
	if !ok {
		return nil, s.fail(ctx, id, agent, schema.ActionRead,
			schema.NewErrorf(schema.ErrCodePermissionDenied, "agent %s may not read credential %s", agent, id))
	}
	now := s.now()
	if e.Expired(now) {
		return nil, s.fail(ctx, id, agent, schema.ActionRead,
			schema.NewErrorf(schema.ErrCodeExpired, "credential %s expired at %s", id, e.ExpiresAt.Format(time.RFC3339)))
	}
	data, err := s.open(e)
	if err != nil {
		return nil, s.fail(ctx, id, agent, schema.ActionRead, asVaultError(schema.ErrCodeDecryption, err))
	}

	updated := e.clone()
	updated.AccessCount++
	updated.LastAccessed = &now
	s.entries[id] = updated
	s.record(ctx, id, agent, schema.ActionRead, outcomeSuccess)

	ctx = logging.WithIDs(ctx, "", agent, id)
	s.logger.DebugContext(ctx, "credential retrieved", slog.String("via", via))

	return &Record{
		ID:          updated.ID,
		Name:        updated.Name,
		Type:        updated.Type,
		Data:        data,
		Metadata:    cloneMap(updated.Metadata),
		Tags:        append([]string{}, updated.Tags...),
		CreatedAt:   updated.CreatedAt,
		ExpiresAt:   cloneTime(updated.ExpiresAt),
		AccessCount: updated.AccessCount,
	}, nil
}

// GetSecret resolves name and retrieves it, unwrapping single-field
// credentials to a Scalar. An unknown name is NOT_FOUND and is audited as a
// failed "read" with an empty credential id.
func (s *Service) GetSecret(ctx context.Context, name, agent string) (Secret, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, s.fail(ctx, "", agent, schema.ActionRead,
			schema.NewErrorf(schema.ErrCodeNotFound, "no credential named %q", name))
	}
	rec, err := s.retrieveLocked(ctx, id, agent)
	if err != nil {
		return nil, err
	}
	return secretFrom(rec.Data), nil
}

// Rotate replaces a credential's data and resets its expiry to now plus its
// rotation interval. Anyone who may read the credential may rotate it.
// Templates apply at store time only; the new data is not re-validated.
// An unknown id returns (false, nil) and records a failed "rotate".
func (s *Service) Rotate(ctx context.Context, id string, newData map[string]any, agent string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		s.fail(ctx, id, agent, schema.ActionRotate,
			schema.NewErrorf(schema.ErrCodeNotFound, "credential %s not found", id))
		return false, nil
	}
	if _, ok := s.canRead(ctx, e, agent); !ok {
		return false, s.fail(ctx, id, agent, schema.ActionRotate,
			schema.NewErrorf(schema.ErrCodePermissionDenied, "agent %s may not rotate credential %s", agent, id))
	}
	if newData == nil {
		newData = map[string]any{}
	}
	ct, size, err := s.seal(newData)
	if err != nil {
		return false, s.fail(ctx, id, agent, schema.ActionRotate, asVaultError(schema.ErrCodeEncryption, err))
	}

	now := s.now()
	updated := e.clone()
	updated.Ciphertext = ct
	updated.ExpiresAt = expiryFrom(now, updated.RotationIntervalDays)
	updated.Metadata[schema.MetaSizeBytes] = size
	updated.Metadata[schema.MetaLastRotated] = now.Format(time.RFC3339)
	updated.Metadata[schema.MetaRotatedBy] = agent
	s.entries[id] = updated
	s.record(ctx, id, agent, schema.ActionRotate, outcomeSuccess)

	ctx = logging.WithIDs(ctx, "", agent, id)
	s.logger.InfoContext(ctx, "credential rotated", slog.Time("expires_at", *updated.ExpiresAt))
	return true, nil
}

// Delete removes a credential and every grant on it. Only the creator may
// delete; grants never confer delete rights. An unknown id returns
// (false, nil) and records a failed "delete".
func (s *Service) Delete(ctx context.Context, id, agent string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		s.fail(ctx, id, agent, schema.ActionDelete,
			schema.NewErrorf(schema.ErrCodeNotFound, "credential %s not found", id))
		return false, nil
	}
	if agent == "" || e.CreatedBy() != agent {
		return false, s.fail(ctx, id, agent, schema.ActionDelete,
			schema.NewErrorf(schema.ErrCodePermissionDenied, "only the creator may delete credential %s", id))
	}

	s.record(ctx, id, agent, schema.ActionDelete, outcomeSuccess)
	delete(s.entries, id)
	delete(s.byName, e.Name)
	revoked := s.grants.RevokeAll(id)
	s.metrics.setCredentials(len(s.entries))

	ctx = logging.WithIDs(ctx, "", agent, id)
	s.logger.InfoContext(ctx, "credential deleted", slog.Int("grants_revoked", revoked))
	return true, nil
}
