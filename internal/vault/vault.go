// Package vault implements the credential lifecycle: encrypted storage,
// per-credential authorization, rotation and expiry, and the audit trail
// of every access attempt.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/371-Minds/credvault/internal/audit"
	"github.com/371-Minds/credvault/internal/logging"
	"github.com/371-Minds/credvault/internal/policy"
	"github.com/371-Minds/credvault/internal/secrets"
	"github.com/371-Minds/credvault/internal/templates"
	"github.com/371-Minds/credvault/pkg/schema"
)

const (
	// DefaultAuditWindowHours is the recency window used when an audit
	// query does not set one.
	DefaultAuditWindowHours = 24
	// ExpiringSoonDays is the window Stats uses for ExpiringSoon.
	ExpiringSoonDays = 30

	day = 24 * time.Hour
)

// Config wires a Service. Only Engine is required.
type Config struct {
	Engine    secrets.Engine
	Templates *templates.Registry // default: templates.DefaultRegistry()
	Policy    *policy.Store       // default: empty store
	Audit     *audit.Log          // default: audit.NewLog(AuditCapacity, Clock)
	Rules     *policy.RuleSet     // optional rule-based read access
	Clock     func() time.Time    // default: time.Now
	// Logger should wrap a logging.CorrelationHandler so context IDs are
	// attached. Default: text logger on stderr.
	Logger  *slog.Logger
	Metrics *Metrics
	// Auditors may read the whole audit log. Everyone else sees only
	// their own attempts and attempts on credentials they created.
	Auditors      []string
	AuditCapacity int
}

// Service is the credential vault. All methods are safe for concurrent use.
type Service struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byName  map[string]string

	engine    secrets.Engine
	templates *templates.Registry
	grants    *policy.Store
	rules     *policy.RuleSet
	log       *audit.Log
	clock     func() time.Time
	logger    *slog.Logger
	metrics   *Metrics
	auditors  map[string]bool
}

// New creates a vault from cfg.
func New(cfg Config) (*Service, error) {
	if cfg.Engine == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "encryption engine is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Templates == nil {
		cfg.Templates = templates.DefaultRegistry()
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.NewStore()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLog(cfg.AuditCapacity, cfg.Clock)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New(os.Stderr, "info")
	}

	auditors := make(map[string]bool, len(cfg.Auditors))
	for _, a := range cfg.Auditors {
		auditors[a] = true
	}

	return &Service{
		entries:   make(map[string]*Entry),
		byName:    make(map[string]string),
		engine:    cfg.Engine,
		templates: cfg.Templates,
		grants:    cfg.Policy,
		rules:     cfg.Rules,
		log:       cfg.Audit,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With(slog.String("component", "vault")),
		metrics:   cfg.Metrics,
		auditors:  auditors,
	}, nil
}

// Templates returns the registry the vault validates against.
func (s *Service) Templates() *templates.Registry {
	return s.templates
}

func (s *Service) now() time.Time {
	return s.clock().UTC()
}

type sourceKey struct{}

// WithAuditSource attaches source metadata (for example transport=mcp)
// that is copied into every audit entry recorded for calls made with ctx.
func WithAuditSource(ctx context.Context, source map[string]string) context.Context {
	merged := make(map[string]string, len(source))
	if prev, ok := ctx.Value(sourceKey{}).(map[string]string); ok {
		for k, v := range prev {
			merged[k] = v
		}
	}
	for k, v := range source {
		merged[k] = v
	}
	return context.WithValue(ctx, sourceKey{}, merged)
}

func auditSource(ctx context.Context) map[string]string {
	src, _ := ctx.Value(sourceKey{}).(map[string]string)
	if rid := logging.RequestID(ctx); rid != "" {
		out := make(map[string]string, len(src)+1)
		for k, v := range src {
			out[k] = v
		}
		out["request_id"] = rid
		return out
	}
	return src
}

// record appends an audit entry and counts the operation. The entry carries
// the credential's creator so it stays attributable after deletion. Callers
// hold s.mu and record before removing an entry.
func (s *Service) record(ctx context.Context, credID, agent, action string, outcome string) {
	var owner string
	if e, ok := s.entries[credID]; ok {
		owner = e.CreatedBy()
	}
	s.log.Append(audit.Entry{
		CredentialID: credID,
		AgentID:      agent,
		Owner:        owner,
		Action:       action,
		Timestamp:    s.now(),
		Success:      outcome == outcomeSuccess,
		Source:       auditSource(ctx),
	})
	s.metrics.observe(action, outcome)
	s.metrics.setAuditSize(s.log.Len())
}

// fail records a failed attempt and returns err tagged with credID.
// Callers hold s.mu.
func (s *Service) fail(ctx context.Context, credID, agent, action string, err *schema.VaultError) *schema.VaultError {
	if credID != "" && err.CredentialID == "" {
		err.WithCredential(credID)
	}
	s.record(ctx, credID, agent, action, lowerCode(err.Code))
	ctx = logging.WithIDs(ctx, "", agent, credID)
	s.logger.WarnContext(ctx, "credential access failed",
		slog.String("action", action),
		slog.String("code", err.Code),
	)
	return err
}

// canRead reports whether agent may read or rotate e, and through what.
func (s *Service) canRead(ctx context.Context, e *Entry, agent string) (string, bool) {
	if agent == "" {
		return "", false
	}
	if e.CreatedBy() == agent {
		return "creator", true
	}
	if s.grants.Allowed(agent, e.ID) {
		return "grant", true
	}
	if s.rules.Len() == 0 {
		return "", false
	}
	name, err := s.rules.Match(ctx, agent, policy.Attributes{
		ID:        e.ID,
		Name:      e.Name,
		Type:      e.Type,
		Tags:      e.Tags,
		CreatedBy: e.CreatedBy(),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "access rule evaluation failed",
			slog.String("credential_id", e.ID), slog.String("error", err.Error()))
		return "", false
	}
	if name == "" {
		return "", false
	}
	return "rule:" + name, true
}

func (s *Service) seal(data map[string]any) ([]byte, int, error) {
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, 0, schema.NewError(schema.ErrCodeValidation, "credential data is not JSON-serializable").WithCause(err)
	}
	ct, err := s.engine.Encrypt(plaintext)
	if err != nil {
		return nil, 0, asVaultError(schema.ErrCodeEncryption, err)
	}
	return ct, len(plaintext), nil
}

func (s *Service) open(e *Entry) (map[string]any, error) {
	plaintext, err := s.engine.Decrypt(e.Ciphertext)
	if err != nil {
		return nil, asVaultError(schema.ErrCodeDecryption, err)
	}
	var data map[string]any
	if err := json.Unmarshal(plaintext, &data); err != nil {
		return nil, schema.NewError(schema.ErrCodeDecryption, "decrypted payload is not a JSON object").WithCause(err)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

func lowerCode(code string) string {
	return strings.ToLower(code)
}

func asVaultError(code string, err error) *schema.VaultError {
	var verr *schema.VaultError
	if errors.As(err, &verr) {
		return verr
	}
	return schema.NewError(code, err.Error()).WithCause(err)
}

// newID returns cred_<type>_<unix seconds>_<16 hex chars>.
func newID(typ string, now time.Time) (string, error) {
	var suffix [8]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("generate credential id: %w", err)
	}
	return fmt.Sprintf("cred_%s_%d_%s", typ, now.Unix(), hex.EncodeToString(suffix[:])), nil
}

func expiryFrom(now time.Time, days int) *time.Time {
	if days <= 0 {
		days = templates.DefaultRotationDays
	}
	t := now.Add(time.Duration(days) * day)
	return &t
}

func uniqueTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
