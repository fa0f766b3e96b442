package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/371-Minds/credvault/internal/audit"
	"github.com/371-Minds/credvault/internal/vault"
	"github.com/371-Minds/credvault/pkg/schema"
)

// LibSQLStore saves vault snapshots to libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewLibSQLStore opens a libSQL database. dsn is a file URI such as
// "file:/var/lib/credvault/vault.db".
func NewLibSQLStore(dsn string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used and the result ignored.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, clock: time.Now}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// SaveSnapshot replaces the stored state with snap in one transaction and
// records it in the snapshot history.
func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *vault.Snapshot) error {
	if snap == nil {
		return schema.NewError(schema.ErrCodeValidation, "snapshot is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin save", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"credentials", "grants", "access_log"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return storeErr("clear "+table, err)
		}
	}

	for i := range snap.Credentials {
		if err := insertCredential(ctx, tx, &snap.Credentials[i]); err != nil {
			return err
		}
	}

	grants := 0
	for agent, ids := range snap.Grants {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO grants (agent_id, credential_id) VALUES (?, ?)`, agent, id); err != nil {
				return storeErr("insert grant", err)
			}
			grants++
		}
	}

	for i, e := range snap.AccessLog {
		if err := insertAccessEntry(ctx, tx, i+1, e); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, taken_at, saved_at, credentials, grants, audit_entries) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), formatTime(snap.TakenAt), formatTime(s.clock()),
		len(snap.Credentials), grants, len(snap.AccessLog),
	); err != nil {
		return storeErr("record snapshot", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit save", err)
	}
	return nil
}

// LoadSnapshot reads the last saved state. Returns NOT_FOUND when nothing
// has been saved.
func (s *LibSQLStore) LoadSnapshot(ctx context.Context) (*vault.Snapshot, error) {
	info, err := s.LatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	creds, err := s.loadCredentials(ctx)
	if err != nil {
		return nil, err
	}
	grants, err := s.loadGrants(ctx)
	if err != nil {
		return nil, err
	}
	log, err := s.loadAccessLog(ctx)
	if err != nil {
		return nil, err
	}

	return &vault.Snapshot{
		TakenAt:     info.TakenAt,
		Credentials: creds,
		Grants:      grants,
		AccessLog:   log,
	}, nil
}

// LatestSnapshot describes the most recent save.
func (s *LibSQLStore) LatestSnapshot(ctx context.Context) (*SnapshotInfo, error) {
	infos, err := s.History(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no snapshot has been saved")
	}
	return infos[0], nil
}

// History lists saved snapshots, newest first.
func (s *LibSQLStore) History(ctx context.Context, limit int) ([]*SnapshotInfo, error) {
	query := `SELECT id, taken_at, saved_at, credentials, grants, audit_entries
		FROM snapshots ORDER BY rowid DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("list snapshots", err)
	}
	defer rows.Close()

	var out []*SnapshotInfo
	for rows.Next() {
		info := &SnapshotInfo{}
		var takenAt, savedAt string
		if err := rows.Scan(&info.ID, &takenAt, &savedAt, &info.Credentials, &info.Grants, &info.AuditEntries); err != nil {
			return nil, storeErr("scan snapshot", err)
		}
		if info.TakenAt, err = parseTime(takenAt); err != nil {
			return nil, err
		}
		if info.SavedAt, err = parseTime(savedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// --- Credentials ---

func insertCredential(ctx context.Context, tx *sql.Tx, e *vault.Entry) error {
	metadata, err := json.Marshal(orEmptyMap(e.Metadata))
	if err != nil {
		return storeErr("marshal metadata", err)
	}
	tags, err := json.Marshal(orEmptySlice(e.Tags))
	if err != nil {
		return storeErr("marshal tags", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO credentials (id, name, type, ciphertext, metadata, created_at, last_accessed, expires_at, rotation_interval_days, access_count, tags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.Type, e.Ciphertext, string(metadata),
		formatTime(e.CreatedAt), nullTime(e.LastAccessed), nullTime(e.ExpiresAt),
		e.RotationIntervalDays, e.AccessCount, string(tags),
	)
	if err != nil {
		return storeErr("insert credential "+e.ID, err)
	}
	return nil
}

func (s *LibSQLStore) loadCredentials(ctx context.Context) ([]vault.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, ciphertext, metadata, created_at, last_accessed, expires_at, rotation_interval_days, access_count, tags
		 FROM credentials ORDER BY rowid`)
	if err != nil {
		return nil, storeErr("query credentials", err)
	}
	defer rows.Close()

	out := make([]vault.Entry, 0)
	for rows.Next() {
		var (
			e                       vault.Entry
			metadata, tags, created string
			lastAccessed, expiresAt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Type, &e.Ciphertext, &metadata, &created,
			&lastAccessed, &expiresAt, &e.RotationIntervalDays, &e.AccessCount, &tags); err != nil {
			return nil, storeErr("scan credential", err)
		}
		if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
			return nil, storeErr("unmarshal metadata for "+e.ID, err)
		}
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, storeErr("unmarshal tags for "+e.ID, err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if e.LastAccessed, err = parseNullTime(lastAccessed); err != nil {
			return nil, err
		}
		if e.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Grants ---

func (s *LibSQLStore) loadGrants(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, credential_id FROM grants ORDER BY agent_id, credential_id`)
	if err != nil {
		return nil, storeErr("query grants", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var agent, id string
		if err := rows.Scan(&agent, &id); err != nil {
			return nil, storeErr("scan grant", err)
		}
		out[agent] = append(out[agent], id)
	}
	return out, rows.Err()
}

// --- Access log ---

func insertAccessEntry(ctx context.Context, tx *sql.Tx, seq int, e audit.Entry) error {
	var source any
	if len(e.Source) > 0 {
		b, err := json.Marshal(e.Source)
		if err != nil {
			return storeErr("marshal audit source", err)
		}
		source = string(b)
	}
	success := 0
	if e.Success {
		success = 1
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO access_log (seq, id, credential_id, agent_id, owner, action, timestamp, success, source)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq, e.ID, e.CredentialID, e.AgentID, e.Owner, e.Action, formatTime(e.Timestamp), success, source,
	)
	if err != nil {
		return storeErr("insert audit entry", err)
	}
	return nil
}

func (s *LibSQLStore) loadAccessLog(ctx context.Context) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, credential_id, agent_id, owner, action, timestamp, success, source FROM access_log ORDER BY seq`)
	if err != nil {
		return nil, storeErr("query access log", err)
	}
	defer rows.Close()

	out := make([]audit.Entry, 0)
	for rows.Next() {
		var (
			e       audit.Entry
			ts      string
			success int
			source  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.CredentialID, &e.AgentID, &e.Owner, &e.Action, &ts, &success, &source); err != nil {
			return nil, storeErr("scan audit entry", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.Success = success != 0
		if source.Valid && source.String != "" {
			if err := json.Unmarshal([]byte(source.String), &e.Source); err != nil {
				return nil, storeErr("unmarshal audit source", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeErr(op string, err error) *schema.VaultError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, storeErr("parse timestamp", err)
	}
	return t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
