package vault

import (
	"time"

	"github.com/371-Minds/credvault/pkg/schema"
)

// Entry is a stored credential. Published entries are never mutated;
// updates swap in a modified clone.
type Entry struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	Type                 string         `json:"type"`
	Ciphertext           []byte         `json:"ciphertext"`
	Metadata             map[string]any `json:"metadata"`
	CreatedAt            time.Time      `json:"created_at"`
	LastAccessed         *time.Time     `json:"last_accessed,omitempty"`
	ExpiresAt            *time.Time     `json:"expires_at,omitempty"`
	RotationIntervalDays int            `json:"rotation_interval_days,omitempty"`
	AccessCount          int            `json:"access_count"`
	Tags                 []string       `json:"tags"`
}

// CreatedBy returns the creating agent recorded in metadata.
func (e *Entry) CreatedBy() string {
	v, _ := e.Metadata[schema.MetaCreatedBy].(string)
	return v
}

// Expired reports whether the entry's expiry lies strictly before now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// HasAnyTag reports whether the entry carries at least one of tags.
func (e *Entry) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range e.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (e *Entry) clone() *Entry {
	cp := *e
	cp.Ciphertext = append([]byte(nil), e.Ciphertext...)
	cp.Metadata = cloneMap(e.Metadata)
	cp.Tags = append([]string(nil), e.Tags...)
	cp.LastAccessed = cloneTime(e.LastAccessed)
	cp.ExpiresAt = cloneTime(e.ExpiresAt)
	return &cp
}

func (e *Entry) summary() Summary {
	return Summary{
		ID:           e.ID,
		Name:         e.Name,
		Type:         e.Type,
		CreatedAt:    e.CreatedAt,
		LastAccessed: cloneTime(e.LastAccessed),
		ExpiresAt:    cloneTime(e.ExpiresAt),
		Tags:         append([]string{}, e.Tags...),
		AccessCount:  e.AccessCount,
	}
}

// Record is a decrypted credential returned to an authorized caller.
type Record struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Data        map[string]any `json:"data"`
	Metadata    map[string]any `json:"metadata"`
	Tags        []string       `json:"tags"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	AccessCount int            `json:"access_count"`
}

// Summary is the non-secret view of an entry returned by List.
type Summary struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         string     `json:"type"`
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Tags         []string   `json:"tags"`
	AccessCount  int        `json:"access_count"`
}

// Expiring is one CheckExpiring hit. DaysUntilExpiry is negative for
// credentials that have already expired.
type Expiring struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	CreatedBy       string    `json:"created_by"`
	ExpiresAt       time.Time `json:"expires_at"`
	DaysUntilExpiry int       `json:"days_until_expiry"`
}

// Stats summarizes vault contents.
type Stats struct {
	TotalCredentials   int            `json:"total_credentials"`
	ByType             map[string]int `json:"credentials_by_type"`
	ExpiringSoon       int            `json:"expiring_soon"`
	TotalAccessLogs    int            `json:"total_access_logs"`
	AgentsWithAccess   int            `json:"agents_with_access"`
	TemplatesAvailable int            `json:"templates_available"`
}

// Secret is the result of GetSecret: a Scalar when the credential holds a
// single field, Fields otherwise.
type Secret interface {
	secret()
}

// Scalar is a single-field credential unwrapped to its value.
type Scalar struct {
	Value any
}

// Fields is a multi-field credential.
type Fields map[string]any

func (Scalar) secret() {}
func (Fields) secret() {}

func secretFrom(data map[string]any) Secret {
	if len(data) == 1 {
		for _, v := range data {
			return Scalar{Value: v}
		}
	}
	return Fields(data)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
