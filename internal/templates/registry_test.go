package templates

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/371-Minds/credvault/pkg/schema"
)

func TestValidate_MissingSingleField(t *testing.T) {
	r := DefaultRegistry()

	err := r.Validate("github_deploy_token", map[string]any{"token": "x"})
	require.Error(t, err)

	var verr *schema.VaultError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, schema.ErrCodeValidation, verr.Code)
	assert.Equal(t, []string{"repository"}, verr.Details["missing_fields"])
}

func TestValidate_ReportsEveryMissingField(t *testing.T) {
	r := DefaultRegistry()

	err := r.Validate("database_connection", map[string]any{"host": "h"})
	require.Error(t, err)

	var verr *schema.VaultError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"username", "password", "database"}, verr.Details["missing_fields"])
}

func TestValidate_Complete(t *testing.T) {
	r := DefaultRegistry()
	err := r.Validate("database_connection", map[string]any{
		"host": "h", "username": "u", "password": "p", "database": "d",
	})
	assert.NoError(t, err)
}

func TestValidate_UnknownTypeSkipsValidation(t *testing.T) {
	r := DefaultRegistry()
	assert.NoError(t, r.Validate("custom_thing", map[string]any{}))
	assert.NoError(t, r.Validate("custom_thing", nil))
}

func TestValidate_Schema(t *testing.T) {
	r, err := NewRegistry(map[string]Template{
		"webhook": {
			RequiredFields: []string{"url", "secret"},
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url":    map[string]any{"type": "string", "pattern": "^https://"},
					"secret": map[string]any{"type": "string", "minLength": 8},
				},
			},
		},
	})
	require.NoError(t, err)

	require.NoError(t, r.Validate("webhook", map[string]any{"url": "https://hooks.example.com", "secret": "0123456789"}))

	err = r.Validate("webhook", map[string]any{"url": "http://insecure", "secret": "short"})
	require.Error(t, err)
	var verr *schema.VaultError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, schema.ErrCodeValidation, verr.Code)
	violations, ok := verr.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
}

func TestValidate_MissingFieldsCheckedBeforeSchema(t *testing.T) {
	r, err := NewRegistry(map[string]Template{
		"webhook": {
			RequiredFields: []string{"url"},
			Schema:         map[string]any{"type": "object", "required": []any{"url"}},
		},
	})
	require.NoError(t, err)

	err = r.Validate("webhook", map[string]any{})
	var verr *schema.VaultError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"url"}, verr.Details["missing_fields"])
}

func TestNewRegistry_InvalidSchema(t *testing.T) {
	_, err := NewRegistry(map[string]Template{
		"bad": {Schema: map[string]any{"type": 12}},
	})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestNewRegistry_NegativeRotation(t *testing.T) {
	_, err := NewRegistry(map[string]Template{"bad": {DefaultRotationDays: -1}})
	require.Error(t, err)
}

func TestRotationDays(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		name     string
		typ      string
		explicit int
		want     int
	}{
		{"explicit wins", "database_connection", 15, 15},
		{"template default", "database_connection", 0, 30},
		{"unknown type fallback", "custom", 0, DefaultRotationDays},
		{"negative explicit ignored", "github_deploy_token", -3, 180},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.RotationDays(tt.typ, tt.explicit))
		})
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	r := DefaultRegistry()

	tpl, ok := r.Lookup("digital_ocean_api")
	require.True(t, ok)
	tpl.DefaultTags[0] = "mutated"

	again, _ := r.Lookup("digital_ocean_api")
	assert.Equal(t, []string{"cloud", "infrastructure"}, again.DefaultTags)

	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestTypesSorted(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{
		"database_connection", "digital_ocean_api", "domain_registrar", "email_service_api",
		"github_deploy_token", "payment_processor", "social_media_api",
	}, r.Types())
}

func TestLoadFileAndMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  github_deploy_token:
    required_fields: [token, repository, owner]
    default_rotation_days: 45
    default_tags: [code]
  smtp_relay:
    required_fields: [host, password]
    schema:
      type: object
      properties:
        host:
          type: string
`), 0o600))

	extra, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, extra, 2)

	r, err := NewRegistry(Merge(Builtin(), extra))
	require.NoError(t, err)

	gh, ok := r.Lookup("github_deploy_token")
	require.True(t, ok)
	assert.Equal(t, []string{"token", "repository", "owner"}, gh.RequiredFields)
	assert.Equal(t, 45, gh.DefaultRotationDays)

	err = r.Validate("smtp_relay", map[string]any{"host": 25, "password": "p"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, ok = r.Lookup("payment_processor")
	assert.True(t, ok, "built-ins survive the merge")
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParse_Empty(t *testing.T) {
	tpls, err := Parse([]byte(""))
	require.NoError(t, err)
	assert.Empty(t, tpls)
}
