package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/371-Minds/credvault/internal/secrets"
	"github.com/371-Minds/credvault/internal/vault"
)

// --- Helpers ---

func newTestServer(t *testing.T) (*VaultServer, *vault.Service) {
	t.Helper()
	engine, err := secrets.NewAESEngine(secrets.Config{MasterKey: "mcp-test-key", Iterations: 1000})
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v, err := vault.New(vault.Config{
		Engine:   engine,
		Clock:    func() time.Time { return now },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  vault.NewMetricsWithRegisterer("mcptest", prometheus.NewRegistry()),
		Auditors: []string{"auditor"},
	})
	require.NoError(t, err)

	s := NewVaultServer(VaultServerDeps{
		Vault:  v,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, v
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func decode(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, result)
	require.False(t, result.IsError, "unexpected tool error: %s", errorText(result))
	require.NotEmpty(t, result.Content)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(mcp.GetTextFromContent(result.Content[0])), &out))
	return out
}

func errorText(result *mcp.CallToolResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}
	return mcp.GetTextFromContent(result.Content[0])
}

func storeDB(t *testing.T, s *VaultServer, name, agent string) string {
	t.Helper()
	result, err := s.handleStore(context.Background(), buildRequest("vault.store", map[string]any{
		"name":     name,
		"type":     "database_connection",
		"agent_id": agent,
		"data": map[string]any{
			"host": "db.internal", "username": "app", "password": "s3cret", "database": "orders",
		},
	}))
	require.NoError(t, err)
	out := decode(t, result)
	id, ok := out["credential_id"].(string)
	require.True(t, ok)
	return id
}

// --- Tests ---

func TestStoreAndRetrieveTools(t *testing.T) {
	s, _ := newTestServer(t)
	id := storeDB(t, s, "orders-db", "alice")
	assert.Contains(t, id, "cred_database_connection_")

	result, err := s.handleRetrieve(context.Background(), buildRequest("vault.retrieve", map[string]any{
		"credential_id": id,
		"agent_id":      "alice",
	}))
	require.NoError(t, err)
	rec := decode(t, result)
	assert.Equal(t, "orders-db", rec["name"])
	assert.Equal(t, "s3cret", rec["data"].(map[string]any)["password"])
	assert.Equal(t, float64(1), rec["access_count"])
	assert.ElementsMatch(t, []any{"database", "storage"}, rec["tags"])
}

func TestStoreToolValidation(t *testing.T) {
	s, _ := newTestServer(t)

	tests := []struct {
		name    string
		args    map[string]any
		message string
	}{
		{"missing name", map[string]any{"type": "custom", "agent_id": "a", "data": map[string]any{"k": "v"}}, "name is required"},
		{"missing agent", map[string]any{"name": "n", "type": "custom", "data": map[string]any{"k": "v"}}, "agent_id is required"},
		{"missing data", map[string]any{"name": "n", "type": "custom", "agent_id": "a"}, "data is required"},
		{"template fields", map[string]any{"name": "n", "type": "github_deploy_token", "agent_id": "a", "data": map[string]any{"token": "t"}}, "VALIDATION_ERROR"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleStore(context.Background(), buildRequest("vault.store", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, errorText(result), tc.message)
		})
	}
}

func TestStoreToolTagsAndRotation(t *testing.T) {
	s, v := newTestServer(t)

	result, err := s.handleStore(context.Background(), buildRequest("vault.store", map[string]any{
		"name":          "webhook",
		"type":          "custom_webhook",
		"agent_id":      "alice",
		"data":          map[string]any{"url": "https://hooks.example.com/x"},
		"tags":          []any{"ops", "alerts"},
		"rotation_days": float64(5),
	}))
	require.NoError(t, err)
	id := decode(t, result)["credential_id"].(string)

	expiring := v.CheckExpiring(context.Background(), 5)
	require.Len(t, expiring, 1)
	assert.Equal(t, id, expiring[0].ID)
	assert.Equal(t, "alice", expiring[0].CreatedBy)

	list := decode(t, mustCall(t, s.handleList, "vault.list", map[string]any{"agent_id": "alice", "tags": []any{"alerts"}}))
	assert.Equal(t, float64(1), list["total"])
}

func TestRetrieveToolDenied(t *testing.T) {
	s, _ := newTestServer(t)
	id := storeDB(t, s, "orders-db", "alice")

	result, err := s.handleRetrieve(context.Background(), buildRequest("vault.retrieve", map[string]any{
		"credential_id": id,
		"agent_id":      "mallory",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, errorText(result), "PERMISSION_DENIED")
	assert.NotContains(t, errorText(result), "s3cret")
}

func TestGetSecretTool(t *testing.T) {
	s, _ := newTestServer(t)
	storeDB(t, s, "orders-db", "alice")

	_, err := s.handleStore(context.Background(), buildRequest("vault.store", map[string]any{
		"name": "slack-token", "type": "custom", "agent_id": "alice",
		"data": map[string]any{"token": "xoxb-1"},
	}))
	require.NoError(t, err)

	scalar := decode(t, mustCall(t, s.handleGetSecret, "vault.get_secret", map[string]any{"name": "slack-token", "agent_id": "alice"}))
	assert.Equal(t, "scalar", scalar["kind"])
	assert.Equal(t, "xoxb-1", scalar["value"])

	record := decode(t, mustCall(t, s.handleGetSecret, "vault.get_secret", map[string]any{"name": "orders-db", "agent_id": "alice"}))
	assert.Equal(t, "record", record["kind"])
	assert.Equal(t, "orders", record["fields"].(map[string]any)["database"])

	missing := mustCall(t, s.handleGetSecret, "vault.get_secret", map[string]any{"name": "nope", "agent_id": "alice"})
	assert.True(t, missing.IsError)
	assert.Contains(t, errorText(missing), "NOT_FOUND")
}

func TestGrantRevokeTools(t *testing.T) {
	s, _ := newTestServer(t)
	id := storeDB(t, s, "orders-db", "alice")

	granted := decode(t, mustCall(t, s.handleGrant, "vault.grant", map[string]any{
		"grantee_id": "bob", "credential_id": id, "agent_id": "alice",
	}))
	assert.Equal(t, true, granted["granted"])

	rec := decode(t, mustCall(t, s.handleRetrieve, "vault.retrieve", map[string]any{"credential_id": id, "agent_id": "bob"}))
	assert.Equal(t, id, rec["id"])

	denied := mustCall(t, s.handleGrant, "vault.grant", map[string]any{
		"grantee_id": "eve", "credential_id": id, "agent_id": "bob",
	})
	assert.True(t, denied.IsError)
	assert.Contains(t, errorText(denied), "PERMISSION_DENIED")

	revoked := decode(t, mustCall(t, s.handleRevoke, "vault.revoke", map[string]any{
		"grantee_id": "bob", "credential_id": id, "agent_id": "alice",
	}))
	assert.Equal(t, true, revoked["revoked"])

	after := mustCall(t, s.handleRetrieve, "vault.retrieve", map[string]any{"credential_id": id, "agent_id": "bob"})
	assert.True(t, after.IsError)

	missingArg := mustCall(t, s.handleGrant, "vault.grant", map[string]any{"credential_id": id, "agent_id": "alice"})
	assert.True(t, missingArg.IsError)
	assert.Contains(t, errorText(missingArg), "grantee_id is required")
}

func TestRotateAndDeleteTools(t *testing.T) {
	s, _ := newTestServer(t)
	id := storeDB(t, s, "orders-db", "alice")

	rotated := decode(t, mustCall(t, s.handleRotate, "vault.rotate", map[string]any{
		"credential_id": id, "agent_id": "alice",
		"data": map[string]any{"host": "db.internal", "username": "app", "password": "n3w", "database": "orders"},
	}))
	assert.Equal(t, true, rotated["rotated"])

	rec := decode(t, mustCall(t, s.handleRetrieve, "vault.retrieve", map[string]any{"credential_id": id, "agent_id": "alice"}))
	assert.Equal(t, "n3w", rec["data"].(map[string]any)["password"])

	unknown := decode(t, mustCall(t, s.handleRotate, "vault.rotate", map[string]any{
		"credential_id": "cred_missing", "agent_id": "alice", "data": map[string]any{"k": "v"},
	}))
	assert.Equal(t, false, unknown["rotated"])

	notCreator := mustCall(t, s.handleDelete, "vault.delete", map[string]any{"credential_id": id, "agent_id": "bob"})
	assert.True(t, notCreator.IsError)
	assert.Contains(t, errorText(notCreator), "PERMISSION_DENIED")

	deleted := decode(t, mustCall(t, s.handleDelete, "vault.delete", map[string]any{"credential_id": id, "agent_id": "alice"}))
	assert.Equal(t, true, deleted["deleted"])

	again := decode(t, mustCall(t, s.handleDelete, "vault.delete", map[string]any{"credential_id": id, "agent_id": "alice"}))
	assert.Equal(t, false, again["deleted"])
}

func TestAuditTool(t *testing.T) {
	s, _ := newTestServer(t)
	id := storeDB(t, s, "orders-db", "alice")
	mustCall(t, s.handleRetrieve, "vault.retrieve", map[string]any{"credential_id": id, "agent_id": "mallory"})

	all := decode(t, mustCall(t, s.handleAudit, "vault.audit", map[string]any{"agent_id": "auditor"}))
	assert.Equal(t, float64(2), all["total"])

	entries := all["entries"].([]any)
	first := entries[0].(map[string]any)
	assert.Equal(t, "mcp", first["source"].(map[string]any)["transport"])
	assert.NotEmpty(t, first["source"].(map[string]any)["request_id"])

	failed := decode(t, mustCall(t, s.handleAudit, "vault.audit", map[string]any{
		"agent_id": "auditor",
		"where":    `action == "read" && !success`,
	}))
	require.Equal(t, float64(1), failed["total"])
	assert.Equal(t, "mallory", failed["entries"].([]any)[0].(map[string]any)["agent_id"])

	own := decode(t, mustCall(t, s.handleAudit, "vault.audit", map[string]any{"agent_id": "mallory"}))
	assert.Equal(t, float64(1), own["total"])

	byCredential := decode(t, mustCall(t, s.handleAudit, "vault.audit", map[string]any{
		"agent_id": "alice", "credential_id": id, "filter_agent_id": "alice",
	}))
	assert.Equal(t, float64(1), byCredential["total"])

	bad := mustCall(t, s.handleAudit, "vault.audit", map[string]any{"agent_id": "auditor", "where": "action =="})
	assert.True(t, bad.IsError)
	assert.Contains(t, errorText(bad), "VALIDATION_ERROR")
}

func TestCheckExpiringHealthStatsTools(t *testing.T) {
	s, _ := newTestServer(t)
	storeDB(t, s, "orders-db", "alice")

	none := decode(t, mustCall(t, s.handleCheckExpiring, "vault.check_expiring", map[string]any{}))
	assert.Equal(t, float64(7), none["days_ahead"], "defaults to a one-week window")
	assert.Equal(t, float64(0), none["total"])
	assert.Empty(t, none["expiring"])

	expiring := decode(t, mustCall(t, s.handleCheckExpiring, "vault.check_expiring", map[string]any{"days_ahead": float64(30)}))
	assert.Equal(t, float64(30), expiring["days_ahead"])
	assert.Equal(t, float64(1), expiring["total"])

	negative := mustCall(t, s.handleCheckExpiring, "vault.check_expiring", map[string]any{"days_ahead": float64(-1)})
	assert.True(t, negative.IsError)

	health := decode(t, mustCall(t, s.handleHealth, "vault.health", nil))
	assert.Equal(t, true, health["healthy"])

	stats := decode(t, mustCall(t, s.handleStats, "vault.stats", nil))
	assert.Equal(t, float64(1), stats["total_credentials"])
	assert.Equal(t, float64(1), stats["credentials_by_type"].(map[string]any)["database_connection"])
}

func mustCall(t *testing.T, h func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), buildRequest(tool, args))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}
