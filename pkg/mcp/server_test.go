package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVaultServer(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewVaultServer(VaultServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 12)

	for _, name := range []string{
		"vault.store",
		"vault.retrieve",
		"vault.get_secret",
		"vault.rotate",
		"vault.delete",
		"vault.list",
		"vault.grant",
		"vault.revoke",
		"vault.audit",
		"vault.check_expiring",
		"vault.health",
		"vault.stats",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName string
		required []string
	}{
		{"vault.store", []string{"name", "type", "data", "agent_id"}},
		{"vault.retrieve", []string{"credential_id", "agent_id"}},
		{"vault.get_secret", []string{"name", "agent_id"}},
		{"vault.rotate", []string{"credential_id", "data", "agent_id"}},
		{"vault.delete", []string{"credential_id", "agent_id"}},
		{"vault.list", []string{"agent_id"}},
		{"vault.grant", []string{"grantee_id", "credential_id", "agent_id"}},
		{"vault.revoke", []string{"grantee_id", "credential_id", "agent_id"}},
		{"vault.audit", []string{"agent_id"}},
	}

	s := NewVaultServer(VaultServerDeps{})

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.NotEmpty(t, tool.Tool.Description)
			assert.ElementsMatch(t, tc.required, tool.Tool.InputSchema.Required)
		})
	}
}

func TestSharedSessionRegistry(t *testing.T) {
	sessions := NewSessionRegistry()
	s := NewVaultServer(VaultServerDeps{Sessions: sessions, Version: "1.2.3"})
	assert.Same(t, sessions, s.Sessions())
}
