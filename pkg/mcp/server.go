// Package mcp exposes the vault to agents as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/371-Minds/credvault/internal/audit"
	"github.com/371-Minds/credvault/internal/logging"
	"github.com/371-Minds/credvault/internal/vault"
)

// Vault is the set of vault operations the tool server calls.
// Satisfied by *vault.Service.
type Vault interface {
	Store(ctx context.Context, req vault.StoreRequest) (string, error)
	Retrieve(ctx context.Context, id, agent string) (*vault.Record, error)
	GetSecret(ctx context.Context, name, agent string) (vault.Secret, error)
	Rotate(ctx context.Context, id string, newData map[string]any, agent string) (bool, error)
	Delete(ctx context.Context, id, agent string) (bool, error)
	List(ctx context.Context, agent string, tags []string) []vault.Summary
	Grant(ctx context.Context, grantee, id, grantor string) (bool, error)
	Revoke(ctx context.Context, grantee, id, grantor string) (bool, error)
	Audit(ctx context.Context, requester string, q vault.AuditQuery) ([]audit.Entry, error)
	CheckExpiring(ctx context.Context, daysAhead int) []vault.Expiring
	HealthCheck(ctx context.Context) bool
	Stats(ctx context.Context) vault.Stats
}

// VaultServerDeps holds the dependencies for creating a VaultServer.
type VaultServerDeps struct {
	Vault    Vault
	Sessions *SessionRegistry
	Logger   *slog.Logger
	Version  string
}

// VaultServer wraps an MCP server with the vault tool handlers.
type VaultServer struct {
	vault     Vault
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewVaultServer creates a VaultServer with every vault tool registered.
func NewVaultServer(deps VaultServerDeps) *VaultServer {
	logger := deps.Logger
	if logger == nil {
		logger = logging.New(os.Stderr, "info")
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &VaultServer{
		vault:    deps.Vault,
		sessions: sessions,
		logger:   logger.With(slog.String("component", "mcp")),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		if n := sessions.Remove(session.SessionID()); n > 0 {
			s.logger.Debug("session closed", slog.String("session_id", session.SessionID()), slog.Int("agents", n))
		}
	})

	mcpSrv := server.NewMCPServer(
		"credvault",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("credvault stores encrypted credentials for agents. "+
			"Every call that touches a credential needs your agent_id. Use vault.store to save a secret, "+
			"vault.retrieve or vault.get_secret to read one, vault.grant to share read access, "+
			"vault.rotate to replace a value, and vault.check_expiring to find credentials due for rotation."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *VaultServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *VaultServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the agent to session registry.
func (s *VaultServer) Sessions() *SessionRegistry {
	return s.sessions
}

// ExpiryNotifier returns a rotation handler that pushes expiry notices to
// creating agents over this server's sessions.
func (s *VaultServer) ExpiryNotifier() ExpiryNotifier {
	return ExpiryNotifier{
		Notifier: NewMCPNotifier(s.mcpServer, s.sessions),
		Logger:   s.logger,
	}
}

func (s *VaultServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: storeTool(), Handler: s.handleStore},
		{Tool: retrieveTool(), Handler: s.handleRetrieve},
		{Tool: getSecretTool(), Handler: s.handleGetSecret},
		{Tool: rotateTool(), Handler: s.handleRotate},
		{Tool: deleteTool(), Handler: s.handleDelete},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: grantTool(), Handler: s.handleGrant},
		{Tool: revokeTool(), Handler: s.handleRevoke},
		{Tool: auditTool(), Handler: s.handleAudit},
		{Tool: checkExpiringTool(), Handler: s.handleCheckExpiring},
		{Tool: healthTool(), Handler: s.handleHealth},
		{Tool: statsTool(), Handler: s.handleStats},
	}
}
