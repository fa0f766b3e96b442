package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/371-Minds/credvault/internal/vault"
)

// notificationMethod is the MCP logging notification used for pushes.
const notificationMethod = "notifications/message"

// AgentNotifier pushes notifications to connected agents.
type AgentNotifier interface {
	Notify(ctx context.Context, agentID string, payload map[string]any) error
}

// MCPNotifier implements AgentNotifier over the agent's MCP session.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier bound to mcpServer's sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session went away between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// ExpiryNotifier tells each creating agent about its credentials that a
// scheduler sweep found expiring. It satisfies scheduler.RotationHandler.
type ExpiryNotifier struct {
	Notifier AgentNotifier
	Logger   *slog.Logger
}

// HandleExpiring sends one notice per credential to its creator. Credentials
// without a recorded creator are skipped. Send failures are collected and
// returned together after every notice has been attempted.
func (n ExpiryNotifier) HandleExpiring(ctx context.Context, due []vault.Expiring) error {
	var errs []error
	for _, e := range due {
		if e.CreatedBy == "" {
			continue
		}
		payload := expiryPayload(e)
		if err := n.Notifier.Notify(ctx, e.CreatedBy, payload); err != nil {
			errs = append(errs, fmt.Errorf("notify %s about %s: %w", e.CreatedBy, e.ID, err))
			continue
		}
		if n.Logger != nil {
			n.Logger.DebugContext(ctx, "expiry notice sent",
				slog.String("agent_id", e.CreatedBy),
				slog.String("credential_id", e.ID))
		}
	}
	return errors.Join(errs...)
}

func expiryPayload(e vault.Expiring) map[string]any {
	level, event := "warning", "credential_expiring"
	if e.DaysUntilExpiry < 0 {
		level, event = "error", "credential_expired"
	}
	return map[string]any{
		"level":  level,
		"logger": "credvault",
		"data": map[string]any{
			"event":             event,
			"credential_id":     e.ID,
			"name":              e.Name,
			"type":              e.Type,
			"expires_at":        e.ExpiresAt,
			"days_until_expiry": e.DaysUntilExpiry,
		},
	}
}
