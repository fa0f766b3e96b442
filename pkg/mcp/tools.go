package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/371-Minds/credvault/internal/audit"
	"github.com/371-Minds/credvault/internal/logging"
	"github.com/371-Minds/credvault/internal/scheduler"
	"github.com/371-Minds/credvault/internal/vault"
)

const defaultExpiringDays = scheduler.DefaultWindowDays

// --- Tool definitions ---

func storeTool() mcp.Tool {
	return mcp.NewTool("vault.store",
		mcp.WithDescription("Encrypt and store a new credential"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Unique human-readable name")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Credential type, e.g. database_connection or github_deploy_token")),
		mcp.WithObject("data", mcp.Required(), mcp.Description("Secret fields to encrypt")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the storing agent (becomes the creator)")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Tags (default: the type's template tags)")),
		mcp.WithNumber("rotation_days", mcp.Description("Rotation interval in days (default: template interval, then 90)")),
	)
}

func retrieveTool() mcp.Tool {
	return mcp.NewTool("vault.retrieve",
		mcp.WithDescription("Decrypt a credential by id"),
		mcp.WithString("credential_id", mcp.Required(), mcp.Description("Credential ID")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the requesting agent")),
	)
}

func getSecretTool() mcp.Tool {
	return mcp.NewTool("vault.get_secret",
		mcp.WithDescription("Decrypt a credential by name; single-field credentials return just the value"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Credential name")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the requesting agent")),
	)
}

func rotateTool() mcp.Tool {
	return mcp.NewTool("vault.rotate",
		mcp.WithDescription("Replace a credential's secret data and reset its expiry"),
		mcp.WithString("credential_id", mcp.Required(), mcp.Description("Credential ID")),
		mcp.WithObject("data", mcp.Required(), mcp.Description("New secret fields")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the rotating agent")),
	)
}

func deleteTool() mcp.Tool {
	return mcp.NewTool("vault.delete",
		mcp.WithDescription("Delete a credential (creator only)"),
		mcp.WithString("credential_id", mcp.Required(), mcp.Description("Credential ID")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the deleting agent")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("vault.list",
		mcp.WithDescription("List credentials the agent can read, without secret data"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the requesting agent")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Only credentials carrying any of these tags")),
	)
}

func grantTool() mcp.Tool {
	return mcp.NewTool("vault.grant",
		mcp.WithDescription("Allow another agent to read a credential (creator only)"),
		mcp.WithString("grantee_id", mcp.Required(), mcp.Description("Agent receiving read access")),
		mcp.WithString("credential_id", mcp.Required(), mcp.Description("Credential ID")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the granting agent (must be the creator)")),
	)
}

func revokeTool() mcp.Tool {
	return mcp.NewTool("vault.revoke",
		mcp.WithDescription("Withdraw a previously granted read access (creator only)"),
		mcp.WithString("grantee_id", mcp.Required(), mcp.Description("Agent losing read access")),
		mcp.WithString("credential_id", mcp.Required(), mcp.Description("Credential ID")),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the revoking agent (must be the creator)")),
	)
}

func auditTool() mcp.Tool {
	return mcp.NewTool("vault.audit",
		mcp.WithDescription("Query the access log. Non-auditors only see their own attempts and attempts on credentials they created"),
		mcp.WithString("agent_id", mcp.Required(), mcp.Description("ID of the requesting agent")),
		mcp.WithString("filter_agent_id", mcp.Description("Only entries made by this agent")),
		mcp.WithString("credential_id", mcp.Description("Only entries for this credential")),
		mcp.WithNumber("hours", mcp.Description("Recency window in hours (default 24)")),
		mcp.WithString("where", mcp.Description(`expr filter over credential_id, agent_id, owner, action, success, timestamp, source, e.g. action == "read" && !success`)),
	)
}

func checkExpiringTool() mcp.Tool {
	return mcp.NewTool("vault.check_expiring",
		mcp.WithDescription("List credentials expiring within the given number of days"),
		mcp.WithNumber("days_ahead", mcp.Description("Look-ahead window in days (default 7)")),
	)
}

func healthTool() mcp.Tool {
	return mcp.NewTool("vault.health",
		mcp.WithDescription("Check that the encryption engine round-trips data"),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("vault.stats",
		mcp.WithDescription("Summarize vault contents"),
	)
}

// --- Handlers ---

func (s *VaultServer) handleStore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	typ, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	data := mcp.ParseStringMap(req, "data", nil)
	if data == nil {
		return mcp.NewToolResultError("data is required"), nil
	}

	ctx = s.callContext(ctx, agentID)
	id, storeErr := s.vault.Store(ctx, vault.StoreRequest{
		Name:         name,
		Type:         typ,
		Data:         data,
		AgentID:      agentID,
		Tags:         req.GetStringSlice("tags", nil),
		RotationDays: req.GetInt("rotation_days", 0),
	})
	if storeErr != nil {
		return toolError(storeErr), nil
	}
	return marshalResult(map[string]any{"credential_id": id})
}

func (s *VaultServer) handleRetrieve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, agentID, errResult := requireIDAndAgent(req)
	if errResult != nil {
		return errResult, nil
	}

	rec, err := s.vault.Retrieve(s.callContext(ctx, agentID), id, agentID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(rec)
}

func (s *VaultServer) handleGetSecret(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	secret, getErr := s.vault.GetSecret(s.callContext(ctx, agentID), name, agentID)
	if getErr != nil {
		return toolError(getErr), nil
	}
	switch v := secret.(type) {
	case vault.Scalar:
		return marshalResult(map[string]any{"kind": "scalar", "value": v.Value})
	case vault.Fields:
		return marshalResult(map[string]any{"kind": "record", "fields": map[string]any(v)})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unexpected secret type %T", secret)), nil
	}
}

func (s *VaultServer) handleRotate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, agentID, errResult := requireIDAndAgent(req)
	if errResult != nil {
		return errResult, nil
	}
	data := mcp.ParseStringMap(req, "data", nil)
	if data == nil {
		return mcp.NewToolResultError("data is required"), nil
	}

	rotated, err := s.vault.Rotate(s.callContext(ctx, agentID), id, data, agentID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"credential_id": id, "rotated": rotated})
}

func (s *VaultServer) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, agentID, errResult := requireIDAndAgent(req)
	if errResult != nil {
		return errResult, nil
	}

	deleted, err := s.vault.Delete(s.callContext(ctx, agentID), id, agentID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"credential_id": id, "deleted": deleted})
}

func (s *VaultServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	creds := s.vault.List(s.callContext(ctx, agentID), agentID, req.GetStringSlice("tags", nil))
	return marshalResult(map[string]any{"credentials": creds, "total": len(creds)})
}

func (s *VaultServer) handleGrant(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	grantee, id, agentID, errResult := requireGrantArgs(req)
	if errResult != nil {
		return errResult, nil
	}

	granted, err := s.vault.Grant(s.callContext(ctx, agentID), grantee, id, agentID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"credential_id": id, "grantee_id": grantee, "granted": granted})
}

func (s *VaultServer) handleRevoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	grantee, id, agentID, errResult := requireGrantArgs(req)
	if errResult != nil {
		return errResult, nil
	}

	revoked, err := s.vault.Revoke(s.callContext(ctx, agentID), grantee, id, agentID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"credential_id": id, "grantee_id": grantee, "revoked": revoked})
}

func (s *VaultServer) handleAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	entries, auditErr := s.vault.Audit(s.callContext(ctx, agentID), agentID, vault.AuditQuery{
		AgentID:      req.GetString("filter_agent_id", ""),
		CredentialID: req.GetString("credential_id", ""),
		Hours:        req.GetInt("hours", 0),
		Where:        req.GetString("where", ""),
	})
	if auditErr != nil {
		return toolError(auditErr), nil
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	return marshalResult(map[string]any{"entries": entries, "total": len(entries)})
}

func (s *VaultServer) handleCheckExpiring(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	days := req.GetInt("days_ahead", defaultExpiringDays)
	if days < 0 {
		return mcp.NewToolResultError("days_ahead must not be negative"), nil
	}
	expiring := s.vault.CheckExpiring(s.callContext(ctx, ""), days)
	return marshalResult(map[string]any{"expiring": expiring, "days_ahead": days, "total": len(expiring)})
}

func (s *VaultServer) handleHealth(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{"healthy": s.vault.HealthCheck(s.callContext(ctx, ""))})
}

func (s *VaultServer) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(s.vault.Stats(s.callContext(ctx, "")))
}

// --- Helpers ---

// callContext tags ctx with a fresh request id, the calling agent and the
// mcp transport, and records the agent's session for notifications.
func (s *VaultServer) callContext(ctx context.Context, agentID string) context.Context {
	ctx = logging.WithIDs(ctx, uuid.NewString(), agentID, "")
	ctx = vault.WithAuditSource(ctx, map[string]string{"transport": "mcp"})
	if agentID != "" {
		if session := server.ClientSessionFromContext(ctx); session != nil {
			s.sessions.Register(agentID, session.SessionID())
		}
	}
	return ctx
}

func requireIDAndAgent(req mcp.CallToolRequest) (string, string, *mcp.CallToolResult) {
	id, err := req.RequireString("credential_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("credential_id is required")
	}
	agentID, err := req.RequireString("agent_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("agent_id is required")
	}
	return id, agentID, nil
}

func requireGrantArgs(req mcp.CallToolRequest) (string, string, string, *mcp.CallToolResult) {
	grantee, err := req.RequireString("grantee_id")
	if err != nil {
		return "", "", "", mcp.NewToolResultError("grantee_id is required")
	}
	id, agentID, errResult := requireIDAndAgent(req)
	if errResult != nil {
		return "", "", "", errResult
	}
	return grantee, id, agentID, nil
}

// toolError reports a vault error to the agent as "[CODE] message".
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
