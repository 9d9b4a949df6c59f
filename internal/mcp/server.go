// Package mcp exposes read-only workflow queries as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"gxp-workflow/backend/internal/workflow"
	"gxp-workflow/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	engine    *workflow.Engine
}

func NewServer(engine *workflow.Engine, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"GxP Workflow",
			version,
			server.WithToolCapabilities(true),
		),
		engine: engine,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_workflow_state",
			mcp.WithDescription("Get the current workflow state of an entity"),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("The ID of the document or record")),
		),
		s.handleGetWorkflowState,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_valid_transitions",
			mcp.WithDescription("List the transitions leaving a state of a template"),
			mcp.WithString("template_id", mcp.Required(), mcp.Description("The ID of the workflow template")),
			mcp.WithString("state_id", mcp.Required(), mcp.Description("The ID of the current state")),
		),
		s.handleGetValidTransitions,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"can_transition",
			mcp.WithDescription("Check whether a user may move an entity to a state, without moving it"),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("The ID of the document or record")),
			mcp.WithString("to_state_id", mcp.Required(), mcp.Description("The ID of the target state")),
			mcp.WithString("user_id", mcp.Required(), mcp.Description("The user whose roles are checked")),
		),
		s.handleCanTransition,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_audit_trail",
			mcp.WithDescription("Get the audit trail of an entity, newest first"),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("The ID of the document or record")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records to return")),
		),
		s.handleGetAuditTrail,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"verify_audit_chain",
			mcp.WithDescription("Recompute the hash chain of an entity's audit trail"),
			mcp.WithString("entity_id", mcp.Required(), mcp.Description("The ID of the document or record")),
		),
		s.handleVerifyAuditChain,
	)
}

func (s *Server) handleGetWorkflowState(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityID, err := request.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: entity_id"), nil
	}

	state, err := s.engine.GetEntityState(ctx, entityID)
	if errors.Is(err, workflow.ErrNotInWorkflow) {
		return mcp.NewToolResultError(fmt.Sprintf("Entity %s is not in a workflow", entityID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get workflow state: %v", err)), nil
	}
	return jsonResult(state)
}

func (s *Server) handleGetValidTransitions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := request.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: template_id"), nil
	}
	stateID, err := request.RequireString("state_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: state_id"), nil
	}

	transitions, err := s.engine.GetValidTransitions(ctx, templateID, stateID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transitions: %v", err)), nil
	}
	if transitions == nil {
		transitions = []models.Transition{}
	}
	return jsonResult(transitions)
}

func (s *Server) handleCanTransition(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityID, err := request.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: entity_id"), nil
	}
	toStateID, err := request.RequireString("to_state_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: to_state_id"), nil
	}
	userID, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: user_id"), nil
	}

	decision, err := s.engine.CanTransition(ctx, entityID, toStateID, models.Actor{UserID: userID})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to evaluate transition: %v", err)), nil
	}
	return jsonResult(decision)
}

func (s *Server) handleGetAuditTrail(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityID, err := request.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: entity_id"), nil
	}
	limit := request.GetInt("limit", 0)

	trail, err := s.engine.GetAuditTrail(ctx, entityID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get audit trail: %v", err)), nil
	}
	if limit > 0 && len(trail) > limit {
		trail = trail[:limit]
	}
	if trail == nil {
		trail = []models.AuditRecord{}
	}
	return jsonResult(trail)
}

func (s *Server) handleVerifyAuditChain(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityID, err := request.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("Missing required parameter: entity_id"), nil
	}

	report, err := s.engine.VerifyChain(ctx, entityID)
	var iv *workflow.IntegrityViolation
	if err != nil && !errors.As(err, &iv) {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify audit chain: %v", err)), nil
	}
	// a broken chain is an answer, not a tool failure
	return jsonResult(report)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
