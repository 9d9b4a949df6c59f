package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/internal/workflow"
	"gxp-workflow/backend/pkg/models"
)

type fixture struct {
	server          *Server
	templateID      string
	draft, approved string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	dir := repository.NewMemoryDirectory()
	require.NoError(t, dir.AddUser(ctx, "alice", "alice@example.com", "author"))
	engine, err := workflow.NewEngine(repository.NewMemoryStore(), workflow.Dependencies{Identity: dir}, workflow.Options{}, nil)
	require.NoError(t, err)

	tpl, err := engine.CreateTemplate(ctx, "org-1", "SOP", "", "admin")
	require.NoError(t, err)
	draft, err := engine.AddState(ctx, tpl.ID, workflow.StateSpec{Name: "Draft", Order: 1, IsInitial: true})
	require.NoError(t, err)
	approved, err := engine.AddState(ctx, tpl.ID, workflow.StateSpec{Name: "Approved", Order: 2, IsFinal: true})
	require.NoError(t, err)
	tr, err := engine.AddTransition(ctx, tpl.ID, workflow.TransitionSpec{FromStateID: draft.ID, ToStateID: approved.ID})
	require.NoError(t, err)
	_, err = engine.AddRule(ctx, tr.ID, workflow.RuleDefinition{Spec: models.RoleRequired{Role: "author"}, IsBlocking: true})
	require.NoError(t, err)
	_, err = engine.StartWorkflow(ctx, workflow.StartRequest{EntityID: "DOC-1", TemplateID: tpl.ID, Actor: models.Actor{UserID: "alice"}})
	require.NoError(t, err)

	return fixture{server: NewServer(engine, "test"), templateID: tpl.ID, draft: draft.ID, approved: approved.ID}
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text, res.IsError
}

func TestGetWorkflowState(t *testing.T) {
	f := newFixture(t)

	out, isErr := call(t, f.server.handleGetWorkflowState, map[string]any{"entity_id": "DOC-1"})
	require.False(t, isErr, out)
	var state models.EntityWorkflowState
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, f.draft, state.CurrentStateID)

	out, isErr = call(t, f.server.handleGetWorkflowState, map[string]any{"entity_id": "DOC-404"})
	assert.True(t, isErr)
	assert.Contains(t, out, "not in a workflow")

	_, isErr = call(t, f.server.handleGetWorkflowState, map[string]any{})
	assert.True(t, isErr)
}

func TestCanTransitionTool(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		user    string
		allowed bool
	}{
		{"alice", true},
		{"mallory", false},
	}
	for _, tt := range tests {
		t.Run(tt.user, func(t *testing.T) {
			out, isErr := call(t, f.server.handleCanTransition, map[string]any{
				"entity_id": "DOC-1", "to_state_id": f.approved, "user_id": tt.user,
			})
			require.False(t, isErr, out)
			var d workflow.Decision
			require.NoError(t, json.Unmarshal([]byte(out), &d))
			assert.Equal(t, tt.allowed, d.Allowed)
		})
	}

	out, isErr := call(t, f.server.handleCanTransition, map[string]any{"entity_id": "DOC-1", "to_state_id": f.approved})
	assert.True(t, isErr)
	assert.Contains(t, out, "user_id")
}

func TestGetValidTransitionsTool(t *testing.T) {
	f := newFixture(t)

	out, isErr := call(t, f.server.handleGetValidTransitions, map[string]any{"template_id": f.templateID, "state_id": f.draft})
	require.False(t, isErr, out)
	var ts []models.Transition
	require.NoError(t, json.Unmarshal([]byte(out), &ts))
	require.Len(t, ts, 1)
	assert.Equal(t, f.approved, ts[0].ToStateID)

	out, isErr = call(t, f.server.handleGetValidTransitions, map[string]any{"template_id": f.templateID, "state_id": f.approved})
	require.False(t, isErr)
	assert.Equal(t, "[]", out)
}

func TestAuditTools(t *testing.T) {
	f := newFixture(t)
	_, err := f.server.engine.ExecuteTransition(context.Background(), workflow.TransitionRequest{
		EntityID: "DOC-1", ToStateID: f.approved, Actor: models.Actor{UserID: "alice"},
	})
	require.NoError(t, err)

	out, isErr := call(t, f.server.handleGetAuditTrail, map[string]any{"entity_id": "DOC-1", "limit": float64(1)})
	require.False(t, isErr, out)
	var trail []models.AuditRecord
	require.NoError(t, json.Unmarshal([]byte(out), &trail))
	require.Len(t, trail, 1)
	assert.Equal(t, models.AuditStateChange, trail[0].Action)

	out, isErr = call(t, f.server.handleVerifyAuditChain, map[string]any{"entity_id": "DOC-1"})
	require.False(t, isErr, out)
	var report workflow.ChainReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Valid)
	assert.Equal(t, 2, report.Records)
}
