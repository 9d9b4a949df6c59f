package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

func TestDocApprovalScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DispatchOutbox)
	d := setupDocApproval(t, env.engine)
	env.deviations.On("HasOpenDeviations", mock.Anything, "DOC-1").Return(false, nil)

	// 1. Start the workflow in Draft
	state := mustStart(t, env, d, "DOC-1")
	assert.Equal(t, d.draft.ID, state.CurrentStateID)
	assert.Zero(t, state.RequiredApprovals)

	// 2. A reviewer cannot submit a draft
	_, err := env.engine.ExecuteTransition(ctx, TransitionRequest{EntityID: "DOC-1", ToStateID: d.review.ID, Actor: bob})
	var violation *RuleViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, models.RuleTypeRoleRequired, violation.RuleType)

	// 3. The author submits; the title gets locked and reviewers notified
	res := mustMove(t, env, "DOC-1", d.review.ID, alice, "")
	assert.True(t, res.Success)
	assert.Equal(t, d.review.ID, res.NewState.CurrentStateID)
	assert.Equal(t, d.draft.ID, *res.NewState.PreviousStateID)
	locked, err := env.store.LockedFields(ctx, "DOC-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"title"}, locked)

	_, err = env.engine.RecordFieldChange(ctx, FieldChange{EntityID: "DOC-1", Field: "title", NewValue: "x", Actor: alice})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "title", ve.Field)

	rec, err := env.engine.RecordFieldChange(ctx, FieldChange{EntityID: "DOC-1", Field: "batch_size", NewValue: "5", Actor: alice, Reason: "initial batch"})
	require.NoError(t, err)
	assert.Equal(t, "", rec.OldValue)
	assert.Equal(t, "5", rec.NewValue)

	// 4. The reviewer sends it to QA; it is assigned to the least busy QA member
	res = mustMove(t, env, "DOC-1", d.qa.ID, bob, "")
	require.NotNil(t, res.NewState.AssignedTo)
	assert.Equal(t, "carol", *res.NewState.AssignedTo)
	assert.Equal(t, 2, res.NewState.RequiredApprovals)
	assert.Equal(t, []string{"qa", "qa_manager"}, res.NewState.ApprovalRoles)
	require.NotNil(t, res.NewState.SLADeadline)
	assert.Equal(t, env.clock.Now().Add(24*time.Hour), *res.NewState.SLADeadline)

	// 5. Approval is blocked until the quorum is reached
	dec, err := env.engine.CanTransition(ctx, "DOC-1", d.approved.ID, dave)
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	require.NotNil(t, dec.Violation)
	assert.Equal(t, "Requires 2 approvals (0 completed)", dec.Violation.Detail)

	ar, err := env.engine.AddApprovalSignature(ctx, "DOC-1", carol, "sig-carol")
	require.NoError(t, err)
	assert.Equal(t, ApprovalResult{Completed: 1, Required: 2, Role: "qa"}, *ar)

	_, err = env.engine.AddApprovalSignature(ctx, "DOC-1", carol, "sig-carol-2")
	require.ErrorAs(t, err, &ve)
	_, err = env.engine.AddApprovalSignature(ctx, "DOC-1", eve, "sig-eve")
	require.ErrorAs(t, err, &ve)

	ar, err = env.engine.AddApprovalSignature(ctx, "DOC-1", dave, "sig-dave")
	require.NoError(t, err)
	assert.Equal(t, 2, ar.Completed)

	_, err = env.engine.AddApprovalSignature(ctx, "DOC-1", eve, "sig-eve")
	assert.ErrorIs(t, err, ErrAlreadyComplete)

	// 6. Approve; the entity is locked in its final state
	res = mustMove(t, env, "DOC-1", d.approved.ID, dave, "all signatures collected")
	assert.True(t, res.NewState.IsLocked)
	assert.Empty(t, res.Advisories)

	_, err = env.engine.RecordFieldChange(ctx, FieldChange{EntityID: "DOC-1", Field: "batch_size", NewValue: "6", Actor: alice})
	require.ErrorAs(t, err, &ve)

	// 7. The audit trail is complete and intact
	trail, err := env.engine.GetAuditTrail(ctx, "DOC-1")
	require.NoError(t, err)
	actions := make([]models.AuditAction, len(trail))
	for i, r := range trail {
		actions[i] = r.Action
	}
	assert.Equal(t, []models.AuditAction{
		models.AuditStateChange,
		models.AuditApprovalSigned,
		models.AuditApprovalSigned,
		models.AuditStateChange,
		models.AuditFieldChange,
		models.AuditStateChange,
		models.AuditWorkflowStarted,
	}, actions)
	assert.Equal(t, "QA", trail[0].FromState)
	assert.Equal(t, "Approved", trail[0].ToState)
	assert.Equal(t, "all signatures collected", trail[0].Reason)

	report, err := env.engine.VerifyChain(ctx, "DOC-1")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 7, report.Records)

	// 8. Notify and CreateTask were recorded in the outbox
	msgs, err := env.store.ClaimOutbox(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.OutboxNotify, msgs[0].Kind)
	assert.Equal(t, models.OutboxCreateTask, msgs[1].Kind)
	var task models.Task
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &task))
	assert.Equal(t, msgs[1].ID, task.ID)
	assert.Equal(t, "qa", task.Role)
	assert.Equal(t, "carol", task.AssignedTo)
}

func TestExecuteTransitionNotInWorkflow(t *testing.T) {
	env := newTestEnv(t, DispatchOutbox)
	d := setupDocApproval(t, env.engine)

	_, err := env.engine.ExecuteTransition(context.Background(), TransitionRequest{EntityID: "nope", ToStateID: d.review.ID, Actor: alice})
	assert.ErrorIs(t, err, ErrNotInWorkflow)
}

func TestExecuteTransitionInvalidEdge(t *testing.T) {
	env := newTestEnv(t, DispatchOutbox)
	d := setupDocApproval(t, env.engine)
	mustStart(t, env, d, "DOC-1")

	_, err := env.engine.ExecuteTransition(context.Background(), TransitionRequest{EntityID: "DOC-1", ToStateID: d.approved.ID, Actor: alice})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestExecuteTransitionRequiresComment(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DispatchOutbox)
	d := setupDocApproval(t, env.engine)
	mustStart(t, env, d, "DOC-1")
	mustMove(t, env, "DOC-1", d.review.ID, alice, "")

	_, err := env.engine.ExecuteTransition(ctx, TransitionRequest{EntityID: "DOC-1", ToStateID: d.draft.ID, Actor: bob, Reason: "  "})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "reason", ve.Field)

	res := mustMove(t, env, "DOC-1", d.draft.ID, bob, "typo in section 3")
	assert.Equal(t, "typo in section 3", res.NewState.TransitionReason)
	locked, err := env.store.LockedFields(ctx, "DOC-1")
	require.NoError(t, err)
	assert.Empty(t, locked)
}

func TestExecuteTransitionResolvesRolesFromDirectory(t *testing.T) {
	env := newTestEnv(t, DispatchOutbox)
	d := setupDocApproval(t, env.engine)
	mustStart(t, env, d, "DOC-1")

	res := mustMove(t, env, "DOC-1", d.review.ID, models.Actor{UserID: "alice"}, "")
	assert.Equal(t, d.review.ID, res.NewState.CurrentStateID)
}

func TestActionFailureRollsBackTransition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DispatchInline)
	d := setupDocApproval(t, env.engine)
	mustStart(t, env, d, "DOC-1")
	env.messenger.On("Notify", mock.Anything, mock.Anything).Return(errors.New("smtp relay down"))

	before, err := env.engine.GetAuditTrail(ctx, "DOC-1")
	require.NoError(t, err)

	_, err = env.engine.ExecuteTransition(ctx, TransitionRequest{EntityID: "DOC-1", ToStateID: d.review.ID, Actor: alice})
	var ae *ActionExecutionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, models.ActionTypeNotify, ae.ActionType)
	assert.Equal(t, 2, ae.Order)

	state, err := env.engine.GetEntityState(ctx, "DOC-1")
	require.NoError(t, err)
	assert.Equal(t, d.draft.ID, state.CurrentStateID)
	locked, err := env.store.LockedFields(ctx, "DOC-1")
	require.NoError(t, err)
	assert.Empty(t, locked, "lock action must roll back with the transition")
	after, err := env.engine.GetAuditTrail(ctx, "DOC-1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestInlineActionTimeout(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DispatchInline)
	d := setupDocApproval(t, env.engine)
	mustStart(t, env, d, "DOC-1")
	env.messenger.On("Notify", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(context.DeadlineExceeded)

	_, err := env.engine.ExecuteTransition(ctx, TransitionRequest{EntityID: "DOC-1", ToStateID: d.review.ID, Actor: alice})
	var ae *ActionExecutionError
	require.ErrorAs(t, err, &ae)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInlineDispatchDeliversMessages(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DispatchInline)
	d := setupDocApproval(t, env.engine)
	mustStart(t, env, d, "DOC-1")
	env.messenger.On("Notify", mock.Anything, mock.MatchedBy(func(n Notification) bool {
		return n.EntityID == "DOC-1" && n.Message == "Ready for review"
	})).Return(nil).Once()
	env.messenger.On("CreateTask", mock.Anything, mock.MatchedBy(func(task models.Task) bool {
		return task.Role == "qa" && task.Status == models.TaskPending && task.DueAt != nil
	})).Return(nil).Once()

	mustMove(t, env, "DOC-1", d.review.ID, alice, "")
	mustMove(t, env, "DOC-1", d.qa.ID, bob, "")

	env.messenger.AssertExpectations(t)
	msgs, err := env.store.ClaimOutbox(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConcurrentModificationIsReported(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DispatchOutbox)
	d := setupDocApproval(t, env.engine)
	mustStart(t, env, d, "DOC-1")

	var inner error
	err := env.store.WithTx(ctx, func(q repository.Queries) error {
		_, err := q.LockEntityState(ctx, "DOC-1")
		require.NoError(t, err)
		_, inner = env.engine.ExecuteTransition(ctx, TransitionRequest{EntityID: "DOC-1", ToStateID: d.review.ID, Actor: alice})
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrConcurrentModification)

	state, err := env.engine.GetEntityState(ctx, "DOC-1")
	require.NoError(t, err)
	assert.Equal(t, d.draft.ID, state.CurrentStateID)
}

func TestStartWorkflow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DispatchOutbox)
	d := setupDocApproval(t, env.engine)

	t.Run("template without initial state", func(t *testing.T) {
		tpl, err := env.engine.CreateTemplate(ctx, "org-1", "Empty", "", "admin")
		require.NoError(t, err)
		mustState(t, env.engine, tpl.ID, StateSpec{Name: "Only", Order: 1})

		_, err = env.engine.StartWorkflow(ctx, StartRequest{EntityID: "DOC-X", TemplateID: tpl.ID, Actor: alice})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "template_id", ve.Field)
	})

	t.Run("active workflow is rejected", func(t *testing.T) {
		mustStart(t, env, d, "DOC-2")
		_, err := env.engine.StartWorkflow(ctx, StartRequest{EntityID: "DOC-2", TemplateID: d.templateID, Actor: alice})
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "entity_id", ve.Field)
	})

	t.Run("finished workflow is superseded", func(t *testing.T) {
		env.deviations.On("HasOpenDeviations", mock.Anything, "DOC-3").Return(false, nil)
		first := mustStart(t, env, d, "DOC-3")
		mustMove(t, env, "DOC-3", d.review.ID, alice, "")
		mustMove(t, env, "DOC-3", d.qa.ID, bob, "")
		_, err := env.engine.AddApprovalSignature(ctx, "DOC-3", carol, "s1")
		require.NoError(t, err)
		_, err = env.engine.AddApprovalSignature(ctx, "DOC-3", dave, "s2")
		require.NoError(t, err)
		mustMove(t, env, "DOC-3", d.approved.ID, dave, "")

		second := mustStart(t, env, d, "DOC-3")
		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, d.draft.ID, second.CurrentStateID)
		assert.False(t, second.IsLocked)

		report, err := env.engine.VerifyChain(ctx, "DOC-3")
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.Equal(t, 7, report.Records)
	})
}

func TestReadPathsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DispatchOutbox)
	d := setupDocApproval(t, env.engine)
	mustStart(t, env, d, "DOC-1")

	first, err := env.engine.CanTransition(ctx, "DOC-1", d.review.ID, alice)
	require.NoError(t, err)
	second, err := env.engine.CanTransition(ctx, "DOC-1", d.review.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, first.Allowed)

	trail1, err := env.engine.GetAuditTrail(ctx, "DOC-1")
	require.NoError(t, err)
	_, err = env.engine.VerifyChain(ctx, "DOC-1")
	require.NoError(t, err)
	trail2, err := env.engine.GetAuditTrail(ctx, "DOC-1")
	require.NoError(t, err)
	assert.Equal(t, trail1, trail2)

	state, err := env.engine.GetEntityState(ctx, "DOC-1")
	require.NoError(t, err)
	assert.Equal(t, d.draft.ID, state.CurrentStateID)
	assert.Zero(t, state.Version)
}

func TestSweepSLAEscalatesWithoutMoving(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DispatchOutbox)
	d := setupDocApproval(t, env.engine)
	mustStart(t, env, d, "DOC-1")
	mustMove(t, env, "DOC-1", d.review.ID, alice, "")
	mustMove(t, env, "DOC-1", d.qa.ID, bob, "")

	n, err := env.engine.SweepSLA(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(25 * time.Hour)
	n, err = env.engine.SweepSLA(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state, err := env.engine.GetEntityState(ctx, "DOC-1")
	require.NoError(t, err)
	assert.Equal(t, d.qa.ID, state.CurrentStateID)
	require.NotNil(t, state.EscalatedAt)

	n, err = env.engine.SweepSLA(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "an escalated entity is not escalated twice")

	msgs, err := env.store.ClaimOutbox(ctx, 10, 0)
	require.NoError(t, err)
	var kinds []models.OutboxKind
	for _, m := range msgs {
		kinds = append(kinds, m.Kind)
	}
	assert.Contains(t, kinds, models.OutboxSLAEscalation)
}

// racingStore runs interleave after listing overdue rows, before they are
// escalated.
type racingStore struct {
	*repository.MemoryStore
	interleave func()
}

func (s *racingStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]models.EntityWorkflowState, error) {
	rows, err := s.MemoryStore.ListOverdue(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	if s.interleave != nil {
		s.interleave()
		s.interleave = nil
	}
	return rows, nil
}

func TestSweepSLASkipsRowsChangedAfterListing(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, DispatchOutbox)
	d := setupDocApproval(t, env.engine)
	mustStart(t, env, d, "DOC-1")
	mustMove(t, env, "DOC-1", d.review.ID, alice, "")
	mustMove(t, env, "DOC-1", d.qa.ID, bob, "")
	env.clock.Advance(25 * time.Hour)

	store := &racingStore{MemoryStore: env.store, interleave: func() {
		_, err := env.engine.AddApprovalSignature(ctx, "DOC-1", carol, "sig-1")
		require.NoError(t, err)
	}}
	sweeper, err := NewEngine(store, Dependencies{Identity: env.directory}, Options{Now: env.clock.Now}, nil)
	require.NoError(t, err)

	n, err := sweeper.SweepSLA(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	state, err := env.engine.GetEntityState(ctx, "DOC-1")
	require.NoError(t, err)
	assert.Nil(t, state.EscalatedAt)
	assert.Equal(t, 1, state.CompletedApprovals)

	n, err = sweeper.SweepSLA(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the next sweep sees the current version")

	state, err = env.engine.GetEntityState(ctx, "DOC-1")
	require.NoError(t, err)
	require.NotNil(t, state.EscalatedAt)
	assert.Equal(t, 1, state.CompletedApprovals, "escalation keeps the approval")

	_, err = env.engine.AddApprovalSignature(ctx, "DOC-1", dave, "sig-2")
	require.NoError(t, err)
	state, err = env.engine.GetEntityState(ctx, "DOC-1")
	require.NoError(t, err)
	assert.NotNil(t, state.EscalatedAt, "an approval keeps the escalation")
}
