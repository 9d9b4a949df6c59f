package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"gxp-workflow/backend/internal/logging"
	"gxp-workflow/backend/internal/repository"
	"gxp-workflow/backend/pkg/models"
)

// MockDeviations satisfies DeviationChecker
type MockDeviations struct {
	mock.Mock
}

func (m *MockDeviations) HasOpenDeviations(ctx context.Context, entityID string) (bool, error) {
	args := m.Called(ctx, entityID)
	return args.Bool(0), args.Error(1)
}

// MockMessenger satisfies Messenger
type MockMessenger struct {
	mock.Mock
}

func (m *MockMessenger) Notify(ctx context.Context, n Notification) error {
	return m.Called(ctx, n).Error(0)
}

func (m *MockMessenger) CreateTask(ctx context.Context, t models.Task) error {
	return m.Called(ctx, t).Error(0)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	engine     *Engine
	store      *repository.MemoryStore
	directory  *repository.MemoryDirectory
	deviations *MockDeviations
	messenger  *MockMessenger
	clock      *testClock
}

func newTestEnv(t *testing.T, mode DispatchMode) *testEnv {
	t.Helper()
	env := &testEnv{
		store:      repository.NewMemoryStore(),
		directory:  repository.NewMemoryDirectory(),
		deviations: new(MockDeviations),
		messenger:  new(MockMessenger),
		clock:      newTestClock(),
	}
	ctx := context.Background()
	require.NoError(t, env.directory.AddUser(ctx, "alice", "alice@pharma.example", "author"))
	require.NoError(t, env.directory.AddUser(ctx, "bob", "bob@pharma.example", "reviewer"))
	require.NoError(t, env.directory.AddUser(ctx, "carol", "carol@pharma.example", "qa"))
	require.NoError(t, env.directory.AddUser(ctx, "dave", "dave@pharma.example", "qa_manager"))
	require.NoError(t, env.directory.AddUser(ctx, "eve", "eve@pharma.example", "qa"))

	e, err := NewEngine(env.store, Dependencies{
		Identity:   env.directory,
		Deviations: env.deviations,
		Messenger:  env.messenger,
	}, Options{
		DispatchMode:    mode,
		ActionTimeout:   200 * time.Millisecond,
		ApprovalRetries: 10,
		Now:             env.clock.Now,
	}, logging.Nop())
	require.NoError(t, err)
	env.engine = e
	return env
}

var (
	alice = models.Actor{UserID: "alice", Roles: []string{"author"}}
	bob   = models.Actor{UserID: "bob", Roles: []string{"reviewer"}}
	carol = models.Actor{UserID: "carol", Roles: []string{"qa"}}
	dave  = models.Actor{UserID: "dave", Roles: []string{"qa_manager"}}
	eve   = models.Actor{UserID: "eve", Roles: []string{"qa"}}
)

// docApproval is the Draft -> Review -> QA -> Approved template with a
// rework edge from Review back to Draft.
type docApproval struct {
	templateID string

	draft, review, qa, approved *models.State

	toReview, rework, toQA, toApproved *models.Transition
}

func setupDocApproval(t *testing.T, e *Engine) docApproval {
	t.Helper()
	ctx := context.Background()
	sla := 24

	tpl, err := e.CreateTemplate(ctx, "org-1", "DocApproval", "Validation document approval", "admin")
	require.NoError(t, err)

	var d docApproval
	d.templateID = tpl.ID
	d.draft = mustState(t, e, tpl.ID, StateSpec{Name: "Draft", Order: 1, IsInitial: true})
	d.review = mustState(t, e, tpl.ID, StateSpec{Name: "Review", Order: 2})
	d.qa = mustState(t, e, tpl.ID, StateSpec{Name: "QA", Order: 3, RequiresSignature: true, SLAHours: &sla})
	d.approved = mustState(t, e, tpl.ID, StateSpec{Name: "Approved", Order: 4, IsFinal: true})

	d.toReview = mustTransition(t, e, tpl.ID, TransitionSpec{FromStateID: d.draft.ID, ToStateID: d.review.ID, Name: "Submit"})
	mustRule(t, e, d.toReview.ID, models.RoleRequired{Role: "author"}, true)
	mustAction(t, e, d.toReview.ID, models.LockFields{Fields: []string{"title"}}, 1)
	mustAction(t, e, d.toReview.ID, models.Notify{Recipients: []string{"reviewers@pharma.example"}, Message: "Ready for review"}, 2)

	d.rework = mustTransition(t, e, tpl.ID, TransitionSpec{FromStateID: d.review.ID, ToStateID: d.draft.ID, Name: "Rework", RequiresComment: true})
	mustAction(t, e, d.rework.ID, models.UnlockFields{Fields: []string{"title"}}, 1)

	d.toQA = mustTransition(t, e, tpl.ID, TransitionSpec{FromStateID: d.review.ID, ToStateID: d.qa.ID, Name: "Send to QA", AutoAssignRole: "qa"})
	mustRule(t, e, d.toQA.ID, models.RoleRequired{Role: "reviewer"}, true)
	mustAction(t, e, d.toQA.ID, models.CreateTask{Role: "qa", Title: "QA review", DueInHours: 24}, 1)

	d.toApproved = mustTransition(t, e, tpl.ID, TransitionSpec{FromStateID: d.qa.ID, ToStateID: d.approved.ID, Name: "Approve"})
	mustRule(t, e, d.toApproved.ID, models.ParallelApproval{RequiredSignatures: 2, SignatureRoles: []string{"qa", "qa_manager"}}, true)
	mustRule(t, e, d.toApproved.ID, models.NoOpenDeviations{}, true)
	mustRule(t, e, d.toApproved.ID, models.ConditionCheck{Field: "batch_size", Operator: models.OperatorGreaterThan, Value: "0"}, false)
	return d
}

func mustState(t *testing.T, e *Engine, templateID string, spec StateSpec) *models.State {
	t.Helper()
	s, err := e.AddState(context.Background(), templateID, spec)
	require.NoError(t, err)
	return s
}

func mustTransition(t *testing.T, e *Engine, templateID string, spec TransitionSpec) *models.Transition {
	t.Helper()
	tr, err := e.AddTransition(context.Background(), templateID, spec)
	require.NoError(t, err)
	return tr
}

func mustRule(t *testing.T, e *Engine, transitionID string, spec models.RuleSpec, blocking bool) *models.Rule {
	t.Helper()
	r, err := e.AddRule(context.Background(), transitionID, RuleDefinition{Spec: spec, IsBlocking: blocking})
	require.NoError(t, err)
	return r
}

func mustAction(t *testing.T, e *Engine, transitionID string, spec models.ActionSpec, order int) *models.Action {
	t.Helper()
	a, err := e.AddAction(context.Background(), transitionID, ActionDefinition{Spec: spec, Order: order})
	require.NoError(t, err)
	return a
}

func mustStart(t *testing.T, env *testEnv, d docApproval, entityID string) *models.EntityWorkflowState {
	t.Helper()
	s, err := env.engine.StartWorkflow(context.Background(), StartRequest{EntityID: entityID, TemplateID: d.templateID, Actor: alice})
	require.NoError(t, err)
	return s
}

func mustMove(t *testing.T, env *testEnv, entityID, toStateID string, actor models.Actor, reason string) *TransitionResult {
	t.Helper()
	res, err := env.engine.ExecuteTransition(context.Background(), TransitionRequest{
		EntityID:  entityID,
		ToStateID: toStateID,
		Actor:     actor,
		Reason:    reason,
	})
	require.NoError(t, err)
	return res
}
