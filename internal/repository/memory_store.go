package repository

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gxp-workflow/backend/pkg/models"
)

// MemoryStore is an in-process Repository used by tests and local
// development. Transactions buffer their writes and apply them at commit
// after checking row versions, so a transaction only sees committed data.
type MemoryStore struct {
	*memTx
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	st := &memState{
		locks:       make(map[string]uint64),
		sharedLocks: make(map[string]map[uint64]bool),
		fieldLocks:  make(map[string]map[string]bool),
		fieldValues: make(map[string]map[string]string),
		audit:       make(map[string][]models.AuditRecord),
	}
	return &MemoryStore{memTx: &memTx{st: st, auto: true}}
}

type memState struct {
	mu     sync.RWMutex
	nextTx atomic.Uint64

	orgs         []models.Organization
	templates    []models.Template
	states       []models.State
	transitions  []models.Transition
	rules        []models.Rule
	actions      []models.Action
	formFields   []models.FormField
	entityStates []*models.EntityWorkflowState
	locks        map[string]uint64
	sharedLocks  map[string]map[uint64]bool
	fieldLocks   map[string]map[string]bool
	fieldValues  map[string]map[string]string
	audit        map[string][]models.AuditRecord
	outbox       []*models.OutboxMessage
}

type memOp struct {
	check func(st *memState) error
	apply func(st *memState)
}

type memTx struct {
	st   *memState
	id   uint64
	auto bool
	ops  []memOp
	held []string
	// sharing lists template ids this transaction holds a shared lock on.
	sharing []string

	superseded []string
}

// WithTx runs fn in a buffered transaction.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	tx := &memTx{st: s.st, id: s.st.nextTx.Add(1)}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (t *memTx) commit() error {
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	for _, op := range t.ops {
		if op.check == nil {
			continue
		}
		if err := op.check(t.st); err != nil {
			return err
		}
	}
	for _, op := range t.ops {
		op.apply(t.st)
	}
	return nil
}

func (t *memTx) release() {
	if len(t.held) == 0 && len(t.sharing) == 0 {
		return
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	for _, id := range t.held {
		if t.st.locks[id] == t.id {
			delete(t.st.locks, id)
		}
	}
	for _, id := range t.sharing {
		delete(t.st.sharedLocks[id], t.id)
		if len(t.st.sharedLocks[id]) == 0 {
			delete(t.st.sharedLocks, id)
		}
	}
	t.held = nil
	t.sharing = nil
}

func (t *memTx) record(op memOp) error {
	if !t.auto {
		t.ops = append(t.ops, op)
		return nil
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	if op.check != nil {
		if err := op.check(t.st); err != nil {
			return err
		}
	}
	op.apply(t.st)
	return nil
}

func (t *memTx) read(fn func(st *memState)) {
	t.st.mu.RLock()
	defer t.st.mu.RUnlock()
	fn(t.st)
}

// Templates

func (t *memTx) CreateTemplate(_ context.Context, tpl *models.Template) error {
	v := *tpl
	return t.record(memOp{
		check: func(st *memState) error {
			if slices.ContainsFunc(st.templates, func(x models.Template) bool {
				return x.OrganizationID == v.OrganizationID && x.Name == v.Name
			}) {
				return fmt.Errorf("template %q: %w", v.Name, ErrConflict)
			}
			return nil
		},
		apply: func(st *memState) { st.templates = append(st.templates, v) },
	})
}

func (t *memTx) GetTemplate(_ context.Context, id string) (*models.Template, error) {
	var out *models.Template
	t.read(func(st *memState) {
		if i := slices.IndexFunc(st.templates, func(x models.Template) bool { return x.ID == id }); i >= 0 {
			v := st.templates[i]
			out = &v
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// LockTemplate fails fast instead of waiting: an exclusive lock conflicts
// with any other holder and a shared lock conflicts with an exclusive one.
func (t *memTx) LockTemplate(ctx context.Context, id string, exclusive bool) (*models.Template, error) {
	if t.auto {
		return t.GetTemplate(ctx, id)
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	i := slices.IndexFunc(t.st.templates, func(x models.Template) bool { return x.ID == id })
	if i < 0 {
		return nil, ErrNotFound
	}
	if owner, ok := t.st.locks[id]; ok && owner != t.id {
		return nil, ErrConcurrentModification
	}
	if exclusive {
		for holder := range t.st.sharedLocks[id] {
			if holder != t.id {
				return nil, ErrConcurrentModification
			}
		}
		t.st.locks[id] = t.id
		t.held = append(t.held, id)
	} else {
		if t.st.sharedLocks[id] == nil {
			t.st.sharedLocks[id] = make(map[uint64]bool)
		}
		t.st.sharedLocks[id][t.id] = true
		t.sharing = append(t.sharing, id)
	}
	v := t.st.templates[i]
	return &v, nil
}

func (t *memTx) ListTemplates(_ context.Context, organizationID string) ([]models.Template, error) {
	var out []models.Template
	t.read(func(st *memState) {
		for _, x := range st.templates {
			if organizationID == "" || x.OrganizationID == organizationID {
				out = append(out, x)
			}
		}
	})
	slices.SortFunc(out, func(a, b models.Template) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (t *memTx) CreateState(_ context.Context, s *models.State) error {
	v := *s
	return t.record(memOp{
		check: func(st *memState) error {
			for _, x := range st.states {
				if x.TemplateID != v.TemplateID {
					continue
				}
				if x.Name == v.Name || (v.IsInitial && x.IsInitial) {
					return fmt.Errorf("state %q: %w", v.Name, ErrConflict)
				}
			}
			return nil
		},
		apply: func(st *memState) { st.states = append(st.states, v) },
	})
}

func (t *memTx) GetState(_ context.Context, id string) (*models.State, error) {
	var out *models.State
	t.read(func(st *memState) {
		if i := slices.IndexFunc(st.states, func(x models.State) bool { return x.ID == id }); i >= 0 {
			v := st.states[i]
			out = &v
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (t *memTx) ListStates(_ context.Context, templateID string) ([]models.State, error) {
	var out []models.State
	t.read(func(st *memState) {
		for _, x := range st.states {
			if x.TemplateID == templateID {
				out = append(out, x)
			}
		}
	})
	slices.SortStableFunc(out, func(a, b models.State) int {
		return cmp.Or(cmp.Compare(a.Order, b.Order), cmp.Compare(a.Name, b.Name))
	})
	return out, nil
}

func (t *memTx) CreateTransition(_ context.Context, tr *models.Transition) error {
	v := *tr
	return t.record(memOp{
		check: func(st *memState) error {
			if slices.ContainsFunc(st.transitions, func(x models.Transition) bool {
				return x.TemplateID == v.TemplateID && x.FromStateID == v.FromStateID && x.ToStateID == v.ToStateID
			}) {
				return fmt.Errorf("transition %q: %w", v.Name, ErrConflict)
			}
			return nil
		},
		apply: func(st *memState) { st.transitions = append(st.transitions, v) },
	})
}

func (t *memTx) GetTransition(_ context.Context, id string) (*models.Transition, error) {
	var out *models.Transition
	t.read(func(st *memState) {
		if i := slices.IndexFunc(st.transitions, func(x models.Transition) bool { return x.ID == id }); i >= 0 {
			v := st.transitions[i]
			out = &v
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (t *memTx) FindTransition(_ context.Context, templateID, fromStateID, toStateID string) (*models.Transition, error) {
	var out *models.Transition
	t.read(func(st *memState) {
		i := slices.IndexFunc(st.transitions, func(x models.Transition) bool {
			return x.TemplateID == templateID && x.FromStateID == fromStateID && x.ToStateID == toStateID
		})
		if i >= 0 {
			v := st.transitions[i]
			out = &v
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (t *memTx) ListTransitions(_ context.Context, templateID string) ([]models.Transition, error) {
	var out []models.Transition
	t.read(func(st *memState) {
		for _, x := range st.transitions {
			if x.TemplateID == templateID {
				out = append(out, x)
			}
		}
	})
	return out, nil
}

func (t *memTx) ListTransitionsFrom(_ context.Context, templateID, fromStateID string) ([]models.Transition, error) {
	var out []models.Transition
	t.read(func(st *memState) {
		for _, x := range st.transitions {
			if x.TemplateID == templateID && x.FromStateID == fromStateID {
				out = append(out, x)
			}
		}
	})
	return out, nil
}

func (t *memTx) CreateRule(_ context.Context, r *models.Rule) error {
	v := *r
	return t.record(memOp{apply: func(st *memState) { st.rules = append(st.rules, v) }})
}

func (t *memTx) ListRules(_ context.Context, transitionID string) ([]models.Rule, error) {
	var out []models.Rule
	t.read(func(st *memState) {
		for _, x := range st.rules {
			if x.TransitionID == transitionID {
				out = append(out, x)
			}
		}
	})
	slices.SortStableFunc(out, func(a, b models.Rule) int { return cmp.Compare(a.Position, b.Position) })
	return out, nil
}

func (t *memTx) CreateAction(_ context.Context, a *models.Action) error {
	v := *a
	return t.record(memOp{apply: func(st *memState) { st.actions = append(st.actions, v) }})
}

func (t *memTx) ListActions(_ context.Context, transitionID string) ([]models.Action, error) {
	var out []models.Action
	t.read(func(st *memState) {
		for _, x := range st.actions {
			if x.TransitionID == transitionID {
				out = append(out, x)
			}
		}
	})
	slices.SortStableFunc(out, func(a, b models.Action) int { return cmp.Compare(a.Order, b.Order) })
	return out, nil
}

func (t *memTx) CreateFormField(_ context.Context, f *models.FormField) error {
	v := *f
	return t.record(memOp{
		check: func(st *memState) error {
			if slices.ContainsFunc(st.formFields, func(x models.FormField) bool {
				return x.StateID == v.StateID && x.Name == v.Name
			}) {
				return fmt.Errorf("form field %q: %w", v.Name, ErrConflict)
			}
			return nil
		},
		apply: func(st *memState) { st.formFields = append(st.formFields, v) },
	})
}

func (t *memTx) ListFormFields(_ context.Context, stateID string) ([]models.FormField, error) {
	var out []models.FormField
	t.read(func(st *memState) {
		for _, x := range st.formFields {
			if x.StateID == stateID {
				out = append(out, x)
			}
		}
	})
	slices.SortStableFunc(out, func(a, b models.FormField) int { return cmp.Compare(a.Order, b.Order) })
	return out, nil
}

// Entity workflow state

func (st *memState) active(entityID string) *models.EntityWorkflowState {
	for _, x := range st.entityStates {
		if x.EntityID == entityID && x.SupersededAt == nil {
			return x
		}
	}
	return nil
}

func (st *memState) row(id string) *models.EntityWorkflowState {
	for _, x := range st.entityStates {
		if x.ID == id {
			return x
		}
	}
	return nil
}

func (t *memTx) GetEntityState(_ context.Context, entityID string) (*models.EntityWorkflowState, error) {
	var out *models.EntityWorkflowState
	t.read(func(st *memState) {
		if x := st.active(entityID); x != nil {
			out = x.Clone()
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (t *memTx) LockEntityState(ctx context.Context, entityID string) (*models.EntityWorkflowState, error) {
	if t.auto {
		return t.GetEntityState(ctx, entityID)
	}
	t.st.mu.Lock()
	defer t.st.mu.Unlock()
	x := t.st.active(entityID)
	if x == nil {
		return nil, ErrNotFound
	}
	if owner, ok := t.st.locks[x.ID]; ok && owner != t.id {
		return nil, ErrConcurrentModification
	}
	t.st.locks[x.ID] = t.id
	t.held = append(t.held, x.ID)
	return x.Clone(), nil
}

func (t *memTx) InsertEntityState(_ context.Context, s *models.EntityWorkflowState) error {
	v := s.Clone()
	return t.record(memOp{
		check: func(st *memState) error {
			// A row superseded by the same transaction does not count.
			if cur := st.active(v.EntityID); cur != nil && !slices.Contains(t.superseded, cur.ID) {
				return fmt.Errorf("entity %s: %w", v.EntityID, ErrConflict)
			}
			return nil
		},
		apply: func(st *memState) { st.entityStates = append(st.entityStates, v) },
	})
}

func (t *memTx) UpdateEntityState(_ context.Context, s *models.EntityWorkflowState, expectedVersion int64) error {
	v := s.Clone()
	v.Version = expectedVersion + 1
	err := t.record(memOp{
		check: func(st *memState) error {
			cur := st.row(v.ID)
			if cur == nil {
				return ErrNotFound
			}
			if cur.Version != expectedVersion || cur.SupersededAt != nil {
				return ErrConcurrentModification
			}
			return nil
		},
		apply: func(st *memState) {
			cur := st.row(v.ID)
			*cur = *v.Clone()
		},
	})
	if err == nil {
		s.Version = expectedVersion + 1
	}
	return err
}

func (t *memTx) SupersedeEntityState(_ context.Context, id string, at time.Time) error {
	t.superseded = append(t.superseded, id)
	return t.record(memOp{
		check: func(st *memState) error {
			cur := st.row(id)
			if cur == nil {
				return ErrNotFound
			}
			if cur.SupersededAt != nil {
				return ErrConcurrentModification
			}
			return nil
		},
		apply: func(st *memState) {
			cur := st.row(id)
			ts := at
			cur.SupersededAt = &ts
			cur.Version++
		},
	})
}

func (t *memTx) ListOverdue(_ context.Context, now time.Time, limit int) ([]models.EntityWorkflowState, error) {
	var out []models.EntityWorkflowState
	t.read(func(st *memState) {
		for _, x := range st.entityStates {
			if x.SupersededAt != nil || x.EscalatedAt != nil || x.SLADeadline == nil || !x.SLADeadline.Before(now) {
				continue
			}
			out = append(out, *x.Clone())
		}
	})
	slices.SortFunc(out, func(a, b models.EntityWorkflowState) int { return a.SLADeadline.Compare(*b.SLADeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) MarkEscalated(_ context.Context, id string, expectedVersion int64, at time.Time) error {
	return t.record(memOp{
		check: func(st *memState) error {
			cur := st.row(id)
			if cur == nil {
				return ErrNotFound
			}
			if cur.Version != expectedVersion || cur.SupersededAt != nil || cur.EscalatedAt != nil {
				return ErrConcurrentModification
			}
			return nil
		},
		apply: func(st *memState) {
			cur := st.row(id)
			ts := at
			cur.EscalatedAt = &ts
			cur.Version++
		},
	})
}

func (t *memTx) HasLiveEntities(_ context.Context, templateID string) (bool, error) {
	var live bool
	t.read(func(st *memState) {
		for _, x := range st.entityStates {
			if x.TemplateID != templateID || x.SupersededAt != nil {
				continue
			}
			i := slices.IndexFunc(st.states, func(s models.State) bool { return s.ID == x.CurrentStateID })
			if i < 0 || !st.states[i].IsFinal {
				live = true
				return
			}
		}
	})
	return live, nil
}

// Field permissions and values

func (t *memTx) LockFields(_ context.Context, entityID string, fields []string) error {
	fs := slices.Clone(fields)
	return t.record(memOp{apply: func(st *memState) {
		m := st.fieldLocks[entityID]
		if m == nil {
			m = make(map[string]bool)
			st.fieldLocks[entityID] = m
		}
		for _, f := range fs {
			m[f] = true
		}
	}})
}

func (t *memTx) UnlockFields(_ context.Context, entityID string, fields []string) error {
	fs := slices.Clone(fields)
	return t.record(memOp{apply: func(st *memState) {
		for _, f := range fs {
			delete(st.fieldLocks[entityID], f)
		}
	}})
}

func (t *memTx) LockedFields(_ context.Context, entityID string) ([]string, error) {
	var out []string
	t.read(func(st *memState) {
		for f := range st.fieldLocks[entityID] {
			out = append(out, f)
		}
	})
	slices.Sort(out)
	return out, nil
}

func (t *memTx) GetFieldValue(_ context.Context, entityID, field string) (string, bool, error) {
	var (
		v  string
		ok bool
	)
	t.read(func(st *memState) { v, ok = st.fieldValues[entityID][field] })
	return v, ok, nil
}

func (t *memTx) SetFieldValue(_ context.Context, entityID, field, value string) error {
	return t.record(memOp{apply: func(st *memState) {
		m := st.fieldValues[entityID]
		if m == nil {
			m = make(map[string]string)
			st.fieldValues[entityID] = m
		}
		m[field] = value
	}})
}

// Audit

func (t *memTx) LastAuditRecord(_ context.Context, entityID string) (*models.AuditRecord, error) {
	var out *models.AuditRecord
	t.read(func(st *memState) {
		if recs := st.audit[entityID]; len(recs) > 0 {
			v := recs[len(recs)-1]
			out = &v
		}
	})
	return out, nil
}

func (t *memTx) AppendAuditRecord(_ context.Context, r *models.AuditRecord) error {
	v := *r
	return t.record(memOp{
		check: func(st *memState) error {
			if int64(len(st.audit[v.EntityID])) != v.Seq-1 {
				return ErrConcurrentModification
			}
			return nil
		},
		apply: func(st *memState) { st.audit[v.EntityID] = append(st.audit[v.EntityID], v) },
	})
}

func (t *memTx) ListAuditRecords(_ context.Context, entityID string) ([]models.AuditRecord, error) {
	var out []models.AuditRecord
	t.read(func(st *memState) { out = slices.Clone(st.audit[entityID]) })
	return out, nil
}

// Outbox

func (t *memTx) EnqueueOutbox(_ context.Context, m *models.OutboxMessage) error {
	v := *m
	return t.record(memOp{apply: func(st *memState) { st.outbox = append(st.outbox, &v) }})
}

// ClaimOutbox returns undelivered messages in enqueue order.
func (s *MemoryStore) ClaimOutbox(_ context.Context, limit, maxAttempts int) ([]models.OutboxMessage, error) {
	var out []models.OutboxMessage
	s.read(func(st *memState) {
		for _, m := range st.outbox {
			if m.DeliveredAt != nil || (maxAttempts > 0 && m.Attempts >= maxAttempts) {
				continue
			}
			out = append(out, *m)
			if limit > 0 && len(out) == limit {
				return
			}
		}
	})
	return out, nil
}

func (s *MemoryStore) MarkOutboxDelivered(_ context.Context, id string, at time.Time) error {
	return s.record(memOp{
		check: func(st *memState) error {
			if !slices.ContainsFunc(st.outbox, func(m *models.OutboxMessage) bool { return m.ID == id }) {
				return ErrNotFound
			}
			return nil
		},
		apply: func(st *memState) {
			for _, m := range st.outbox {
				if m.ID == id {
					ts := at
					m.DeliveredAt = &ts
				}
			}
		},
	})
}

func (s *MemoryStore) MarkOutboxFailed(_ context.Context, id string, reason string) error {
	return s.record(memOp{apply: func(st *memState) {
		for _, m := range st.outbox {
			if m.ID == id {
				m.Attempts++
				m.LastError = reason
			}
		}
	}})
}

// Organizations

func (s *MemoryStore) GetOrganizationByDomain(_ context.Context, domain string) (*models.Organization, error) {
	var out *models.Organization
	s.read(func(st *memState) {
		if i := slices.IndexFunc(st.orgs, func(o models.Organization) bool { return o.Domain == domain }); i >= 0 {
			v := st.orgs[i]
			out = &v
		}
	})
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *MemoryStore) CreateOrganization(_ context.Context, o *models.Organization) error {
	if o.ID == "" {
		o.ID = newID()
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	v := *o
	return s.record(memOp{
		check: func(st *memState) error {
			if slices.ContainsFunc(st.orgs, func(x models.Organization) bool { return x.Domain == v.Domain }) {
				return ErrConflict
			}
			return nil
		},
		apply: func(st *memState) { st.orgs = append(st.orgs, v) },
	})
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func newID() string { return uuid.NewString() }
