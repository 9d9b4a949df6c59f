package repository

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"gxp-workflow/backend/pkg/models"
)

// MemoryDirectory is an in-process user, role and task directory.
type MemoryDirectory struct {
	mu    sync.Mutex
	users map[string][]string
	tasks []models.Task
}

// NewMemoryDirectory creates an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string][]string)}
}

// AddUser registers a user with roles. The email is ignored.
func (d *MemoryDirectory) AddUser(_ context.Context, userID, _ string, roles ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range roles {
		if !slices.Contains(d.users[userID], r) {
			d.users[userID] = append(d.users[userID], r)
		}
	}
	if _, ok := d.users[userID]; !ok {
		d.users[userID] = nil
	}
	return nil
}

func (d *MemoryDirectory) GetActorRoles(_ context.Context, userID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	roles := slices.Clone(d.users[userID])
	slices.Sort(roles)
	return roles, nil
}

func (d *MemoryDirectory) FindUserByRole(_ context.Context, role string) (string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var candidates []string
	for id, roles := range d.users {
		if slices.Contains(roles, role) {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return "", false, nil
	}
	pending := func(id string) int {
		n := 0
		for _, t := range d.tasks {
			if t.AssignedTo == id && t.Status == models.TaskPending {
				n++
			}
		}
		return n
	}
	slices.SortFunc(candidates, func(a, b string) int {
		return cmp.Or(cmp.Compare(pending(a), pending(b)), cmp.Compare(a, b))
	})
	return candidates[0], true, nil
}

func (d *MemoryDirectory) CreateTask(_ context.Context, t *models.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if slices.ContainsFunc(d.tasks, func(x models.Task) bool { return x.ID == t.ID }) {
		return nil
	}
	d.tasks = append(d.tasks, *t)
	return nil
}

// ListTasks returns the pending tasks of assignee, oldest first.
func (d *MemoryDirectory) ListTasks(_ context.Context, assignee string) ([]models.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []models.Task
	for _, t := range d.tasks {
		if t.AssignedTo == assignee && t.Status == models.TaskPending {
			out = append(out, t)
		}
	}
	slices.SortStableFunc(out, func(a, b models.Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

// CompleteTask closes a pending task assigned to userID.
func (d *MemoryDirectory) CompleteTask(_ context.Context, taskID, userID string, at time.Time) (*models.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := slices.IndexFunc(d.tasks, func(x models.Task) bool {
		return x.ID == taskID && x.AssignedTo == userID && x.Status == models.TaskPending
	})
	if i < 0 {
		return nil, ErrNotFound
	}
	ts := at
	d.tasks[i].Status = models.TaskCompleted
	d.tasks[i].CompletedAt = &ts
	t := d.tasks[i]
	return &t, nil
}

// Tasks returns the tasks created so far.
func (d *MemoryDirectory) Tasks() []models.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.tasks)
}
