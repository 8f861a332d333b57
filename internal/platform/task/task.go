// Package task keeps the work items rules create and assigns them to staff
// through pools, with an Echo handler for reading and updating the queue.
package task

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ruleengine/pkg/pagination"
)

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

// Strategy selects who receives a new task.
type Strategy string

const (
	StrategyPool             Strategy = "pool"
	StrategyUser             Strategy = "user"
	StrategyPatient          Strategy = "patient"
	StrategyRole             Strategy = "role"
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyWorkloadBalanced Strategy = "workload_balanced"
)

// Task statuses. Ready and in-progress tasks count toward a member's
// workload.
const (
	StatusReady      = "ready"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrPoolNotFound    = errors.New("task pool not found")
	ErrUnknownStrategy = errors.New("unknown assignment strategy")
	ErrInvalidStatus   = errors.New("invalid task status")
)

// Assignment names the strategy and its target.
type Assignment struct {
	Strategy  Strategy `json:"strategy"`
	PoolID    string   `json:"pool_id,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	PatientID string   `json:"patient_id,omitempty"`
	Role      string   `json:"role,omitempty"`
}

// Task is one unit of work created by a rule.
type Task struct {
	ID                string     `json:"id"`
	Title             string     `json:"title,omitempty"`
	Description       string     `json:"description"`
	Priority          string     `json:"priority"`
	Status            string     `json:"status"`
	Category          string     `json:"category,omitempty"`
	Labels            []string   `json:"labels"`
	Notes             string     `json:"notes,omitempty"`
	PatientID         string     `json:"patient_id,omitempty"`
	RuleID            string     `json:"rule_id,omitempty"`
	Strategy          Strategy   `json:"strategy,omitempty"`
	AssignedUserID    string     `json:"assigned_user_id,omitempty"`
	AssignedPoolID    string     `json:"assigned_pool_id,omitempty"`
	AssignedPatientID string     `json:"assigned_patient_id,omitempty"`
	DueAt             time.Time  `json:"due_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

func validStatus(s string) bool {
	switch s {
	case StatusReady, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

func (t *Task) active() bool {
	return t.Status == StatusReady || t.Status == StatusInProgress
}

// Member is a staff member in a pool.
type Member struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role,omitempty"`
	Available bool   `json:"available"`
}

// Pool is a named group of staff that shares a work queue.
type Pool struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

// Filter narrows List.
type Filter struct {
	AssigneeID string
	PoolID     string
	PatientID  string
	Status     string
}

func (f Filter) match(t *Task) bool {
	return (f.AssigneeID == "" || t.AssignedUserID == f.AssigneeID) &&
		(f.PoolID == "" || t.AssignedPoolID == f.PoolID) &&
		(f.PatientID == "" || t.PatientID == f.PatientID) &&
		(f.Status == "" || t.Status == f.Status)
}

// ---------------------------------------------------------------------------
// Board
// ---------------------------------------------------------------------------

// Board stores tasks and pools and performs assignment. Picking an assignee
// and storing the task happen under one lock so concurrent rules see each
// other's assignments.
type Board struct {
	mu           sync.RWMutex
	tasks        map[string]*Task
	pools        map[string]*Pool
	lastAssigned map[string]int64
	assignments  int64
	now          func() time.Time
}

func NewBoard() *Board {
	return &Board{
		tasks:        make(map[string]*Task),
		pools:        make(map[string]*Pool),
		lastAssigned: make(map[string]int64),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// PutPool adds or replaces a pool.
func (b *Board) PutPool(p Pool) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("pool id is required")
	}
	for _, m := range p.Members {
		if m.UserID == "" {
			return fmt.Errorf("pool %s: member user_id is required", p.ID)
		}
	}
	cp := p
	cp.Members = append([]Member(nil), p.Members...)
	b.mu.Lock()
	b.pools[p.ID] = &cp
	b.mu.Unlock()
	return nil
}

// Pools returns every pool ordered by ID.
func (b *Board) Pools() []Pool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Pool, 0, len(b.pools))
	for _, p := range b.pools {
		cp := *p
		cp.Members = append([]Member(nil), p.Members...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create applies the assignment and stores t. Strategies that pick a person
// leave the task unassigned when nobody is available.
func (b *Board) Create(_ context.Context, t *Task, a *Assignment) error {
	if strings.TrimSpace(t.Description) == "" {
		return errors.New("description is required")
	}
	now := b.now()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Priority == "" {
		t.Priority = "routine"
	}
	if t.Status == "" {
		t.Status = StatusReady
	}
	if !validStatus(t.Status) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, t.Status)
	}
	if t.Labels == nil {
		t.Labels = []string{}
	}
	if t.DueAt.IsZero() {
		t.DueAt = now.Add(24 * time.Hour)
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	b.mu.Lock()
	defer b.mu.Unlock()
	if a != nil {
		if err := b.assign(t, *a); err != nil {
			return err
		}
	}
	if t.AssignedUserID != "" {
		b.assignments++
		b.lastAssigned[t.AssignedUserID] = b.assignments
	}
	cp := *t
	b.tasks[t.ID] = &cp
	return nil
}

// assign must be called with b.mu held.
func (b *Board) assign(t *Task, a Assignment) error {
	t.Strategy = a.Strategy
	switch a.Strategy {
	case StrategyPool:
		if a.PoolID == "" {
			return errors.New("pool strategy requires pool_id")
		}
		t.AssignedPoolID = a.PoolID
	case StrategyUser:
		if a.UserID == "" {
			return errors.New("user strategy requires user_id")
		}
		t.AssignedUserID = a.UserID
	case StrategyPatient:
		t.AssignedPatientID = a.PatientID
		if t.AssignedPatientID == "" {
			t.AssignedPatientID = t.PatientID
		}
	case StrategyRole:
		if a.Role == "" {
			return errors.New("role strategy requires role")
		}
		t.AssignedUserID = b.byRole(a.Role)
	case StrategyRoundRobin, StrategyWorkloadBalanced:
		p, ok := b.pools[a.PoolID]
		if !ok {
			return fmt.Errorf("%w: %q", ErrPoolNotFound, a.PoolID)
		}
		t.AssignedPoolID = p.ID
		if a.Strategy == StrategyRoundRobin {
			t.AssignedUserID = b.nextInRotation(p)
		} else {
			t.AssignedUserID = b.leastBusy(p)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, a.Strategy)
	}
	return nil
}

// byRole returns the first available member holding role, scanning pools in
// ID order.
func (b *Board) byRole(role string) string {
	ids := make([]string, 0, len(b.pools))
	for id := range b.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, m := range b.pools[id].Members {
			if m.Available && m.Role == role {
				return m.UserID
			}
		}
	}
	return ""
}

// nextInRotation picks the available member assigned longest ago; members
// never assigned come first.
func (b *Board) nextInRotation(p *Pool) string {
	best, bestSeq := "", int64(0)
	for _, m := range p.Members {
		if !m.Available {
			continue
		}
		seq, seen := b.lastAssigned[m.UserID]
		if !seen {
			return m.UserID
		}
		if best == "" || seq < bestSeq {
			best, bestSeq = m.UserID, seq
		}
	}
	return best
}

// leastBusy picks the available member with the fewest active tasks, ties
// going to the earlier member.
func (b *Board) leastBusy(p *Pool) string {
	load := make(map[string]int)
	for _, t := range b.tasks {
		if t.active() && t.AssignedUserID != "" {
			load[t.AssignedUserID]++
		}
	}
	best, bestLoad := "", 0
	for _, m := range p.Members {
		if !m.Available {
			continue
		}
		if best == "" || load[m.UserID] < bestLoad {
			best, bestLoad = m.UserID, load[m.UserID]
		}
	}
	return best
}

// Get returns a copy of the task.
func (b *Board) Get(_ context.Context, id string) (*Task, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// List returns matching tasks, oldest due first.
func (b *Board) List(_ context.Context, f Filter, limit, offset int) ([]*Task, int) {
	b.mu.RLock()
	var list []*Task
	for _, t := range b.tasks {
		if f.match(t) {
			cp := *t
			list = append(list, &cp)
		}
	}
	b.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if !list[i].DueAt.Equal(list[j].DueAt) {
			return list[i].DueAt.Before(list[j].DueAt)
		}
		return list[i].ID < list[j].ID
	})
	total := len(list)
	if offset >= total {
		return []*Task{}, total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return list[offset:end], total
}

// SetStatus moves a task to status.
func (b *Board) SetStatus(_ context.Context, id, status string) (*Task, error) {
	if !validStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := b.now()
	t.Status = status
	t.UpdatedAt = now
	if status == StatusCompleted {
		t.CompletedAt = &now
	}
	cp := *t
	return &cp, nil
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

// Handler exposes the task queue and pools over HTTP via Echo.
type Handler struct {
	board *Board
}

func NewHandler(board *Board) *Handler {
	return &Handler{board: board}
}

// RegisterRoutes registers the task routes on the given Echo group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/tasks", h.HandleList)
	g.GET("/tasks/:id", h.HandleGet)
	g.PATCH("/tasks/:id/status", h.HandleSetStatus)
	g.GET("/task-pools", h.HandleListPools)
	g.PUT("/task-pools/:id", h.HandlePutPool)
}

// HandleList handles GET /tasks?assignee=&pool=&patient=&status=
func (h *Handler) HandleList(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		AssigneeID: c.QueryParam("assignee"),
		PoolID:     c.QueryParam("pool"),
		PatientID:  c.QueryParam("patient"),
		Status:     c.QueryParam("status"),
	}
	items, total := h.board.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// HandleGet handles GET /tasks/:id.
func (h *Handler) HandleGet(c echo.Context) error {
	t, err := h.board.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, t)
}

// HandleSetStatus handles PATCH /tasks/:id/status.
func (h *Handler) HandleSetStatus(c echo.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	t, err := h.board.SetStatus(c.Request().Context(), c.Param("id"), body.Status)
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, t)
}

// HandleListPools handles GET /task-pools.
func (h *Handler) HandleListPools(c echo.Context) error {
	return c.JSON(http.StatusOK, h.board.Pools())
}

// HandlePutPool handles PUT /task-pools/:id.
func (h *Handler) HandlePutPool(c echo.Context) error {
	var p Pool
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p.ID = c.Param("id")
	if err := h.board.PutPool(p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}
