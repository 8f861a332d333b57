package task

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newTestBoard(t *testing.T) *Board {
	t.Helper()
	b := NewBoard()
	b.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	err := b.PutPool(Pool{ID: "ward-4", Name: "Ward 4 nurses", Members: []Member{
		{UserID: "nurse-1", Role: "nurse", Available: true},
		{UserID: "nurse-2", Role: "nurse", Available: true},
		{UserID: "nurse-3", Role: "charge_nurse", Available: false},
		{UserID: "nurse-4", Role: "nurse", Available: true},
	}})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func create(t *testing.T, b *Board, a *Assignment) *Task {
	t.Helper()
	tk := &Task{Description: "Repeat potassium", PatientID: "p1"}
	if err := b.Create(context.Background(), tk, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tk
}

func TestCreate_Defaults(t *testing.T) {
	b := newTestBoard(t)
	tk := create(t, b, nil)

	if tk.ID == "" {
		t.Error("expected an id")
	}
	if tk.Priority != "routine" || tk.Status != StatusReady {
		t.Errorf("defaults: priority=%q status=%q", tk.Priority, tk.Status)
	}
	if want := b.now().Add(24 * time.Hour); !tk.DueAt.Equal(want) {
		t.Errorf("due_at = %v, want %v", tk.DueAt, want)
	}
	if tk.Labels == nil {
		t.Error("labels should be an empty list")
	}

	if err := b.Create(context.Background(), &Task{}, nil); err == nil {
		t.Error("expected error for missing description")
	}
}

func TestAssign_DirectStrategies(t *testing.T) {
	b := newTestBoard(t)

	if tk := create(t, b, &Assignment{Strategy: StrategyPool, PoolID: "ward-4"}); tk.AssignedPoolID != "ward-4" || tk.AssignedUserID != "" {
		t.Errorf("pool: %+v", tk)
	}
	if tk := create(t, b, &Assignment{Strategy: StrategyUser, UserID: "dr-9"}); tk.AssignedUserID != "dr-9" {
		t.Errorf("user: %+v", tk)
	}
	if tk := create(t, b, &Assignment{Strategy: StrategyPatient}); tk.AssignedPatientID != "p1" {
		t.Errorf("patient: %+v", tk)
	}
	if tk := create(t, b, &Assignment{Strategy: StrategyRole, Role: "nurse"}); tk.AssignedUserID != "nurse-1" {
		t.Errorf("role: %+v", tk)
	}
	if tk := create(t, b, &Assignment{Strategy: StrategyRole, Role: "charge_nurse"}); tk.AssignedUserID != "" {
		t.Errorf("unavailable role holder was assigned: %+v", tk)
	}
}

func TestAssign_Errors(t *testing.T) {
	b := newTestBoard(t)
	tests := []struct {
		a    Assignment
		want error
	}{
		{a: Assignment{Strategy: "lottery"}, want: ErrUnknownStrategy},
		{a: Assignment{Strategy: StrategyRoundRobin, PoolID: "icu"}, want: ErrPoolNotFound},
		{a: Assignment{Strategy: StrategyWorkloadBalanced}, want: ErrPoolNotFound},
	}
	for _, tt := range tests {
		err := b.Create(context.Background(), &Task{Description: "x"}, &tt.a)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.a.Strategy, err, tt.want)
		}
	}
	for _, a := range []Assignment{{Strategy: StrategyPool}, {Strategy: StrategyUser}, {Strategy: StrategyRole}} {
		if err := b.Create(context.Background(), &Task{Description: "x"}, &a); err == nil {
			t.Errorf("%s: expected missing target error", a.Strategy)
		}
	}
	if _, total := b.List(context.Background(), Filter{}, 10, 0); total != 0 {
		t.Errorf("failed assignments stored %d tasks", total)
	}
}

func TestAssign_RoundRobin(t *testing.T) {
	b := newTestBoard(t)
	rr := &Assignment{Strategy: StrategyRoundRobin, PoolID: "ward-4"}

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, create(t, b, rr).AssignedUserID)
	}
	want := []string{"nurse-1", "nurse-2", "nurse-4", "nurse-1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation = %v, want %v", got, want)
		}
	}

	// A direct assignment moves nurse-2 to the back of the rotation.
	create(t, b, &Assignment{Strategy: StrategyUser, UserID: "nurse-2"})
	if next := create(t, b, rr).AssignedUserID; next != "nurse-4" {
		t.Errorf("next = %s, want nurse-4", next)
	}
}

func TestAssign_WorkloadBalanced(t *testing.T) {
	b := newTestBoard(t)
	create(t, b, &Assignment{Strategy: StrategyUser, UserID: "nurse-1"})
	create(t, b, &Assignment{Strategy: StrategyUser, UserID: "nurse-1"})
	done := create(t, b, &Assignment{Strategy: StrategyUser, UserID: "nurse-2"})
	create(t, b, &Assignment{Strategy: StrategyUser, UserID: "nurse-4"})

	wb := &Assignment{Strategy: StrategyWorkloadBalanced, PoolID: "ward-4"}
	if got := create(t, b, wb).AssignedUserID; got != "nurse-2" {
		t.Errorf("first pick = %s, want nurse-2", got)
	}

	// Completed work no longer counts.
	if _, err := b.SetStatus(context.Background(), done.ID, StatusCompleted); err != nil {
		t.Fatal(err)
	}
	if got := create(t, b, wb).AssignedUserID; got != "nurse-2" {
		t.Errorf("after completion = %s, want nurse-2", got)
	}
	if got := create(t, b, wb).AssignedUserID; got != "nurse-4" {
		t.Errorf("third pick = %s, want nurse-4", got)
	}
}

func TestAssign_ConcurrentRoundRobinSpreadsWork(t *testing.T) {
	b := newTestBoard(t)
	rr := &Assignment{Strategy: StrategyRoundRobin, PoolID: "ward-4"}

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Create(context.Background(), &Task{Description: "Turn patient"}, rr)
		}()
	}
	wg.Wait()

	for _, user := range []string{"nurse-1", "nurse-2", "nurse-4"} {
		if _, n := b.List(context.Background(), Filter{AssigneeID: user}, 100, 0); n != 3 {
			t.Errorf("%s has %d tasks, want 3", user, n)
		}
	}
}

func TestSetStatus(t *testing.T) {
	b := newTestBoard(t)
	tk := create(t, b, nil)

	got, err := b.SetStatus(context.Background(), tk.ID, StatusCompleted)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if _, err := b.SetStatus(context.Background(), tk.ID, "archived"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
	if _, err := b.SetStatus(context.Background(), "missing", StatusReady); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHandler(t *testing.T) {
	b := newTestBoard(t)
	tk := create(t, b, &Assignment{Strategy: StrategyUser, UserID: "nurse-1"})
	create(t, b, &Assignment{Strategy: StrategyUser, UserID: "nurse-2"})

	e := echo.New()
	NewHandler(b).RegisterRoutes(e.Group("/api/v1"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks?assignee=nurse-1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var page struct {
		Data  []Task `json:"data"`
		Total int    `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || len(page.Data) != 1 || page.Data[0].ID != tk.ID {
		t.Errorf("list: %+v", page)
	}

	req = httptest.NewRequest(http.MethodPatch, "/api/v1/tasks/"+tk.ID+"/status", strings.NewReader(`{"status":"in-progress"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("set status: %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing task: %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/v1/task-pools/pharmacy",
		strings.NewReader(`{"name":"Pharmacy","members":[{"user_id":"rx-1","available":true}]}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("put pool: %d %s", rec.Code, rec.Body.String())
	}
	if pools := b.Pools(); len(pools) != 2 || pools[0].ID != "pharmacy" {
		t.Errorf("pools: %+v", pools)
	}
}
