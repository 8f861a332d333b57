package rules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ruleengine/internal/platform/auth"
	"github.com/ehr/ruleengine/internal/platform/schema"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo) {
	t.Helper()
	svc, _ := newTestService()
	validator, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	return NewHandler(svc, validator), echo.New()
}

func newJSONContext(e *echo.Echo, method, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withID(c echo.Context, id string) echo.Context {
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, he.Code, he.Message)
	}
}

// ── Rule Handlers ──

func TestHandler_CreateRule(t *testing.T) {
	h, e := newTestHandler(t)
	seedVariable(t, h.svc, "hba1c")
	body := `{"name":"Elevated HbA1c","trigger_event":"lab_result",
		"conditions":{"combinator":"and","rules":[{"field":"var.hba1c","operator":">","value":7}]},
		"actions":[{"type":"notify","params":{"message":"HbA1c {{var.hba1c}}"}}]}`
	c, rec := newJSONContext(e, http.MethodPost, body)

	if err := h.CreateRule(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got Rule
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !got.IsActive || got.Priority != 100 {
		t.Errorf("expected defaults is_active=true priority=100, got %v/%d", got.IsActive, got.Priority)
	}
	if len(got.UsedVariables) != 1 || got.UsedVariables[0] != "hba1c" {
		t.Errorf("expected used_variables [hba1c], got %v", got.UsedVariables)
	}
}

func TestHandler_CreateRule_SchemaViolation(t *testing.T) {
	h, e := newTestHandler(t)
	c, _ := newJSONContext(e, http.MethodPost, `{"name":"no trigger"}`)
	expectHTTPError(t, h.CreateRule(c), http.StatusBadRequest)

	c, _ = newJSONContext(e, http.MethodPost, `{"name":"x","trigger_event":"lab_result","actions":[{"params":{}}]}`)
	expectHTTPError(t, h.CreateRule(c), http.StatusBadRequest)
}

func TestHandler_CreateRule_UnknownVariable(t *testing.T) {
	h, e := newTestHandler(t)
	body := `{"name":"x","trigger_event":"lab_result","conditions":{"left":{"var":"ldl"},"op":"gt","right":190}}`
	c, _ := newJSONContext(e, http.MethodPost, body)
	expectHTTPError(t, h.CreateRule(c), http.StatusBadRequest)
}

func TestHandler_GetRule_NotFound(t *testing.T) {
	h, e := newTestHandler(t)
	c, _ := newJSONContext(e, http.MethodGet, "")
	expectHTTPError(t, h.GetRule(withID(c, uuid.New().String())), http.StatusNotFound)

	c, _ = newJSONContext(e, http.MethodGet, "")
	expectHTTPError(t, h.GetRule(withID(c, "not-a-uuid")), http.StatusBadRequest)
}

func TestHandler_ToggleAndDeleteRule(t *testing.T) {
	h, e := newTestHandler(t)
	r := &Rule{Name: "Always", TriggerEvent: "admission", IsActive: true}
	if err := h.svc.CreateRule(context.Background(), r); err != nil {
		t.Fatalf("create: %v", err)
	}

	c, rec := newJSONContext(e, http.MethodPost, "")
	if err := h.DeactivateRule(withID(c, r.ID.String())); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if rec.Code != http.StatusOK || r.IsActive {
		t.Errorf("expected rule deactivated, code=%d active=%v", rec.Code, r.IsActive)
	}

	c, _ = newJSONContext(e, http.MethodPost, "")
	if err := h.ActivateRule(withID(c, r.ID.String())); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !r.IsActive {
		t.Error("expected rule active")
	}

	c, rec = newJSONContext(e, http.MethodDelete, "")
	if err := h.DeleteRule(withID(c, r.ID.String())); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_ListRules(t *testing.T) {
	h, e := newTestHandler(t)
	h.svc.CreateRule(context.Background(), &Rule{Name: "a", TriggerEvent: "admission", IsActive: true})
	h.svc.CreateRule(context.Background(), &Rule{Name: "b", TriggerEvent: "discharge", IsActive: true})

	req := httptest.NewRequest(http.MethodGet, "/?trigger_event=admission&limit=10", nil)
	rec := httptest.NewRecorder()
	if err := h.ListRules(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []Rule `json:"data"`
		Total int    `json:"total"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 1 || len(resp.Data) != 1 || resp.Data[0].Name != "a" || resp.Limit != 10 {
		t.Errorf("unexpected list response: %+v", resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/?is_active=maybe", nil)
	expectHTTPError(t, h.ListRules(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
}

func TestHandler_Dispatch(t *testing.T) {
	svc, eng := newTestService()
	validator, _ := schema.NewValidator()
	h := NewHandler(svc, validator)
	e := echo.New()

	c, rec := newJSONContext(e, http.MethodPost, `{"trigger_event":"lab_result","patient_id":"p1","payload":{"code":"4548-4"}}`)
	c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), "nurse-7", []string{"nurse"})))
	if err := h.Dispatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(eng.dispatched) != 1 || eng.dispatched[0].TriggeredBy != "nurse-7" {
		t.Errorf("expected dispatch attributed to nurse-7, got %+v", eng.dispatched)
	}

	c, _ = newJSONContext(e, http.MethodPost, `{"payload":{}}`)
	expectHTTPError(t, h.Dispatch(c), http.StatusBadRequest)
}

func TestHandler_TestRule(t *testing.T) {
	h, e := newTestHandler(t)
	r := &Rule{Name: "Always", TriggerEvent: "admission", IsActive: true}
	h.svc.CreateRule(context.Background(), r)

	c, rec := newJSONContext(e, http.MethodPost, "")
	if err := h.TestRule(withID(c, r.ID.String())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

// ── Variable Handlers ──

func TestHandler_CreateVariable(t *testing.T) {
	h, e := newTestHandler(t)
	body := `{"name":"Latest HbA1c","variable_key":"hba1c","computation_type":"aggregate",
		"data_source":"lab:hba1c","aggregate_function":"last","category":"lab","unit":"%"}`
	c, rec := newJSONContext(e, http.MethodPost, body)
	if err := h.CreateVariable(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	c, _ = newJSONContext(e, http.MethodPost, `{"name":"x","variable_key":"bad key","computation_type":"custom"}`)
	expectHTTPError(t, h.CreateVariable(c), http.StatusBadRequest)

	c, _ = newJSONContext(e, http.MethodPost, `{"name":"x","variable_key":"x","computation_type":"aggregate","aggregate_function":"median"}`)
	expectHTTPError(t, h.CreateVariable(c), http.StatusBadRequest)
}

func TestHandler_DeleteVariable_Conflict(t *testing.T) {
	h, e := newTestHandler(t)
	v := seedVariable(t, h.svc, "hba1c")
	h.svc.CreateRule(context.Background(), &Rule{Name: "r", TriggerEvent: "lab_result", IsActive: true,
		Conditions: ConditionTree{Root: Compare(Variable("hba1c"), OpGt, Literal(7.0))}})

	c, _ := newJSONContext(e, http.MethodDelete, "")
	expectHTTPError(t, h.DeleteVariable(withID(c, v.ID.String())), http.StatusConflict)

	c, rec := newJSONContext(e, http.MethodGet, "")
	if err := h.VariableUsage(withID(c, v.ID.String())); err != nil {
		t.Fatalf("usage: %v", err)
	}
	var usage struct {
		Count int `json:"count"`
		Rules []struct {
			Name string `json:"name"`
		} `json:"rules"`
	}
	json.Unmarshal(rec.Body.Bytes(), &usage)
	if usage.Count != 1 || usage.Rules[0].Name != "r" {
		t.Errorf("unexpected usage: %+v", usage)
	}
}

func TestHandler_Catalogues(t *testing.T) {
	h, e := newTestHandler(t)
	for name, fn := range map[string]echo.HandlerFunc{
		"types":      h.ListRuleTypes,
		"events":     h.ListTriggerEvents,
		"categories": h.ListRuleCategories,
		"varcats":    h.ListVariableCategories,
		"aggregates": h.ListAggregateFunctions,
	} {
		c, rec := newJSONContext(e, http.MethodGet, "")
		if err := fn(c); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		var list []string
		if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) == 0 {
			t.Errorf("%s: expected non-empty list, got %s", name, rec.Body.String())
		}
	}
}

func TestHandler_RoutesEnforceRoles(t *testing.T) {
	h, e := newTestHandler(t)
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			roles := strings.Split(c.Request().Header.Get("X-Test-Roles"), ",")
			c.SetRequest(c.Request().WithContext(auth.WithIdentity(c.Request().Context(), "u", roles)))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	tests := []struct {
		method, path, roles string
		want                int
	}{
		{http.MethodGet, "/api/v1/rules", "nurse", http.StatusOK},
		{http.MethodPost, "/api/v1/rules", "nurse", http.StatusForbidden},
		{http.MethodPost, "/api/v1/dispatch", "physician", http.StatusForbidden},
		{http.MethodGet, "/api/v1/rule-variables", "system", http.StatusForbidden},
		{http.MethodGet, "/api/v1/rule-variables", "admin", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, strings.NewReader("{}"))
		req.Header.Set("X-Test-Roles", tt.roles)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s as %s: expected %d, got %d", tt.method, tt.path, tt.roles, tt.want, rec.Code)
		}
	}
}
