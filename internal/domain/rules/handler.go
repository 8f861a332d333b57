package rules

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ruleengine/internal/platform/auth"
	"github.com/ehr/ruleengine/internal/platform/schema"
	"github.com/ehr/ruleengine/pkg/pagination"
)

type Handler struct {
	svc       *Service
	validator *schema.Validator
}

func NewHandler(svc *Service, validator *schema.Validator) *Handler {
	return &Handler{svc: svc, validator: validator}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – admin, physician, nurse
	readGroup := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	readGroup.GET("/rules", h.ListRules)
	readGroup.GET("/rules/:id", h.GetRule)
	readGroup.GET("/rules/:id/executions", h.ListExecutions)
	readGroup.GET("/rules/types/list", h.ListRuleTypes)
	readGroup.GET("/rules/events/list", h.ListTriggerEvents)
	readGroup.GET("/rules/categories/list", h.ListRuleCategories)
	readGroup.GET("/rule-variables", h.ListVariables)
	readGroup.GET("/rule-variables/:id", h.GetVariable)
	readGroup.GET("/rule-variables/:id/usage", h.VariableUsage)
	readGroup.GET("/rule-variables/categories/list", h.ListVariableCategories)
	readGroup.GET("/rule-variables/aggregate-functions/list", h.ListAggregateFunctions)

	// Write endpoints – admin
	writeGroup := api.Group("", auth.RequireRole("admin"))
	writeGroup.POST("/rules", h.CreateRule)
	writeGroup.PUT("/rules/:id", h.UpdateRule)
	writeGroup.DELETE("/rules/:id", h.DeleteRule)
	writeGroup.POST("/rules/:id/activate", h.ActivateRule)
	writeGroup.POST("/rules/:id/deactivate", h.DeactivateRule)
	writeGroup.POST("/rules/:id/test", h.TestRule)
	writeGroup.POST("/rule-variables", h.CreateVariable)
	writeGroup.PUT("/rule-variables/:id", h.UpdateVariable)
	writeGroup.DELETE("/rule-variables/:id", h.DeleteVariable)
	writeGroup.POST("/rule-variables/:id/test", h.TestVariable)

	// Trigger ingestion – admin, system
	dispatchGroup := api.Group("", auth.RequireRole("admin", "system"))
	dispatchGroup.POST("/dispatch", h.Dispatch)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrVariableInUse):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var se *schema.Error
	if errors.As(err, &se) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// decode validates the body against the named schema before decoding it
// into dest.
func (h *Handler) decode(c echo.Context, schemaName string, dest any) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if h.validator != nil && schemaName != "" {
		if err := h.validator.Validate(schemaName, body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// -- Rule Handlers --

func (h *Handler) CreateRule(c echo.Context) error {
	r := Rule{IsActive: true, Priority: 100}
	if err := h.decode(c, schema.Rule, &r); err != nil {
		return err
	}
	if err := h.svc.CreateRule(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetRule(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListRules(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := RuleFilter{
		TriggerEvent: c.QueryParam("trigger_event"),
		RuleType:     c.QueryParam("rule_type"),
		Category:     c.QueryParam("category"),
	}
	if v := c.QueryParam("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid is_active")
		}
		filter.Active = &active
	}
	items, total, err := h.svc.ListRules(c.Request().Context(), filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r := Rule{IsActive: true, Priority: 100}
	if err := h.decode(c, schema.Rule, &r); err != nil {
		return err
	}
	r.ID = id
	if err := h.svc.UpdateRule(c.Request().Context(), &r); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteRule(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ActivateRule(c echo.Context) error {
	return h.toggle(c, true)
}

func (h *Handler) DeactivateRule(c echo.Context) error {
	return h.toggle(c, false)
}

func (h *Handler) toggle(c echo.Context, active bool) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.SetRuleActive(c.Request().Context(), id, active); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": id, "is_active": active})
}

func (h *Handler) TestRule(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req EventRequest
	if err := h.decode(c, "", &req); err != nil {
		return err
	}
	result, err := h.svc.TestRule(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ListExecutions(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListExecutions(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListRuleTypes(c echo.Context) error {
	return c.JSON(http.StatusOK, RuleTypes)
}

func (h *Handler) ListTriggerEvents(c echo.Context) error {
	return c.JSON(http.StatusOK, TriggerEvents)
}

func (h *Handler) ListRuleCategories(c echo.Context) error {
	return c.JSON(http.StatusOK, RuleCategories)
}

func (h *Handler) Dispatch(c echo.Context) error {
	var req EventRequest
	if err := h.decode(c, schema.Event, &req); err != nil {
		return err
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = auth.UserIDFromContext(c.Request().Context())
	}
	result, err := h.svc.Dispatch(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"trigger_event": req.TriggerEvent, "results": result})
}

// -- Variable Handlers --

func (h *Handler) CreateVariable(c echo.Context) error {
	v := RuleVariable{IsActive: true}
	if err := h.decode(c, schema.Variable, &v); err != nil {
		return err
	}
	if err := h.svc.CreateVariable(c.Request().Context(), &v); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetVariable(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVariable(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ListVariables(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListVariables(c.Request().Context(), c.QueryParam("category"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateVariable(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v := RuleVariable{IsActive: true}
	if err := h.decode(c, schema.Variable, &v); err != nil {
		return err
	}
	v.ID = id
	if err := h.svc.UpdateVariable(c.Request().Context(), &v); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) DeleteVariable(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteVariable(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) VariableUsage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	users, err := h.svc.VariableUsage(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	type ruleRef struct {
		ID       uuid.UUID `json:"id"`
		Name     string    `json:"name"`
		IsActive bool      `json:"is_active"`
	}
	refs := make([]ruleRef, 0, len(users))
	for _, r := range users {
		refs = append(refs, ruleRef{ID: r.ID, Name: r.Name, IsActive: r.IsActive})
	}
	return c.JSON(http.StatusOK, map[string]any{"count": len(refs), "rules": refs})
}

func (h *Handler) TestVariable(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req VariableTestRequest
	if err := h.decode(c, "", &req); err != nil {
		return err
	}
	result, err := h.svc.TestVariable(c.Request().Context(), id, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ListVariableCategories(c echo.Context) error {
	return c.JSON(http.StatusOK, VariableCategories)
}

func (h *Handler) ListAggregateFunctions(c echo.Context) error {
	return c.JSON(http.StatusOK, AggregateFunctions)
}
