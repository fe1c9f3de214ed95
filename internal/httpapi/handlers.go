package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"calldispatch/internal/auth"
	"calldispatch/internal/dispatch"
	"calldispatch/internal/providers"
	"calldispatch/internal/queue"
	"calldispatch/internal/rbac"
	"calldispatch/internal/reporting"

	"github.com/gin-gonic/gin"
)

// Dispatcher is the admin surface of the dispatch scheduler.
type Dispatcher interface {
	RunCycle(ctx context.Context) (dispatch.CycleReport, error)
	Reconcile(ctx context.Context) (dispatch.ReconcileReport, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls      *queue.Service
	Reports    *reporting.Service
	Registry   providers.Registry
	Dispatcher Dispatcher
}

// --- Calls ---

type admitRequest struct {
	TemplateID      string            `json:"template_id"`
	RecipientNumber string            `json:"recipient_number"`
	ScheduledTime   *time.Time        `json:"scheduled_time,omitempty"`
	CustomVariables map[string]string `json:"custom_variables,omitempty"`
	Priority        *int              `json:"priority,omitempty"`
}

// AdmitCall queues a call for the authenticated user.
func (h Handlers) AdmitCall(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	var req admitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": queue.CodeInvalidRequest})
		return
	}

	e, err := h.Calls.Admit(c.Request.Context(), queue.AdmitRequest{
		UserID:          userID,
		TemplateID:      req.TemplateID,
		RecipientNumber: req.RecipientNumber,
		ScheduledTime:   req.ScheduledTime,
		CustomVariables: req.CustomVariables,
		Priority:        req.Priority,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call_id": e.ID, "status": e.Status})
}

// CancelCall cancels a call that has not been dispatched yet. Staff may
// cancel any user's call.
func (h Handlers) CancelCall(c *gin.Context) {
	owner, ok := ownerScope(c)
	if !ok {
		return
	}
	e, refunded, err := h.Calls.Cancel(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": e.ID, "status": e.Status, "refunded": refunded})
}

func (h Handlers) GetCall(c *gin.Context) {
	owner, ok := ownerScope(c)
	if !ok {
		return
	}
	e, err := h.Calls.Get(c.Request.Context(), c.Param("id"), owner)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h Handlers) ListCalls(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500", "code": queue.CodeInvalidRequest})
			return
		}
		limit = n
	}
	entries, err := h.Calls.List(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": entries})
}

// --- Reports ---

// CallsReport summarizes the caller's finished calls. from and to are
// RFC 3339; the default window is the last 30 days.
func (h Handlers) CallsReport(c *gin.Context) {
	userID, ok := requireUserID(c)
	if !ok {
		return
	}
	to := time.Now().UTC()
	from := to.Add(-30 * 24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}

	out, err := h.Reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		UserID: userID,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Admin ---
// RBAC: operator or super_admin.

type providerView struct {
	providers.Provider
	Availability providers.Availability `json:"availability"`
}

func (h Handlers) ListProviders(c *gin.Context) {
	ctx := c.Request.Context()
	ps, err := h.Registry.Providers(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	avail, err := h.Registry.Availability(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	byID := make(map[string]providers.Availability, len(avail))
	for _, a := range avail {
		byID[a.ProviderID] = a
	}
	out := make([]providerView, 0, len(ps))
	for _, p := range ps {
		out = append(out, providerView{Provider: p, Availability: byID[p.ID]})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

type setHealthRequest struct {
	Health string `json:"health"`
}

// SetProviderHealth overrides a provider's health until the next probe.
func (h Handlers) SetProviderHealth(c *gin.Context) {
	var req setHealthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	health, err := providers.ParseHealth(req.Health)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	if err := h.Registry.SetHealth(c.Request.Context(), id, health); err != nil {
		writeError(c, err)
		return
	}
	actor, _ := auth.UserID(c.Request.Context())
	loggerFrom(c).Info("provider health overridden", "provider_id", id, "health", health, "actor", actor)
	c.JSON(http.StatusOK, gin.H{"provider_id": id, "health": health})
}

func (h Handlers) RunDispatch(c *gin.Context) {
	rep, err := h.Dispatcher.RunCycle(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h Handlers) ReconcileProviders(c *gin.Context) {
	rep, err := h.Dispatcher.Reconcile(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// --- helpers ---

func requireUserID(c *gin.Context) (string, bool) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil || userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return userID, true
}

// ownerScope returns the user id reads and cancels are restricted to. Staff
// get an empty scope, which matches every owner.
func ownerScope(c *gin.Context) (string, bool) {
	userID, ok := requireUserID(c)
	if !ok {
		return "", false
	}
	if role, _ := auth.Role(c.Request.Context()); rbac.IsStaff(role) {
		return "", true
	}
	return userID, true
}
