package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulseboardhq/pulseboard/authz"
	"github.com/pulseboardhq/pulseboard/query"
	"github.com/pulseboardhq/pulseboard/services"
)

// DashboardHandler handles dashboard render HTTP requests
type DashboardHandler struct {
	dashboard *services.DashboardService
}

// NewDashboardHandler creates a new DashboardHandler
func NewDashboardHandler(dashboard *services.DashboardService) *DashboardHandler {
	return &DashboardHandler{dashboard: dashboard}
}

type renderChartInput struct {
	ChartID string          `json:"chart_id"`
	Config  json.RawMessage `json:"config"`
}

type renderInput struct {
	Charts []renderChartInput `json:"charts" binding:"required"`
}

// Render handles POST /api/v1/dashboards/render
func (h *DashboardHandler) Render(c *gin.Context) {
	user, ok := UserContextFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var input renderInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	requests := make([]services.ChartRequest, 0, len(input.Charts))
	for _, chart := range input.Charts {
		cfg, err := query.ParseChartConfig(chart.Config)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "chart_id": chart.ChartID})
			return
		}
		requests = append(requests, services.ChartRequest{ChartID: chart.ChartID, Config: cfg})
	}

	results, err := h.dashboard.RenderDashboard(c.Request.Context(), user, requests)
	if err != nil {
		status := http.StatusInternalServerError
		var opErr *query.InvalidFilterOperatorError
		switch {
		case errors.Is(err, authz.ErrScopeViolation):
			status = http.StatusForbidden
		case errors.Is(err, authz.ErrHierarchyUnavailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, query.ErrInvalidChartConfig), errors.As(err, &opErr):
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"charts": results})
}
