package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pulseboardhq/pulseboard/authz"
	"github.com/pulseboardhq/pulseboard/services"
)

// AdminHandler exposes explicit cache-busting for super admins.
type AdminHandler struct {
	engine *services.Engine
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(engine *services.Engine) *AdminHandler {
	return &AdminHandler{engine: engine}
}

// InvalidateCaches handles POST /api/v1/admin/cache/invalidate.
// Drops the hierarchy snapshot and busts the measure cache prefix,
// e.g. after editing an organization's practice list.
func (h *AdminHandler) InvalidateCaches(c *gin.Context) {
	user, ok := UserContextFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if user.PermissionScope != authz.ScopeAll {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden: super admin scope required"})
		return
	}

	h.engine.InvalidateAll()
	c.JSON(http.StatusAccepted, gin.H{"status": "invalidation scheduled"})
}
