package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboardhq/pulseboard/internal/config"
	"github.com/pulseboardhq/pulseboard/internal/events"
	"github.com/pulseboardhq/pulseboard/services"
)

func newAdminRouter(t *testing.T) *gin.Engine {
	t.Helper()
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	engine := services.NewEngine(mockDB, nil, events.NewRecorder(), config.QueryEngineConfig{})
	t.Cleanup(engine.Close)

	r := gin.New()
	api := r.Group("/api/v1")
	api.Use(NewAuthMiddleware(testSecret).RequireUser())
	api.POST("/admin/cache/invalidate", NewAdminHandler(engine).InvalidateCaches)
	return r
}

func doInvalidate(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/cache/invalidate", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestInvalidateCaches_RequiresAllScope(t *testing.T) {
	r := newAdminRouter(t)

	tests := []struct {
		name  string
		scope string
		want  int
	}{
		{"super admin", "all", http.StatusAccepted},
		{"organization user", "organization", http.StatusForbidden},
		{"own user", "own", http.StatusForbidden},
		{"none user", "none", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := signToken(t, testSecret, jwt.MapClaims{
				"sub":              "u1",
				"permission_scope": tt.scope,
				"exp":              time.Now().Add(time.Hour).Unix(),
			})
			w := doInvalidate(r, token)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestInvalidateCaches_Unauthorized(t *testing.T) {
	r := newAdminRouter(t)
	w := doInvalidate(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
