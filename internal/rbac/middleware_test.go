package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"calldispatch/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveWithIdentity(userID, role string, chain ...gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(200) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serveWithIdentity("u", RoleSuperAdmin, RequireUser(), RequireAnyRole(RoleOperator)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_UserDeniedOnOperatorRoute(t *testing.T) {
	if code := serveWithIdentity("u", RoleUser, RequireUser(), RequireAnyRole(RoleOperator)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireAnyRole_UnknownRoleDenied(t *testing.T) {
	if code := serveWithIdentity("u", "network_operator", RequireAnyRole("network_operator")); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestRequireUser_MissingUser(t *testing.T) {
	if code := serveWithIdentity("", RoleUser, RequireUser(), RequireAnyRole(RoleUser)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}
