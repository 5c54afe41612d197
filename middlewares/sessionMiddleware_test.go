package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"bitbucket.org/brokermate/crm_backend/utils"
)

func sessionTestRouter(t *testing.T) (*gin.Engine, *int, *string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var gotUserId int
	var gotUsername string
	r := gin.New()
	r.Use(SessionMiddleware())
	r.GET("/probe", func(c *gin.Context) {
		if id, ok := utils.GetUserIdFromContext(c.Request.Context()); ok {
			gotUserId = id
		}
		if name, ok := utils.GetUsernameFromContext(c.Request.Context()); ok {
			gotUsername = name
		}
		c.Status(http.StatusOK)
	})
	return r, &gotUserId, &gotUsername
}

func TestSessionMiddleware_NoTokenPassesThrough(t *testing.T) {
	r, gotUserId, _ := sessionTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if *gotUserId != 0 {
		t.Fatalf("userId = %d, expected unset", *gotUserId)
	}
}

func TestSessionMiddleware_ValidServiceJwt(t *testing.T) {
	r, gotUserId, gotUsername := sessionTestRouter(t)

	token, err := utils.JwtGenerate(42, "service")
	if err != nil {
		t.Fatalf("JwtGenerate error: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("token", token)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if *gotUserId != 42 {
		t.Fatalf("userId = %d, expected 42", *gotUserId)
	}
	if *gotUsername != "service" {
		t.Fatalf("username = %q, expected service", *gotUsername)
	}
}

func TestSessionMiddleware_InvalidTokenRejected(t *testing.T) {
	r, _, _ := sessionTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("token", "not-a-valid-token")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, expected 401", w.Code)
	}
}
