package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

func limitedEngine(t *testing.T, limit int) (*gin.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	r := gin.New()
	r.POST("/reserve", RedisRateLimit(rdb, limit, time.Minute), func(c *gin.Context) {
		var body struct {
			UserID string `json:"user_id"`
		}
		require.NoError(t, c.ShouldBindJSON(&body))
		c.JSON(http.StatusOK, gin.H{"user_id": body.UserID})
	})
	return r, mr
}

func post(r http.Handler, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/reserve", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestRedisRateLimit_PerUser(t *testing.T) {
	r, _ := limitedEngine(t, 2)

	for i := 0; i < 2; i++ {
		w := post(r, `{"user_id":"u1"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"u1"`, "body is still readable downstream")
	}
	assert.Equal(t, http.StatusTooManyRequests, post(r, `{"user_id":"u1"}`).Code)
	assert.Equal(t, http.StatusOK, post(r, `{"user_id":"u2"}`).Code)
}

func TestRedisRateLimit_FailsOpen(t *testing.T) {
	r, mr := limitedEngine(t, 1)
	mr.Close()
	assert.Equal(t, http.StatusOK, post(r, `{"user_id":"u1"}`).Code)
	assert.Equal(t, http.StatusOK, post(r, `{"user_id":"u1"}`).Code)
}

func TestAdminToken(t *testing.T) {
	r := gin.New()
	r.GET("/admin", AdminToken("secret"), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for _, tc := range []struct {
		token string
		code  int
	}{
		{"", http.StatusUnauthorized},
		{"wrong", http.StatusUnauthorized},
		{"secret", http.StatusNoContent},
	} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if tc.token != "" {
			req.Header.Set("X-Admin-Token", tc.token)
		}
		r.ServeHTTP(w, req)
		assert.Equal(t, tc.code, w.Code, "token %q", tc.token)
	}
}
