package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginPolicy(t *testing.T) {
	p := NewOriginPolicy([]string{"http://localhost:5173/", " https://Chat.Example.com "})
	assert.True(t, p.Allow(""))
	assert.True(t, p.Allow("http://localhost:5173"))
	assert.True(t, p.Allow("https://chat.example.com"))
	assert.False(t, p.Allow("http://localhost:3000"))
	assert.False(t, p.Allow("https://evil.example.com"))

	p.Update([]string{"*"})
	assert.True(t, p.Allow("https://evil.example.com"))
	p.Update(nil)
	assert.False(t, p.Allow("http://localhost:5173"))
}

func newEngine(p *OriginPolicy) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	mids := NewManager()
	mids.Set("cors", CORS(p))
	r.Use(mids.Use())
	GET(r, "/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") }, RouteOpt{})
	return r
}

func TestCORS(t *testing.T) {
	r := newEngine(NewOriginPolicy([]string{"http://localhost:5173"}))

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req = httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "DELETE")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 无 Origin 的请求直接放行
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestManagerSetRemove(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var trace []string
	mk := func(name string) gin.HandlerFunc {
		return func(*gin.Context) { trace = append(trace, name) }
	}
	m := NewManager()
	m.Set("a", mk("a"))
	m.Set("b", mk("b"))
	m.Set("a", mk("a2"))

	r := gin.New()
	r.Use(m.Use())
	r.GET("/", func(c *gin.Context) { trace = append(trace, "h") })
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"a2", "b", "h"}, trace)

	trace = nil
	m.Remove("a2")
	m.Remove("a")
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"b", "h"}, trace)
}

func TestRouteAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	deny := func(c *gin.Context) { c.AbortWithStatus(http.StatusUnauthorized) }
	GET(r, "/open", func(c *gin.Context) { c.Status(http.StatusOK) }, RouteOpt{})
	POST(r, "/closed", func(c *gin.Context) { c.Status(http.StatusOK) }, RouteOpt{Auth: deny})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/closed", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
