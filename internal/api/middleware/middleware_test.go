package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fisker/dbm-flow/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine() *gin.Engine {
	r := gin.New()
	r.Use(RecoveryMiddleware(), MetricsMiddleware())
	r.GET("/api/tickets/:id", OperatorMiddleware(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("username"))
	})
	r.GET("/api/tickets/:id/boom", OperatorMiddleware(), func(c *gin.Context) {
		panic("nil flow")
	})
	return r
}

func serve(r *gin.Engine, path, operator string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if operator != "" {
		req.Header.Set(OperatorHeader, operator)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOperatorMiddleware(t *testing.T) {
	r := newEngine()

	w := serve(r, "/api/tickets/1", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(r, "/api/tickets/1", "  dba1 ")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dba1", w.Body.String())
}

func TestRecoveryMiddleware(t *testing.T) {
	r := newEngine()
	before := testutil.ToFloat64(metrics.APIPanicsTotal.WithLabelValues("/api/tickets/:id/boom"))

	w := serve(r, "/api/tickets/7/boom", "dba1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":500,"message":"internal server error"}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "nil flow")

	after := testutil.ToFloat64(metrics.APIPanicsTotal.WithLabelValues("/api/tickets/:id/boom"))
	assert.Equal(t, before+1, after)
}

func TestMetricsMiddlewareUsesRouteTemplate(t *testing.T) {
	r := newEngine()
	counter := metrics.APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/tickets/:id", "200")
	before := testutil.ToFloat64(counter)

	serve(r, "/api/tickets/1", "dba1")
	serve(r, "/api/tickets/2", "dba1")
	assert.Equal(t, before+2, testutil.ToFloat64(counter))

	unmatched := metrics.APIRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")
	before = testutil.ToFloat64(unmatched)
	serve(r, "/nowhere", "")
	assert.Equal(t, before+1, testutil.ToFloat64(unmatched))
}
