package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, PingCheck("store", func() error { return nil }))
	c.RegisterFunc("remote", false, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded}
	})

	assert.Equal(t, StatusUnknown, c.OverallStatus())

	results := c.Check(t.Context())
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["store"].Status)
	assert.Equal(t, StatusDegraded, c.OverallStatus())
}

func TestCriticalFailure(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, PingCheck("store", func() error { return errors.New("disk gone") }))
	res := c.Check(t.Context())
	assert.Equal(t, "disk gone", res["store"].Error)
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			time.Sleep(time.Second)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("panics", false, func(ctx context.Context) CheckResult { panic("boom") })

	res := c.Check(t.Context())
	assert.Equal(t, "check timed out", res["slow"].Message)
	assert.Equal(t, "check panicked", res["panics"].Message)
}

func TestHTTPReachableCheck(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	check := HTTPReachableCheck(srv.Client(), srv.URL)
	assert.Equal(t, StatusHealthy, check(t.Context()).Status)

	srv.Close()
	assert.Equal(t, StatusDegraded, check(t.Context()).Status)
}

func TestFailureCountCheck(t *testing.T) {
	var n uint64
	check := FailureCountCheck("persister", func() uint64 { return n })
	assert.Equal(t, StatusHealthy, check(t.Context()).Status)
	n = 2
	assert.Equal(t, StatusDegraded, check(t.Context()).Status)
	assert.Equal(t, StatusHealthy, check(t.Context()).Status)
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	var down bool
	c.RegisterFunc("store", true, PingCheck("store", func() error {
		if down {
			return errors.New("closed")
		}
		return nil
	}))
	h := c.ReadinessHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz?full=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "store")

	down = true
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}
