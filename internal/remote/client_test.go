package remote

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maxidomd/internal/aggregator"
)

type request struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

// fakeService mimics the classification service routes.
type fakeService struct {
	mu       sync.Mutex
	requests []request
	handler  func(w http.ResponseWriter, r request)
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	req := request{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &req.body)
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	f.handler(w, req)
}

func (f *fakeService) all() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request(nil), f.requests...)
}

func newClient(t *testing.T, h func(w http.ResponseWriter, r request)) (*Client, *fakeService) {
	t.Helper()
	svc := &fakeService{handler: h}
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/", Token: "s3cret"}, nil)
	require.NoError(t, err)
	return c, svc
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func samplePayload() *aggregator.Payload {
	return &aggregator.Payload{
		StartTimestamp: 1000,
		EndTimestamp:   2000,
		KeyEvents:      []aggregator.KeyEvent{{Code: "KeyA", DownTime: 1000, UpTime: 1050}},
		MousePaths:     [][]aggregator.PathPoint{{{T: 1100, X: 1, Y: 2}, {T: 1110, X: 3, Y: 4}}},
		Clicks:         []aggregator.Click{{T: 1200, X: 3, Y: 4, Button: 0, Duration: 90}},
		FocusChanges:   []aggregator.FocusChange{},
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	_, err = New(Config{BaseURL: "ftp://example.com"}, nil)
	assert.Error(t, err)
}

func TestEnroll(t *testing.T) {
	c, svc := newClient(t, func(w http.ResponseWriter, r request) {
		if r.body["password"] == "taken" {
			writeJSON(w, http.StatusConflict, map[string]string{"detail": "Profile already enrolled."})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "enrolled"})
	})

	require.NoError(t, c.Enroll(t.Context(), "user-1", "pw"))
	assert.ErrorIs(t, c.Enroll(t.Context(), "user-1", "taken"), ErrAlreadyEnrolled)

	reqs := svc.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, http.MethodPost, reqs[0].method)
	assert.Equal(t, "/api/enroll/user-1", reqs[0].path)
	assert.Equal(t, "Bearer s3cret", reqs[0].auth)
}

func TestVerify(t *testing.T) {
	c, _ := newClient(t, func(w http.ResponseWriter, r request) {
		switch r.body["password"] {
		case "right":
			writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
		case "unknown":
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "not enrolled"})
		case "boom":
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "boom"})
		default:
			writeJSON(w, http.StatusOK, map[string]bool{"verified": false})
		}
	})

	ok, err := c.Verify(t.Context(), "u", "right")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Verify(t.Context(), "u", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Verify(t.Context(), "u", "unknown")
	assert.ErrorIs(t, err, ErrNotEnrolled)

	_, err = c.Verify(t.Context(), "u", "boom")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusInternalServerError, se.Code)
}

func TestResetProfile(t *testing.T) {
	c, svc := newClient(t, func(w http.ResponseWriter, r request) {
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, c.ResetProfile(t.Context(), "u 1"))
	assert.Equal(t, http.MethodDelete, svc.all()[0].method)
	assert.Equal(t, "/api/reset_profile/u 1", svc.all()[0].path)
}

func TestTrain(t *testing.T) {
	c, svc := newClient(t, func(w http.ResponseWriter, r request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "profiling_in_progress",
			"profile_id": "u",
			"progress":   map[string]any{"is_ready": true, "samples": 40},
		})
	})

	res, err := c.Train(t.Context(), "u", samplePayload())
	require.NoError(t, err)
	assert.True(t, res.Ready())
	assert.Equal(t, "profiling_in_progress", res.Status)

	reqs := svc.all()
	require.Len(t, reqs, 1)
	body := reqs[0].body
	assert.Equal(t, "/api/train/u", reqs[0].path)
	assert.Equal(t, 1000.0, body["startTimestamp"])
	assert.Len(t, body["keyEvents"], 1)
	assert.Len(t, body["mousePaths"], 1)
}

func TestTrainResultReady(t *testing.T) {
	assert.False(t, (&TrainResult{}).Ready())
	assert.False(t, (&TrainResult{Progress: json.RawMessage(`{"is_ready":false}`)}).Ready())
	assert.False(t, (&TrainResult{Progress: json.RawMessage(`[1]`)}).Ready())
}

func TestScore(t *testing.T) {
	var missing atomic.Bool
	c, _ := newClient(t, func(w http.ResponseWriter, r request) {
		if missing.Load() {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Model not found."})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"is_anomaly": true, "score": -0.2, "threshold": -0.1, "model_used": "mouse",
		})
	})

	res, err := c.Score(t.Context(), "u", samplePayload())
	require.NoError(t, err)
	assert.True(t, res.IsAnomaly)
	assert.Equal(t, "mouse", res.ModelUsed)

	missing.Store(true)
	_, err = c.Score(t.Context(), "u", samplePayload())
	assert.ErrorIs(t, err, ErrNoBaseline)
}

func TestInvalidPayloadNeverSent(t *testing.T) {
	c, svc := newClient(t, func(w http.ResponseWriter, r request) {
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	p := samplePayload()
	p.Clicks[0].Duration = -5
	_, err := c.Score(t.Context(), "u", p)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	p = samplePayload()
	p.KeyEvents = nil
	_, err = c.Train(t.Context(), "u", p)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	assert.Empty(t, svc.all())
}

func TestEmptyIdentity(t *testing.T) {
	c, svc := newClient(t, func(w http.ResponseWriter, r request) {})
	assert.Error(t, c.ResetProfile(t.Context(), ""))
	assert.Error(t, c.ResetProfile(t.Context(), "a/b"))
	assert.Empty(t, svc.all())
}
