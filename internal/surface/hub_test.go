package surface

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maxidomd/internal/capture"
	"maxidomd/internal/health"
	"maxidomd/internal/lockdown"
	"maxidomd/internal/metrics"
)

type call struct {
	kind string
	ref  lockdown.SurfaceRef
	arg  string
}

type fakeController struct {
	calls  chan call
	resets chan struct{}
	mode   lockdown.Mode
}

func newFakeController() *fakeController {
	return &fakeController{calls: make(chan call, 16), resets: make(chan struct{}, 4), mode: lockdown.Monitoring}
}

func (f *fakeController) SurfaceReady(ref lockdown.SurfaceRef)     { f.calls <- call{"ready", ref, ""} }
func (f *fakeController) Verify(ref lockdown.SurfaceRef, a string) { f.calls <- call{"verify", ref, a} }
func (f *fakeController) Enroll(ref lockdown.SurfaceRef, p string) { f.calls <- call{"enroll", ref, p} }
func (f *fakeController) ResetProfile()                            { f.resets <- struct{}{} }
func (f *fakeController) Status() lockdown.Snapshot {
	return lockdown.Snapshot{Identity: "u-1", Mode: f.mode}
}

type fakeSubmitter struct {
	mu     sync.Mutex
	inputs []capture.Input
}

func (f *fakeSubmitter) Submit(surface string, in capture.Input) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	return true
}

func (f *fakeSubmitter) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, in := range f.inputs {
		out = append(out, in.Type)
	}
	return out
}

type fixture struct {
	hub  *Hub
	ctrl *fakeController
	sub  *fakeSubmitter
	srv  *httptest.Server
	m    *metrics.DaemonMetrics
}

func newFixture(t *testing.T, opts Options, sopts ServerOptions) *fixture {
	t.Helper()
	m := metrics.NewDaemonMetrics(nil)
	hub := NewHub(opts, nil, m)
	ctrl := newFakeController()
	sub := &fakeSubmitter{}
	hub.Bind(ctrl, sub)

	checker := health.NewChecker()
	srv := httptest.NewServer(NewServer(sopts, hub, checker, m, nil).Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &fixture{hub: hub, ctrl: ctrl, sub: sub, srv: srv, m: m}
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
}

func (f *fixture) dial(t *testing.T, token string) *Client {
	t.Helper()
	c, err := Dial(t.Context(), f.wsURL(), token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func nextCall(t *testing.T, ch <-chan call) call {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for controller call")
		return call{}
	}
}

func nextDirective(t *testing.T, c *Client) lockdown.Directive {
	t.Helper()
	select {
	case d, ok := <-c.Directives():
		require.True(t, ok, "connection closed")
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for directive")
		return lockdown.Directive{}
	}
}

func TestHelloAndReady(t *testing.T) {
	f := newFixture(t, Options{}, ServerOptions{})
	c := f.dial(t, "")

	require.NotEmpty(t, c.Ref())
	assert.Equal(t, []lockdown.SurfaceRef{c.Ref()}, f.hub.Surfaces())
	assert.Equal(t, int64(1), f.m.SurfacesConnected.Value())

	require.NoError(t, c.Ready())
	got := nextCall(t, f.ctrl.calls)
	assert.Equal(t, call{"ready", c.Ref(), ""}, got)
}

func TestSendTargetsOneSurface(t *testing.T) {
	f := newFixture(t, Options{}, ServerOptions{})
	a := f.dial(t, "")
	b := f.dial(t, "")

	d := lockdown.Directive{Action: lockdown.ShowChallenge, Context: lockdown.Bootstrapping}
	assert.Equal(t, lockdown.Delivered, f.hub.Send(a.Ref(), d))
	assert.Equal(t, d, nextDirective(t, a))

	assert.Equal(t, lockdown.Unreachable, f.hub.Send("gone", d))

	hide := lockdown.Directive{Action: lockdown.HideChallenge, Context: lockdown.Bootstrapping}
	assert.Equal(t, lockdown.Delivered, f.hub.Send(b.Ref(), hide))
	assert.Equal(t, hide, nextDirective(t, b))

	select {
	case extra := <-a.Directives():
		t.Fatalf("surface a received %+v meant for b", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInputForwardedAndBlurOnLeave(t *testing.T) {
	f := newFixture(t, Options{}, ServerOptions{})
	c := f.dial(t, "")

	require.NoError(t, c.Input(
		capture.Input{Type: "keydown", Code: "KeyA", T: 10},
		capture.Input{Type: "keyup", Code: "KeyA", T: 20},
	))
	require.NoError(t, c.Ready())
	nextCall(t, f.ctrl.calls)
	assert.Equal(t, []string{"keydown", "keyup"}, f.sub.types())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(f.sub.types()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "blur", f.sub.types()[2])
}

func TestAttemptsAreThrottled(t *testing.T) {
	f := newFixture(t, Options{VerifyPerMinute: 1, VerifyBurst: 1}, ServerOptions{})
	c := f.dial(t, "")

	require.NoError(t, c.Verify("first"))
	assert.Equal(t, call{"verify", c.Ref(), "first"}, nextCall(t, f.ctrl.calls))

	require.NoError(t, c.Enroll("second"))
	d := nextDirective(t, c)
	assert.Equal(t, lockdown.ShowError, d.Action)
	assert.Contains(t, d.Message, "Too many attempts")

	select {
	case got := <-f.ctrl.calls:
		t.Fatalf("throttled attempt reached controller: %+v", got)
	default:
	}
}

func TestThrottledErrorKeepsChallengeContext(t *testing.T) {
	f := newFixture(t, Options{VerifyPerMinute: 1, VerifyBurst: 1}, ServerOptions{})
	f.ctrl.mode = lockdown.Challenged
	c := f.dial(t, "")

	require.NoError(t, c.Verify("first"))
	nextCall(t, f.ctrl.calls)
	require.NoError(t, c.Verify("second"))

	d := nextDirective(t, c)
	assert.Equal(t, lockdown.ShowError, d.Action)
	assert.Equal(t, lockdown.ActiveChallenge, d.Context)
}

func TestAuthToken(t *testing.T) {
	f := newFixture(t, Options{}, ServerOptions{AuthToken: "hub-secret"})

	_, err := Dial(t.Context(), f.wsURL(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")

	c := f.dial(t, "hub-secret")
	assert.NotEmpty(t, c.Ref())

	resp, err := http.Get(f.srv.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStatusAndReset(t *testing.T) {
	f := newFixture(t, Options{}, ServerOptions{})
	f.dial(t, "")

	resp, err := http.Get(f.srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, "u-1", st.Identity)
	assert.Equal(t, "monitoring", st.Mode)
	assert.Equal(t, 1, st.Surfaces)

	resp, err = http.Post(f.srv.URL+"/api/reset_profile", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	select {
	case <-f.ctrl.resets:
	case <-time.After(time.Second):
		t.Fatal("reset not forwarded")
	}
}

func TestSurfaceLimit(t *testing.T) {
	f := newFixture(t, Options{MaxSurfaces: 1}, ServerOptions{})
	f.dial(t, "")

	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, f.wsURL(), "")
	assert.Error(t, err)
	assert.Equal(t, 1, f.hub.Count())
}

func TestCheckOrigin(t *testing.T) {
	open := NewServer(ServerOptions{}, NewHub(Options{}, nil, nil), nil, nil, nil)
	strict := NewServer(ServerOptions{AllowedOrigins: []string{"https://app.example.com"}}, NewHub(Options{}, nil, nil), nil, nil, nil)

	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8765/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, open.checkOrigin(req("")))
	assert.True(t, open.checkOrigin(req("http://localhost:3000")))
	assert.True(t, open.checkOrigin(req("http://127.0.0.1:8765")))
	assert.False(t, open.checkOrigin(req("https://evil.example")))

	assert.True(t, strict.checkOrigin(req("https://app.example.com")))
	assert.False(t, strict.checkOrigin(req("http://localhost:3000")))
}

func TestMetricsAndHealthRoutes(t *testing.T) {
	f := newFixture(t, Options{}, ServerOptions{})
	f.hub.Send("nobody", lockdown.Directive{Action: lockdown.HideChallenge})

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body strings.Builder
	_, _ = io.Copy(&body, resp.Body)
	assert.Contains(t, body.String(), `maxidomd_directives_total{action="hide_challenge",outcome="unreachable"} 1`)

	resp2, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}
