package health

import (
	"context"
	"net/http"
	"sync/atomic"
)

// PingCheck reports a critical dependency reachable through ping, such as
// the SQLite store.
func PingCheck(what string, ping func() error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: what + " unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok"}
	}
}

// HTTPReachableCheck reports whether anything answers at url. Any HTTP
// response counts; the collaborator's routes are identity scoped, so its
// root may legitimately 404. Unreachable is degraded, not unhealthy: the
// daemon keeps collecting and retries at the next session boundary.
func HTTPReachableCheck(client *http.Client, url string) Check {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) CheckResult {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "bad url", Error: err.Error()}
		}
		resp, err := client.Do(req)
		if err != nil {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "collaborator unreachable",
				Error:   err.Error(),
				Details: map[string]any{"url": url},
			}
		}
		resp.Body.Close()
		return CheckResult{
			Status:  StatusHealthy,
			Message: "collaborator reachable",
			Details: map[string]any{"url": url, "status": resp.StatusCode},
		}
	}
}

// FailureCountCheck degrades once failures() has grown since the previous
// check, e.g. background store writes that failed.
func FailureCountCheck(what string, failures func() uint64) Check {
	var last atomic.Uint64
	return func(ctx context.Context) CheckResult {
		n := failures()
		prev := last.Swap(n)
		details := map[string]any{"failures": n}
		if n > prev {
			return CheckResult{Status: StatusDegraded, Message: what + " failing", Details: details}
		}
		return CheckResult{Status: StatusHealthy, Message: what + " ok", Details: details}
	}
}
