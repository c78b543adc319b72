// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tcsd.
//
// go-tcsd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

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

func TestChecker_Startup(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusUnhealthy, c.Startup(context.Background()).Status)
	assert.False(t, c.IsStarted())

	c.MarkStarted()
	assert.Equal(t, StatusHealthy, c.Startup(context.Background()).Status)
	assert.True(t, c.IsStarted())

	c.MarkNotStarted()
	assert.False(t, c.IsStarted())
}

func TestChecker_ReadyDefault(t *testing.T) {
	c := NewChecker()
	results := c.Ready(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, "default", results[0].Name)
	assert.True(t, c.IsHealthy(context.Background()))
}

func TestChecker_ReadyRunsChecksInOrder(t *testing.T) {
	c := NewChecker()
	c.RegisterCheck("b", func(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} })
	c.RegisterCheck("a", func(context.Context) CheckResult { return CheckResult{Status: StatusDegraded} })
	c.RegisterCheck("nil", nil)

	results := c.Ready(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].Name)
	assert.Equal(t, "b", results[1].Name)
	assert.Equal(t, []string{"a", "b"}, c.GetAllChecks())
	assert.False(t, c.IsHealthy(context.Background()))

	c.UnregisterCheck("a")
	assert.True(t, c.IsHealthy(context.Background()))
}

func TestAggregateStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []CheckResult
			for _, s := range tt.statuses {
				results = append(results, CheckResult{Status: s})
			}
			assert.Equal(t, tt.want, AggregateStatus(results))
		})
	}
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck("tpm", time.Second, func(context.Context) error { return nil })
	assert.Equal(t, StatusHealthy, ok(context.Background()).Status)

	failing := PingCheck("tpm", time.Second, func(context.Context) error { return errors.New("gone") })
	res := failing(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "gone", res.Error)

	slow := PingCheck("tpm", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	res = slow(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "timeout", res.Error)
}

func TestChecker_Handler(t *testing.T) {
	c := NewChecker()
	healthy := true
	c.RegisterCheck("tpm", func(context.Context) CheckResult {
		if healthy {
			return CheckResult{Status: StatusHealthy}
		}
		return CheckResult{Status: StatusUnhealthy}
	})
	h := c.Handler("/health")

	get := func(path string) (int, Response) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var resp Response
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return rec.Code, resp
	}

	code, resp := get("/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, resp.Status)

	healthy = false
	code, _ = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = get("/health/live")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get("/health/startup")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
