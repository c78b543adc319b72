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
	"encoding/json"
	"net/http"
)

// Response is the JSON body of a probe.
type Response struct {
	Status Status        `json:"status"`
	Checks []CheckResult `json:"checks"`
}

// Handler serves the probes under prefix, e.g. "/health":
// prefix+"/live", prefix+"/ready", prefix+"/startup", and prefix itself as
// an alias of ready. Failing probes answer 503.
func (c *Checker) Handler(prefix string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(prefix+"/live", func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, []CheckResult{c.Live(r.Context())})
	})
	ready := func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, c.Ready(r.Context()))
	}
	mux.HandleFunc(prefix+"/ready", ready)
	mux.HandleFunc(prefix, ready)
	mux.HandleFunc(prefix+"/startup", func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, []CheckResult{c.Startup(r.Context())})
	})
	return mux
}

func writeProbe(w http.ResponseWriter, results []CheckResult) {
	resp := Response{Status: AggregateStatus(results), Checks: results}
	w.Header().Set("Content-Type", "application/json")
	if resp.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
