/*
Copyright 2025 The gitops-deploy Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/pprof"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaxlabs/gitops-deploy/pkg/deploy"
	"github.com/jaxlabs/gitops-deploy/pkg/logging"
)

// httpAPI serves the trigger and status endpoints.  Everything here is a thin
// shim over the Coordinator; the single-flight semantics live there, so
// concurrent HTTP callers need no extra care.
type httpAPI struct {
	coord         *deploy.Coordinator
	drift         *deploy.DriftDetector
	webhookSecret []byte
	log           *logging.Logger
}

type muxOptions struct {
	metrics bool
	pprof   bool
}

func (api *httpAPI) newMux(opts muxOptions) *http.ServeMux {
	mux := http.NewServeMux()

	// This is a dumb liveliness check endpoint.  It reports ready once the
	// first successful check against the remote has completed.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !api.coord.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
		}
		// Otherwise success
	})

	if opts.metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	if opts.pprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	mux.HandleFunc("/api/v0/status", api.handleStatus)
	mux.HandleFunc("/api/v0/drift", api.handleDrift)
	mux.HandleFunc("/api/v0/check", api.handleCheck)
	mux.HandleFunc("/api/v0/deploy", api.handleDeploy)
	mux.HandleFunc("/api/v0/secrets/refresh", api.handleRefreshSecrets)

	// The inbound webhook only exists when a shared secret is configured;
	// an unauthenticated deploy trigger is not an option.
	if len(api.webhookSecret) > 0 {
		mux.HandleFunc("/webhook", api.handleWebhook)
	}

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Too late for an error status if encoding fails.
	_ = json.NewEncoder(w).Encode(v)
}

func (api *httpAPI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, api.coord.Snapshot())
}

func (api *httpAPI) handleDrift(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if api.drift == nil {
		http.Error(w, "drift detection is disabled", http.StatusNotFound)
		return
	}
	report := api.drift.LastReport()
	if report == nil {
		http.Error(w, "no drift check has completed yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (api *httpAPI) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	check, err := api.coord.CheckForUpdates(r.Context())
	if err != nil {
		api.log.Error(err, "update check failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (api *httpAPI) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Runs the pipeline synchronously; a caller that arrives mid-attempt
	// gets the in-flight state back instead of a second pipeline.
	state := api.coord.RequestDeployment(r.Context(), deploy.ReasonManual)
	writeJSON(w, http.StatusOK, state)
}

func (api *httpAPI) handleRefreshSecrets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ran, err := api.coord.RefreshSecrets(r.Context())
	if err != nil {
		api.log.Error(err, "secret refresh failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if !ran {
		http.Error(w, "deployment in progress", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWebhook accepts a push notification from the repo host.  The body is
// authenticated with an HMAC-SHA256 signature in X-Hub-Signature-256 over the
// raw payload, GitHub style.  The deployment itself runs out of band so the
// sender gets a fast acknowledgment.
func (api *httpAPI) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "can't read body", http.StatusBadRequest)
		return
	}
	if !validSignature(r.Header.Get("X-Hub-Signature-256"), body, api.webhookSecret) {
		api.log.V(0).Info("rejected webhook with bad signature", "remote", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	api.log.V(1).Info("accepted webhook", "remote", r.RemoteAddr)
	// Not the request context: the attempt outlives this handler.
	go api.coord.RequestDeployment(context.Background(), deploy.ReasonWebhook)
	w.WriteHeader(http.StatusAccepted)
}

// validSignature checks a GitHub-style signature header ("sha256=<hex>")
// against the HMAC of the body.  Comparison is constant time.
func validSignature(header string, body, secret []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
