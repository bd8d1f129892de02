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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaxlabs/gitops-deploy/pkg/deploy"
	"github.com/jaxlabs/gitops-deploy/pkg/logging"
)

// stubRepo is the minimal Repository for driving the coordinator in tests.
type stubRepo struct {
	head   string
	remote string
}

func (s *stubRepo) CurrentCommit(ctx context.Context) (string, error) { return s.head, nil }
func (s *stubRepo) CommitSubject(ctx context.Context, rev string) (string, error) {
	return "subject", nil
}
func (s *stubRepo) Fetch(ctx context.Context) error                  { return nil }
func (s *stubRepo) RemoteCommit(ctx context.Context) (string, error) { return s.remote, nil }
func (s *stubRepo) CommitsBehind(ctx context.Context, from, to string) (int, error) {
	if from == to {
		return 0, nil
	}
	return 1, nil
}
func (s *stubRepo) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	return []string{"automations.yaml"}, nil
}
func (s *stubRepo) MergeFastForward(ctx context.Context) error {
	s.head = s.remote
	return nil
}
func (s *stubRepo) DirtyPaths(ctx context.Context) ([]string, error) { return nil, nil }
func (s *stubRepo) LockHeld() bool                                   { return false }

type stubSecrets struct{}

func (stubSecrets) Sync(ctx context.Context) (int, error) { return 1, nil }

type stubValidator struct{}

func (stubValidator) Validate(ctx context.Context) error { return nil }

type stubReloader struct{}

func (stubReloader) ReloadDomain(ctx context.Context, domain deploy.Domain) error { return nil }

func newTestAPI(t *testing.T, secret string) (*httpAPI, *stubRepo) {
	t.Helper()
	repo := &stubRepo{head: "aaa", remote: "bbb"}
	log := logging.New("", "", 0)
	coord := deploy.NewCoordinator(deploy.Options{
		Repo:       repo,
		Secrets:    stubSecrets{},
		Validator:  stubValidator{},
		Reloader:   stubReloader{},
		MarkerPath: filepath.Join(t.TempDir(), "marker.json"),
		Timeout:    time.Minute,
		Log:        log,
	})
	if err := coord.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return &httpAPI{
		coord:         coord,
		webhookSecret: []byte(secret),
		log:           log,
	}, repo
}

func TestLiveness(t *testing.T) {
	api, _ := newTestAPI(t, "")
	srv := httptest.NewServer(api.newMux(muxOptions{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before the first check, got %d", resp.StatusCode)
	}

	if _, err := api.coord.CheckForUpdates(context.Background()); err != nil {
		t.Fatal(err)
	}
	resp, err = http.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 after a check, got %d", resp.StatusCode)
	}
}

func TestHandleStatus(t *testing.T) {
	api, _ := newTestAPI(t, "")
	srv := httptest.NewServer(api.newMux(muxOptions{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v0/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var state deploy.DeploymentState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Status != deploy.StatusIdle {
		t.Errorf("expected idle, got %s", state.Status)
	}
	if state.CurrentCommit != "aaa" {
		t.Errorf("expected current commit aaa, got %q", state.CurrentCommit)
	}

	resp, err = http.Post(srv.URL+"/api/v0/status", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST, got %d", resp.StatusCode)
	}
}

func TestHandleCheck(t *testing.T) {
	api, _ := newTestAPI(t, "")
	srv := httptest.NewServer(api.newMux(muxOptions{}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v0/check", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var check deploy.UpdateCheck
	if err := json.NewDecoder(resp.Body).Decode(&check); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if check.AvailableCommit != "bbb" || check.CommitsBehind != 1 {
		t.Errorf("expected bbb/1, got %q/%d", check.AvailableCommit, check.CommitsBehind)
	}
}

func TestHandleDeploy(t *testing.T) {
	api, _ := newTestAPI(t, "")
	srv := httptest.NewServer(api.newMux(muxOptions{}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v0/deploy", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var state deploy.DeploymentState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if state.Status != deploy.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (err=%v)", state.Status, state.Error)
	}
	if state.CurrentCommit != "bbb" {
		t.Errorf("expected bbb, got %q", state.CurrentCommit)
	}
	if state.Reason != deploy.ReasonManual {
		t.Errorf("expected manual reason, got %s", state.Reason)
	}
}

func TestHandleRefreshSecrets(t *testing.T) {
	api, _ := newTestAPI(t, "")
	srv := httptest.NewServer(api.newMux(muxOptions{}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v0/secrets/refresh", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
}

func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHandleWebhook(t *testing.T) {
	secret := "sekrit"
	api, _ := newTestAPI(t, secret)
	srv := httptest.NewServer(api.newMux(muxOptions{}))
	defer srv.Close()

	body := []byte(`{"ref":"refs/heads/main"}`)

	// No signature.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/webhook", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 without signature, got %d", resp.StatusCode)
	}

	// Wrong signature.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign([]byte("wrong"), body))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 with wrong signature, got %d", resp.StatusCode)
	}

	// Valid signature.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign([]byte(secret), body))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}

	// The accepted webhook runs the deployment out of band.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st := api.coord.Snapshot()
		if st.Status == deploy.StatusSucceeded {
			if st.Reason != deploy.ReasonWebhook {
				t.Errorf("expected webhook reason, got %s", st.Reason)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deployment never completed, status %s", st.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebhookDisabledWithoutSecret(t *testing.T) {
	api, _ := newTestAPI(t, "")
	srv := httptest.NewServer(api.newMux(muxOptions{}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhook", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	// Falls through to the liveness handler on "/", which reports not ready.
	if resp.StatusCode == http.StatusAccepted {
		t.Error("webhook must not be reachable without a configured secret")
	}
}

func TestValidSignature(t *testing.T) {
	secret := []byte("sekrit")
	body := []byte("payload")

	cases := []struct {
		name   string
		header string
		exp    bool
	}{{
		name:   "valid",
		header: sign(secret, body),
		exp:    true,
	}, {
		name:   "empty",
		header: "",
		exp:    false,
	}, {
		name:   "no prefix",
		header: hex.EncodeToString([]byte("junk")),
		exp:    false,
	}, {
		name:   "bad hex",
		header: "sha256=zzzz",
		exp:    false,
	}, {
		name:   "wrong secret",
		header: sign([]byte("other"), body),
		exp:    false,
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := validSignature(tc.header, body, secret); got != tc.exp {
				t.Errorf("expected %v, got %v", tc.exp, got)
			}
		})
	}
}
