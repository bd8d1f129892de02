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

package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaxlabs/gitops-deploy/pkg/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	return logging.New(t.TempDir(), "", 0)
}

func TestClientList(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"secrets":[{"secretKey":"api_key","secretValue":"s3cr3t"},{"secretKey":"latitude","secretValue":"51.0"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", "proj", "prod", "/", 5*time.Second, testLogger(t))
	vals, err := c.List(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vals) != 2 || vals["api_key"] != "s3cr3t" || vals["latitude"] != "51.0" {
		t.Errorf("unexpected secrets: %v", vals)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	for _, want := range []string{"workspaceId=proj", "environment=prod"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("query %q missing %q", gotQuery, want)
		}
	}
}

func TestClientListErrors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		errPart string
	}{{
		name:    "unauthorized",
		status:  http.StatusUnauthorized,
		body:    "{}",
		errPart: "rejected credentials",
	}, {
		name:    "server error",
		status:  http.StatusInternalServerError,
		body:    "{}",
		errPart: "returned",
	}, {
		name:    "malformed body",
		status:  http.StatusOK,
		body:    "not json",
		errPart: "malformed",
	}}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "tok", "p", "e", "/", 5*time.Second, testLogger(t))
			if _, err := c.List(context.Background()); err == nil {
				t.Fatal("expected an error")
			} else if !strings.Contains(err.Error(), tc.errPart) {
				t.Errorf("expected error containing %q, got %v", tc.errPart, err)
			}
		})
	}
}

func TestRenderSecretsFile(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	content, err := RenderSecretsFile(map[string]string{
		"zeta_key": "last",
		"api_key":  "s3cr3t",
	}, "prod:/", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text := string(content)
	if !strings.HasPrefix(text, "# Managed by gitops-deploy") {
		t.Errorf("missing banner: %q", text)
	}
	if !strings.Contains(text, "2025-06-01T12:00:00Z") {
		t.Errorf("missing timestamp: %q", text)
	}
	if strings.Index(text, "api_key") > strings.Index(text, "zeta_key") {
		t.Errorf("keys not sorted: %q", text)
	}

	// The YAML body must round-trip.
	var parsed map[string]string
	if err := yaml.Unmarshal(content, &parsed); err != nil {
		t.Fatalf("rendered file is not valid YAML: %v", err)
	}
	if parsed["api_key"] != "s3cr3t" || parsed["zeta_key"] != "last" {
		t.Errorf("unexpected round-trip: %v", parsed)
	}
}

type fakeFetcher map[string]string

func (f fakeFetcher) List(ctx context.Context) (map[string]string, error) {
	return f, nil
}

func TestSyncerWritesManagedFile(t *testing.T) {
	root := t.TempDir()
	s := NewSyncer(fakeFetcher{"k": "v"}, root, "secrets_managed.yaml", "secrets.yaml", "prod:/", testLogger(t))

	n, err := s.Sync(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 secret, got %d", n)
	}

	managed, err := os.ReadFile(filepath.Join(root, "secrets_managed.yaml"))
	if err != nil {
		t.Fatalf("managed file not written: %v", err)
	}
	if !strings.Contains(string(managed), "k: v") {
		t.Errorf("managed file missing secret: %q", managed)
	}

	include, err := os.ReadFile(filepath.Join(root, "secrets.yaml"))
	if err != nil {
		t.Fatalf("include file not created: %v", err)
	}
	if !strings.Contains(string(include), "!include secrets_managed.yaml") {
		t.Errorf("include line missing: %q", include)
	}
}

func TestSyncerPreservesExistingSecretsFile(t *testing.T) {
	root := t.TempDir()
	manual := "manual_secret: keepme\n"
	if err := os.WriteFile(filepath.Join(root, "secrets.yaml"), []byte(manual), 0600); err != nil {
		t.Fatal(err)
	}

	s := NewSyncer(fakeFetcher{"k": "v"}, root, "secrets_managed.yaml", "secrets.yaml", "", testLogger(t))
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	include, _ := os.ReadFile(filepath.Join(root, "secrets.yaml"))
	text := string(include)
	if !strings.Contains(text, "!include secrets_managed.yaml") {
		t.Errorf("include line missing: %q", text)
	}
	if !strings.Contains(text, "manual_secret: keepme") {
		t.Errorf("manual content lost: %q", text)
	}

	// A second sync must not duplicate the include line.
	if _, err := s.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	include, _ = os.ReadFile(filepath.Join(root, "secrets.yaml"))
	if n := strings.Count(string(include), "!include secrets_managed.yaml"); n != 1 {
		t.Errorf("expected exactly one include line, got %d", n)
	}
}
