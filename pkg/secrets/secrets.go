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

// Package secrets fetches key/value secret material from an external secret
// store and materializes it as a regenerable YAML file in the config tree.
// The file is merged into the host's secret lookup via an include line in
// the main secrets.yaml; that file is created or amended as needed, never
// rewritten wholesale.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/jaxlabs/gitops-deploy/pkg/logging"
)

var metricSecretSyncCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "deploy_secret_sync_count_total",
	Help: "How many secret syncs completed, partitioned by state (success, error)",
}, []string{"status"})

func init() {
	prometheus.MustRegister(metricSecretSyncCount)
}

// Client fetches secrets from an Infisical-style secret store over HTTP.
type Client struct {
	apiURL      string
	token       string
	project     string
	environment string
	secretPath  string
	httpClient  *http.Client
	log         *logging.Logger
}

// NewClient returns a Client for the given store.  The timeout bounds each
// fetch; a fetch is never left pending indefinitely.
func NewClient(apiURL, token, project, environment, secretPath string, timeout time.Duration, log *logging.Logger) *Client {
	return &Client{
		apiURL:      strings.TrimRight(apiURL, "/"),
		token:       token,
		project:     project,
		environment: environment,
		secretPath:  secretPath,
		httpClient:  &http.Client{Timeout: timeout},
		log:         log,
	}
}

// List fetches all secrets in the configured project/environment/path.
func (c *Client) List(ctx context.Context) (map[string]string, error) {
	q := url.Values{}
	q.Set("workspaceId", c.project)
	q.Set("environment", c.environment)
	q.Set("secretPath", c.secretPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/api/v3/secrets/raw?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("secret store rejected credentials: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("secret store returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Secrets []struct {
			SecretKey   string `json:"secretKey"`
			SecretValue string `json:"secretValue"`
		} `json:"secrets"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed secret store response: %w", err)
	}

	out := make(map[string]string, len(payload.Secrets))
	for _, s := range payload.Secrets {
		out[s.SecretKey] = s.SecretValue
	}
	return out, nil
}

// Fetcher is the part of Client the Syncer needs.
type Fetcher interface {
	List(ctx context.Context) (map[string]string, error)
}

// Syncer writes fetched secrets into the config tree.
type Syncer struct {
	fetcher     Fetcher
	root        string // absolute path to the config tree
	filename    string // the regenerable secrets file, relative to root
	includeFile string // the main secrets file carrying the include line
	source      string // human-readable description of the store scope
	log         *logging.Logger
}

// NewSyncer returns a Syncer which materializes secrets under root.
func NewSyncer(fetcher Fetcher, root, filename, includeFile, source string, log *logging.Logger) *Syncer {
	return &Syncer{
		fetcher:     fetcher,
		root:        root,
		filename:    filename,
		includeFile: includeFile,
		source:      source,
		log:         log,
	}
}

// Sync fetches the current secret material and rewrites the managed file,
// then makes sure the include chain references it.  Returns the number of
// secrets written.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	vals, err := s.fetcher.List(ctx)
	if err != nil {
		metricSecretSyncCount.WithLabelValues("error").Inc()
		return 0, err
	}

	content, err := RenderSecretsFile(vals, s.source, time.Now().UTC())
	if err != nil {
		metricSecretSyncCount.WithLabelValues("error").Inc()
		return 0, err
	}
	if err := atomicWrite(filepath.Join(s.root, s.filename), content); err != nil {
		metricSecretSyncCount.WithLabelValues("error").Inc()
		return 0, err
	}

	if err := s.ensureInclude(); err != nil {
		metricSecretSyncCount.WithLabelValues("error").Inc()
		return 0, err
	}

	metricSecretSyncCount.WithLabelValues("success").Inc()
	s.log.V(1).Info("synced secrets", "count", len(vals), "file", s.filename)
	return len(vals), nil
}

// RenderSecretsFile renders the managed secrets file: a do-not-edit banner
// followed by the key/value pairs as YAML.  Keys are emitted in sorted
// order so the file is reproducible.
func RenderSecretsFile(vals map[string]string, source string, now time.Time) ([]byte, error) {
	var b strings.Builder
	b.WriteString("# Managed by gitops-deploy - DO NOT EDIT MANUALLY\n")
	fmt.Fprintf(&b, "# Synced at %s\n", now.Format(time.RFC3339))
	if source != "" {
		fmt.Fprintf(&b, "# Source: %s\n", source)
	}
	b.WriteString("\n")

	// yaml.Marshal sorts map keys, but go through a sorted slice of
	// key/value nodes so the ordering contract doesn't depend on it.
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	doc := yaml.Node{Kind: yaml.MappingNode}
	for _, k := range keys {
		doc.Content = append(doc.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Value: vals[k]},
		)
	}
	body, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, err
	}
	b.Write(body)
	return []byte(b.String()), nil
}

// ensureInclude adds the include line for the managed file to the main
// secrets file, creating that file if it does not exist.  Existing content
// is preserved.
func (s *Syncer) ensureInclude() error {
	includePath := filepath.Join(s.root, s.includeFile)
	includeLine := fmt.Sprintf("<<: !include %s\n", s.filename)

	existing, err := os.ReadFile(includePath)
	if os.IsNotExist(err) {
		content := "# Managed secrets (gitops-deploy)\n" + includeLine + "\n# Your manual secrets here\n"
		if err := os.WriteFile(includePath, []byte(content), 0600); err != nil {
			return err
		}
		s.log.V(0).Info("created secrets include file", "file", s.includeFile)
		return nil
	}
	if err != nil {
		return err
	}
	if strings.Contains(string(existing), s.filename) {
		return nil
	}

	content := "# Managed secrets (gitops-deploy)\n" + includeLine + "\n" + string(existing)
	if err := os.WriteFile(includePath, []byte(content), 0600); err != nil {
		return err
	}
	s.log.V(0).Info("added managed include to secrets file", "file", s.includeFile)
	return nil
}

// atomicWrite writes content to path via a temp file and rename, so readers
// never observe a partially written file.
func atomicWrite(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-secrets-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
