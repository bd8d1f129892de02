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

// Package host is a client for the running host process that consumes the
// deployed configuration.  The host provides two operations at its API:
// a configuration check, and a per-subsystem reload.  This package only
// speaks the HTTP contract; it implements none of the semantics.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jaxlabs/gitops-deploy/pkg/deploy"
	"github.com/jaxlabs/gitops-deploy/pkg/logging"
)

// Client talks to the host API with a bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *logging.Logger
}

// NewClient returns a Client for the host at baseURL.  The timeout bounds
// each individual call.
func NewClient(baseURL, token string, timeout time.Duration, log *logging.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (c *Client) post(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// Validate runs the host's configuration check and classifies the result.
// An invalid configuration is an error carrying the host's diagnostic text
// verbatim.
func (c *Client) Validate(ctx context.Context) error {
	c.log.V(1).Info("running host configuration check")
	resp, err := c.post(ctx, "/api/config/core/check_config")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("host config check returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var result struct {
		Result string `json:"result"`
		Errors string `json:"errors"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("malformed config check response: %w", err)
	}
	if result.Result != "valid" {
		return fmt.Errorf("configuration invalid: %s", result.Errors)
	}
	return nil
}

// ReloadDomain reloads one host subsystem.
func (c *Client) ReloadDomain(ctx context.Context, domain deploy.Domain) error {
	c.log.V(1).Info("reloading host domain", "domain", domain)
	resp, err := c.post(ctx, "/api/services/"+string(domain)+"/reload")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload of %s returned %s", domain, resp.Status)
	}
	return nil
}
