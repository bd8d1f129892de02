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

package deploy

import (
	"fmt"
	"time"
)

// Status is a deployment pipeline phase.  Transitions only ever follow the
// pipeline order; a new attempt resets to StatusChecking.
type Status string

const (
	StatusIdle           Status = "idle"
	StatusChecking       Status = "checking"
	StatusPulling        Status = "pulling"
	StatusSyncingSecrets Status = "syncing-secrets"
	StatusValidating     Status = "validating"
	StatusReloading      Status = "reloading"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
)

// Reason records which trigger source requested a deployment.  It is
// informational only.
type Reason string

const (
	ReasonPoll    Reason = "poll"
	ReasonWebhook Reason = "webhook"
	ReasonManual  Reason = "manual"
	ReasonSignal  Reason = "signal"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	ErrRepository  ErrorKind = "repository"
	ErrSecretSync  ErrorKind = "secret-sync"
	ErrValidation  ErrorKind = "validation"
	ErrReload      ErrorKind = "reload"
	ErrInterrupted ErrorKind = "interrupted-deployment"
	ErrTimeout     ErrorKind = "timeout"
)

// Error is a classified pipeline failure, attached verbatim to the
// deployment state.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// DeploymentState is the single authoritative record of pipeline progress.
// It is created once per process and mutated in place by the Coordinator;
// callers only ever see copies via Snapshot.
type DeploymentState struct {
	Status Status `json:"status"`
	Reason Reason `json:"reason,omitempty"`

	// CurrentCommit is the last commit the host has validated and
	// reloaded; it only advances on success.  AvailableCommit is the most
	// recent commit known on the remote.
	CurrentCommit   string `json:"currentCommit,omitempty"`
	CurrentSubject  string `json:"currentSubject,omitempty"`
	AvailableCommit string `json:"availableCommit,omitempty"`
	CommitsBehind   int    `json:"commitsBehind"`

	ChangedFiles    []string `json:"changedFiles,omitempty"`
	ReloadDomains   []Domain `json:"reloadDomains,omitempty"`
	RestartRequired bool     `json:"restartRequired"`

	Error *Error `json:"error,omitempty"`

	StartedAt  time.Time `json:"startedAt,omitempty"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

// clone returns a deep copy, so snapshots are safe to hand out.
func (s *DeploymentState) clone() DeploymentState {
	out := *s
	if s.ChangedFiles != nil {
		out.ChangedFiles = append([]string(nil), s.ChangedFiles...)
	}
	if s.ReloadDomains != nil {
		out.ReloadDomains = append([]Domain(nil), s.ReloadDomains...)
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return out
}

// UpdateCheck is the result of a check-only probe of the remote.
type UpdateCheck struct {
	AvailableCommit string `json:"availableCommit"`
	CommitsBehind   int    `json:"commitsBehind"`
}

// DriftReport is the result of a single drift check.  It is recreated on
// every check and is deliberately not part of DeploymentState: drift and
// deployment are orthogonal failure modes.
type DriftReport struct {
	DirtyPaths []string  `json:"dirtyPaths"`
	CheckedAt  time.Time `json:"checkedAt"`
}
