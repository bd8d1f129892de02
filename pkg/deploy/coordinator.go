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

// Package deploy implements the deployment pipeline: check, pull, secret
// sync, validate, plan, reload.  The Coordinator serializes attempts,
// persists a crash marker across mutating phases, and recovers from
// interrupted deployments at startup.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jaxlabs/gitops-deploy/pkg/logging"
)

var (
	metricDeployDuration = prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "deploy_attempt_duration_seconds",
		Help: "Summary of deployment attempt durations",
	}, []string{"status"})

	metricDeployCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "deploy_attempt_count_total",
		Help: "How many deployment attempts completed, partitioned by reason and state (success, error, noop, coalesced)",
	}, []string{"reason", "status"})
)

func init() {
	prometheus.MustRegister(metricDeployDuration)
	prometheus.MustRegister(metricDeployCount)
}

const (
	metricKeySuccess   = "success"
	metricKeyError     = "error"
	metricKeyNoOp      = "noop"
	metricKeyCoalesced = "coalesced"
)

// Repository is the version-control surface the pipeline needs.
type Repository interface {
	CurrentCommit(ctx context.Context) (string, error)
	CommitSubject(ctx context.Context, rev string) (string, error)
	Fetch(ctx context.Context) error
	RemoteCommit(ctx context.Context) (string, error)
	CommitsBehind(ctx context.Context, from, to string) (int, error)
	ChangedFiles(ctx context.Context, from, to string) ([]string, error)
	MergeFastForward(ctx context.Context) error
	DirtyPaths(ctx context.Context) ([]string, error)
	LockHeld() bool
}

// SecretSyncer refreshes secret material before validation.
type SecretSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// Validator runs the host's configuration check.
type Validator interface {
	Validate(ctx context.Context) error
}

// Reloader reloads one host subsystem.
type Reloader interface {
	ReloadDomain(ctx context.Context, domain Domain) error
}

// Options configures a Coordinator.
type Options struct {
	Repo      Repository
	Secrets   SecretSyncer
	Validator Validator
	Reloader  Reloader

	// Notifier receives repair signals.  Optional.
	Notifier Notifier

	// OnDeployed is called after a non-noop attempt reaches Succeeded,
	// with the deployed commit and its subject.  Optional.
	OnDeployed func(commit, subject string)

	// MarkerPath is where the crash marker lives.
	MarkerPath string

	// Timeout bounds one complete attempt.
	Timeout time.Duration

	Log *logging.Logger
}

// Coordinator owns the pipeline state machine.  There is exactly one per
// process, constructed explicitly and injected into its callers; at most
// one pipeline attempt runs at a time.
type Coordinator struct {
	repo       Repository
	secrets    SecretSyncer
	validator  Validator
	reloader   Reloader
	notifier   Notifier
	onDeployed func(commit, subject string)
	markers    *markerStore
	timeout    time.Duration
	log        *logging.Logger

	// mu serializes pipeline attempts, check-only fetches, and drift
	// checks: the working tree has exactly one writer at a time.
	mu sync.Mutex

	stateMu sync.Mutex
	state   DeploymentState
	ready   bool
	closed  bool
}

// NewCoordinator returns a Coordinator in the Idle state.  Call Bootstrap
// before accepting any trigger.
func NewCoordinator(opts Options) *Coordinator {
	return &Coordinator{
		repo:       opts.Repo,
		secrets:    opts.Secrets,
		validator:  opts.Validator,
		reloader:   opts.Reloader,
		notifier:   opts.Notifier,
		onDeployed: opts.OnDeployed,
		markers:    newMarkerStore(opts.MarkerPath),
		timeout:    opts.Timeout,
		log:        opts.Log,
		state:      DeploymentState{Status: StatusIdle},
	}
}

// Bootstrap initializes commit state and performs crash recovery.  A
// pre-existing crash marker means a previous deployment never reached a
// terminal state; the pipeline is not resumed - intermediate artifacts
// cannot be verified consistent - it is reported as Failed and a repair
// signal is emitted.  The marker is removed unless the git lock is still
// held, in which case it is kept for the operator.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	current, err := c.repo.CurrentCommit(ctx)
	if err != nil {
		return fmt.Errorf("can't determine current commit: %w", err)
	}
	subject, err := c.repo.CommitSubject(ctx, current)
	if err != nil {
		subject = ""
	}

	c.stateMu.Lock()
	c.state.CurrentCommit = current
	c.state.CurrentSubject = subject
	c.stateMu.Unlock()

	marker, present, err := c.markers.Read()
	if err != nil {
		return fmt.Errorf("can't read crash marker: %w", err)
	}
	if !present {
		return nil
	}

	c.log.V(0).Info("detected interrupted deployment",
		"startedAt", marker.StartedAt, "targetCommit", marker.ToCommit)

	c.stateMu.Lock()
	c.state.Status = StatusFailed
	c.state.Error = &Error{
		Kind:    ErrInterrupted,
		Message: fmt.Sprintf("deployment started at %s was interrupted before completing", marker.StartedAt.Format(time.RFC3339)),
	}
	c.stateMu.Unlock()

	emitSignal(c.notifier, Signal{Kind: SignalInterrupted, Detail: marker.ToCommit})

	if c.repo.LockHeld() {
		// The version-control tool still holds its lock; keep the
		// marker and tell the operator, this needs manual repair.
		emitSignal(c.notifier, Signal{Kind: SignalGitLockHeld})
		return nil
	}
	return c.markers.Remove()
}

// Ready reports whether the coordinator has completed at least one
// successful check against the remote.
func (c *Coordinator) Ready() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.ready
}

// Snapshot returns a copy of the current deployment state.
func (c *Coordinator) Snapshot() DeploymentState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state.clone()
}

// RequestDeployment runs the pipeline, or - if an attempt is already in
// flight - coalesces into it and returns the in-flight state.  A request
// arriving after an attempt completes must be re-issued to observe fresh
// commits; nothing is queued.  Safe to call concurrently.
func (c *Coordinator) RequestDeployment(ctx context.Context, reason Reason) DeploymentState {
	if !c.mu.TryLock() {
		metricDeployCount.WithLabelValues(string(reason), metricKeyCoalesced).Inc()
		c.log.V(2).Info("deployment already in flight, coalescing", "reason", reason)
		return c.Snapshot()
	}
	defer c.mu.Unlock()

	c.stateMu.Lock()
	closed := c.closed
	c.stateMu.Unlock()
	if closed {
		return c.Snapshot()
	}

	return c.deploy(ctx, reason)
}

// CheckForUpdates performs the check phase only: it refreshes the
// remote-tracking state and reports how far behind the applied commit is.
// It never mutates the working tree.  If a deployment is in flight, the
// most recently known values are returned instead of contending.
func (c *Coordinator) CheckForUpdates(ctx context.Context) (UpdateCheck, error) {
	if !c.mu.TryLock() {
		s := c.Snapshot()
		return UpdateCheck{AvailableCommit: s.AvailableCommit, CommitsBehind: s.CommitsBehind}, nil
	}
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.check(ctx)
}

// RefreshSecrets runs the secret synchronizer alone, outside a deployment.
// Returns false without doing anything if a deployment is in flight.
func (c *Coordinator) RefreshSecrets(ctx context.Context) (bool, error) {
	if !c.mu.TryLock() {
		return false, nil
	}
	defer c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.secrets.Sync(ctx)
	if err != nil {
		return true, err
	}
	c.log.V(0).Info("refreshed secrets", "count", n)
	return true, nil
}

// TryExclusive runs fn while holding the working-tree exclusion, or returns
// false immediately if a deployment is in flight.  Used by the drift
// detector, which never blocks or queues behind a deployment.
func (c *Coordinator) TryExclusive(fn func()) bool {
	if !c.mu.TryLock() {
		return false
	}
	defer c.mu.Unlock()
	fn()
	return true
}

// Shutdown waits for any in-flight attempt to finish and stops accepting
// new ones.
func (c *Coordinator) Shutdown() {
	c.stateMu.Lock()
	c.closed = true
	c.stateMu.Unlock()

	// Wait for an in-flight attempt to release the exclusion.
	c.mu.Lock()
	c.mu.Unlock()
}

// check fetches the remote and updates availableCommit / commitsBehind.
// Caller must hold mu.
func (c *Coordinator) check(ctx context.Context) (UpdateCheck, error) {
	current := c.currentCommit()

	if err := c.repo.Fetch(ctx); err != nil {
		return UpdateCheck{}, err
	}
	remote, err := c.repo.RemoteCommit(ctx)
	if err != nil {
		return UpdateCheck{}, err
	}
	behind, err := c.repo.CommitsBehind(ctx, current, remote)
	if err != nil {
		return UpdateCheck{}, err
	}

	c.stateMu.Lock()
	c.state.AvailableCommit = remote
	c.state.CommitsBehind = behind
	c.ready = true
	c.stateMu.Unlock()

	return UpdateCheck{AvailableCommit: remote, CommitsBehind: behind}, nil
}

// deploy runs one pipeline attempt.  Caller must hold mu.
func (c *Coordinator) deploy(ctx context.Context, reason Reason) DeploymentState {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	current := c.currentCommit()

	c.stateMu.Lock()
	c.state.Status = StatusChecking
	c.state.Reason = reason
	c.state.StartedAt = start
	c.state.FinishedAt = time.Time{}
	c.state.Error = nil
	c.state.ChangedFiles = nil
	c.state.ReloadDomains = nil
	c.state.RestartRequired = false
	c.stateMu.Unlock()

	c.log.V(0).Info("deployment requested", "reason", reason, "currentCommit", current)

	// Phase 1: check.  No mutation of the working tree.
	check, err := c.check(ctx)
	if err != nil {
		return c.fail(reason, start, ErrRepository, err, markerUntouched)
	}
	if check.CommitsBehind == 0 {
		c.log.V(1).Info("up to date, nothing to deploy", "commit", current)
		return c.succeed(reason, start, true)
	}

	// A held git lock means another git process is operating on the tree.
	// Surface it and refuse to pull into it.
	if c.repo.LockHeld() {
		emitSignal(c.notifier, Signal{Kind: SignalGitLockHeld})
		return c.fail(reason, start, ErrRepository, errors.New("git index lock is held"), markerUntouched)
	}

	// Phase 2: pull.  The crash marker goes down before the first
	// mutation and stays until a later phase removes it.  A failure in
	// this phase keeps the marker: the tree may be half-merged and the
	// next startup has to know.
	c.setStatus(StatusPulling)
	if err := c.markers.Write(crashMarker{
		StartedAt:  start,
		Reason:     reason,
		FromCommit: current,
		ToCommit:   check.AvailableCommit,
	}); err != nil {
		return c.fail(reason, start, ErrRepository, fmt.Errorf("can't write crash marker: %w", err), markerUntouched)
	}
	if err := c.repo.MergeFastForward(ctx); err != nil {
		return c.fail(reason, start, ErrRepository, err, markerKept)
	}
	newHead, err := c.repo.CurrentCommit(ctx)
	if err != nil {
		return c.fail(reason, start, ErrRepository, err, markerKept)
	}
	changed, err := c.repo.ChangedFiles(ctx, current, newHead)
	if err != nil {
		return c.fail(reason, start, ErrRepository, err, markerKept)
	}

	c.stateMu.Lock()
	c.state.ChangedFiles = changed
	c.stateMu.Unlock()
	c.log.V(1).Info("pulled changes", "commit", newHead, "changedFiles", changed)

	// Phase 3: secrets.  Always runs - new commits may reference secrets
	// not yet materialized.
	c.setStatus(StatusSyncingSecrets)
	if _, err := c.secrets.Sync(ctx); err != nil {
		return c.fail(reason, start, ErrSecretSync, err, markerRemoved)
	}

	// Phase 4: validate.  On failure currentCommit is not advanced; the
	// pulled files stay on disk (rollback is out of scope) and the status
	// surface shows the divergence.
	c.setStatus(StatusValidating)
	if err := c.validator.Validate(ctx); err != nil {
		return c.fail(reason, start, ErrValidation, err, markerRemoved)
	}

	// Phase 5: plan and reload.
	c.setStatus(StatusReloading)
	plan := PlanReload(changed)

	c.stateMu.Lock()
	c.state.ReloadDomains = plan.Domains
	c.state.RestartRequired = plan.RestartRequired
	c.stateMu.Unlock()

	if plan.RestartRequired {
		// Reloading a domain whose schema changed under it is not safe;
		// surface restart-needed instead.  Surfacing twice is fine.
		c.log.V(0).Info("restart required, skipping per-domain reloads", "commit", newHead)
		emitSignal(c.notifier, Signal{Kind: SignalRestartRequired, Detail: newHead})
	} else {
		for _, domain := range plan.Domains {
			if err := c.reloader.ReloadDomain(ctx, domain); err != nil {
				return c.fail(reason, start, ErrReload, fmt.Errorf("reload %s: %w", domain, err), markerRemoved)
			}
		}
	}

	// Terminal: advance, clear the marker, publish.
	subject, err := c.repo.CommitSubject(ctx, newHead)
	if err != nil {
		subject = ""
	}
	if err := c.markers.Remove(); err != nil {
		c.log.Error(err, "can't remove crash marker")
	}

	c.stateMu.Lock()
	c.state.CurrentCommit = newHead
	c.state.CurrentSubject = subject
	c.state.CommitsBehind = 0
	c.stateMu.Unlock()

	out := c.succeed(reason, start, false)
	if c.onDeployed != nil {
		c.onDeployed(newHead, subject)
	}
	return out
}

func (c *Coordinator) currentCommit() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state.CurrentCommit
}

func (c *Coordinator) setStatus(status Status) {
	c.stateMu.Lock()
	c.state.Status = status
	c.stateMu.Unlock()
	c.log.V(2).Info("phase transition", "status", status)
}

func (c *Coordinator) succeed(reason Reason, start time.Time, noop bool) DeploymentState {
	key := metricKeySuccess
	if noop {
		key = metricKeyNoOp
	}
	metricDeployCount.WithLabelValues(string(reason), key).Inc()
	metricDeployDuration.WithLabelValues(key).Observe(time.Since(start).Seconds())

	c.stateMu.Lock()
	c.state.Status = StatusSucceeded
	c.state.FinishedAt = time.Now()
	s := c.state.clone()
	c.stateMu.Unlock()

	c.log.V(0).Info("deployment succeeded", "noop", noop, "commit", s.CurrentCommit, "duration", time.Since(start).String())
	return s
}

// markerAction says what a failure does with the crash marker.  Pull-phase
// failures keep it: the working tree state is not verifiable and the next
// startup has to know.  Later phases remove the marker they wrote - the
// tree is at a known commit, only the applied state lags.  Failures before
// any mutation leave whatever marker exists untouched.
type markerAction int

const (
	markerUntouched markerAction = iota
	markerKept
	markerRemoved
)

// fail records a classified failure and halts the attempt.
func (c *Coordinator) fail(reason Reason, start time.Time, kind ErrorKind, err error, marker markerAction) DeploymentState {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}

	metricDeployCount.WithLabelValues(string(reason), metricKeyError).Inc()
	metricDeployDuration.WithLabelValues(metricKeyError).Observe(time.Since(start).Seconds())

	if marker == markerRemoved {
		if rmErr := c.markers.Remove(); rmErr != nil {
			c.log.Error(rmErr, "can't remove crash marker")
		}
	}

	c.stateMu.Lock()
	c.state.Status = StatusFailed
	c.state.Error = &Error{Kind: kind, Message: err.Error()}
	c.state.FinishedAt = time.Now()
	s := c.state.clone()
	c.stateMu.Unlock()

	c.log.Error(err, "deployment failed", "reason", reason, "kind", kind)
	return s
}
