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
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jaxlabs/gitops-deploy/pkg/logging"
)

var metricDriftChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "deploy_drift_check_count_total",
	Help: "How many drift checks ran, partitioned by result (clean, dirty, skipped, error)",
}, []string{"result"})

func init() {
	prometheus.MustRegister(metricDriftChecks)
}

// DriftDetector periodically inspects working-tree cleanliness: local edits
// that bypassed git are drift.  It shares the coordinator's exclusion and
// yields entirely to an in-progress deployment - a check that coincides
// with a pipeline is skipped, never partially executed.
type DriftDetector struct {
	coord    *Coordinator
	repo     Repository
	notifier Notifier
	interval time.Duration
	log      *logging.Logger

	mu         sync.Mutex
	lastReport *DriftReport
	dirtyRuns  int
	signaled   []string // paths already signaled, nil when no signal stands
}

// NewDriftDetector returns a detector checking every interval.
func NewDriftDetector(coord *Coordinator, repo Repository, notifier Notifier, interval time.Duration, log *logging.Logger) *DriftDetector {
	return &DriftDetector{
		coord:    coord,
		repo:     repo,
		notifier: notifier,
		interval: interval,
		log:      log,
	}
}

// Run ticks until ctx is done.
func (d *DriftDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Check(ctx)
		}
	}
}

// Check performs one drift check.  Returns false if the check was skipped
// because a deployment holds the working tree.
func (d *DriftDetector) Check(ctx context.Context) bool {
	var dirty []string
	var err error
	acquired := d.coord.TryExclusive(func() {
		dirty, err = d.repo.DirtyPaths(ctx)
	})
	if !acquired {
		metricDriftChecks.WithLabelValues("skipped").Inc()
		d.log.V(3).Info("deployment in flight, skipping drift check")
		return false
	}
	if err != nil {
		metricDriftChecks.WithLabelValues("error").Inc()
		d.log.Error(err, "drift check failed")
		return true
	}

	report := &DriftReport{DirtyPaths: dirty, CheckedAt: time.Now()}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastReport = report

	if len(dirty) == 0 {
		metricDriftChecks.WithLabelValues("clean").Inc()
		d.dirtyRuns = 0
		d.signaled = nil
		return true
	}

	metricDriftChecks.WithLabelValues("dirty").Inc()
	d.dirtyRuns++
	d.log.V(1).Info("working tree has uncommitted changes", "paths", dirty, "consecutive", d.dirtyRuns)

	// Persistent drift needs two consecutive dirty checks, and is
	// signaled once per distinct set of paths, not on every tick.
	if d.dirtyRuns >= 2 && !samePaths(d.signaled, dirty) {
		emitSignal(d.notifier, Signal{Kind: SignalPersistentDrift, Detail: strings.Join(dirty, ", ")})
		d.signaled = append([]string(nil), dirty...)
	}
	return true
}

// LastReport returns the most recent drift report, or nil if no check has
// completed yet.
func (d *DriftDetector) LastReport() *DriftReport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastReport == nil {
		return nil
	}
	out := *d.lastReport
	out.DirtyPaths = append([]string(nil), d.lastReport.DirtyPaths...)
	return &out
}

func samePaths(a, b []string) bool {
	if a == nil || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
