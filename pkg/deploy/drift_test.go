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
	"testing"
	"time"

	"github.com/jaxlabs/gitops-deploy/pkg/logging"
)

func newDriftHarness(t *testing.T) (*testHarness, *DriftDetector) {
	t.Helper()
	h := newTestHarness(t)
	h.bootstrap(t)
	d := NewDriftDetector(h.coord, h.repo, h.notifier, time.Minute, logging.New("", "", 0))
	return h, d
}

func driftKinds(n *recordingNotifier) []SignalKind {
	var out []SignalKind
	for _, k := range n.kinds() {
		if k == SignalPersistentDrift {
			out = append(out, k)
		}
	}
	return out
}

func TestDriftSkippedDuringDeployment(t *testing.T) {
	h, d := newDriftHarness(t)

	h.coord.TryExclusive(func() {
		if d.Check(context.Background()) {
			t.Error("check must be skipped while the working tree is held")
		}
	})
	if d.LastReport() != nil {
		t.Error("a skipped check leaves no report")
	}
}

func TestDriftTwoConsecutiveDirtyChecks(t *testing.T) {
	h, d := newDriftHarness(t)
	h.repo.dirty = []string{"automations.yaml"}

	d.Check(context.Background())
	if got := driftKinds(h.notifier); len(got) != 0 {
		t.Fatalf("one dirty check must not signal, got %v", got)
	}

	d.Check(context.Background())
	if got := driftKinds(h.notifier); len(got) != 1 {
		t.Fatalf("two consecutive dirty checks signal once, got %v", got)
	}

	// Further ticks with the same dirty set stay quiet.
	d.Check(context.Background())
	d.Check(context.Background())
	if got := driftKinds(h.notifier); len(got) != 1 {
		t.Errorf("unchanged drift must not re-signal, got %v", got)
	}
}

func TestDriftResetOnClean(t *testing.T) {
	h, d := newDriftHarness(t)

	h.repo.dirty = []string{"automations.yaml"}
	d.Check(context.Background())

	h.repo.dirty = nil
	d.Check(context.Background())

	// The counter starts over: one dirty check after a clean one is not
	// persistent drift yet.
	h.repo.dirty = []string{"automations.yaml"}
	d.Check(context.Background())
	if got := driftKinds(h.notifier); len(got) != 0 {
		t.Fatalf("expected no signal yet, got %v", got)
	}
	d.Check(context.Background())
	if got := driftKinds(h.notifier); len(got) != 1 {
		t.Errorf("expected one signal after two consecutive dirty checks, got %v", got)
	}
}

func TestDriftNewPathsSignalAgain(t *testing.T) {
	h, d := newDriftHarness(t)
	h.repo.dirty = []string{"automations.yaml"}

	d.Check(context.Background())
	d.Check(context.Background())
	if got := driftKinds(h.notifier); len(got) != 1 {
		t.Fatalf("expected one signal, got %v", got)
	}

	h.repo.dirty = []string{"automations.yaml", "scripts.yaml"}
	d.Check(context.Background())
	if got := driftKinds(h.notifier); len(got) != 2 {
		t.Errorf("a different dirty set signals again, got %v", got)
	}
}

func TestDriftLastReport(t *testing.T) {
	h, d := newDriftHarness(t)

	if d.LastReport() != nil {
		t.Fatal("no report before the first check")
	}
	h.repo.dirty = []string{"scenes.yaml"}
	d.Check(context.Background())

	report := d.LastReport()
	if report == nil {
		t.Fatal("expected a report")
	}
	if len(report.DirtyPaths) != 1 || report.DirtyPaths[0] != "scenes.yaml" {
		t.Errorf("unexpected dirty paths: %v", report.DirtyPaths)
	}
	if report.CheckedAt.IsZero() {
		t.Error("report must carry a timestamp")
	}

	// The report is a copy.
	report.DirtyPaths[0] = "mutated"
	if d.LastReport().DirtyPaths[0] == "mutated" {
		t.Error("mutating a report must not affect the detector")
	}
}
