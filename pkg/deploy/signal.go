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

import "github.com/prometheus/client_golang/prometheus"

var metricRepairSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "deploy_repair_signal_count_total",
	Help: "How many repair signals were emitted, partitioned by kind",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(metricRepairSignals)
}

// SignalKind identifies a repair condition that needs human action, as
// opposed to routine status reporting.  Each kind is distinct so downstream
// consumers can render distinct guidance.
type SignalKind string

const (
	SignalInterrupted     SignalKind = "deployment-interrupted"
	SignalPersistentDrift SignalKind = "persistent-drift"
	SignalRestartRequired SignalKind = "restart-required"
	SignalGitLockHeld     SignalKind = "git-lock-held"
)

// Signal is a repair alert.
type Signal struct {
	Kind   SignalKind `json:"kind"`
	Detail string     `json:"detail,omitempty"`
}

// Notifier receives repair signals.  Notify must not block; long-running
// delivery belongs behind a hook runner.
type Notifier interface {
	Notify(sig Signal)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(sig Signal)

// Notify implements Notifier.
func (f NotifierFunc) Notify(sig Signal) {
	f(sig)
}

func emitSignal(n Notifier, sig Signal) {
	metricRepairSignals.WithLabelValues(string(sig.Kind)).Inc()
	if n != nil {
		n.Notify(sig)
	}
}
