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

// Package hook delivers deployment events to downstream consumers: an HTTP
// webhook or an executable.  Delivery is asynchronous, coalescing, and
// retried with backoff; consumers always see the newest event, not every
// event.
package hook

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jaxlabs/gitops-deploy/pkg/logging"
)

var hookRunCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "deploy_hook_run_count_total",
	Help: "How many hook runs completed, partitioned by name and state (success, error)",
}, []string{"name", "status"})

func init() {
	prometheus.MustRegister(hookRunCount)
}

// Event is what gets delivered: a name (e.g. "deployed", or a repair signal
// kind) and the ref it concerns (a commit, or signal detail).
type Event struct {
	Name string
	Ref  string
}

// Hook is one delivery mechanism, run by HookRunner.
type Hook interface {
	// Name describes the hook.
	Name() string
	// Do delivers one event.
	Do(ctx context.Context, event Event) error
}

type hookData struct {
	ch    chan struct{}
	mutex sync.Mutex
	event Event
}

// NewHookData returns a new hookData.
func NewHookData() *hookData {
	return &hookData{
		ch: make(chan struct{}, 1),
	}
}

func (d *hookData) events() chan struct{} {
	return d.ch
}

func (d *hookData) get() Event {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.event
}

func (d *hookData) set(event Event) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.event = event
}

func (d *hookData) send(event Event) {
	d.set(event)

	// Non-blocking write.  If the channel is full, the consumer will see
	// the newest value.  If the channel was not full, the consumer will
	// get another event.
	select {
	case d.ch <- struct{}{}:
	default:
	}
}

// NewHookRunner returns a new HookRunner.
func NewHookRunner(hook Hook, backoff time.Duration, data *hookData, log *logging.Logger, oneTime bool) *HookRunner {
	hr := &HookRunner{hook: hook, backoff: backoff, data: data, logger: log}
	if oneTime {
		hr.oneTimeResult = make(chan bool, 1)
	}
	return hr
}

// HookRunner runs a Hook whenever a new event is sent to it.
type HookRunner struct {
	// Hook to run and check
	hook Hook
	// Backoff for failed hooks
	backoff time.Duration
	// Holds the data as it crosses from producer to consumer.
	data *hookData
	// Logger
	logger *logging.Logger
	// Used to send a status result when running in one-time mode.
	// Should be initialised to a buffered channel of size 1.
	oneTimeResult chan bool
}

// Send submits an event for delivery.
func (r *HookRunner) Send(event Event) {
	r.data.send(event)
}

// Run waits for trigger events from the channel, and runs the hook when
// triggered.
func (r *HookRunner) Run(ctx context.Context) {
	var lastEvent Event

	// Wait for trigger from hookData.send
	for range r.data.events() {
		// Retry in case of error
		for {
			// Always get the latest value, in case we fail-and-retry and
			// the value changed in the meantime.  This means that we
			// might not deliver every single event.
			event := r.data.get()
			if event == lastEvent {
				break
			}

			if err := r.hook.Do(ctx, event); err != nil {
				r.logger.Error(err, "hook failed", "hook", r.hook.Name(), "event", event.Name)
				updateHookRunCountMetric(r.hook.Name(), "error")
				// don't want to sleep unnecessarily terminating anyways
				r.sendOneTimeResultAndTerminate(false)

				time.Sleep(r.backoff)
			} else {
				updateHookRunCountMetric(r.hook.Name(), "success")
				lastEvent = event
				r.sendOneTimeResultAndTerminate(true)
				break
			}
		}
	}
}

func updateHookRunCountMetric(name, status string) {
	hookRunCount.WithLabelValues(name, status).Inc()
}

// If oneTimeResult is nil, does nothing.  Otherwise, forwards the caller
// provided success status (as a boolean) of HookRunner to receivers of
// oneTimeResult, closes said channel, and terminates this goroutine.
// Using this function to write to oneTimeResult ensures it is only ever
// written to once.
func (r *HookRunner) sendOneTimeResultAndTerminate(completedSuccessfully bool) {
	if r.oneTimeResult != nil {
		r.oneTimeResult <- completedSuccessfully
		close(r.oneTimeResult)
		runtime.Goexit()
	}
}

// WaitForCompletion waits for the HookRunner to deliver its one event and
// returns an error if delivery failed.  Only valid in one-time mode.
func (r *HookRunner) WaitForCompletion() error {
	// Make sure function should be called
	if r.oneTimeResult == nil {
		return fmt.Errorf("HookRunner.WaitForCompletion called on async runner")
	}

	// Perform wait on HookRunner
	hookRunnerFinishedSuccessfully := <-r.oneTimeResult
	if !hookRunnerFinishedSuccessfully {
		return fmt.Errorf("hook completed with error")
	}

	return nil
}
