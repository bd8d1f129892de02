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

package hook

import (
	"context"
	"fmt"
	"time"

	"github.com/jaxlabs/gitops-deploy/pkg/cmd"
	"github.com/jaxlabs/gitops-deploy/pkg/logging"
)

// Exechook delivers events by running a command; implements Hook.
type Exechook struct {
	// Runner
	cmdrunner cmd.Runner
	// Command to run
	command string
	// Command args
	args []string
	// Working directory for the command (the config tree root)
	workdir string
	// Timeout for the command
	timeout time.Duration
	// Logger
	logger *logging.Logger
}

// NewExechook returns a new Exechook.
func NewExechook(cmdrunner cmd.Runner, command, workdir string, args []string, timeout time.Duration, l *logging.Logger) *Exechook {
	return &Exechook{
		cmdrunner: cmdrunner,
		command:   command,
		workdir:   workdir,
		args:      args,
		timeout:   timeout,
		logger:    l,
	}
}

// Name describes hook, implements Hook.Name.
func (h *Exechook) Name() string {
	return "exechook"
}

// Do runs the hook command, implements Hook.Do.  The event is passed in
// DEPLOY_EVENT and DEPLOY_REF environment variables.
func (h *Exechook) Do(ctx context.Context, event Event) error {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	env := []string{
		envKV("DEPLOY_EVENT", event.Name),
		envKV("DEPLOY_REF", event.Ref),
	}

	h.logger.V(0).Info("running exechook", "command", h.command, "event", event.Name, "timeout", h.timeout)
	_, _, err := h.cmdrunner.Run(ctx, h.workdir, env, h.command, h.args...)
	return err
}

func envKV(k, v string) string {
	return fmt.Sprintf("%s=%s", k, v)
}
