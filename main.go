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

// gitops-deploy watches a remote git repository for new configuration
// commits, pulls them into a local checkout, refreshes secrets, validates
// the result against the consuming host, and reloads only the subsystems
// the changed files touch.

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/jaxlabs/gitops-deploy/pkg/cmd"
	"github.com/jaxlabs/gitops-deploy/pkg/deploy"
	"github.com/jaxlabs/gitops-deploy/pkg/git"
	"github.com/jaxlabs/gitops-deploy/pkg/hook"
	"github.com/jaxlabs/gitops-deploy/pkg/host"
	"github.com/jaxlabs/gitops-deploy/pkg/logging"
	"github.com/jaxlabs/gitops-deploy/pkg/pid1"
	"github.com/jaxlabs/gitops-deploy/pkg/secrets"
	"github.com/jaxlabs/gitops-deploy/pkg/version"
)

// noSecrets satisfies deploy.SecretSyncer when no secret store is configured.
type noSecrets struct{}

func (noSecrets) Sync(ctx context.Context) (int, error) {
	return 0, nil
}

func main() {
	// In case we come up as pid 1, act as init.
	if os.Getpid() == 1 {
		fmt.Fprintf(os.Stderr, "INFO: detected pid 1, running init handler\n")
		code, err := pid1.ReRun()
		if err == nil {
			os.Exit(code)
		}
		fmt.Fprintf(os.Stderr, "ERROR: unhandled pid1 error: %v\n", err)
		os.Exit(127)
	}

	//
	// Declare flags inside main() so they are not used as global variables.
	//

	flVersion := pflag.Bool("version", false, "print the version and exit")
	flHelp := pflag.BoolP("help", "h", false, "print help text and exit")

	flVerbose := pflag.IntP("verbose", "v",
		envInt(0, "GITOPS_DEPLOY_VERBOSE"),
		"logs at this V level and lower will be printed")

	flRoot := pflag.String("root",
		envString("", "GITOPS_DEPLOY_ROOT"),
		"the config checkout to operate on, must be a git work tree (required)")
	flRemote := pflag.String("remote",
		envString("origin", "GITOPS_DEPLOY_REMOTE"),
		"the git remote to track")
	flRef := pflag.String("ref",
		envString("HEAD", "GITOPS_DEPLOY_REF"),
		"the git revision (branch or ref) to deploy from")
	flGitCmd := pflag.String("git",
		envString("git", "GITOPS_DEPLOY_GIT"),
		"the git command to run (subject to PATH search, mostly for testing)")

	flPeriod := pflag.Duration("period",
		envDuration(5*time.Minute, "GITOPS_DEPLOY_PERIOD"),
		"how long to wait between update checks, must be >= 10ms")
	flDeployTimeout := pflag.Duration("deploy-timeout",
		envDuration(120*time.Second, "GITOPS_DEPLOY_DEPLOY_TIMEOUT"),
		"the total time allowed for one complete deployment attempt, must be >= 10ms")
	flAutoDeploy := pflag.Bool("auto-deploy",
		envBool(true, "GITOPS_DEPLOY_AUTO_DEPLOY"),
		"deploy new commits automatically; when false, only check and report")
	flOneTime := pflag.Bool("one-time",
		envBool(false, "GITOPS_DEPLOY_ONE_TIME"),
		"exit after the first deployment attempt")
	flDeployOnSignal := pflag.String("deploy-on-signal",
		envString("", "GITOPS_DEPLOY_DEPLOY_ON_SIGNAL"),
		"trigger a deployment on receipt of the specified signal (e.g. SIGHUP)")
	flMaxFailures := pflag.Int("max-failures",
		envInt(0, "GITOPS_DEPLOY_MAX_FAILURES"),
		"the number of consecutive failures allowed before aborting (-1 will retry forever)")
	flDriftInterval := pflag.Duration("drift-interval",
		envDuration(15*time.Minute, "GITOPS_DEPLOY_DRIFT_INTERVAL"),
		"how often to check the work tree for out-of-band edits (0 disables)")
	flMarkerFile := pflag.String("marker-file",
		envString(".deploy-in-progress.json", "GITOPS_DEPLOY_MARKER_FILE"),
		"the path (absolute or relative to --root) of the crash marker")
	flErrorFile := pflag.String("error-file",
		envString("", "GITOPS_DEPLOY_ERROR_FILE"),
		"the path (absolute or relative to --root) to an optional file into which errors will be written (defaults to disabled)")

	flHostURL := pflag.String("host-url",
		envString("", "GITOPS_DEPLOY_HOST_URL"),
		"the base URL of the host API that validates and reloads config (required)")
	flHostToken := pflag.String("host-token",
		envString("", "GITOPS_DEPLOY_HOST_TOKEN"),
		"the bearer token for the host API (prefer --host-token-file or this env var)")
	flHostTokenFile := pflag.String("host-token-file",
		envString("", "GITOPS_DEPLOY_HOST_TOKEN_FILE"),
		"the file from which the host API bearer token will be sourced")
	flHostTimeout := pflag.Duration("host-timeout",
		envDuration(60*time.Second, "GITOPS_DEPLOY_HOST_TIMEOUT"),
		"the timeout for each host API call")

	flSecretsURL := pflag.String("secrets-url",
		envString("", "GITOPS_DEPLOY_SECRETS_URL"),
		"the base URL of the secret store (disables secret sync if unset)")
	flSecretsToken := pflag.String("secrets-token",
		envString("", "GITOPS_DEPLOY_SECRETS_TOKEN"),
		"the bearer token for the secret store (prefer --secrets-token-file or this env var)")
	flSecretsTokenFile := pflag.String("secrets-token-file",
		envString("", "GITOPS_DEPLOY_SECRETS_TOKEN_FILE"),
		"the file from which the secret store token will be sourced")
	flSecretsProject := pflag.String("secrets-project",
		envString("", "GITOPS_DEPLOY_SECRETS_PROJECT"),
		"the secret store project (workspace) to read")
	flSecretsEnvironment := pflag.String("secrets-environment",
		envString("prod", "GITOPS_DEPLOY_SECRETS_ENVIRONMENT"),
		"the secret store environment to read")
	flSecretsPath := pflag.String("secrets-path",
		envString("/", "GITOPS_DEPLOY_SECRETS_PATH"),
		"the secret store folder to read")
	flSecretsFile := pflag.String("secrets-file",
		envString("secrets.managed.yaml", "GITOPS_DEPLOY_SECRETS_FILE"),
		"the file (relative to --root) the fetched secrets are rendered into")
	flSecretsIncludeFile := pflag.String("secrets-include-file",
		envString("secrets.yaml", "GITOPS_DEPLOY_SECRETS_INCLUDE_FILE"),
		"the file (relative to --root) that includes the rendered secrets")
	flSecretsTimeout := pflag.Duration("secrets-timeout",
		envDuration(30*time.Second, "GITOPS_DEPLOY_SECRETS_TIMEOUT"),
		"the timeout for each secret store call")

	flWebhookSecret := pflag.String("webhook-secret",
		envString("", "GITOPS_DEPLOY_WEBHOOK_SECRET"),
		"the HMAC secret for the inbound /webhook endpoint (prefer --webhook-secret-file or this env var)")
	flWebhookSecretFile := pflag.String("webhook-secret-file",
		envString("", "GITOPS_DEPLOY_WEBHOOK_SECRET_FILE"),
		"the file from which the inbound webhook HMAC secret will be sourced")

	flNotifyhookURL := pflag.String("notifyhook-url",
		envString("", "GITOPS_DEPLOY_NOTIFYHOOK_URL"),
		"a URL for optional notifications when deployments complete or need repair (must be idempotent)")
	flNotifyhookMethod := pflag.String("notifyhook-method",
		envString("POST", "GITOPS_DEPLOY_NOTIFYHOOK_METHOD"),
		"the HTTP method for the notifyhook")
	flNotifyhookStatusSuccess := pflag.Int("notifyhook-success-status",
		envInt(200, "GITOPS_DEPLOY_NOTIFYHOOK_SUCCESS_STATUS"),
		"the HTTP status code indicating a successful notifyhook (0 disables success checks)")
	flNotifyhookTimeout := pflag.Duration("notifyhook-timeout",
		envDuration(1*time.Second, "GITOPS_DEPLOY_NOTIFYHOOK_TIMEOUT"),
		"the timeout for the notifyhook")
	flNotifyhookBackoff := pflag.Duration("notifyhook-backoff",
		envDuration(3*time.Second, "GITOPS_DEPLOY_NOTIFYHOOK_BACKOFF"),
		"the time to wait before retrying a failed notifyhook")

	flExechookCommand := pflag.String("exechook-command",
		envString("", "GITOPS_DEPLOY_EXECHOOK_COMMAND"),
		"an optional command to be run when deployments complete (must be idempotent)")
	flExechookTimeout := pflag.Duration("exechook-timeout",
		envDuration(30*time.Second, "GITOPS_DEPLOY_EXECHOOK_TIMEOUT"),
		"the timeout for the exechook")
	flExechookBackoff := pflag.Duration("exechook-backoff",
		envDuration(3*time.Second, "GITOPS_DEPLOY_EXECHOOK_BACKOFF"),
		"the time to wait before retrying a failed exechook")

	flHTTPBind := pflag.String("http-bind",
		envString("", "GITOPS_DEPLOY_HTTP_BIND"),
		"the bind address (including port) for the HTTP endpoint (trigger API, liveness)")
	flHTTPMetrics := pflag.Bool("http-metrics",
		envBool(false, "GITOPS_DEPLOY_HTTP_METRICS"),
		"enable metrics on the HTTP endpoint")
	flHTTPprof := pflag.Bool("http-pprof",
		envBool(false, "GITOPS_DEPLOY_HTTP_PPROF"),
		"enable the pprof debug endpoints on the HTTP endpoint")

	//
	// Parse and verify flags.  Errors here are fatal.
	//

	pflag.Parse()

	// Handle print-and-exit cases.
	if *flVersion {
		fmt.Println(version.VERSION)
		os.Exit(0)
	}
	if *flHelp {
		pflag.CommandLine.SetOutput(os.Stdout)
		pflag.PrintDefaults()
		os.Exit(0)
	}

	// Make sure we have a root dir in which to work.
	if *flRoot == "" {
		fmt.Fprintf(os.Stderr, "ERROR: --root must be specified\n")
		os.Exit(1)
	}
	var absRoot absPath
	if abs, err := absPath(*flRoot).Canonical(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: can't absolutize --root: %v\n", err)
		os.Exit(1)
	} else {
		absRoot = abs
	}

	// Init logging very early, so most errors can be written to a file.
	log := func() *logging.Logger {
		dir, file := makeAbsPath(*flErrorFile, absRoot).Split()
		return logging.New(dir.String(), file, *flVerbose)
	}()
	cmdRunner := cmd.NewRunner(log)

	if *flHostURL == "" {
		handleConfigError(log, true, "ERROR: --host-url must be specified")
	}

	if *flPeriod < 10*time.Millisecond {
		handleConfigError(log, true, "ERROR: --period must be at least 10ms")
	}
	if *flDeployTimeout < 10*time.Millisecond {
		handleConfigError(log, true, "ERROR: --deploy-timeout must be at least 10ms")
	}

	var deploySig syscall.Signal
	if *flDeployOnSignal != "" {
		if num, err := strconv.ParseInt(*flDeployOnSignal, 0, 0); err == nil {
			// deploy-on-signal value is a number
			deploySig = syscall.Signal(num)
		} else {
			// deploy-on-signal value is a name
			deploySig = unix.SignalNum(*flDeployOnSignal)
			if deploySig == 0 {
				// last resort - maybe they said "HUP", meaning "SIGHUP"
				deploySig = unix.SignalNum("SIG" + *flDeployOnSignal)
			}
		}
		if deploySig == 0 {
			handleConfigError(log, true, "ERROR: --deploy-on-signal must be a valid signal name or number")
		}
	}

	if *flHostToken != "" && *flHostTokenFile != "" {
		handleConfigError(log, true, "ERROR: only one of --host-token and --host-token-file may be specified")
	}
	if *flHostTokenFile != "" {
		bytes, err := os.ReadFile(*flHostTokenFile)
		if err != nil {
			handleConfigError(log, false, "ERROR: can't read host token file %q: %v", *flHostTokenFile, err)
		}
		*flHostToken = strings.TrimSpace(string(bytes))
	}
	if *flHostToken == "" {
		handleConfigError(log, true, "ERROR: --host-token or --host-token-file must be specified")
	}

	if *flSecretsURL != "" {
		if *flSecretsProject == "" {
			handleConfigError(log, true, "ERROR: --secrets-project must be specified when --secrets-url is set")
		}
		if *flSecretsToken != "" && *flSecretsTokenFile != "" {
			handleConfigError(log, true, "ERROR: only one of --secrets-token and --secrets-token-file may be specified")
		}
		if *flSecretsTokenFile != "" {
			bytes, err := os.ReadFile(*flSecretsTokenFile)
			if err != nil {
				handleConfigError(log, false, "ERROR: can't read secrets token file %q: %v", *flSecretsTokenFile, err)
			}
			*flSecretsToken = strings.TrimSpace(string(bytes))
		}
		if *flSecretsToken == "" {
			handleConfigError(log, true, "ERROR: --secrets-token or --secrets-token-file must be specified when --secrets-url is set")
		}
	}

	if *flWebhookSecret != "" && *flWebhookSecretFile != "" {
		handleConfigError(log, true, "ERROR: only one of --webhook-secret and --webhook-secret-file may be specified")
	}
	if *flWebhookSecretFile != "" {
		bytes, err := os.ReadFile(*flWebhookSecretFile)
		if err != nil {
			handleConfigError(log, false, "ERROR: can't read webhook secret file %q: %v", *flWebhookSecretFile, err)
		}
		*flWebhookSecret = strings.TrimSpace(string(bytes))
	}

	if *flExechookCommand != "" {
		if *flExechookTimeout < time.Second {
			handleConfigError(log, true, "ERROR: --exechook-timeout must be at least 1s")
		}
		if *flExechookBackoff < time.Second {
			handleConfigError(log, true, "ERROR: --exechook-backoff must be at least 1s")
		}
	}

	if *flNotifyhookURL != "" {
		if *flNotifyhookStatusSuccess < 0 {
			handleConfigError(log, true, "ERROR: --notifyhook-success-status must be a valid HTTP code or 0")
		}
		if *flNotifyhookTimeout < time.Second {
			handleConfigError(log, true, "ERROR: --notifyhook-timeout must be at least 1s")
		}
		if *flNotifyhookBackoff < time.Second {
			handleConfigError(log, true, "ERROR: --notifyhook-backoff must be at least 1s")
		}
	}

	if *flHTTPBind == "" {
		if *flHTTPMetrics {
			handleConfigError(log, true, "ERROR: --http-bind must be specified when --http-metrics is set")
		}
		if *flHTTPprof {
			handleConfigError(log, true, "ERROR: --http-bind must be specified when --http-pprof is set")
		}
		if *flWebhookSecret != "" {
			handleConfigError(log, true, "ERROR: --http-bind must be specified when --webhook-secret is set")
		}
	}

	//
	// From here on, output goes through logging.
	//

	log.V(0).Info("starting up",
		"pid", os.Getpid(),
		"uid", os.Getuid(),
		"gid", os.Getgid(),
		"flags", logSafeFlags())

	if _, err := exec.LookPath(*flGitCmd); err != nil {
		log.Error(err, "ERROR: git executable not found", "git", *flGitCmd)
		os.Exit(1)
	}

	repo := git.NewRepo(*flGitCmd, absRoot.String(), *flRemote, *flRef, cmdRunner, log.WithName("git"))

	// The root must already be a clone; this daemon never creates one.
	{
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := repo.SanityCheck(ctx)
		cancel()
		if err != nil {
			log.Error(err, "ERROR: --root is not a usable git work tree", "root", absRoot)
			os.Exit(1)
		}
	}

	var secretSyncer deploy.SecretSyncer = noSecrets{}
	if *flSecretsURL != "" {
		client := secrets.NewClient(*flSecretsURL, *flSecretsToken, *flSecretsProject, *flSecretsEnvironment, *flSecretsPath, *flSecretsTimeout, log.WithName("secrets"))
		secretSyncer = secrets.NewSyncer(client, absRoot.String(), *flSecretsFile, *flSecretsIncludeFile, *flSecretsURL, log.WithName("secrets"))
	}

	hostClient := host.NewClient(*flHostURL, *flHostToken, *flHostTimeout, log.WithName("host"))

	// Startup notifyhook goroutine
	var notifyhookRunner *hook.HookRunner
	if *flNotifyhookURL != "" {
		log := log.WithName("notifyhook")
		notifyhook := hook.NewWebhook(
			*flNotifyhookURL,
			*flNotifyhookMethod,
			*flNotifyhookStatusSuccess,
			*flNotifyhookTimeout,
			log,
		)
		notifyhookRunner = hook.NewHookRunner(
			notifyhook,
			*flNotifyhookBackoff,
			hook.NewHookData(),
			log,
			*flOneTime,
		)
		go notifyhookRunner.Run(context.Background())
	}

	// Startup exechook goroutine
	var exechookRunner *hook.HookRunner
	if *flExechookCommand != "" {
		log := log.WithName("exechook")
		exechook := hook.NewExechook(
			cmd.NewRunner(log),
			*flExechookCommand,
			absRoot.String(),
			[]string{},
			*flExechookTimeout,
			log,
		)
		exechookRunner = hook.NewHookRunner(
			exechook,
			*flExechookBackoff,
			hook.NewHookData(),
			log,
			*flOneTime,
		)
		go exechookRunner.Run(context.Background())
	}

	sendEvent := func(event hook.Event) {
		if notifyhookRunner != nil {
			notifyhookRunner.Send(event)
		}
		if exechookRunner != nil {
			exechookRunner.Send(event)
		}
	}

	notifier := deploy.NotifierFunc(func(sig deploy.Signal) {
		log.V(0).Info("repair signal", "kind", sig.Kind, "detail", sig.Detail)
		sendEvent(hook.Event{Name: string(sig.Kind), Ref: sig.Detail})
	})

	coordinator := deploy.NewCoordinator(deploy.Options{
		Repo:      repo,
		Secrets:   secretSyncer,
		Validator: hostClient,
		Reloader:  hostClient,
		Notifier:  notifier,
		OnDeployed: func(commit, subject string) {
			log.V(0).Info("deployed", "commit", commit, "subject", subject)
			sendEvent(hook.Event{Name: "deployed", Ref: commit})
		},
		MarkerPath: makeAbsPath(*flMarkerFile, absRoot).String(),
		Timeout:    *flDeployTimeout,
		Log:        log.WithName("deploy"),
	})

	{
		ctx, cancel := context.WithTimeout(context.Background(), *flDeployTimeout)
		err := coordinator.Bootstrap(ctx)
		cancel()
		if err != nil {
			log.Error(err, "ERROR: can't bootstrap deployment state")
			os.Exit(1)
		}
	}

	var driftDetector *deploy.DriftDetector
	if *flDriftInterval > 0 {
		driftDetector = deploy.NewDriftDetector(coordinator, repo, notifier, *flDriftInterval, log.WithName("drift"))
		go driftDetector.Run(context.Background())
	}

	if *flHTTPBind != "" {
		ln, err := net.Listen("tcp", *flHTTPBind)
		if err != nil {
			log.Error(err, "can't bind HTTP endpoint", "endpoint", *flHTTPBind)
			os.Exit(1)
		}
		api := &httpAPI{
			coord:         coordinator,
			drift:         driftDetector,
			webhookSecret: []byte(*flWebhookSecret),
			log:           log.WithName("http"),
		}
		mux := api.newMux(muxOptions{metrics: *flHTTPMetrics, pprof: *flHTTPprof})

		log.V(0).Info("serving HTTP", "endpoint", *flHTTPBind, "metrics", *flHTTPMetrics, "pprof", *flHTTPprof, "webhook", *flWebhookSecret != "")
		go func() {
			err := http.Serve(ln, mux)
			log.Error(err, "HTTP server terminated")
			os.Exit(1)
		}()
	}

	// Setup signal notify channel
	sigChan := make(chan os.Signal, 1)
	if deploySig != 0 {
		log.V(1).Info("installing signal handler", "signal", unix.SignalName(deploySig))
		signal.Notify(sigChan, deploySig)
	}

	failCount := 0
	firstLoop := true
	reason := deploy.ReasonPoll
	for {
		if *flAutoDeploy {
			state := coordinator.RequestDeployment(context.Background(), reason)
			switch state.Status {
			case deploy.StatusFailed:
				failCount++
				if *flMaxFailures >= 0 && failCount >= *flMaxFailures {
					// Exit after too many retries, maybe the error is not recoverable.
					log.Error(state.Error, "too many failures, aborting", "failCount", failCount)
					os.Exit(1)
				}
				log.Error(state.Error, "deployment failed, will retry", "failCount", failCount)
				if *flOneTime {
					os.Exit(1)
				}
			default:
				// The first loop counts as a deployment, including hooks, so
				// downstream consumers learn the starting commit.
				if firstLoop {
					sendEvent(hook.Event{Name: "deployed", Ref: state.CurrentCommit})
				}
				if failCount > 0 {
					log.V(4).Info("resetting failure count", "failCount", failCount)
					failCount = 0
				}
				log.DeleteErrorFile()

				if *flOneTime {
					// Wait for hooks to complete at least once, if not nil,
					// before checking whether to stop program.
					exitCode := 0
					if exechookRunner != nil {
						if err := exechookRunner.WaitForCompletion(); err != nil {
							exitCode = 1
						}
					}
					if notifyhookRunner != nil {
						if err := notifyhookRunner.WaitForCompletion(); err != nil {
							exitCode = 1
						}
					}
					log.DeleteErrorFile()
					log.V(0).Info("exiting after one deployment", "status", exitCode)
					os.Exit(exitCode)
				}
			}
			firstLoop = false
		} else {
			check, err := coordinator.CheckForUpdates(context.Background())
			if err != nil {
				failCount++
				if *flMaxFailures >= 0 && failCount >= *flMaxFailures {
					log.Error(err, "too many failures, aborting", "failCount", failCount)
					os.Exit(1)
				}
				log.Error(err, "update check failed, will retry", "failCount", failCount)
			} else {
				if check.CommitsBehind > 0 {
					log.V(0).Info("updates available", "availableCommit", check.AvailableCommit, "commitsBehind", check.CommitsBehind)
				}
				failCount = 0
				log.DeleteErrorFile()
			}
			if *flOneTime {
				os.Exit(0)
			}
		}

		log.V(3).Info("next check", "waitTime", flPeriod.String())

		// Sleep until the next check.  If deploySig is set then the sleep
		// may be interrupted by that signal.
		reason = deploy.ReasonPoll
		t := time.NewTimer(*flPeriod)
		select {
		case <-t.C:
		case <-sigChan:
			log.V(1).Info("caught signal", "signal", unix.SignalName(deploySig))
			t.Stop()
			reason = deploy.ReasonSignal
		}
	}
}

// logSafeFlags makes sure any sensitive args (e.g. tokens) are redacted
// before logging.  This returns a slice rather than a map so it is always
// sorted.
func logSafeFlags() []string {
	ret := []string{}
	pflag.VisitAll(func(fl *pflag.Flag) {
		arg := fl.Name
		val := fl.Value.String()

		switch arg {
		case "host-token", "secrets-token", "webhook-secret":
			val = "REDACTED"
		}
		// Don't log empty values
		if val == "" {
			return
		}

		ret = append(ret, "--"+arg+"="+val)
	})
	return ret
}

// handleConfigError prints the error to the standard error, prints the usage
// if the `printUsage` flag is true, exports the error to the error file and
// exits the process with the exit code.
func handleConfigError(log *logging.Logger, printUsage bool, format string, a ...interface{}) {
	s := fmt.Sprintf(format, a...)
	fmt.Fprintln(os.Stderr, s)
	if printUsage {
		pflag.Usage()
	}
	log.ExportError(s)
	os.Exit(1)
}
