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

// Package git wraps the git binary for the handful of operations the
// deployment pipeline needs: fetch, fast-forward merge, commit and diff
// queries, and working-tree status.  It holds no business logic.
package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jaxlabs/gitops-deploy/pkg/cmd"
	"github.com/jaxlabs/gitops-deploy/pkg/logging"
)

// Repo represents a local working tree tracked against a single remote ref.
type Repo struct {
	gitCmd string // the git command to run
	root   string // absolute path to the working tree
	remote string // remote name, e.g. "origin"
	ref    string // the ref to track, e.g. "main"
	log    *logging.Logger
	run    cmd.Runner
}

// NewRepo returns a Repo rooted at root, tracking remote/ref.
func NewRepo(gitCmd, root, remote, ref string, runner cmd.Runner, log *logging.Logger) *Repo {
	return &Repo{
		gitCmd: gitCmd,
		root:   root,
		remote: remote,
		ref:    ref,
		log:    log,
		run:    runner,
	}
}

// Root returns the absolute path of the working tree.
func (r *Repo) Root() string {
	return r.root
}

// git runs a git subcommand in the working tree and returns its stdout.
func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	stdout, _, err := r.run.Run(ctx, r.root, nil, r.gitCmd, args...)
	return stdout, err
}

// SanityCheck verifies that root is a usable git working tree.
func (r *Repo) SanityCheck(ctx context.Context) error {
	out, err := r.git(ctx, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return fmt.Errorf("not a git working tree: %w", err)
	}
	if out != "true" {
		return fmt.Errorf("not a git working tree: rev-parse said %q", out)
	}
	return nil
}

// CurrentCommit returns the full hash of HEAD.
func (r *Repo) CurrentCommit(ctx context.Context) (string, error) {
	return r.git(ctx, "rev-parse", "HEAD")
}

// CommitSubject returns the one-line subject of the given revision.
func (r *Repo) CommitSubject(ctx context.Context, rev string) (string, error) {
	return r.git(ctx, "log", "-1", "--format=%s", rev)
}

// Fetch updates the remote-tracking state for the configured ref.  It does
// not touch the working tree.
func (r *Repo) Fetch(ctx context.Context) error {
	_, err := r.git(ctx, "fetch", r.remote, r.ref)
	return err
}

// RemoteCommit returns the hash of the most recently fetched remote ref.
// Callers must Fetch first.
func (r *Repo) RemoteCommit(ctx context.Context) (string, error) {
	return r.git(ctx, "rev-parse", "FETCH_HEAD")
}

// CommitsBehind returns how many commits reachable from "to" are not
// reachable from "from".
func (r *Repo) CommitsBehind(ctx context.Context, from, to string) (int, error) {
	out, err := r.git(ctx, "rev-list", "--count", from+".."+to)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("can't parse rev-list count %q: %w", out, err)
	}
	return n, nil
}

// ChangedFiles returns the relative paths touched between two commits.
func (r *Repo) ChangedFiles(ctx context.Context, from, to string) ([]string, error) {
	out, err := r.git(ctx, "diff", "--name-only", from, to)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// MergeFastForward advances the working tree to the fetched remote ref.
// Only fast-forward merges are allowed; a divergent tree is an error the
// operator has to resolve.
func (r *Repo) MergeFastForward(ctx context.Context) error {
	_, err := r.git(ctx, "merge", "--ff-only", "FETCH_HEAD")
	return err
}

// DirtyPaths returns working-tree paths with uncommitted additions,
// modifications, or deletions.  It never mutates anything.
func (r *Repo) DirtyPaths(ctx context.Context) ([]string, error) {
	out, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParsePorcelain(out), nil
}

// LockHeld reports whether git's index lock is currently present, which
// means another git process is (or was) operating on this tree.
func (r *Repo) LockHeld() bool {
	_, err := os.Stat(filepath.Join(r.root, ".git", "index.lock"))
	return err == nil
}

// ParsePorcelain extracts the pathnames from `git status --porcelain`
// output.  Renames ("R  old -> new") report the new path.
func ParsePorcelain(out string) []string {
	paths := []string{}
	for _, line := range splitLines(out) {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+len(" -> "):]
		}
		path = strings.Trim(path, `"`)
		paths = append(paths, path)
	}
	return paths
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimRight(l, "\r"); l != "" {
			out = append(out, l)
		}
	}
	return out
}
