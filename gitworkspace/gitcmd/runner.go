/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gitcmd runs the git CLI as a subprocess with captured output.
//
// A non-zero git exit is not an error here: callers get the exit code and
// stderr and decide what it means. Only environment-level failures (git
// missing, process cannot be spawned) surface as errors.
package gitcmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
)

// Res captures one git invocation.
type Res struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether git exited zero.
func (r Res) OK() bool {
	return r.ExitCode == 0
}

// Output returns stdout and stderr concatenated, for failure detection on
// commands that report to either stream.
func (r Res) Output() string {
	return r.Stdout + r.Stderr
}

// Run invokes git against the workspace at workDir using explicit
// --git-dir/--work-tree flags, so the invocation never depends on the
// process's current directory.
func Run(ctx context.Context, workDir string, args ...string) (Res, error) {
	full := append([]string{
		"--git-dir", filepath.Join(workDir, ".git"),
		"--work-tree", workDir,
	}, args...)
	return run(ctx, "", full)
}

// RunBare invokes git with the process working directory set to dir
// (empty for the inherited one). Used only for the initial clone and
// setup sequence, before a workspace exists to point flags at.
func RunBare(ctx context.Context, dir string, args ...string) (Res, error) {
	return run(ctx, dir, args)
}

func run(ctx context.Context, dir string, args []string) (Res, error) {
	if len(args) == 0 {
		return Res{ExitCode: -1}, errors.New("git command is required")
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	clog.FromContext(ctx).Debugf("git %s", strings.Join(args, " "))

	err := cmd.Run()
	res := Res{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			res.ExitCode = -1
			return res, fmt.Errorf("running git %v: %w", args, err)
		}
		res.ExitCode = exitErr.ExitCode()
	}
	return res, nil
}
