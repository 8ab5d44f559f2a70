/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gitworkspace

// Result is the value returned by every workspace operation. Expected
// git-level failures (auth rejection, merge conflict, nothing to commit)
// land here rather than in an error; only environment-level failures
// (the git binary cannot be spawned) surface as errors.
type Result struct {
	// Success is false only when the operation achieved nothing the
	// caller can build on. A commit that failed to push is still a
	// success; see Pushed.
	Success bool

	// Message is a short human-readable summary.
	Message string

	// HadChanges reports whether a pull actually merged remote work.
	HadChanges bool

	// Diff holds the divergence a pull merged, when there was one.
	Diff string

	// Committed reports that a push operation created a local commit.
	Committed bool

	// Pushed reports that the branch reached the remote. A Result with
	// Committed true and Pushed false means "committed locally, push
	// failed": the caller may retry the push without repeating the
	// commit.
	Pushed bool

	// Err carries the raw git stderr for a failed step.
	Err string
}

// CommitOutcome tags the result of a commit attempt, replacing string
// sniffing at call sites.
type CommitOutcome int

const (
	// CommitFailed means git commit failed for a real reason.
	CommitFailed CommitOutcome = iota

	// Committed means a new commit was created.
	Committed

	// NothingToCommit means the index was empty. Not an error for
	// periodic-commit callers.
	NothingToCommit
)

func failure(msg, stderr string) Result {
	return Result{Message: msg, Err: stderr}
}
