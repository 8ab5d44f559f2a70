/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package gitworkspace performs authenticated, idempotent git operations
// against a shared on-disk workspace tree.
//
// Workspaces live at {ProjectRoot}/{branchID}/{repositoryName}. Every
// public operation holds a single component-wide mutex for its full
// duration: all workspaces share one root and git's index and lock files
// are not safe for concurrent access from this process, so subprocess
// invocations are never interleaved, even across branches.
package gitworkspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"appforge.dev/conveyor/githubauth"
	"appforge.dev/conveyor/gitworkspace/gitcmd"
	"appforge.dev/conveyor/repourl"
	"github.com/chainguard-dev/clog"
)

const defaultMergeStrategy = "recursive"

// TokenSource supplies installation tokens for authenticated remotes.
// Satisfied by *githubauth.Manager.
type TokenSource interface {
	GetToken(ctx context.Context, installationID int64, opts ...githubauth.TokenOption) (string, error)
}

// Config configures an Ops instance.
type Config struct {
	// ProjectRoot is the directory under which all workspaces live.
	ProjectRoot string

	// TrunkBranch is the default base branch. Defaults to "main".
	TrunkBranch string

	// DefaultOwner resolves bare repository names to owner/repo.
	DefaultOwner string

	// PublicURLTemplate, when set, renders clone URLs for operations
	// given no explicit repository URL (fmt template with the
	// repository name, e.g. "https://github.com/acme/%s.git").
	PublicURLTemplate string

	// InstallationID selects the GitHub App installation used to
	// authenticate explicit repository URLs. Zero disables token
	// resolution: explicit URLs are used as given, best effort.
	InstallationID int64

	// CloneDisabled turns cloning into bare directory creation, for
	// offline and dry-run deployments.
	CloneDisabled bool

	// CommitterName and CommitterEmail identify commits made from the
	// workspace. Default to "conveyor" / "conveyor@appforge.dev".
	CommitterName  string
	CommitterEmail string
}

// Ops performs git operations against the workspace tree.
type Ops struct {
	cfg    Config
	tokens TokenSource

	// mu serializes every subprocess sequence. pullLocked is the one
	// helper that runs while the caller already holds it.
	mu sync.Mutex
}

// NewOps constructs an Ops. tokens may be nil when no installation id is
// configured.
func NewOps(cfg Config, tokens TokenSource) *Ops {
	if cfg.TrunkBranch == "" {
		cfg.TrunkBranch = "main"
	}
	if cfg.CommitterName == "" {
		cfg.CommitterName = "conveyor"
	}
	if cfg.CommitterEmail == "" {
		cfg.CommitterEmail = "conveyor@appforge.dev"
	}
	return &Ops{cfg: cfg, tokens: tokens}
}

// Dir returns the workspace directory for a branch and repository. The
// repository name, not the name embedded in any URL, keys the path, so
// differently-named upstreams land predictably.
func (o *Ops) Dir(branchID, repoName string) string {
	return filepath.Join(o.cfg.ProjectRoot, branchID, repoName)
}

// CloneRepository ensures a workspace exists for the branch: cloning,
// checking out the base branch, creating the work branch, and running one
// pull. Calling it again for an existing workspace just pulls, so the
// operation is idempotent.
func (o *Ops) CloneRepository(ctx context.Context, branchID, repoName string, opts ...Option) (Result, error) {
	p := o.params(opts)
	log := clog.FromContext(ctx).With("branch_id", branchID).With("repo", repoName)

	o.mu.Lock()
	defer o.mu.Unlock()

	dir := o.Dir(branchID, repoName)
	if _, err := os.Stat(dir); err == nil {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			log.Info("Workspace already cloned, pulling")
			return o.pullLocked(ctx, branchID, repoName, p)
		}
		if o.cfg.CloneDisabled {
			return Result{Success: true, Message: "Workspace directory already exists"}, nil
		}
		return failure("workspace directory exists but is not a git repository", dir), nil
	}

	if o.cfg.CloneDisabled {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, fmt.Errorf("creating workspace directory: %w", err)
		}
		log.Info("Cloning disabled, created empty workspace")
		return Result{Success: true, Message: "Created workspace directory (cloning disabled)"}, nil
	}

	url, err := o.resolveURL(ctx, repoName, p.repositoryURL)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return Result{}, fmt.Errorf("creating workspace parent: %w", err)
	}

	log.Infof("Cloning into %s", dir)
	res, err := gitcmd.RunBare(ctx, "", "clone", url, dir)
	if err != nil {
		return Result{}, err
	}
	if !res.OK() {
		return failure("clone failed", res.Stderr), nil
	}

	base := p.baseBranch
	if base == "" {
		base = o.cfg.TrunkBranch
	}
	if res, err = gitcmd.Run(ctx, dir, "checkout", base); err != nil {
		return Result{}, err
	} else if !res.OK() {
		return failure(fmt.Sprintf("checkout of base branch %s failed", base), res.Stderr), nil
	}

	if res, err = gitcmd.Run(ctx, dir, "checkout", "-b", branchID); err != nil {
		return Result{}, err
	} else if !res.OK() {
		return failure(fmt.Sprintf("creating branch %s failed", branchID), res.Stderr), nil
	}

	if res, err = o.trackUpstream(ctx, dir, branchID); err != nil {
		return Result{}, err
	} else if !res.OK() {
		return failure("configuring upstream tracking failed", res.Stderr), nil
	}

	if res, err = gitcmd.Run(ctx, dir, "config", "pull.rebase", "false"); err != nil {
		return Result{}, err
	} else if !res.OK() {
		return failure("configuring pull.rebase failed", res.Stderr), nil
	}

	// Pick up anything the remote already has for this branch.
	return o.pullLocked(ctx, branchID, repoName, p)
}

// Pull synchronizes the workspace branch with its remote.
func (o *Ops) Pull(ctx context.Context, branchID, repoName string, opts ...Option) (Result, error) {
	p := o.params(opts)
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pullLocked(ctx, branchID, repoName, p)
}

// pullLocked is the reentrant pull sequence; callers hold o.mu.
func (o *Ops) pullLocked(ctx context.Context, branchID, repoName string, p opParams) (Result, error) {
	log := clog.FromContext(ctx).With("branch_id", branchID).With("repo", repoName)
	dir := o.Dir(branchID, repoName)

	// Refresh the origin URL when the caller supplied one, so a pull
	// long after clone does not reuse an expired embedded token.
	if p.repositoryURL != "" {
		url, err := o.resolveURL(ctx, repoName, p.repositoryURL)
		if err != nil {
			return Result{}, err
		}
		if res, err := gitcmd.Run(ctx, dir, "remote", "set-url", "origin", url); err != nil {
			return Result{}, err
		} else if !res.OK() {
			log.Warnf("Refreshing origin URL failed: %s", strings.TrimSpace(res.Stderr))
		}
	}

	if res, err := o.ensureBranch(ctx, dir, branchID, p); err != nil {
		return Result{}, err
	} else if !res.OK() {
		return failure(fmt.Sprintf("ensuring branch %s failed", branchID), res.Stderr), nil
	}

	if res, err := gitcmd.Run(ctx, dir, "fetch", "origin"); err != nil {
		return Result{}, err
	} else if !res.OK() {
		return failure("fetch failed", res.Stderr), nil
	}

	remoteRef := "origin/" + branchID
	if res, err := gitcmd.Run(ctx, dir, "rev-parse", "--verify", remoteRef); err != nil {
		return Result{}, err
	} else if !res.OK() {
		// Nothing upstream yet for a branch that has never been pushed.
		return Result{Success: true, Message: "Remote branch does not exist yet"}, nil
	}

	diffRes, err := gitcmd.Run(ctx, dir, "diff", remoteRef, branchID)
	if err != nil {
		return Result{}, err
	}
	if !diffRes.OK() {
		return failure("diff against remote failed", diffRes.Stderr), nil
	}
	if strings.TrimSpace(diffRes.Stdout) == "" {
		return Result{Success: true, Message: "Already up to date"}, nil
	}

	if res, err := gitcmd.Run(ctx, dir, "config", "pull.rebase", "false"); err != nil {
		return Result{}, err
	} else if !res.OK() {
		return failure("configuring pull.rebase failed", res.Stderr), nil
	}

	strategy := p.mergeStrategy
	if strategy == "" {
		strategy = defaultMergeStrategy
	}
	// --strategy-option=theirs favors incoming remote changes on
	// conflict. Deliberate policy: do not change it.
	pullRes, err := gitcmd.Run(ctx, dir,
		"-c", "user.name="+o.cfg.CommitterName,
		"-c", "user.email="+o.cfg.CommitterEmail,
		"pull", "--strategy", strategy, "--strategy-option=theirs", "origin", branchID)
	if err != nil {
		return Result{}, err
	}
	if !pullRes.OK() {
		return failure("pull failed", pullRes.Stderr), nil
	}

	log.Info("Pulled remote changes")
	return Result{Success: true, Message: "Pulled remote changes", HadChanges: true, Diff: diffRes.Stdout}, nil
}

// Push commits the given paths and pushes the branch. A commit with an
// empty index is normalized to success ("No changes to commit"); a push
// failure after a successful commit still reports Success with
// Committed=true and Pushed=false so callers can retry just the push.
func (o *Ops) Push(ctx context.Context, branchID, repoName string, paths []string, message string, opts ...Option) (Result, error) {
	p := o.params(opts)
	log := clog.FromContext(ctx).With("branch_id", branchID).With("repo", repoName)

	o.mu.Lock()
	defer o.mu.Unlock()

	dir := o.Dir(branchID, repoName)

	// Pull first to minimize divergence. A pull failure is logged but
	// does not abort: committing local work matters more.
	if res, err := o.pullLocked(ctx, branchID, repoName, p); err != nil {
		return Result{}, err
	} else if !res.Success {
		log.Warnf("Pre-push pull failed: %s", res.Message)
	}

	for _, path := range paths {
		if res, err := gitcmd.Run(ctx, dir, "add", path); err != nil {
			return Result{}, err
		} else if !res.OK() {
			return failure(fmt.Sprintf("adding %s failed", path), res.Stderr), nil
		}
	}

	outcome, commitRes, err := o.commit(ctx, dir, message, branchID)
	if err != nil {
		return Result{}, err
	}
	if outcome == CommitFailed {
		return failure("commit failed", commitRes.Output()), nil
	}

	pushRes, err := gitcmd.Run(ctx, dir, "push", "-u", "origin", branchID)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		Success:   true,
		Committed: outcome == Committed,
		Pushed:    pushRes.OK(),
	}
	switch {
	case outcome == NothingToCommit && pushRes.OK():
		result.Message = "No changes to commit"
	case outcome == NothingToCommit:
		result.Message = "No changes to commit"
		result.Err = pushRes.Stderr
	case pushRes.OK():
		result.Message = "Committed and pushed"
	default:
		// The commit stands; only the push needs retrying.
		result.Message = "Committed locally, push failed"
		result.Err = pushRes.Stderr
		log.Warnf("Push failed after commit: %s", strings.TrimSpace(pushRes.Stderr))
	}
	return result, nil
}

// commit runs git commit and classifies the outcome. An empty index is
// the one failure mode the git CLI only reports as text, so the check
// lives here and nowhere else.
func (o *Ops) commit(ctx context.Context, dir, message, branchID string) (CommitOutcome, gitcmd.Res, error) {
	res, err := gitcmd.Run(ctx, dir,
		"-c", "user.name="+o.cfg.CommitterName,
		"-c", "user.email="+o.cfg.CommitterEmail,
		"commit", "-m", fmt.Sprintf("%s: %s", message, branchID))
	if err != nil {
		return CommitFailed, res, err
	}
	if res.OK() {
		return Committed, res, nil
	}
	if strings.Contains(res.Output(), "nothing to commit") {
		return NothingToCommit, res, nil
	}
	return CommitFailed, res, nil
}

// ensureBranch checks out branchID, creating it from the base branch
// when it does not exist locally yet.
func (o *Ops) ensureBranch(ctx context.Context, dir, branchID string, p opParams) (gitcmd.Res, error) {
	res, err := gitcmd.Run(ctx, dir, "rev-parse", "--verify", branchID)
	if err != nil {
		return res, err
	}
	if res.OK() {
		return gitcmd.Run(ctx, dir, "checkout", branchID)
	}

	base := p.baseBranch
	if base == "" {
		base = o.cfg.TrunkBranch
	}
	if res, err = gitcmd.Run(ctx, dir, "checkout", base); err != nil || !res.OK() {
		return res, err
	}
	if res, err = gitcmd.Run(ctx, dir, "checkout", "-b", branchID); err != nil || !res.OK() {
		return res, err
	}
	return o.trackUpstream(ctx, dir, branchID)
}

// trackUpstream points the branch at origin so later pulls and pushes
// need no refspec. Configured directly because origin/{branch} may not
// exist yet for a branch that has never been pushed.
func (o *Ops) trackUpstream(ctx context.Context, dir, branchID string) (gitcmd.Res, error) {
	res, err := gitcmd.Run(ctx, dir, "config", "branch."+branchID+".remote", "origin")
	if err != nil || !res.OK() {
		return res, err
	}
	return gitcmd.Run(ctx, dir, "config", "branch."+branchID+".merge", "refs/heads/"+branchID)
}

// resolveURL picks the clone URL for an operation. Explicit URLs are
// re-resolved to authenticated form when an installation is configured;
// otherwise operations fall back to the public URL template or the
// default owner. The returned string may embed a token: never log it.
func (o *Ops) resolveURL(ctx context.Context, repoName, explicit string) (string, error) {
	if explicit != "" {
		if o.cfg.InstallationID != 0 && o.tokens != nil {
			ref, err := repourl.Parse(explicit)
			if err != nil {
				return "", err
			}
			token, err := o.tokens.GetToken(ctx, o.cfg.InstallationID, githubauth.WithRepositories(ref.Repo))
			if err != nil {
				return "", fmt.Errorf("resolving token for %s: %w", ref, err)
			}
			return ref.AuthenticatedURL(token), nil
		}
		// Best effort: private repositories will reject this.
		clog.FromContext(ctx).Debug("No installation configured, using repository URL as given")
		return explicit, nil
	}

	if o.cfg.PublicURLTemplate != "" {
		return fmt.Sprintf(o.cfg.PublicURLTemplate, repoName), nil
	}
	return repourl.Construct(repoName, o.cfg.DefaultOwner, "")
}

func (o *Ops) params(opts []Option) opParams {
	var p opParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}
