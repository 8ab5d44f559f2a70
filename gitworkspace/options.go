/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package gitworkspace

// opParams collects the per-operation knobs shared by clone, pull, and
// push.
type opParams struct {
	baseBranch    string
	repositoryURL string
	mergeStrategy string
}

// Option adjusts a single workspace operation.
type Option func(*opParams)

// WithBaseBranch overrides the branch new workspace branches fork from.
// Defaults to the configured trunk branch.
func WithBaseBranch(branch string) Option {
	return func(p *opParams) {
		p.baseBranch = branch
	}
}

// WithRepositoryURL supplies the upstream repository reference. With an
// installation id configured, it is re-resolved to an authenticated URL;
// without one it is used as given.
func WithRepositoryURL(url string) Option {
	return func(p *opParams) {
		p.repositoryURL = url
	}
}

// WithMergeStrategy overrides the pull merge strategy. Defaults to
// "recursive".
func WithMergeStrategy(strategy string) Option {
	return func(p *opParams) {
		p.mergeStrategy = strategy
	}
}
