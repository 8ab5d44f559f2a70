/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package githubauth

// tokenRequest is the body sent to the installation token endpoint.
// Empty fields are omitted so an unscoped request yields a token with the
// installation's full grant.
type tokenRequest struct {
	Repositories []string          `json:"repositories,omitempty"`
	Permissions  map[string]string `json:"permissions,omitempty"`
}

// TokenOption narrows the scope of a requested installation token.
type TokenOption func(*tokenRequest)

// WithRepositories restricts the token to the named repositories.
func WithRepositories(repos ...string) TokenOption {
	return func(r *tokenRequest) {
		r.Repositories = append(r.Repositories, repos...)
	}
}

// WithPermissions restricts the token to the given permission map
// (e.g. {"contents": "write"}).
func WithPermissions(perms map[string]string) TokenOption {
	return func(r *tokenRequest) {
		if r.Permissions == nil {
			r.Permissions = make(map[string]string, len(perms))
		}
		for k, v := range perms {
			r.Permissions[k] = v
		}
	}
}
