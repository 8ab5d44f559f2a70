/*
Copyright 2026 AppForge, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package repourl parses and renders GitHub repository references.
//
// Three textual forms are accepted, tried in order with no partial matches:
//
//   - "https://github.com/{owner}/{repo}[.git]"
//   - "git@github.com:{owner}/{repo}[.git]"
//   - "{owner}/{repo}"
//
// A parsed Ref can render an unauthenticated clone URL or an authenticated
// URL embedding an installation token. Authenticated URLs must be treated as
// secrets: never log them.
package repourl

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrUnsupportedFormat is returned when a reference matches none of the
// accepted grammars.
var ErrUnsupportedFormat = errors.New("unsupported repository reference format")

var (
	httpsRe = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+?)(?:\.git)?$`)
	sshRe   = regexp.MustCompile(`^git@github\.com:([^/]+)/([^/]+?)(?:\.git)?$`)
	shortRe = regexp.MustCompile(`^([^/@:]+)/([^/@:]+)$`)
)

// Ref is an immutable parsed repository reference.
type Ref struct {
	// Owner is the GitHub organization or user.
	Owner string

	// Repo is the repository name with any ".git" suffix stripped.
	Repo string

	// SSH records whether the reference was given in SSH form.
	SSH bool

	// Original is the reference text as supplied to Parse.
	Original string
}

// Parse parses a repository reference. The grammars are tried in order and
// the first full match wins.
func Parse(raw string) (Ref, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Ref{}, fmt.Errorf("parsing %q: %w", raw, ErrUnsupportedFormat)
	}

	if m := httpsRe.FindStringSubmatch(trimmed); m != nil {
		return Ref{Owner: m[1], Repo: m[2], Original: raw}, nil
	}
	if m := sshRe.FindStringSubmatch(trimmed); m != nil {
		return Ref{Owner: m[1], Repo: m[2], SSH: true, Original: raw}, nil
	}
	if m := shortRe.FindStringSubmatch(trimmed); m != nil {
		return Ref{Owner: m[1], Repo: m[2], Original: raw}, nil
	}

	return Ref{}, fmt.Errorf("parsing %q: %w", raw, ErrUnsupportedFormat)
}

// String returns the canonical "owner/repo" form.
func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Repo)
}

// CloneURL returns the unauthenticated HTTPS clone URL.
func (r Ref) CloneURL() string {
	return fmt.Sprintf("https://github.com/%s/%s.git", r.Owner, r.Repo)
}

// AuthenticatedURL returns an HTTPS clone URL with the installation token
// embedded as the x-access-token password. The returned string contains the
// token verbatim and must not be logged.
func (r Ref) AuthenticatedURL(token string) string {
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", token, r.Owner, r.Repo)
}

// Construct builds a clone URL from a repository name that may or may not
// carry an owner. Names containing "/" are parsed as full references;
// bare names are combined with defaultOwner. When token is non-empty the
// authenticated form is returned.
func Construct(nameOrSlug, defaultOwner, token string) (string, error) {
	var ref Ref
	if strings.Contains(nameOrSlug, "/") {
		var err error
		ref, err = Parse(nameOrSlug)
		if err != nil {
			return "", err
		}
	} else {
		if nameOrSlug == "" || defaultOwner == "" {
			return "", fmt.Errorf("constructing URL for %q: %w", nameOrSlug, ErrUnsupportedFormat)
		}
		ref = Ref{Owner: defaultOwner, Repo: strings.TrimSuffix(nameOrSlug, ".git"), Original: nameOrSlug}
	}

	if token != "" {
		return ref.AuthenticatedURL(token), nil
	}
	return ref.CloneURL(), nil
}
