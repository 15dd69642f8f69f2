// Package gateway decides, for every request path, whether a session token is
// required before the request may proceed.
//
// The decision only looks at token presence. Authenticity and expiry are
// verified by the identity provider behind the session store, so the guarantee
// here is "no protected path is reachable without a token", not "without a
// valid token".
package gateway

import (
	"net/url"
	"strings"
)

// DecisionKind is the outcome of a gateway check
type DecisionKind int

const (
	Allow DecisionKind = iota
	RedirectToSignIn
	RedirectToDefault
)

func (k DecisionKind) String() string {
	switch k {
	case Allow:
		return "allow"
	case RedirectToSignIn:
		return "redirect_to_signin"
	case RedirectToDefault:
		return "redirect_to_default"
	default:
		return "unknown"
	}
}

const (
	SignInPath  = "/signin"
	SignUpPath  = "/signup"
	DefaultPath = "/dashboard"

	// RedirectParam carries the originally requested path through sign-in
	RedirectParam = "redirectedFrom"
)

// Decision is what the gateway wants done with a request
type Decision struct {
	Kind DecisionKind
	// OriginalPath is set for RedirectToSignIn and equals the requested path exactly
	OriginalPath string
}

// Location renders the redirect target, or "" for Allow
func (d Decision) Location() string {
	switch d.Kind {
	case RedirectToSignIn:
		return SignInPath + "?" + url.Values{RedirectParam: {d.OriginalPath}}.Encode()
	case RedirectToDefault:
		return DefaultPath
	default:
		return ""
	}
}

// Policy holds the public allow-list. The zero value is not useful; use DefaultPolicy.
type Policy struct {
	PublicPaths    []string
	PublicPrefixes []string
	AuthPaths      []string
	// GatedPrefixes are never treated as assets, even with a dot in the last segment
	GatedPrefixes []string
}

// DefaultPolicy returns the route policy served by the API
func DefaultPolicy() Policy {
	return Policy{
		PublicPaths:    []string{"/", SignInPath, SignUpPath, "/health"},
		PublicPrefixes: []string{"/api/auth/", "/static/", "/_next/", "/assets/"},
		AuthPaths:      []string{SignInPath, SignUpPath},
		GatedPrefixes:  []string{DefaultPath, "/profile", "/users", "/chat"},
	}
}

// Decide is a pure function of path and token presence
func (p Policy) Decide(path string, tokenPresent bool) Decision {
	if tokenPresent {
		for _, auth := range p.AuthPaths {
			if path == auth {
				return Decision{Kind: RedirectToDefault}
			}
		}
		return Decision{Kind: Allow}
	}

	if p.IsPublic(path) {
		return Decision{Kind: Allow}
	}
	return Decision{Kind: RedirectToSignIn, OriginalPath: path}
}

// IsPublic reports whether path is reachable without a session token
func (p Policy) IsPublic(path string) bool {
	for _, public := range p.PublicPaths {
		if path == public {
			return true
		}
	}
	for _, prefix := range p.PublicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	for _, gated := range p.GatedPrefixes {
		if path == gated || strings.HasPrefix(path, gated+"/") {
			return false
		}
	}
	return isAsset(path)
}

// isAsset matches file-like requests such as /favicon.ico or /logo.svg
func isAsset(path string) bool {
	last := path[strings.LastIndex(path, "/")+1:]
	if strings.Trim(last, ".") == "" {
		return false
	}
	return strings.Contains(last, ".")
}
