// Package appversion provides build version information injected via ldflags,
// plus the wire-format identity this build of the daemon speaks.
//
// All variables are set at build time:
//
//	-ldflags="-X github.com/dantte-lp/rfc5444d/internal/version.Version=v1.0.0
//	          -X github.com/dantte-lp/rfc5444d/internal/version.GitCommit=abc1234
//	          -X github.com/dantte-lp/rfc5444d/internal/version.BuildDate=2026-02-22T12:00:00Z"
package appversion

import "fmt"

// Version is the semantic version (e.g., "v0.1.0" or "dev").
var Version = "dev"

// GitCommit is the short git commit hash at build time.
var GitCommit = "unknown"

// BuildDate is the RFC 3339 build timestamp.
var BuildDate = "unknown"

// WireFormat identifies the packet framing this build's internal/wire
// package speaks, printed alongside the version so a peer's logs can be
// correlated against the writer/reader generation that produced them.
// Bump this whenever SimpleWriter/SimpleReader's framing changes in a way
// that isn't byte-compatible with the previous one.
const WireFormat = "rfc5444-simple/1"

// Full returns a human-readable multi-line version string.
func Full(binary string) string {
	return fmt.Sprintf("%s %s\n  commit:      %s\n  built:       %s\n  wire format: %s",
		binary, Version, GitCommit, BuildDate, WireFormat)
}
