//go:build integration

// Package integration runs the pull pipeline against a real registry.
//
// These tests require Docker and start a registry:2 container with
// testcontainers. Run with: go test -tags=integration ./integration/...
package integration
