//go:build e2e

// Package e2e provides end-to-end tests for the turnx-native process.
//
// These tests are isolated from the standard test suite via build tags.
// They build the binary once, spawn it per test and drive it over its
// stdin and stdout exactly as a host would.
//
// Running E2E tests:
//
//	go test -tags=e2e ./e2e/...
//
// Running all tests except E2E:
//
//	go test ./...
//
// Every process runs with the loopback engine, so no native library or
// network access is needed. Tests can run in parallel.
package e2e
