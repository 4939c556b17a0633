// Package testutil provides small helpers shared by tests across the
// repository: bounded test contexts and an eventually-true assertion
// for the asynchronous pieces (discovery, membership, scheduling).
package testutil
