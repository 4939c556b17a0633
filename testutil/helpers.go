package testutil

import (
	"context"
	"testing"
	"time"
)

// TestContext returns a context bounded to 30 seconds, cancelled at
// test cleanup. Long enough for any test in this repository; short
// enough that a hang fails instead of stalling the suite.
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout returns a context with a custom bound,
// cancelled at test cleanup.
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext returns an already-cancelled context, for testing
// cancellation paths.
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// AssertEventuallyTrue polls cond every 10ms until it holds or the
// timeout passes, then fails the test with msg.
func AssertEventuallyTrue(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}
