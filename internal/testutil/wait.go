package testutil

import (
	"testing"
	"time"
)

// WaitFor polls condition every 10ms until it holds or timeout passes, and
// fails t on timeout.
func WaitFor(t testing.TB, timeout time.Duration, condition func() bool, msg string) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			t.Errorf("timeout after %v waiting for %s", timeout, msg)
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
