// Package testutils holds helpers for tests that drive real peer connections.
package testutils

import (
	"testing"
	"time"
)

// ConnectTimeout bounds how long WithTimeout waits for negotiation and ICE to settle on loopback.
var ConnectTimeout = 30 * time.Second

const pollInterval = 10 * time.Millisecond

// WithTimeout polls check until it returns an empty string. A non-empty result describes what the peers
// are still missing and is reported once ConnectTimeout passes.
func WithTimeout(t *testing.T, check func() string) {
	t.Helper()

	deadline := time.NewTimer(ConnectTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	pending := "never checked"
	for {
		select {
		case <-deadline.C:
			t.Fatalf("peers did not settle within %v: %s", ConnectTimeout, pending)
		case <-ticker.C:
			if pending = check(); pending == "" {
				return
			}
		}
	}
}
