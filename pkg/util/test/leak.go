// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"testing"

	"go.uber.org/goleak"
)

// VerifyNoLeak fails the test if goroutines started by it are still running once the test and all its
// other cleanup functions have completed.
func VerifyNoLeak(t testing.TB) {
	opts := []goleak.Option{
		// Goroutines running before the test started (e.g. from other parallel tests) are not ours.
		goleak.IgnoreCurrent(),

		// The HTTP client used by tests keeps idle connections open in a background reader.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	}

	// Run it as a cleanup function so that "last added, first called" ordering execution is guaranteed.
	t.Cleanup(func() {
		goleak.VerifyNone(t, opts...)
	})
}
