// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"sync"
	"testing"

	"github.com/go-kit/log"
)

type testingLogger struct {
	t  testing.TB
	mu sync.Mutex
}

// NewTestingLogger returns a logger writing logfmt lines through t.Log, so they are only shown for failed or verbose tests.
func NewTestingLogger(t testing.TB) log.Logger {
	l := &testingLogger{t: t}
	return log.NewLogfmtLogger(l)
}

func (l *testingLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.t.Helper()
	l.t.Log(string(p))
	return len(p), nil
}
