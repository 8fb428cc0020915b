// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"bytes"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// CapturedOutput holds the stdout and stderr pipes redirected by CaptureOutput.
type CapturedOutput struct {
	stdoutBuf bytes.Buffer
	stderrBuf bytes.Buffer

	wg                         sync.WaitGroup
	stdoutReader, stdoutWriter *os.File
	stderrReader, stderrWriter *os.File
}

// CaptureOutput replaces os.Stdout and os.Stderr with pipes, until Done is called.
// The caller is responsible for restoring the original os.Stdout and os.Stderr.
func CaptureOutput(t *testing.T) *CapturedOutput {
	stdoutR, stdoutW, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = stdoutW

	stderrR, stderrW, err := os.Pipe()
	require.NoError(t, err)
	os.Stderr = stderrW

	co := &CapturedOutput{
		stdoutReader: stdoutR,
		stdoutWriter: stdoutW,
		stderrReader: stderrR,
		stderrWriter: stderrW,
	}
	co.wg.Add(2)
	go func() {
		defer co.wg.Done()
		_, _ = io.Copy(&co.stdoutBuf, stdoutR)
	}()
	go func() {
		defer co.wg.Done()
		_, _ = io.Copy(&co.stderrBuf, stderrR)
	}()

	return co
}

// Done closes the pipes and returns what has been written to stdout and stderr.
func (co *CapturedOutput) Done() (stdout string, stderr string) {
	_ = co.stdoutWriter.Close()
	_ = co.stderrWriter.Close()

	co.wg.Wait()

	_ = co.stdoutReader.Close()
	_ = co.stderrReader.Close()

	return co.stdoutBuf.String(), co.stderrBuf.String()
}
