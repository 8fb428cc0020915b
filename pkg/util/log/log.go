// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"fmt"
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process-wide logger. It discards everything until InitLogger is called.
var Logger = log.NewNopLogger()

// InitLogger builds the process-wide logger writing to stderr with the given format and level.
func InitLogger(format string, lvl dslog.Level) log.Logger {
	Logger = NewLogger(format, lvl, log.NewSyncWriter(os.Stderr))
	return Logger
}

// NewLogger returns a logger writing to w in the given format ("logfmt" or "json"), filtered by lvl,
// with timestamp and caller fields.
func NewLogger(format string, lvl dslog.Level, w io.Writer) log.Logger {
	logger := level.NewFilter(dslog.NewGoKitWithWriter(format, w), lvl.Option)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}

// CheckFatal logs and exits if err is not nil.
func CheckFatal(location string, err error) {
	if err == nil {
		return
	}

	logger := level.Error(Logger)
	if location != "" {
		logger = log.With(logger, "msg", "error "+location)
	}
	// %+v gets the stack trace from errors using github.com/pkg/errors
	errStr := fmt.Sprintf("%+v", err)
	fmt.Fprintln(os.Stderr, errStr)

	logger.Log("err", errStr)
	os.Exit(1)
}
