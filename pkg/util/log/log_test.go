// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"bytes"
	"testing"

	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := map[string]struct {
		format   string
		level    string
		expected []string
		excluded []string
	}{
		"logfmt at info": {
			format:   "logfmt",
			level:    "info",
			expected: []string{"level=info", `msg="queue depth sampled" partition=3`, "level=warn"},
			excluded: []string{"level=debug"},
		},
		"logfmt at warn": {
			format:   "logfmt",
			level:    "warn",
			expected: []string{"level=warn"},
			excluded: []string{"level=debug", "level=info"},
		},
		"json at debug": {
			format:   "json",
			level:    "debug",
			expected: []string{`"level":"debug"`, `"msg":"queue depth sampled"`, `"partition":3`},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var (
				lvl dslog.Level
				buf bytes.Buffer
			)
			require.NoError(t, lvl.Set(tc.level))

			logger := NewLogger(tc.format, lvl, &buf)
			level.Debug(logger).Log("msg", "debug details")
			level.Info(logger).Log("msg", "queue depth sampled", "partition", 3)
			level.Warn(logger).Log("msg", "failed to fetch queue depths")

			for _, s := range tc.expected {
				assert.Contains(t, buf.String(), s)
			}
			for _, s := range tc.excluded {
				assert.NotContains(t, buf.String(), s)
			}
		})
	}
}
