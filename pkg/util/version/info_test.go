// SPDX-License-Identifier: AGPL-3.0-only

package version

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector("median_tracker"))

	require.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(`
		# HELP median_tracker_build_info A metric with a constant '1' value labeled by version, revision, branch, and goversion from which median_tracker was built.
		# TYPE median_tracker_build_info gauge
		median_tracker_build_info{branch="`+Branch+`",goversion="`+GoVersion+`",revision="`+Revision+`",version="`+Version+`"} 1
	`)))
}

func TestPrint(t *testing.T) {
	out := Print("median-tracker")

	assert.True(t, strings.HasPrefix(out, "median-tracker, version "+Version))
	assert.Contains(t, out, "go version:       "+GoVersion)
}
