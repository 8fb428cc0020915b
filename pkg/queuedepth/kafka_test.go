// SPDX-License-Identifier: AGPL-3.0-only

package queuedepth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/grafana/median-tracker/pkg/util/test"
)

const (
	testTopic         = "queue"
	testConsumerGroup = "workers"
)

type lagResponse struct {
	lags kadm.DescribedGroupLags
	err  error
}

type mockLagReader struct {
	mu        sync.Mutex
	responses []lagResponse
	calls     int
}

func (m *mockLagReader) Lag(_ context.Context, groups ...string) (kadm.DescribedGroupLags, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(groups) != 1 || groups[0] != testConsumerGroup {
		return nil, errors.New("unexpected consumer groups")
	}

	// Keep returning the last response once the list is exhausted.
	resp := m.responses[min(m.calls, len(m.responses)-1)]
	m.calls++
	return resp.lags, resp.err
}

func (m *mockLagReader) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func groupLags(topic string, lags map[int32]kadm.GroupMemberLag) kadm.DescribedGroupLags {
	for partition, lag := range lags {
		lag.Topic = topic
		lag.Partition = partition
		lags[partition] = lag
	}

	return kadm.DescribedGroupLags{
		testConsumerGroup: {
			Group: testConsumerGroup,
			Lag:   kadm.GroupLag{topic: lags},
		},
	}
}

func testKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Address:            []string{"localhost:9092"},
		Topic:              testTopic,
		ConsumerGroup:      testConsumerGroup,
		LagRetryMinBackoff: time.Millisecond,
		LagRetryMaxBackoff: 5 * time.Millisecond,
		LagMaxRetries:      3,
	}
}

func TestKafkaLagSource_Depths(t *testing.T) {
	admin := &mockLagReader{responses: []lagResponse{{
		lags: groupLags(testTopic, map[int32]kadm.GroupMemberLag{
			0: {Lag: 12},
			1: {Lag: 0},
			2: {Lag: -1},
			3: {Lag: 7, Err: kerr.UnknownTopicOrPartition},
		}),
	}}}

	source := newKafkaLagSource(testKafkaConfig(), nil, admin, test.NewTestingLogger(t))

	depths, err := source.Depths(context.Background())
	require.NoError(t, err)
	// Partitions with an error are still reported, with an unknown depth. Negative lags are left to the caller.
	assert.Equal(t, map[int32]int64{0: 12, 1: 0, 2: -1, 3: UnknownDepth}, depths)
	assert.Equal(t, 1, admin.Calls())
}

func TestKafkaLagSource_IgnoresOtherTopics(t *testing.T) {
	admin := &mockLagReader{responses: []lagResponse{{
		lags: groupLags("another-topic", map[int32]kadm.GroupMemberLag{0: {Lag: 12}}),
	}}}

	source := newKafkaLagSource(testKafkaConfig(), nil, admin, test.NewTestingLogger(t))

	depths, err := source.Depths(context.Background())
	require.NoError(t, err)
	assert.Empty(t, depths)
}

func TestKafkaLagSource_RetriesOnFailure(t *testing.T) {
	admin := &mockLagReader{responses: []lagResponse{
		{err: errors.New("broker not available")},
		{err: errors.New("broker not available")},
		{lags: groupLags(testTopic, map[int32]kadm.GroupMemberLag{0: {Lag: 3}})},
	}}

	source := newKafkaLagSource(testKafkaConfig(), nil, admin, test.NewTestingLogger(t))

	depths, err := source.Depths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[int32]int64{0: 3}, depths)
	assert.Equal(t, 3, admin.Calls())
}

func TestKafkaLagSource_ReturnsLastErrorOnceRetriesAreExhausted(t *testing.T) {
	admin := &mockLagReader{responses: []lagResponse{
		{err: errors.New("broker not available")},
		{lags: kadm.DescribedGroupLags{}},
	}}

	source := newKafkaLagSource(testKafkaConfig(), nil, admin, test.NewTestingLogger(t))

	_, err := source.Depths(context.Background())
	require.ErrorContains(t, err, `consumer group "workers" not found in lag response`)
	assert.Equal(t, 3, admin.Calls())
	// The error carries the stack trace of where it was created.
	assert.Contains(t, fmt.Sprintf("%+v", err), "fetchDepths")
}

func TestKafkaLagSource_CanceledContext(t *testing.T) {
	admin := &mockLagReader{responses: []lagResponse{{lags: groupLags(testTopic, nil)}}}
	source := newKafkaLagSource(testKafkaConfig(), nil, admin, test.NewTestingLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := source.Depths(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, admin.Calls())
}

func TestKafkaLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newKafkaLogger(log.NewLogfmtLogger(&buf))

	assert.Equal(t, kgo.LogLevelInfo, logger.Level())

	logger.Log(kgo.LogLevelWarn, "metadata update failed", "broker", 1)
	logger.Log(kgo.LogLevelNone, "never logged")

	assert.Equal(t, "level=warn component=kafka_client msg=\"metadata update failed\" broker=1\n", buf.String())
}

func createKafkaCluster(t *testing.T, numPartitions int32) string {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(numPartitions, testTopic))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)

	addrs := cluster.ListenAddrs()
	require.Len(t, addrs, 1)
	return addrs[0]
}

func TestNewKafkaClient_TracksConnections(t *testing.T) {
	cfg := testKafkaConfig()
	cfg.Address = []string{createKafkaCluster(t, 2)}

	reg := prometheus.NewPedanticRegistry()
	client, err := NewKafkaClient(cfg, NewKafkaClientMetrics(reg), log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, client.Ping(ctx))

	count, err := promtest.GatherAndCount(reg, "median_tracker_kafka_client_connects_total")
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestNewKafkaLagSource(t *testing.T) {
	cfg := testKafkaConfig()
	cfg.Address = []string{createKafkaCluster(t, 2)}

	source, err := NewKafkaLagSource(cfg, log.NewNopLogger(), prometheus.NewPedanticRegistry())
	require.NoError(t, err)
	require.NotNil(t, source.client)
	require.NotNil(t, source.admin)
	require.NoError(t, source.Close())
}
