// SPDX-License-Identifier: AGPL-3.0-only

package queuedepth

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

// UnknownDepth is reported for a partition that exists but whose depth couldn't be read this time.
const UnknownDepth int64 = -1

// DepthSource returns the current queue depth of each partition. Every known partition is included, those
// whose depth couldn't be read have a negative depth, such as UnknownDepth.
type DepthSource interface {
	Depths(ctx context.Context) (map[int32]int64, error)
}

// lagReader is the subset of *kadm.Client used by KafkaLagSource.
type lagReader interface {
	Lag(ctx context.Context, groups ...string) (kadm.DescribedGroupLags, error)
}

// KafkaLagSource uses the lag of a Kafka consumer group as the queue depth of each partition of a topic.
type KafkaLagSource struct {
	cfg    KafkaConfig
	logger log.Logger

	client *kgo.Client
	admin  lagReader
}

func NewKafkaLagSource(cfg KafkaConfig, logger log.Logger, reg prometheus.Registerer) (*KafkaLagSource, error) {
	logger = log.With(logger, "topic", cfg.Topic, "consumer_group", cfg.ConsumerGroup)

	client, err := NewKafkaClient(cfg, NewKafkaClientMetrics(reg), logger)
	if err != nil {
		return nil, err
	}

	return newKafkaLagSource(cfg, client, kadm.NewClient(client), logger), nil
}

func newKafkaLagSource(cfg KafkaConfig, client *kgo.Client, admin lagReader, logger log.Logger) *KafkaLagSource {
	return &KafkaLagSource{
		cfg:    cfg,
		logger: logger,
		client: client,
		admin:  admin,
	}
}

// Depths implements DepthSource. Failed requests are retried with backoff, and the last error is returned once
// retries are exhausted or ctx is done.
func (s *KafkaLagSource) Depths(ctx context.Context) (map[int32]int64, error) {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: s.cfg.LagRetryMinBackoff,
		MaxBackoff: s.cfg.LagRetryMaxBackoff,
		MaxRetries: s.cfg.LagMaxRetries,
	})

	var lastErr error
	for boff.Ongoing() {
		depths, err := s.fetchDepths(ctx)
		if err == nil {
			return depths, nil
		}

		lastErr = err
		level.Debug(s.logger).Log("msg", "failed to fetch consumer group lag, retrying", "attempt", boff.NumRetries()+1, "err", err)
		boff.Wait()
	}

	if lastErr == nil {
		lastErr = boff.Err()
	}
	return nil, lastErr
}

func (s *KafkaLagSource) fetchDepths(ctx context.Context) (map[int32]int64, error) {
	lags, err := s.admin.Lag(ctx, s.cfg.ConsumerGroup)
	if err != nil {
		return nil, errors.Wrap(err, "get consumer group lag")
	}
	if err := lags.Error(); err != nil {
		return nil, errors.Wrap(err, "get consumer group lag")
	}

	groupLag, ok := lags[s.cfg.ConsumerGroup]
	if !ok {
		return nil, errors.Errorf("consumer group %q not found in lag response", s.cfg.ConsumerGroup)
	}

	partitions := groupLag.Lag[s.cfg.Topic]
	depths := make(map[int32]int64, len(partitions))
	for partition, lag := range partitions {
		if lag.Err != nil {
			level.Warn(s.logger).Log("msg", "failed to read partition lag, skipping sample", "partition", partition, "err", lag.Err)
			depths[partition] = UnknownDepth
			continue
		}
		depths[partition] = lag.Lag
	}
	return depths, nil
}

// Close closes the underlying Kafka client.
func (s *KafkaLagSource) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}

// NewKafkaClient returns the kgo.Client used to read the consumer group lag.
func NewKafkaClient(cfg KafkaConfig, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	clientOpts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Address...),
		kgo.DialTimeout(cfg.DialTimeout),
		kgo.WithLogger(newKafkaLogger(logger)),
	}
	if cfg.ClientID != "" {
		clientOpts = append(clientOpts, kgo.ClientID(cfg.ClientID))
	}
	if metrics != nil {
		clientOpts = append(clientOpts, kgo.WithHooks(metrics))
	}

	// Allow the caller to override our defaults.
	clientOpts = append(clientOpts, opts...)
	client, err := kgo.NewClient(clientOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka client")
	}

	return client, nil
}

func NewKafkaClientMetrics(reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("median_tracker_kafka_client",
		kprom.Registerer(reg),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records))
}

type kafkaLogger struct {
	logger log.Logger
}

func newKafkaLogger(logger log.Logger) *kafkaLogger {
	return &kafkaLogger{
		logger: log.With(logger, "component", "kafka_client"),
	}
}

func (l *kafkaLogger) Level() kgo.LogLevel {
	// The Kafka client calls Level() to check whether debug level is enabled or not.
	// Always returning Info keeps the client from building expensive debug messages.
	return kgo.LogLevelInfo
}

func (l *kafkaLogger) Log(lev kgo.LogLevel, msg string, keyvals ...any) {
	if lev == kgo.LogLevelNone {
		return
	}
	keyvals = append([]any{"msg", msg}, keyvals...)
	switch lev {
	case kgo.LogLevelDebug:
		level.Debug(l.logger).Log(keyvals...)
	case kgo.LogLevelInfo:
		level.Info(l.logger).Log(keyvals...)
	case kgo.LogLevelWarn:
		level.Warn(l.logger).Log(keyvals...)
	case kgo.LogLevelError:
		level.Error(l.logger).Log(keyvals...)
	}
}
