// SPDX-License-Identifier: AGPL-3.0-only

package queuedepth

import (
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	util_log "github.com/grafana/median-tracker/pkg/util/log"
)

// pollFailureLogSampleRate is how many consecutive poll failures are counted for each one logged.
const pollFailureLogSampleRate = 10

// Smoother periodically samples the queue depth of each partition and keeps a streaming median of it,
// which is exported as a metric and over HTTP.
type Smoother struct {
	services.Service

	cfg     Config
	source  DepthSource
	medians *PartitionMedians
	logger  log.Logger
	metrics smootherMetrics

	failureSampler *util_log.Sampler
	lastPoll       atomic.Time
}

type smootherMetrics struct {
	depth        *prometheus.GaugeVec
	median       *prometheus.GaugeVec
	samples      prometheus.Counter
	pollFailures prometheus.Counter
	lastPoll     prometheus.Gauge
}

func newSmootherMetrics(reg prometheus.Registerer) smootherMetrics {
	return smootherMetrics{
		depth: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "median_tracker_queue_depth",
			Help: "The per-topic-partition queue depth, as last sampled.",
		}, []string{"topic", "partition"}),
		median: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "median_tracker_queue_depth_median",
			Help: "The per-topic-partition median of the most recent queue depth samples.",
		}, []string{"topic", "partition"}),
		samples: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "median_tracker_samples_total",
			Help: "Total number of queue depth samples added to the partition medians.",
		}),
		pollFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "median_tracker_poll_failures_total",
			Help: "Total number of failed attempts to sample the queue depths.",
		}),
		lastPoll: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "median_tracker_last_successful_poll_timestamp_seconds",
			Help: "Unix timestamp of the last successful queue depth sampling.",
		}),
	}
}

func NewSmoother(cfg Config, source DepthSource, logger log.Logger, reg prometheus.Registerer) *Smoother {
	s := &Smoother{
		cfg:            cfg,
		source:         source,
		medians:        NewPartitionMedians(uint32(cfg.InitialMedian), cfg.Window),
		logger:         logger,
		metrics:        newSmootherMetrics(reg),
		failureSampler: util_log.NewSampler(pollFailureLogSampleRate),
	}

	s.Service = services.NewTimerService(cfg.PollInterval, s.starting, s.poll, s.stopping).WithName("queue depth smoother")
	return s
}

func (s *Smoother) starting(_ context.Context) error {
	level.Info(s.logger).Log("msg", "starting queue depth smoother", "poll_interval", s.cfg.PollInterval, "window", s.cfg.Window, "initial_median", s.cfg.InitialMedian)
	return nil
}

func (s *Smoother) poll(ctx context.Context) error {
	depths, err := s.source.Depths(ctx)
	if err != nil {
		s.metrics.pollFailures.Inc()

		err = s.failureSampler.WrapError(err)
		if shouldLog, reason := util_log.ShouldLog(err); shouldLog {
			level.Warn(s.logger).Log("msg", "failed to sample queue depths", "err", err, "sampling", reason)
		}

		// Never return error, otherwise the service stops.
		return nil
	}

	s.observe(depths)

	now := time.Now()
	s.lastPoll.Store(now)
	s.metrics.lastPoll.Set(float64(now.UnixMilli()) / 1000)
	return nil
}

// observe adds the sampled depths to the partition medians. Partitions with a negative depth keep their median
// untouched, partitions missing from depths are forgotten.
func (s *Smoother) observe(depths map[int32]int64) {
	topic := s.cfg.Kafka.Topic

	for partition, depth := range depths {
		if depth < 0 {
			// The depth couldn't be read or computed this time, e.g. the end offset is unknown or the partition
			// leader is moving. The partition still exists.
			level.Debug(s.logger).Log("msg", "skipping unknown queue depth", "partition", partition, "depth", depth)
			continue
		}

		sample := uint32(min(depth, math.MaxUint32))
		median := s.medians.Observe(partition, sample)

		label := strconv.Itoa(int(partition))
		s.metrics.depth.WithLabelValues(topic, label).Set(float64(sample))
		s.metrics.median.WithLabelValues(topic, label).Set(float64(median))
		s.metrics.samples.Inc()
	}

	for _, partition := range s.medians.Partitions() {
		if _, ok := depths[partition]; ok {
			continue
		}

		level.Info(s.logger).Log("msg", "partition no longer reported, dropping its median", "partition", partition)
		s.medians.Forget(partition)

		label := strconv.Itoa(int(partition))
		s.metrics.depth.DeleteLabelValues(topic, label)
		s.metrics.median.DeleteLabelValues(topic, label)
	}
}

func (s *Smoother) stopping(_ error) error {
	if closer, ok := s.source.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Medians returns the current median of every tracked partition, sorted by partition.
func (s *Smoother) Medians() []PartitionMedian {
	return s.medians.Snapshot()
}

// LastPoll returns the time of the last successful sampling, or the zero time if none succeeded yet.
func (s *Smoother) LastPoll() time.Time {
	return s.lastPoll.Load()
}

type mediansResponse struct {
	Topic      string            `json:"topic"`
	LastPoll   *time.Time        `json:"last_poll,omitempty"`
	Partitions []PartitionMedian `json:"partitions"`
}

// ServeHTTP writes the current partition medians as JSON.
func (s *Smoother) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	resp := mediansResponse{
		Topic:      s.cfg.Kafka.Topic,
		Partitions: s.Medians(),
	}
	if lastPoll := s.LastPoll(); !lastPoll.IsZero() {
		resp.LastPoll = &lastPoll
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w).Encode(resp); err != nil {
		level.Error(s.logger).Log("msg", "failed to write partition medians", "err", err)
	}
}
