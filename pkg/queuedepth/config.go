// SPDX-License-Identifier: AGPL-3.0-only

package queuedepth

import (
	"errors"
	"flag"
	"math"
	"time"

	"github.com/grafana/dskit/flagext"

	util_math "github.com/grafana/median-tracker/pkg/util/math"
)

var (
	ErrInvalidPollInterval  = errors.New("the poll interval must be greater than 0")
	ErrInvalidWindow        = errors.New("the median window must be greater than 0")
	ErrInvalidInitialMedian = errors.New("the initial median must fit in 32 bits")
	ErrMissingKafkaAddress  = errors.New("the Kafka address has not been configured")
	ErrMissingKafkaTopic    = errors.New("the Kafka topic has not been configured")
	ErrMissingConsumerGroup = errors.New("the Kafka consumer group has not been configured")
	ErrInvalidLagBackoff    = errors.New("the lag retry min backoff must not be greater than the max backoff")
)

type Config struct {
	PollInterval  time.Duration `yaml:"poll_interval"`
	Window        int           `yaml:"window" category:"advanced"`
	InitialMedian uint64        `yaml:"initial_median"`

	Kafka KafkaConfig `yaml:"kafka"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	cfg.RegisterFlagsWithPrefix("queue-depth.", f)
}

func (cfg *Config) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.PollInterval, prefix+"poll-interval", 15*time.Second, "How frequently the queue depth of each partition is sampled.")
	f.IntVar(&cfg.Window, prefix+"window", util_math.DefaultMedianWindow, "Number of most recent samples of each partition the median is computed over. An even number is expected: the lower of the two middle samples is used.")
	f.Uint64Var(&cfg.InitialMedian, prefix+"initial-median", 0, "Value the window of each partition is pre-filled with when the partition is first observed. It keeps influencing the median until the window has been filled with real samples.")

	cfg.Kafka.RegisterFlagsWithPrefix(prefix+"kafka.", f)
}

func (cfg *Config) Validate() error {
	if cfg.PollInterval <= 0 {
		return ErrInvalidPollInterval
	}
	if cfg.Window <= 0 {
		return ErrInvalidWindow
	}
	if cfg.InitialMedian > math.MaxUint32 {
		return ErrInvalidInitialMedian
	}
	return cfg.Kafka.Validate()
}

// KafkaConfig holds the config of the Kafka consumer group whose lag is used as queue depth.
type KafkaConfig struct {
	Address       flagext.StringSliceCSV `yaml:"address"`
	Topic         string                 `yaml:"topic"`
	ConsumerGroup string                 `yaml:"consumer_group"`
	ClientID      string                 `yaml:"client_id"`
	DialTimeout   time.Duration          `yaml:"dial_timeout"`

	LagRetryMinBackoff time.Duration `yaml:"lag_retry_min_backoff" category:"advanced"`
	LagRetryMaxBackoff time.Duration `yaml:"lag_retry_max_backoff" category:"advanced"`
	LagMaxRetries      int           `yaml:"lag_max_retries" category:"advanced"`
}

func (cfg *KafkaConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.Var(&cfg.Address, prefix+"address", "Comma-separated list of Kafka seed broker addresses.")
	f.StringVar(&cfg.Topic, prefix+"topic", "", "The Kafka topic whose partitions are tracked.")
	f.StringVar(&cfg.ConsumerGroup, prefix+"consumer-group", "", "The consumer group whose lag is used as queue depth.")
	f.StringVar(&cfg.ClientID, prefix+"client-id", "median-tracker", "The Kafka client ID.")
	f.DurationVar(&cfg.DialTimeout, prefix+"dial-timeout", 2*time.Second, "The maximum time allowed to open a connection to a Kafka broker.")

	f.DurationVar(&cfg.LagRetryMinBackoff, prefix+"lag-retry-min-backoff", 100*time.Millisecond, "Minimum backoff between failed attempts to fetch the consumer group lag.")
	f.DurationVar(&cfg.LagRetryMaxBackoff, prefix+"lag-retry-max-backoff", time.Second, "Maximum backoff between failed attempts to fetch the consumer group lag.")
	f.IntVar(&cfg.LagMaxRetries, prefix+"lag-max-retries", 5, "Maximum number of attempts to fetch the consumer group lag within a single poll. 0 to retry until the poll is canceled.")
}

func (cfg *KafkaConfig) Validate() error {
	if len(cfg.Address) == 0 {
		return ErrMissingKafkaAddress
	}
	if cfg.Topic == "" {
		return ErrMissingKafkaTopic
	}
	if cfg.ConsumerGroup == "" {
		return ErrMissingConsumerGroup
	}
	if cfg.LagRetryMinBackoff > cfg.LagRetryMaxBackoff {
		return ErrInvalidLagBackoff
	}
	return nil
}
