// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"errors"
	"fmt"

	"go.uber.org/atomic"
)

// SampledError is an error that should only be logged when its Sampler says so.
type SampledError struct {
	err     error
	sampler *Sampler
}

func (s SampledError) Error() string {
	return s.err.Error()
}

func (s SampledError) Unwrap() error { return s.err }

// ShouldLog reports whether this occurrence of the error should be logged, along with the sampling rate.
func (s SampledError) ShouldLog() (bool, string) {
	if s.sampler == nil {
		return true, ""
	}
	return s.sampler.Sample(), fmt.Sprintf("sampled 1/%d", s.sampler.freq)
}

// ShouldLog reports whether err should be logged. Errors that are not sampled are always logged.
func ShouldLog(err error) (bool, string) {
	var sampled SampledError
	if errors.As(err, &sampled) {
		return sampled.ShouldLog()
	}
	return true, ""
}

// Sampler lets through one event out of every freq. The first event is always let through.
// A nil Sampler lets every event through.
//
// This type is concurrency safe.
type Sampler struct {
	freq  int64
	count atomic.Int64
}

// NewSampler returns a Sampler, or nil if freq is not positive.
func NewSampler(freq int64) *Sampler {
	if freq <= 0 {
		return nil
	}
	return &Sampler{freq: freq}
}

func (s *Sampler) Sample() bool {
	if s == nil {
		return true
	}
	count := s.count.Inc()
	return (count-1)%s.freq == 0
}

// WrapError returns err wrapped in a SampledError, or err itself if the sampler is nil.
func (s *Sampler) WrapError(err error) error {
	if s == nil || err == nil {
		return err
	}
	return SampledError{err: err, sampler: s}
}
