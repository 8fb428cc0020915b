// SPDX-License-Identifier: AGPL-3.0-only

package queuedepth

import (
	"cmp"
	"slices"
	"sync"

	util_math "github.com/grafana/median-tracker/pkg/util/math"
)

// PartitionMedian is a point-in-time view of the median tracked for a single partition.
type PartitionMedian struct {
	Partition int32  `json:"partition"`
	Median    uint32 `json:"median"`
	LastDepth uint32 `json:"last_depth"`
	Samples   uint64 `json:"samples"`
}

type partitionMedian struct {
	median    *util_math.StreamingMedian
	lastDepth uint32
	samples   uint64
}

// PartitionMedians tracks an independent streaming median for each partition. Trackers are created on the first
// sample of a partition, pre-filled with the initial median.
//
// This type is concurrency safe.
type PartitionMedians struct {
	initialMedian uint32
	window        int

	mu         sync.Mutex
	partitions map[int32]*partitionMedian
}

func NewPartitionMedians(initialMedian uint32, window int) *PartitionMedians {
	return &PartitionMedians{
		initialMedian: initialMedian,
		window:        window,
		partitions:    map[int32]*partitionMedian{},
	}
}

// Observe records a queue depth sample for the partition and returns the updated median.
func (p *PartitionMedians) Observe(partition int32, depth uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.partitions[partition]
	if !ok {
		m = &partitionMedian{median: util_math.NewStreamingMedianWithWindow(p.initialMedian, p.window)}
		p.partitions[partition] = m
	}

	m.lastDepth = depth
	m.samples++
	return m.median.InsertAndCalculate(depth)
}

// Median returns the current median of the partition, and false if the partition has never been observed.
func (p *PartitionMedians) Median(partition int32) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.partitions[partition]
	if !ok {
		return 0, false
	}
	return m.median.Last(), true
}

// Partitions returns the observed partitions in ascending order.
func (p *PartitionMedians) Partitions() []int32 {
	p.mu.Lock()
	defer p.mu.Unlock()

	partitions := make([]int32, 0, len(p.partitions))
	for partition := range p.partitions {
		partitions = append(partitions, partition)
	}
	slices.Sort(partitions)
	return partitions
}

// Snapshot returns the state of every observed partition, sorted by partition.
func (p *PartitionMedians) Snapshot() []PartitionMedian {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]PartitionMedian, 0, len(p.partitions))
	for partition, m := range p.partitions {
		out = append(out, PartitionMedian{
			Partition: partition,
			Median:    m.median.Last(),
			LastDepth: m.lastDepth,
			Samples:   m.samples,
		})
	}
	slices.SortFunc(out, func(a, b PartitionMedian) int {
		return cmp.Compare(a.Partition, b.Partition)
	})
	return out
}

// Forget drops the tracker of the partition. A later sample starts over from the initial median.
func (p *PartitionMedians) Forget(partition int32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.partitions, partition)
}
