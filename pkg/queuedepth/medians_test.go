// SPDX-License-Identifier: AGPL-3.0-only

package queuedepth

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionMedians_Observe(t *testing.T) {
	medians := NewPartitionMedians(10, 4)

	_, ok := medians.Median(0)
	assert.False(t, ok)

	// Window [10, 10, 10, 100] for partition 0, [10, 10, 10, 1] for partition 1.
	assert.Equal(t, uint32(10), medians.Observe(0, 100))
	assert.Equal(t, uint32(10), medians.Observe(1, 1))

	// Window [10, 10, 100, 200]: the lower middle is 10.
	assert.Equal(t, uint32(10), medians.Observe(0, 200))
	// Window [10, 100, 200, 300]: the lower middle is 100.
	assert.Equal(t, uint32(100), medians.Observe(0, 300))

	median, ok := medians.Median(0)
	require.True(t, ok)
	assert.Equal(t, uint32(100), median)

	assert.Equal(t, []PartitionMedian{
		{Partition: 0, Median: 100, LastDepth: 300, Samples: 3},
		{Partition: 1, Median: 10, LastDepth: 1, Samples: 1},
	}, medians.Snapshot())
	assert.Equal(t, []int32{0, 1}, medians.Partitions())
}

func TestPartitionMedians_SnapshotSortedByPartition(t *testing.T) {
	medians := NewPartitionMedians(0, 1)
	for _, partition := range []int32{7, 2, 1 << 30, 0, 5} {
		medians.Observe(partition, uint32(partition))
	}

	var partitions []int32
	for _, m := range medians.Snapshot() {
		partitions = append(partitions, m.Partition)
	}
	assert.Equal(t, []int32{0, 2, 5, 7, 1 << 30}, partitions)
}

func TestPartitionMedians_Forget(t *testing.T) {
	medians := NewPartitionMedians(0, 2)
	medians.Observe(3, 50)
	medians.Observe(3, 60)

	medians.Forget(3)
	_, ok := medians.Median(3)
	assert.False(t, ok)
	assert.Empty(t, medians.Snapshot())

	// The partition starts over from the initial median.
	assert.Equal(t, uint32(0), medians.Observe(3, 70))
	assert.Equal(t, []PartitionMedian{{Partition: 3, Median: 0, LastDepth: 70, Samples: 1}}, medians.Snapshot())
}

func TestPartitionMedians_ConcurrentPartitions(t *testing.T) {
	const (
		partitions = 8
		samples    = 1_000
	)
	medians := NewPartitionMedians(0, 16)

	wg := sync.WaitGroup{}
	wg.Add(partitions)
	for p := int32(0); p < partitions; p++ {
		go func() {
			defer wg.Done()
			for i := 0; i < samples; i++ {
				medians.Observe(p, uint32(p)*1000)
				medians.Snapshot()
			}
		}()
	}
	wg.Wait()

	snapshot := medians.Snapshot()
	require.Len(t, snapshot, partitions)
	for _, s := range snapshot {
		assert.Equal(t, uint32(s.Partition)*1000, s.Median)
		assert.Equal(t, uint64(samples), s.Samples)
	}
}
