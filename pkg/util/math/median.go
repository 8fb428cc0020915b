// SPDX-License-Identifier: AGPL-3.0-only

package math

import (
	"fmt"
	"slices"
)

// DefaultMedianWindow is the number of samples tracked by NewStreamingMedian.
const DefaultMedianWindow = 64

// StreamingMedian provides the median value over a sliding window of the last N inserted values.
//
// The window is pre-filled with N copies of the initial median, so the tracker can be queried right after
// construction. The initial value keeps influencing the median until N values have been inserted.
//
// The median is the element at index N/2-1 of the sorted window, which is the lower of the two middle
// elements when N is even and the middle element when N is odd. It is never the average of two elements.
//
// This type is not concurrency safe.
type StreamingMedian struct {
	// window holds the values in insertion order. The oldest value is at index next.
	window []uint32
	next   int

	// sorted holds the same values as window, in ascending order.
	sorted []uint32

	last uint32
}

// NewStreamingMedian returns a StreamingMedian over DefaultMedianWindow values.
func NewStreamingMedian(initialMedian uint32) *StreamingMedian {
	return NewStreamingMedianWithWindow(initialMedian, DefaultMedianWindow)
}

// NewStreamingMedianWithWindow returns a StreamingMedian over the given number of values.
// An even window is expected, an odd one yields the middle element. Panics if window is less than 1.
func NewStreamingMedianWithWindow(initialMedian uint32, window int) *StreamingMedian {
	if window < 1 {
		panic(fmt.Sprintf("streaming median window must be at least 1, got %d", window))
	}

	m := &StreamingMedian{
		window: make([]uint32, window),
		sorted: make([]uint32, window),
	}
	m.Reset(initialMedian)
	return m
}

// Reset fills the window with the initial median again, discarding all the inserted values.
func (m *StreamingMedian) Reset(initialMedian uint32) {
	for i := range m.window {
		m.window[i] = initialMedian
		m.sorted[i] = initialMedian
	}
	m.next = 0
	m.last = initialMedian
}

// Last returns the median computed by the last insertion, or the initial median if nothing has been inserted yet.
func (m *StreamingMedian) Last() uint32 {
	return m.last
}

// Window returns the number of values the median is computed over.
func (m *StreamingMedian) Window() int {
	return len(m.window)
}

// Sorted appends the values currently in the window, in ascending order, to dst and returns the extended slice.
func (m *StreamingMedian) Sorted(dst []uint32) []uint32 {
	return append(dst, m.sorted...)
}

// InsertAndCalculate evicts the oldest value from the window, inserts value and returns the updated median.
//
// The sorted view is never re-sorted: the position of the evicted value and the position of the new value
// are both found with a binary search, and only the values in between are shifted by one slot. Given:
//
//	sorted = [2, 3, 4, 5, 7, 8], evicted = 3, value = 6
//
// the evicted value is at index 1 and the new value belongs at index 3. The values at [2, 3) are
// shifted left, overwriting the evicted value, and the new value fills the slot left behind:
//
//	[2, 4, 5, 5, 7, 8] -> [2, 4, 5, 6, 7, 8]
//
// When the new value sorts before the evicted one, the values in between are shifted right instead.
func (m *StreamingMedian) InsertAndCalculate(value uint32) uint32 {
	removed := m.window[m.next]
	m.window[m.next] = value
	m.next++
	if m.next == len(m.window) {
		m.next = 0
	}

	if removed == value {
		return m.sorted[m.medianIndex()]
	}

	removeIndex := searchSorted(m.sorted, removed)

	// The new value can't sort on the other side of the evicted one, so only half of the view is searched.
	var insertIndex int
	if removed > value {
		insertIndex = searchSorted(m.sorted[:removeIndex], value)
	} else {
		insertIndex = removeIndex + searchSorted(m.sorted[removeIndex:], value)
	}

	// copy() has memmove semantics, so shifting within the same slice is safe.
	if removeIndex < insertIndex {
		copy(m.sorted[removeIndex:insertIndex-1], m.sorted[removeIndex+1:insertIndex])
		m.sorted[insertIndex-1] = value
	} else {
		copy(m.sorted[insertIndex+1:removeIndex+1], m.sorted[insertIndex:removeIndex])
		m.sorted[insertIndex] = value
	}

	m.last = m.sorted[m.medianIndex()]
	return m.last
}

func (m *StreamingMedian) medianIndex() int {
	return (len(m.sorted) - 1) / 2
}

// checkInvariants returns an error if the window and its sorted view went out of sync.
func (m *StreamingMedian) checkInvariants() error {
	if len(m.window) != len(m.sorted) {
		return fmt.Errorf("window has %d values but sorted view has %d", len(m.window), len(m.sorted))
	}
	if m.next < 0 || m.next >= len(m.window) {
		return fmt.Errorf("ring position %d out of range [0, %d)", m.next, len(m.window))
	}
	for i := 1; i < len(m.sorted); i++ {
		if m.sorted[i-1] > m.sorted[i] {
			return fmt.Errorf("sorted view not in order at index %d: %d > %d", i, m.sorted[i-1], m.sorted[i])
		}
	}

	windowSorted := slices.Clone(m.window)
	slices.Sort(windowSorted)
	if !slices.Equal(windowSorted, m.sorted) {
		return fmt.Errorf("sorted view is not a permutation of the window")
	}
	if m.last != m.sorted[m.medianIndex()] {
		return fmt.Errorf("cached median %d differs from sorted view median %d", m.last, m.sorted[m.medianIndex()])
	}
	return nil
}

// searchSorted returns the index of x in the ascending slice s, or the index where x would have to be inserted
// to keep s sorted. The two cases aren't distinguished. Returns 0 if s is empty.
func searchSorted(s []uint32, x uint32) int {
	base := 0
	for len(s) > 0 {
		half := len(s) / 2
		switch v := s[half]; {
		case v < x:
			base += half + 1
			s = s[half+1:]
		case v > x:
			s = s[:half]
		default:
			return base + half
		}
	}
	return base
}
