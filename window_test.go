package siamese

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func payload(i, size int) []byte {
	data := make([]byte, size)
	for j := range data {
		data[j] = byte(i + j)
	}
	return data
}

// checkWindowInvariants verifies the element/column correspondence and the
// lane sum bookkeeping after a successful call.
func checkWindowInvariants(t *testing.T, w *packetWindow) {
	t.Helper()
	for e := w.firstUnremovedElement; e < w.count; e++ {
		original := w.getWindowElement(e)
		require.Equal(t, w.elementToColumn(e), original.column, "element %d", e)
		require.EqualValues(t, e%columnLaneCount, original.column%columnLaneCount, "element %d", e)
	}
	require.LessOrEqual(t, w.sumStartElement, w.sumEndElement)
	require.LessOrEqual(t, w.sumEndElement, w.count)
	for laneIndex := range w.lanes {
		for sumIndex := 0; sumIndex < columnSumCount; sumIndex++ {
			require.EqualValues(t, laneIndex,
				w.lanes[laneIndex].nextElement[sumIndex]%columnLaneCount,
				"lane %d sum %d", laneIndex, sumIndex)
		}
	}
}

func TestWindowAddAssignsSequentialColumns(t *testing.T) {
	e := NewEncoder()
	for i := 0; i < 3; i++ {
		column, err := e.Add([]byte{byte(i + 1)})
		require.NoError(t, err)
		require.EqualValues(t, i, column)
	}
	require.Equal(t, 3, e.window.count)
	// one length byte in front of each stored payload
	require.Equal(t, 2, e.window.longestPacket)
	checkWindowInvariants(t, &e.window)
}

func TestWindowRemoveBefore(t *testing.T) {
	e := NewEncoder()
	for i := 0; i < 100; i++ {
		_, err := e.Add(payload(i, 10))
		require.NoError(t, err)
	}

	e.window.removeBefore(40)
	require.Equal(t, 40, e.window.firstUnremovedElement)

	// older acks never regress the boundary
	e.window.removeBefore(10)
	require.Equal(t, 40, e.window.firstUnremovedElement)

	// a column before the window start (negative delta) is ignored
	e.window.removeBefore(PacketNumCount - 5)
	require.Equal(t, 40, e.window.firstUnremovedElement)
	require.Equal(t, 100, e.window.count)

	// a column past the window clears it
	e.window.removeBefore(5000)
	require.Equal(t, 0, e.window.count)
}

func TestWindowRestartAfterClearKeepsLaneInvariant(t *testing.T) {
	e := NewEncoder()
	for i := 0; i < 13; i++ {
		_, err := e.Add(payload(i, 8))
		require.NoError(t, err)
	}
	e.window.removeBefore(100) // beyond window: clears it

	column, err := e.Add(payload(13, 8))
	require.NoError(t, err)
	require.EqualValues(t, 13, column)

	// the window restarted at element = column % 8
	require.Equal(t, int(column%columnLaneCount)+1, e.window.count)
	require.EqualValues(t, column-column%columnLaneCount, e.window.columnStart)
	checkWindowInvariants(t, &e.window)
}

func TestWindowMaxPackets(t *testing.T) {
	e := NewEncoder()
	e.window.count = MaxPackets
	_, err := e.window.add([]byte{1})
	require.ErrorIs(t, err, ErrMaxPacketsReached)
}

func TestRemoveElementsCompaction(t *testing.T) {
	e := NewEncoder()
	for i := 0; i < 600; i++ {
		_, err := e.Add(payload(i, 50))
		require.NoError(t, err)
	}
	before := e.alloc.MemoryAllocatedBytes()

	e.window.removeBefore(500)
	require.GreaterOrEqual(t, e.window.firstUnremovedElement, encoderRemoveThreshold)

	_, err := e.Encode() // triggers compaction on the siamese path
	require.NoError(t, err)

	removed := 500 / subwindowSize * subwindowSize
	require.Equal(t, 600-removed, e.window.count)
	require.Equal(t, 500-removed, e.window.firstUnremovedElement)
	require.EqualValues(t, removed, e.window.columnStart)
	require.EqualValues(t, removed, e.window.getWindowElement(0).column)
	checkWindowInvariants(t, &e.window)

	// compaction never grows the arena
	require.LessOrEqual(t, e.alloc.MemoryAllocatedBytes(), before+uint64(e.window.longestPacket*4))
}

func TestGetSumAccumulatesLane(t *testing.T) {
	e := NewEncoder()
	const size = 16
	for i := 0; i < 32; i++ {
		_, err := e.Add(payload(i, size))
		require.NoError(t, err)
	}
	w := &e.window
	w.resetSums(0)

	sum := w.getSum(0, 0, w.count)
	require.False(t, w.emergencyDisabled)

	// sum 0 of lane 0 is the plain xor of elements 0, 8, 16, 24
	want := make([]byte, w.lanes[0].longestPacket)
	for _, element := range []int{0, 8, 16, 24} {
		original := w.getWindowElement(element)
		for i := 0; i < original.buffer.bytes; i++ {
			want[i] ^= original.buffer.data()[i]
		}
	}
	require.Equal(t, want, sum.data()[:sum.bytes])

	// extending again is a no-op
	again := w.getSum(0, 0, w.count)
	require.Equal(t, want, again.data()[:again.bytes])
	checkWindowInvariants(t, w)
}

func TestLongestPacketRecomputedOnCompaction(t *testing.T) {
	e := NewEncoder()
	// a big packet early, small ones after
	_, err := e.Add(payload(0, 900))
	require.NoError(t, err)
	for i := 1; i < 300; i++ {
		_, err := e.Add(payload(i, 20))
		require.NoError(t, err)
	}
	require.Greater(t, e.window.longestPacket, 900)

	e.window.removeBefore(290)
	_, err = e.Encode()
	require.NoError(t, err)

	// the 900-byte packet is gone; longest reflects the 20-byte survivors
	// plus their one-byte length header
	require.Equal(t, 21, e.window.longestPacket)
	checkWindowInvariants(t, &e.window)
}

func TestWindowGrowsSubwindowsAhead(t *testing.T) {
	e := NewEncoder()
	for i := 0; i < subwindowSize*3; i++ {
		_, err := e.Add([]byte{byte(i)})
		require.NoError(t, err, fmt.Sprintf("add %d", i))
	}
	require.GreaterOrEqual(t, len(e.window.subwindows)*subwindowSize, e.window.count)
	checkWindowInvariants(t, &e.window)
}
