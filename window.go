package siamese

import (
	"github.com/quicfec/siamese/gf256"
	"github.com/quicfec/siamese/internal/pktalloc"
	"github.com/quicfec/siamese/wire"
)

// originalPacket is one window entry: the packet data prefixed by its
// serialized length, plus the retransmission timestamp.
type originalPacket struct {
	column       uint32
	headerBytes  int
	lastSendMsec uint64
	buffer       growingBuffer
}

// initialize stores the length header and payload, reusing the entry's old
// buffer when a rotated subwindow is recycled. Returns the stored bytes, or
// 0 on allocation failure.
func (p *originalPacket) initialize(alloc *pktalloc.Allocator, column uint32, data []byte) int {
	headerBytes := wire.PacketLengthLen(uint32(len(data)))
	total := headerBytes + len(data)
	if !p.buffer.initialize(alloc, total) {
		return 0
	}
	wire.PutPacketLength(p.buffer.data(), uint32(len(data)))
	copy(p.buffer.data()[headerBytes:], data)
	p.column = column
	p.headerBytes = headerBytes
	p.lastSendMsec = 0
	return total
}

// columnLane carries the three running sums for one residue class of
// element % columnLaneCount, with the next element each sum still has to
// accumulate. Longest packet is kept per lane as well: when data sizes
// vary a lot this avoids touching the global maximum.
type columnLane struct {
	nextElement   [columnSumCount]int
	sum           [columnSumCount]growingBuffer
	longestPacket int
}

type subwindow struct {
	originals [subwindowSize]originalPacket
}

// packetWindow is the set of original packets under protection, indexed by
// element. element % 8 == column % 8 always holds; the first element of a
// fresh window is chosen to preserve it.
type packetWindow struct {
	alloc *pktalloc.Allocator
	stats *Stats

	// next column number to assign
	nextColumn uint32

	count       int
	columnStart uint32

	// undefined while count == 0
	longestPacket int

	// advanced by removeBefore, rolled back by removeElements
	firstUnremovedElement int

	// element range [sumStartElement, sumEndElement) reflected in the
	// lane sums; sumErasedCount is how many summed elements have been
	// pruned from the window front since the last reset
	sumStartElement int
	sumEndElement   int
	sumColumnStart  uint32
	sumErasedCount  int

	subwindows []*subwindow

	lanes [columnLaneCount]columnLane

	// On invalid input or allocation failure the codec is disabled to
	// keep an exploit or corruption from propagating.
	emergencyDisabled bool
}

func (w *packetWindow) clearWindow() {
	w.firstUnremovedElement = 0
	w.count = 0
	w.longestPacket = 0
	w.sumStartElement = 0
	w.sumEndElement = 0

	for laneIndex := range w.lanes {
		lane := &w.lanes[laneIndex]
		for sumIndex := 0; sumIndex < columnSumCount; sumIndex++ {
			lane.sum[sumIndex].reset()
			lane.nextElement[sumIndex] = laneIndex
		}
		lane.longestPacket = 0
	}
}

func (w *packetWindow) columnToElement(column uint32) uint32 {
	return subtractColumns(column, w.columnStart)
}

func (w *packetWindow) invalidElement(element uint32) bool {
	return element >= uint32(w.count)
}

func (w *packetWindow) elementToColumn(element int) uint32 {
	return addColumns(uint32(element), w.columnStart)
}

// getWindowElement returns the entry for a window element.
// Precondition: 0 <= element < count.
func (w *packetWindow) getWindowElement(element int) *originalPacket {
	return &w.subwindows[element/subwindowSize].originals[element%subwindowSize]
}

// getNextLaneElement returns the first element at or after element that
// belongs to the given lane.
func (w *packetWindow) getNextLaneElement(element, laneIndex int) int {
	next := element - element%columnLaneCount + laneIndex
	if next < element {
		next += columnLaneCount
	}
	return next
}

func (w *packetWindow) unacknowledgedCount() int {
	return w.count - w.firstUnremovedElement
}

// add appends a packet to the end of the set and returns its column.
func (w *packetWindow) add(data []byte) (uint32, error) {
	if w.emergencyDisabled {
		return 0, ErrDisabled
	}
	if w.count >= MaxPackets {
		return 0, ErrMaxPacketsReached
	}

	column := w.nextColumn
	element := w.count

	// Keep a lane's worth of headroom so a restarted window can skip
	// ahead to element = column % 8 without another grow.
	if element+columnLaneCount >= len(w.subwindows)*subwindowSize {
		w.subwindows = append(w.subwindows, &subwindow{})
	}

	if w.count > 0 {
		w.count++
	} else {
		element = int(column % columnLaneCount)
		w.startNewWindow(column)
	}

	original := w.getWindowElement(element)
	originalBytes := original.initialize(w.alloc, column, data)
	if originalBytes == 0 {
		w.emergencyDisabled = true
		log.Errorf("window add: out of memory storing column %d", column)
		return 0, ErrDisabled
	}

	w.nextColumn = incrementColumn(w.nextColumn)

	lane := &w.lanes[column%columnLaneCount]
	if lane.longestPacket < originalBytes {
		lane.longestPacket = originalBytes
	}
	if w.longestPacket < originalBytes {
		w.longestPacket = originalBytes
	}

	w.stats.OriginalCount++
	w.stats.OriginalBytes += uint64(len(data))

	return column, nil
}

// startNewWindow begins indexing at element = column % 8 so the lane
// invariant holds, skipping the first few elements.
func (w *packetWindow) startNewWindow(column uint32) {
	element := int(column % columnLaneCount)
	w.columnStart = column - uint32(element)
	w.sumStartElement = element
	w.sumEndElement = element
	w.firstUnremovedElement = element
	w.count = element + 1

	w.longestPacket = 0
	for laneIndex := range w.lanes {
		w.lanes[laneIndex].longestPacket = 0
	}

	log.Debugf("starting a new window from column %d", w.columnStart)
}

// removeBefore marks all elements before the given column as acknowledged.
// Columns before the window are ignored; columns past it clear the window.
func (w *packetWindow) removeBefore(firstKeptColumn uint32) {
	if w.emergencyDisabled {
		return
	}

	firstKeptElement := w.columnToElement(firstKeptColumn)
	if w.invalidElement(firstKeptElement) {
		if isColumnDeltaNegative(firstKeptElement) {
			log.Debugf("remove before column %d: ignored, before window", firstKeptColumn)
		} else {
			w.count = 0
			log.Debugf("remove before column %d: removed everything", firstKeptColumn)
		}
		return
	}

	// Monotone: never regress on an older ack.
	if w.firstUnremovedElement < int(firstKeptElement) {
		w.firstUnremovedElement = int(firstKeptElement)
	}
}

// resetSums rebases all lane sums to start from the given element.
// Rebuilding them afterwards costs O(count * longestPacket).
func (w *packetWindow) resetSums(elementStart int) {
	for laneIndex := range w.lanes {
		nextElement := w.getNextLaneElement(elementStart, laneIndex)
		for sumIndex := 0; sumIndex < columnSumCount; sumIndex++ {
			w.lanes[laneIndex].nextElement[sumIndex] = nextElement
			w.lanes[laneIndex].sum[sumIndex].reset()
		}
	}

	w.sumStartElement = elementStart
	w.sumEndElement = elementStart
	w.sumColumnStart = w.elementToColumn(elementStart)
	w.sumErasedCount = 0
}

// getSum extends one lane sum up to elementEnd and returns it.
// Sum 0 accumulates raw packet bytes; sums 1 and 2 scale each packet by the
// column value and its square.
func (w *packetWindow) getSum(laneIndex, sumIndex, elementEnd int) *growingBuffer {
	lane := &w.lanes[laneIndex]
	element := lane.nextElement[sumIndex]
	sum := &lane.sum[sumIndex]

	if element >= elementEnd {
		return sum
	}

	if lane.longestPacket > 0 && !sum.growZeroPadded(w.alloc, lane.longestPacket) {
		w.emergencyDisabled = true
		return sum
	}

	for ; element < elementEnd; element += columnLaneCount {
		original := w.getWindowElement(element)
		addBytes := original.buffer.bytes

		if !sum.growZeroPadded(w.alloc, addBytes) {
			w.emergencyDisabled = true
			return sum
		}

		if sumIndex == 0 {
			gf256.AddMem(sum.data()[:addBytes], original.buffer.data()[:addBytes])
		} else {
			cx := getColumnValue(original.column)
			if sumIndex == 2 {
				cx = gf256.Sqr(cx)
			}
			gf256.MulAddMem(sum.data()[:addBytes], cx, original.buffer.data()[:addBytes])
		}
	}

	lane.nextElement[sumIndex] = element
	return sum
}

// removeElements compacts the window, dropping whole subwindows that fall
// entirely inside the acknowledged prefix. Lane sums are flushed up to the
// removal boundary first so their state survives the rebase.
func (w *packetWindow) removeElements() {
	firstKeptSubwindow := w.firstUnremovedElement / subwindowSize
	removedElementCount := firstKeptSubwindow * subwindowSize

	log.Debugf("removing %d elements up to %d, startColumn=%d",
		removedElementCount, w.firstUnremovedElement, w.columnStart)

	if w.sumEndElement > w.sumStartElement {
		for laneIndex := 0; laneIndex < columnLaneCount; laneIndex++ {
			for sumIndex := 0; sumIndex < columnSumCount; sumIndex++ {
				w.getSum(laneIndex, sumIndex, removedElementCount)
				if w.emergencyDisabled {
					return
				}

				if w.lanes[laneIndex].nextElement[sumIndex] > removedElementCount {
					w.lanes[laneIndex].nextElement[sumIndex] -= removedElementCount
				} else {
					w.lanes[laneIndex].nextElement[sumIndex] = 0
				}
			}
		}

		if removedElementCount > w.sumStartElement {
			w.sumErasedCount += removedElementCount - w.sumStartElement
		}
		if w.sumEndElement > removedElementCount {
			w.sumEndElement -= removedElementCount
		} else {
			w.sumEndElement = 0
		}
		if w.sumStartElement > removedElementCount {
			w.sumStartElement -= removedElementCount
		} else {
			w.sumStartElement = 0
		}
	}

	// Shift kept subwindows to the front; evicted ones rotate to the back
	// where their buffers get recycled as the window grows again.
	kept := w.subwindows[firstKeptSubwindow:]
	w.subwindows = append(kept, w.subwindows[:firstKeptSubwindow]...)

	w.count -= removedElementCount
	w.columnStart = w.elementToColumn(removedElementCount)
	w.firstUnremovedElement -= removedElementCount

	// Recompute the longest surviving packet, globally and per lane.
	longestPacket := 0
	var laneLongest [columnLaneCount]int
	for i := w.firstUnremovedElement; i < w.count; i++ {
		original := w.getWindowElement(i)
		originalBytes := original.buffer.bytes
		if longestPacket < originalBytes {
			longestPacket = originalBytes
		}
		if laneLongest[i%columnLaneCount] < originalBytes {
			laneLongest[i%columnLaneCount] = originalBytes
		}
	}
	w.longestPacket = longestPacket
	for laneIndex := range w.lanes {
		w.lanes[laneIndex].longestPacket = laneLongest[laneIndex]
	}

	if w.sumEndElement <= w.sumStartElement {
		w.resetSums(w.firstUnremovedElement)
	}
}
