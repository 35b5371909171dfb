package siamese

import (
	"bytes"

	"github.com/quicfec/siamese/internal/pktalloc"
	"github.com/quicfec/siamese/wire"
)

// Guard bytes after the copied loss-range data so range decoding never
// reads past the buffer.
const ackPaddingBytes = 8

// ackState holds the most recent acknowledgement and an iterator over its
// reported loss ranges. The loss-range bytes are copied so the caller's
// buffer can be reused.
type ackState struct {
	alloc *pktalloc.Allocator

	data      *pktalloc.Buf
	dataBytes int

	// iterator state
	offset     int
	lossColumn uint32
	lossCount  uint32

	nextColumnExpected uint32
}

func (a *ackState) isRetransmitNeeded() bool {
	return a.lossCount > 0
}

func (a *ackState) hasNegativeAcknowledgements() bool {
	return a.dataBytes > 0
}

// onAcknowledgementData ingests one acknowledgement: it prunes the window
// up to the receiver's next expected column and primes the loss iterator.
// Identical payloads are skipped. Returns false on malformed input; an
// allocation failure disables the window.
func (a *ackState) onAcknowledgementData(w *packetWindow, data []byte) bool {
	nextColumnExpected, headerBytes := wire.PacketNum(data)
	if headerBytes < 1 {
		return false
	}
	rest := data[headerBytes:]

	// Reject a truncated first loss range before touching any state.
	if len(rest) > 0 {
		if _, _, rangeBytes := wire.LossRange(rest); rangeBytes == 0 {
			return false
		}
	}

	// Ignore duplicate data.
	if a.nextColumnExpected == nextColumnExpected && a.data != nil &&
		len(rest) == a.dataBytes && bytes.Equal(rest, a.data.Data[:a.dataBytes]) {
		return true
	}

	a.nextColumnExpected = nextColumnExpected

	w.removeBefore(nextColumnExpected)

	// Reset message decoder state.
	a.offset = 0
	a.lossColumn = nextColumnExpected
	a.lossCount = 0
	a.dataBytes = len(rest)

	if len(rest) == 0 {
		return true
	}

	grown := a.alloc.Reallocate(a.data, len(rest)+ackPaddingBytes, false)
	if grown == nil {
		w.emergencyDisabled = true
		return false
	}
	a.data = grown
	copy(a.data.Data, rest)
	clear(a.data.Data[len(rest) : len(rest)+ackPaddingBytes])

	return a.decodeNextRange()
}

// decodeNextRange reads the next loss range into the iterator.
// Returns false when the data is exhausted or malformed.
func (a *ackState) decodeNextRange() bool {
	if a.offset >= a.dataBytes {
		return false
	}

	relativeStart, lossCountM1, rangeBytes :=
		wire.LossRange(a.data.Data[a.offset : a.dataBytes+ackPaddingBytes])
	if rangeBytes == 0 {
		return false
	}

	a.offset += rangeBytes
	if a.offset > a.dataBytes {
		// The range spilled into the guard padding: truncated input.
		return false
	}

	a.lossColumn = addColumns(a.lossColumn, relativeStart)
	a.lossCount = lossCountM1 + 1

	return true
}

// getNextLossColumn yields the next lost column, or false when the ranges
// are exhausted. Call restartLossIterator to read through them again.
func (a *ackState) getNextLossColumn() (uint32, bool) {
	if a.lossCount == 0 {
		// lossColumn doubles as the offset base for the next range, so
		// step it one past the end of the current region first.
		a.lossColumn = incrementColumn(a.lossColumn)

		if !a.decodeNextRange() {
			return 0, false
		}
	}

	column := a.lossColumn
	a.lossColumn = incrementColumn(a.lossColumn)
	a.lossCount--

	return column, true
}

// restartLossIterator rewinds the iterator to just after ingestion.
func (a *ackState) restartLossIterator() {
	a.offset = 0
	a.lossColumn = a.nextColumnExpected
	a.lossCount = 0

	a.decodeNextRange()
}

func (a *ackState) clear() {
	a.offset = 0
	a.lossColumn = 0
	a.lossCount = 0
	a.dataBytes = 0
}
