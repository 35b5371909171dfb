// Package siamese implements the sender side of the Siamese streaming
// erasure code: a sliding window of original packets, lane-indexed running
// sums over GF(256) that make recovery rows cheap to produce, and the
// feedback path that prunes the window and drives retransmission.
//
// The encoder keeps track of packets that have not been acknowledged yet,
// and when asked to encode it selects between a Cauchy/parity row for small
// windows and a Siamese sum row otherwise.
//
// The API is not safe for concurrent use; callers serialize.
package siamese

import (
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/quicfec/siamese/gf256"
	"github.com/quicfec/siamese/internal/pktalloc"
	"github.com/quicfec/siamese/wire"
)

var log = logging.Logger("siamese")

// OriginalPacket is one packet returned by Get or Retransmit. Data points
// into codec-owned storage and is valid until the packet leaves the window.
type OriginalPacket struct {
	PacketNum uint32
	Data      []byte
}

// EventSink observes codec activity, e.g. for a trace writer.
// Implementations must not call back into the encoder.
type EventSink interface {
	AddedOriginal(packetNum uint32, dataBytes int)
	SentRecovery(meta wire.RecoveryMetadata, dataBytes int)
	GotAck(nextColumnExpected uint32, ackBytes int)
	Retransmitted(packetNum uint32, dataBytes int)
}

// Encoder is the sender-side codec engine.
type Encoder struct {
	alloc  *pktalloc.Allocator
	stats  Stats
	window packetWindow
	ack    ackState

	// Recovery output buffer, kept across calls so the next packet can
	// reuse the allocation.
	recovery growingBuffer

	// next row for Siamese packets
	nextRow uint32

	// next start column whose recovery row can be all ones
	nextParityColumn uint32

	// next row for Cauchy packets
	nextCauchyRow uint32

	nowMsec func() uint64
	sink    EventSink
}

// NewEncoder creates an encoder with its own arena.
func NewEncoder() *Encoder {
	e := &Encoder{
		alloc:   pktalloc.New(),
		nowMsec: func() uint64 { return uint64(time.Now().UnixMilli()) },
	}
	e.window.alloc = e.alloc
	e.window.stats = &e.stats
	e.window.clearWindow()
	e.ack.alloc = e.alloc
	return e
}

// SetEventSink attaches an observer for codec events. Pass nil to detach.
func (e *Encoder) SetEventSink(sink EventSink) {
	e.sink = sink
}

// Add appends a packet to the protected set and returns its column number.
// The data is copied.
func (e *Encoder) Add(data []byte) (uint32, error) {
	if e.window.emergencyDisabled {
		return 0, ErrDisabled
	}
	if len(data) < MinPacketBytes || len(data) > MaxPacketBytes {
		return 0, ErrInvalidInput
	}
	column, err := e.window.add(data)
	if err != nil {
		return 0, err
	}
	if e.sink != nil {
		e.sink.AddedOriginal(column, len(data))
	}
	return column, nil
}

// Get returns a packet still in the window, with the length header
// stripped. Returns ErrNeedMoreData if the packet was removed.
func (e *Encoder) Get(packetNum uint32) ([]byte, error) {
	if e.window.emergencyDisabled {
		return nil, ErrDisabled
	}

	element := e.window.columnToElement(packetNum)
	if e.window.invalidElement(element) || int(element) < e.window.firstUnremovedElement {
		return nil, ErrNeedMoreData
	}

	original := e.window.getWindowElement(int(element))
	if original.buffer.bytes <= 0 {
		return nil, ErrNeedMoreData
	}

	return original.buffer.data()[original.headerBytes:original.buffer.bytes], nil
}

// RemoveBefore drops all packets up to but not including the given column.
// Prefer Acknowledge, which calls this from the receiver's report.
func (e *Encoder) RemoveBefore(firstKeptColumn uint32) error {
	if e.window.emergencyDisabled {
		return ErrDisabled
	}
	if firstKeptColumn >= PacketNumCount {
		return ErrInvalidInput
	}
	e.window.removeBefore(firstKeptColumn)
	return nil
}

// Acknowledge ingests a selective acknowledgement from the decoder.
// A payload identical to the previous one is skipped.
func (e *Encoder) Acknowledge(data []byte) error {
	if e.window.emergencyDisabled {
		return ErrDisabled
	}

	if !e.ack.onAcknowledgementData(&e.window, data) {
		if e.window.emergencyDisabled {
			return ErrDisabled
		}
		return ErrInvalidInput
	}

	e.stats.AckCount++
	e.stats.AckBytes += uint64(len(data))

	if e.sink != nil {
		e.sink.GotAck(e.ack.nextColumnExpected, len(data))
	}
	return nil
}

// Retransmit returns the next original packet whose loss was reported and
// that has not been sent within retransmitMsec. When the loss list is
// exhausted it returns ErrNeedMoreData and restarts the iterator for the
// next call cycle.
func (e *Encoder) Retransmit(retransmitMsec uint64) (OriginalPacket, error) {
	if e.window.emergencyDisabled {
		return OriginalPacket{}, ErrDisabled
	}

	if !e.ack.hasNegativeAcknowledgements() {
		return OriginalPacket{}, ErrNeedMoreData
	}

	nowMsec := e.nowMsec()
	var sentRecently []uint32

	for {
		column, ok := e.ack.getNextLossColumn()
		if !ok {
			break
		}

		element := e.window.columnToElement(column)
		if e.window.invalidElement(element) {
			// The packet already left the window.
			break
		}

		original := e.window.getWindowElement(int(element))
		if original.buffer.bytes <= 0 {
			break
		}

		if nowMsec-original.lastSendMsec < retransmitMsec {
			sentRecently = append(sentRecently, column)
			continue
		}

		original.lastSendMsec = nowMsec

		length := original.buffer.bytes - original.headerBytes

		e.stats.RetransmitCount++
		e.stats.RetransmitBytes += uint64(length)

		log.Debugf("retransmitting column %d, skipped recently sent %v", column, sentRecently)
		if e.sink != nil {
			e.sink.Retransmitted(column, length)
		}
		return OriginalPacket{
			PacketNum: column,
			Data:      original.buffer.data()[original.headerBytes:original.buffer.bytes],
		}, nil
	}

	// Read through the loss ranges again on the next call cycle.
	e.ack.restartLossIterator()

	log.Debugf("no column due for retransmit, skipped recently sent %v", sentRecently)
	return OriginalPacket{}, ErrNeedMoreData
}

// Encode produces the next recovery packet: payload followed by the
// metadata footer. The returned slice points into codec-owned storage and
// is valid until the next Encode call.
func (e *Encoder) Encode() ([]byte, error) {
	if e.window.emergencyDisabled {
		return nil, ErrDisabled
	}

	if e.window.count <= 0 {
		return nil, ErrNeedMoreData
	}

	unacknowledgedCount := e.window.unacknowledgedCount()
	if unacknowledgedCount == 1 {
		return e.generateSinglePacket()
	}

	// Upper bound on the sum width this packet would advertise.
	newSumCountUB := e.window.count - e.window.sumStartElement + e.window.sumErasedCount

	if e.window.sumEndElement <= e.window.sumStartElement || newSumCountUB >= MaxPackets {
		// The sum range is empty or too wide to describe.
		if unacknowledgedCount <= cauchyThreshold {
			return e.generateCauchyPacket()
		}

		log.Debugf("resetting sums at element %d", e.window.firstUnremovedElement)
		e.window.resetSums(e.window.firstUnremovedElement)
	} else if unacknowledgedCount <= sumResetThreshold || newSumCountUB <= cauchyThreshold {
		// Cauchy rows win at this window size. Stop using the sums.
		e.window.sumEndElement = e.window.sumStartElement
		return e.generateCauchyPacket()
	}

	if e.window.firstUnremovedElement >= encoderRemoveThreshold {
		e.window.removeElements()
		if e.window.emergencyDisabled {
			return nil, ErrDisabled
		}
	}

	row := e.nextRow
	e.nextRow++
	if e.nextRow >= rowPeriod {
		e.nextRow = 0
	}

	// The output buffer doubles as scratch: the first half accumulates
	// the recovery packet, the second half the product workspace.
	recoveryBytes := e.window.longestPacket
	alignedBytes := nextAlignedOffset(recoveryBytes)
	if !e.recovery.initialize(e.alloc, 2*alignedBytes+MaxEncodeOverhead) {
		e.window.emergencyDisabled = true
		return nil, ErrDisabled
	}
	out := e.recovery.data()
	clear(out[:2*alignedBytes])
	productWorkspace := out[alignedBytes : 2*alignedBytes]

	e.addDenseColumns(row, productWorkspace)
	if e.window.emergencyDisabled {
		return nil, ErrDisabled
	}
	e.addLightColumns(row, productWorkspace)

	// out += RX * productWorkspace
	rx := getRowValue(row)
	gf256.MulAddMem(out[:recoveryBytes], rx, productWorkspace[:recoveryBytes])

	metadata := wire.RecoveryMetadata{
		SumCount:    uint32(e.window.sumEndElement - e.window.sumStartElement + e.window.sumErasedCount),
		LDPCCount:   uint32(unacknowledgedCount),
		ColumnStart: e.window.sumColumnStart,
		Row:         uint8(row),
	}

	// The footer lands right after the recovery bytes, saving a copy.
	footerBytes := wire.PutRecoveryMetadata(out[recoveryBytes:], metadata)
	packet := out[:recoveryBytes+footerBytes]

	e.stats.RecoveryCount++
	e.stats.RecoveryBytes += uint64(len(packet))

	log.Debugf("generated siamese recovery packet start=%d ldpcCount=%d sumCount=%d row=%d",
		metadata.ColumnStart, metadata.LDPCCount, metadata.SumCount, metadata.Row)
	if e.sink != nil {
		e.sink.SentRecovery(metadata, len(packet))
	}
	return packet, nil
}

// addDenseColumns folds the selected lane sums into the recovery buffer and
// product workspace for this row.
func (e *Encoder) addDenseColumns(row uint32, productWorkspace []byte) {
	recoveryBytes := e.window.longestPacket
	out := e.recovery.data()

	for laneIndex := 0; laneIndex < columnLaneCount; laneIndex++ {
		opcode := getRowOpcode(uint32(laneIndex), row)

		mask := uint32(1)
		for sumIndex := 0; sumIndex < columnSumCount; sumIndex++ {
			if opcode&mask != 0 {
				sum := e.window.getSum(laneIndex, sumIndex, e.window.count)
				if addBytes := min(sum.bytes, recoveryBytes); addBytes > 0 {
					gf256.AddMem(out[:addBytes], sum.data()[:addBytes])
				}
			}
			mask <<= 1
		}
		for sumIndex := 0; sumIndex < columnSumCount; sumIndex++ {
			if opcode&mask != 0 {
				sum := e.window.getSum(laneIndex, sumIndex, e.window.count)
				if addBytes := min(sum.bytes, recoveryBytes); addBytes > 0 {
					gf256.AddMem(productWorkspace[:addBytes], sum.data()[:addBytes])
				}
			}
			mask <<= 1
		}
	}

	e.window.sumEndElement = e.window.count
}

// addLightColumns xors PRNG-chosen packet pairs into the recovery buffer
// and product workspace, one pair per pairAddRate packets in the range.
func (e *Encoder) addLightColumns(row uint32, productWorkspace []byte) {
	startElement := e.window.firstUnremovedElement
	count := e.window.sumEndElement - startElement
	out := e.recovery.data()

	var prng pcgRandom
	prng.seed(uint64(row), uint64(count))

	pairCount := (count + pairAddRate - 1) / pairAddRate
	for i := 0; i < pairCount; i++ {
		element1 := startElement + int(prng.next()%uint32(count))
		original1 := e.window.getWindowElement(element1)
		elementRX := startElement + int(prng.next()%uint32(count))
		originalRX := e.window.getWindowElement(elementRX)

		gf256.AddMem(out, original1.buffer.data()[:original1.buffer.bytes])
		gf256.AddMem(productWorkspace, originalRX.buffer.data()[:originalRX.buffer.bytes])
	}
}

// generateSinglePacket emits the one unremoved original verbatim, footer
// appended. No arithmetic is involved.
func (e *Encoder) generateSinglePacket() ([]byte, error) {
	original := e.window.getWindowElement(e.window.firstUnremovedElement)
	originalBytes := original.buffer.bytes

	// Usually in place: the arena overallocates for exactly this.
	if !original.buffer.growZeroPadded(e.alloc, originalBytes+MaxEncodeOverhead) {
		e.window.emergencyDisabled = true
		return nil, ErrDisabled
	}
	original.buffer.bytes = originalBytes

	metadata := wire.RecoveryMetadata{
		SumCount:    1,
		LDPCCount:   1,
		ColumnStart: original.column,
		Row:         0,
	}

	footerBytes := wire.PutRecoveryMetadata(original.buffer.data()[originalBytes:], metadata)
	packet := original.buffer.data()[:originalBytes+footerBytes]

	e.stats.RecoveryCount++
	e.stats.RecoveryBytes += uint64(len(packet))

	log.Debugf("generated single recovery packet start=%d", metadata.ColumnStart)
	if e.sink != nil {
		e.sink.SentRecovery(metadata, len(packet))
	}
	return packet, nil
}

// generateCauchyPacket emits a parity or Cauchy row over the unremoved
// region. These rows can be shorter than the full window maximum since
// they start at the unremoved boundary.
func (e *Encoder) generateCauchyPacket() ([]byte, error) {
	firstElement := e.window.firstUnremovedElement
	recoveryBytes := e.window.longestPacket
	if !e.recovery.initialize(e.alloc, recoveryBytes+MaxEncodeOverhead) {
		e.window.emergencyDisabled = true
		return nil, ErrDisabled
	}
	out := e.recovery.data()

	unacknowledgedCount := e.window.unacknowledgedCount()
	metadata := wire.RecoveryMetadata{
		SumCount:    uint32(unacknowledgedCount),
		LDPCCount:   uint32(unacknowledgedCount),
		ColumnStart: e.window.elementToColumn(firstElement),
	}

	usedBytes := 0

	nextParityElement := e.window.columnToElement(e.nextParityColumn)
	if nextParityElement <= uint32(firstElement) || isColumnDeltaNegative(nextParityElement) {
		// Row 0 is a parity row.
		e.nextParityColumn = addColumns(metadata.ColumnStart, uint32(unacknowledgedCount))
		metadata.Row = 0

		original := e.window.getWindowElement(firstElement)
		originalBytes := original.buffer.bytes
		copy(out[:originalBytes], original.buffer.data()[:originalBytes])
		clear(out[originalBytes:recoveryBytes])
		usedBytes = originalBytes

		for element := firstElement + 1; element < e.window.count; element++ {
			original = e.window.getWindowElement(element)
			originalBytes = original.buffer.bytes
			gf256.AddMem(out[:originalBytes], original.buffer.data()[:originalBytes])
			if usedBytes < originalBytes {
				usedBytes = originalBytes
			}
		}
	} else {
		cauchyRow := e.nextCauchyRow
		metadata.Row = uint8(cauchyRow + 1)
		e.nextCauchyRow++
		if e.nextCauchyRow >= cauchyMaxRows {
			e.nextCauchyRow = 0
		}

		cauchyColumn := metadata.ColumnStart % cauchyMaxColumns
		original := e.window.getWindowElement(firstElement)
		y := cauchyElement(cauchyRow, cauchyColumn)
		originalBytes := original.buffer.bytes
		gf256.MulMem(out[:originalBytes], original.buffer.data()[:originalBytes], y)
		clear(out[originalBytes:recoveryBytes])
		usedBytes = originalBytes

		for element := firstElement + 1; element < e.window.count; element++ {
			cauchyColumn = (cauchyColumn + 1) % cauchyMaxColumns
			original = e.window.getWindowElement(element)
			originalBytes = original.buffer.bytes
			y = cauchyElement(cauchyRow, cauchyColumn)
			gf256.MulAddMem(out[:originalBytes], y, original.buffer.data()[:originalBytes])
			if usedBytes < originalBytes {
				usedBytes = originalBytes
			}
		}
	}

	footerBytes := wire.PutRecoveryMetadata(out[usedBytes:], metadata)
	packet := out[:usedBytes+footerBytes]

	e.stats.RecoveryCount++
	e.stats.RecoveryBytes += uint64(len(packet))

	log.Debugf("generated cauchy/parity recovery packet start=%d count=%d row=%d",
		metadata.ColumnStart, metadata.LDPCCount, metadata.Row)
	if e.sink != nil {
		e.sink.SentRecovery(metadata, len(packet))
	}
	return packet, nil
}

// Statistics returns a snapshot of the encoder's counters.
func (e *Encoder) Statistics() Stats {
	stats := e.stats
	stats.MemoryUsed = e.alloc.MemoryAllocatedBytes()
	return stats
}
