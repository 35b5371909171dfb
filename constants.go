package siamese

import "github.com/quicfec/siamese/wire"

// Interop constants shared bit-exactly with the decoder.
const (
	// MaxPackets is the most original packets the window holds at a time.
	// Practically only about 2000 makes sense.
	MaxPackets = 16000

	// PacketNumCount is the size of the packet (column) number space.
	PacketNumCount = wire.PacketNumCount

	// MinPacketBytes and MaxPacketBytes bound Add input sizes.
	MinPacketBytes = 1
	MaxPacketBytes = wire.MaxPacketBytes

	// MaxEncodeOverhead is the most bytes Encode appends past the longest
	// packet. The typical footer is closer to 4 bytes.
	MaxEncodeOverhead = wire.MaxRecoveryMetadataBytes

	// AckMinBytes is the smallest useful acknowledgement buffer.
	AckMinBytes = wire.AckMinBytes
)

const (
	// Lanes partition window elements by element % columnLaneCount, so
	// each lane's running sums stride the window in fixed steps.
	columnLaneCount = 8
	columnSumCount  = 3

	// The window is stored as an array of fixed subwindows so removing a
	// prefix is a cheap rotation.
	subwindowSize          = 64
	encoderRemoveThreshold = 2 * subwindowSize

	// Siamese row numbers cycle through one byte on the wire.
	rowPeriod = 256

	// One LDPC pair per this many packets from the first unacknowledged
	// element to the end of the sum range.
	pairAddRate = 16

	// Cauchy rows index GF elements 0..kCauchyMaxRows-1 and columns
	// kCauchyMaxRows..255, so row ^ (column + kCauchyMaxRows) != 0.
	cauchyMaxRows    = 44
	cauchyMaxColumns = 212

	// Windows at or below cauchyThreshold packets use parity/Cauchy rows.
	// At or below sumResetThreshold the running sums are abandoned even
	// if they are still live.
	cauchyThreshold   = 5
	sumResetThreshold = 4

	alignmentBytes = 16
)

const _ uint = cauchyThreshold - sumResetThreshold // threshold order

func nextAlignedOffset(n int) int {
	return (n + alignmentBytes - 1) &^ (alignmentBytes - 1)
}
