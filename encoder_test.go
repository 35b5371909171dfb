package siamese

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quicfec/siamese/wire"
)

func TestEncodeNeedsData(t *testing.T) {
	e := NewEncoder()
	_, err := e.Encode()
	require.ErrorIs(t, err, ErrNeedMoreData)
}

func TestEncodeSinglePacket(t *testing.T) {
	e := NewEncoder()
	_, err := e.Add([]byte{0xab})
	require.NoError(t, err)

	packet, err := e.Encode()
	require.NoError(t, err)

	// the output is the stored packet (length header + payload) followed
	// by the metadata footer; no arithmetic is involved
	require.Equal(t, []byte{0x01, 0xab}, packet[:2])
	meta, n := wire.ParseRecoveryMetadata(packet[2:])
	require.Equal(t, len(packet)-2, n)
	require.EqualValues(t, 1, meta.SumCount)
	require.EqualValues(t, 1, meta.LDPCCount)
	require.EqualValues(t, 0, meta.ColumnStart)
	require.EqualValues(t, 0, meta.Row)
}

func TestEncodeParityRowSmallWindow(t *testing.T) {
	e := NewEncoder()
	for _, b := range []byte{0x01, 0x02, 0x03} {
		_, err := e.Add([]byte{b})
		require.NoError(t, err)
	}

	packet, err := e.Encode()
	require.NoError(t, err)

	// below the Cauchy threshold the first emit is a parity row: the xor
	// of the stored buffers. Length headers xor to 0x01, payloads to 0x00.
	require.Equal(t, []byte{0x01, 0x00}, packet[:2])
	meta, n := wire.ParseRecoveryMetadata(packet[2:])
	require.Equal(t, len(packet)-2, n)
	require.EqualValues(t, 3, meta.SumCount)
	require.EqualValues(t, 3, meta.LDPCCount)
	require.EqualValues(t, 0, meta.ColumnStart)
	require.EqualValues(t, 0, meta.Row)
}

func TestEncodeCauchyRowAfterParity(t *testing.T) {
	e := NewEncoder()
	for _, b := range []byte{0x01, 0x02, 0x03} {
		_, err := e.Add([]byte{b})
		require.NoError(t, err)
	}

	_, err := e.Encode() // parity
	require.NoError(t, err)

	packet, err := e.Encode()
	require.NoError(t, err)
	meta, _ := wire.ParseRecoveryMetadata(packet[2:])
	require.EqualValues(t, 1, meta.Row, "second small-window emit is Cauchy row 0")

	packet, err = e.Encode()
	require.NoError(t, err)
	meta, _ = wire.ParseRecoveryMetadata(packet[2:])
	require.EqualValues(t, 2, meta.Row)
}

func TestEncodeSiameseRow(t *testing.T) {
	e := NewEncoder()
	for i := 0; i < 2000; i++ {
		_, err := e.Add(payload(i, 1000))
		require.NoError(t, err)
	}

	packet, err := e.Encode()
	require.NoError(t, err)

	// 1000-byte payloads store behind a 2-byte length header
	recoveryBytes := 1002
	require.Equal(t, recoveryBytes, e.window.longestPacket)
	meta, n := wire.ParseRecoveryMetadata(packet[recoveryBytes:])
	require.Equal(t, len(packet)-recoveryBytes, n)
	require.EqualValues(t, 2000, meta.SumCount)
	require.EqualValues(t, 2000, meta.LDPCCount)
	require.EqualValues(t, 0, meta.ColumnStart)
	require.EqualValues(t, 0, meta.Row)

	// the recovery payload is not trivially zero
	require.NotEqual(t, make([]byte, recoveryBytes), packet[:recoveryBytes])
}

func TestEncodeRowsCycle(t *testing.T) {
	e := NewEncoder()
	for i := 0; i < 10; i++ {
		_, err := e.Add(payload(i, 100))
		require.NoError(t, err)
	}

	for i := 0; i < rowPeriod+2; i++ {
		packet, err := e.Encode()
		require.NoError(t, err)
		recoveryBytes := e.window.longestPacket
		meta, _ := wire.ParseRecoveryMetadata(packet[recoveryBytes:])
		require.EqualValues(t, i%rowPeriod, meta.Row, "encode %d", i)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	run := func() [][]byte {
		e := NewEncoder()
		e.nowMsec = func() uint64 { return 1000 }
		var out [][]byte
		for i := 0; i < 300; i++ {
			_, err := e.Add(payload(i, 64))
			require.NoError(t, err)
			if i%10 == 9 {
				packet, err := e.Encode()
				require.NoError(t, err)
				out = append(out, append([]byte(nil), packet...))
			}
			if i == 150 {
				require.NoError(t, e.Acknowledge(buildAck(100, [2]uint32{3, 2})))
				if p, err := e.Retransmit(0); err == nil {
					out = append(out, append([]byte(nil), p.Data...))
				}
			}
		}
		return out
	}

	first := run()
	second := run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.True(t, bytes.Equal(first[i], second[i]), "output %d differs", i)
	}
}

func TestRetransmitCycle(t *testing.T) {
	e := NewEncoder()
	now := uint64(1000)
	e.nowMsec = func() uint64 { return now }

	for i := 0; i < 10; i++ {
		_, err := e.Add(payload(i, 32))
		require.NoError(t, err)
	}

	// losses {3, 4}
	require.NoError(t, e.Acknowledge(buildAck(0, [2]uint32{3, 1})))

	p, err := e.Retransmit(0)
	require.NoError(t, err)
	require.EqualValues(t, 3, p.PacketNum)
	require.Equal(t, payload(3, 32), p.Data)

	p, err = e.Retransmit(0)
	require.NoError(t, err)
	require.EqualValues(t, 4, p.PacketNum)

	_, err = e.Retransmit(0)
	require.ErrorIs(t, err, ErrNeedMoreData)

	// the iterator restarted, but both originals were just sent
	_, err = e.Retransmit(5000)
	require.ErrorIs(t, err, ErrNeedMoreData)

	now += 6000
	p, err = e.Retransmit(5000)
	require.NoError(t, err)
	require.EqualValues(t, 3, p.PacketNum)

	element := e.window.columnToElement(3)
	require.Equal(t, now, e.window.getWindowElement(int(element)).lastSendMsec)
}

func TestRetransmitWithoutNacks(t *testing.T) {
	e := NewEncoder()
	_, err := e.Add(payload(0, 16))
	require.NoError(t, err)
	_, err = e.Retransmit(0)
	require.ErrorIs(t, err, ErrNeedMoreData)
}

func TestGet(t *testing.T) {
	e := NewEncoder()
	for i := 0; i < 10; i++ {
		_, err := e.Add(payload(i, 200))
		require.NoError(t, err)
	}

	data, err := e.Get(7)
	require.NoError(t, err)
	require.Equal(t, payload(7, 200), data)

	_, err = e.Get(10)
	require.ErrorIs(t, err, ErrNeedMoreData)

	e.window.removeBefore(5000)
	_, err = e.Get(7)
	require.ErrorIs(t, err, ErrNeedMoreData)
}

func TestAllocationFailureDisablesCodec(t *testing.T) {
	e := NewEncoder()
	e.alloc.SetLimit(e.alloc.MemoryAllocatedBytes())

	var err error
	for i := 0; i < 1000; i++ {
		_, err = e.Add(payload(i, 7000))
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrDisabled)

	// every operation is disabled from here on, without crashing
	_, err = e.Add([]byte{1})
	require.ErrorIs(t, err, ErrDisabled)
	_, err = e.Encode()
	require.ErrorIs(t, err, ErrDisabled)
	require.ErrorIs(t, e.Acknowledge(buildAck(0)), ErrDisabled)
	_, err = e.Retransmit(0)
	require.ErrorIs(t, err, ErrDisabled)
	_, err = e.Get(0)
	require.ErrorIs(t, err, ErrDisabled)
	require.ErrorIs(t, e.RemoveBefore(0), ErrDisabled)
}

func TestAddRejectsBadSizes(t *testing.T) {
	e := NewEncoder()
	_, err := e.Add(nil)
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = e.Add([]byte{})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestStatisticsCounters(t *testing.T) {
	e := NewEncoder()
	e.nowMsec = func() uint64 { return 1 }

	for i := 0; i < 10; i++ {
		_, err := e.Add(payload(i, 100))
		require.NoError(t, err)
	}
	packet, err := e.Encode()
	require.NoError(t, err)
	require.NoError(t, e.Acknowledge(buildAck(0, [2]uint32{3, 0})))
	p, err := e.Retransmit(0)
	require.NoError(t, err)

	stats := e.Statistics()
	require.EqualValues(t, 10, stats.OriginalCount)
	require.EqualValues(t, 1000, stats.OriginalBytes)
	require.EqualValues(t, 1, stats.RecoveryCount)
	require.EqualValues(t, len(packet), stats.RecoveryBytes)
	require.EqualValues(t, 1, stats.RetransmitCount)
	require.EqualValues(t, len(p.Data), stats.RetransmitBytes)
	require.EqualValues(t, 1, stats.AckCount)
	require.NotZero(t, stats.MemoryUsed)
}

func TestMemoryFlatAfterCompaction(t *testing.T) {
	e := NewEncoder()
	for i := 0; i < 600; i++ {
		_, err := e.Add(payload(i, 100))
		require.NoError(t, err)
	}
	_, err := e.Encode()
	require.NoError(t, err)
	before := e.Statistics().MemoryUsed

	require.NoError(t, e.Acknowledge(buildAck(500)))
	_, err = e.Encode()
	require.NoError(t, err)

	require.LessOrEqual(t, e.Statistics().MemoryUsed, before)
}
