// Package trace writes codec events as newline-delimited JSON, in the
// spirit of qlog: one record per add/encode/ack/retransmit with enough
// detail to replay what the encoder decided and when.
package trace

import (
	"io"
	"time"

	"github.com/francoispqt/gojay"

	"github.com/quicfec/siamese/wire"
)

type event struct {
	TimeMsec  int64
	Type      string
	PacketNum uint32
	Bytes     int

	// recovery-only fields
	hasMetadata bool
	metadata    wire.RecoveryMetadata
}

func (e *event) MarshalJSONObject(enc *gojay.Encoder) {
	enc.Int64Key("time", e.TimeMsec)
	enc.StringKey("type", e.Type)
	enc.Uint64Key("packet_num", uint64(e.PacketNum))
	enc.IntKey("bytes", e.Bytes)
	if e.hasMetadata {
		enc.Uint64Key("sum_count", uint64(e.metadata.SumCount))
		enc.Uint64Key("ldpc_count", uint64(e.metadata.LDPCCount))
		enc.Uint64Key("column_start", uint64(e.metadata.ColumnStart))
		enc.Uint64Key("row", uint64(e.metadata.Row))
	}
}

func (e *event) IsNil() bool { return e == nil }

// Writer emits one JSON line per codec event. It implements
// siamese.EventSink. Writer is as concurrency-safe as the encoder it
// observes: not at all; callers serialize.
type Writer struct {
	out io.Writer
	now func() time.Time
}

// NewWriter creates a trace writer targeting out.
func NewWriter(out io.Writer) *Writer {
	return &Writer{out: out, now: time.Now}
}

func (w *Writer) emit(e *event) {
	e.TimeMsec = w.now().UnixMilli()
	enc := gojay.BorrowEncoder(w.out)
	defer enc.Release()
	if err := enc.EncodeObject(e); err != nil {
		return
	}
	_, _ = w.out.Write([]byte{'\n'})
}

func (w *Writer) AddedOriginal(packetNum uint32, dataBytes int) {
	w.emit(&event{Type: "add", PacketNum: packetNum, Bytes: dataBytes})
}

func (w *Writer) SentRecovery(meta wire.RecoveryMetadata, dataBytes int) {
	w.emit(&event{
		Type:        "recovery",
		PacketNum:   meta.ColumnStart,
		Bytes:       dataBytes,
		hasMetadata: true,
		metadata:    meta,
	})
}

func (w *Writer) GotAck(nextColumnExpected uint32, ackBytes int) {
	w.emit(&event{Type: "ack", PacketNum: nextColumnExpected, Bytes: ackBytes})
}

func (w *Writer) Retransmitted(packetNum uint32, dataBytes int) {
	w.emit(&event{Type: "retransmit", PacketNum: packetNum, Bytes: dataBytes})
}
