package siamese

import "github.com/quicfec/siamese/internal/pktalloc"

// growingBuffer is a byte buffer backed by the arena that only grows.
// bytes is the logical length; the backing region is unit-aligned and may
// be larger.
type growingBuffer struct {
	buf   *pktalloc.Buf
	bytes int
}

func (g *growingBuffer) data() []byte {
	if g.buf == nil {
		return nil
	}
	return g.buf.Data
}

// initialize ensures capacity for bytes and sets the logical length.
// Contents are unspecified. Returns false on allocation failure, leaving
// the buffer untouched.
func (g *growingBuffer) initialize(alloc *pktalloc.Allocator, bytes int) bool {
	grown := alloc.Reallocate(g.buf, bytes, false)
	if grown == nil {
		return false
	}
	g.buf = grown
	g.bytes = bytes
	return true
}

// growZeroPadded extends the logical length to bytes, zero-filling the new
// region and keeping existing contents. Shrinking is a no-op.
func (g *growingBuffer) growZeroPadded(alloc *pktalloc.Allocator, bytes int) bool {
	if bytes <= g.bytes {
		return true
	}
	grown := alloc.Reallocate(g.buf, bytes, true)
	if grown == nil {
		return false
	}
	g.buf = grown
	clear(grown.Data[g.bytes:bytes])
	g.bytes = bytes
	return true
}

func (g *growingBuffer) reset() {
	g.bytes = 0
}
