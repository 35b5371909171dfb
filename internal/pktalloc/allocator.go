// Package pktalloc provides the codec's arena allocator.
//
// It is tuned for allocations around 1000 bytes that are freed in roughly
// the same order they are allocated: storage is carved out of fixed-size
// windows in aligned units, with a used-bitmap per window. Windows migrate
// between a "preferred" list (scanned on allocation) and a "full" list once
// utilization passes 1/4, and migrate back as frees bring free units back
// to the threshold.
package pktalloc

const (
	// UnitSize is the allocation granularity; every Buf is a whole number
	// of units, so returned regions are unit-aligned within their window.
	UnitSize = 32

	// OverallocationBytes leaves room for a length header or recovery
	// footer to be appended without reallocating.
	OverallocationBytes = 8

	windowMaxUnits  = 2048
	windowSizeBytes = windowMaxUnits * UnitSize

	// A window leaves the preferred list when its free units drop below
	// 3/4 of capacity, and returns when frees bring it back above.
	preferredThresholdUnits = 3 * windowMaxUnits / 4

	// Allocations over 1/4 of a window bypass the arena entirely.
	fallbackThresholdUnits = windowMaxUnits / 4

	preallocatedWindows = 2
)

type window struct {
	used             usedMask
	freeUnits        int
	resumeScanOffset int
	inFullList       bool
	data             []byte
}

// Buf is one arena allocation. Data covers the full reserved region, which
// is at least the requested size plus OverallocationBytes.
type Buf struct {
	Data      []byte
	win       *window
	unitStart int
	units     int
	freed     bool
}

// Allocator carves packet-sized buffers out of pooled windows.
// It is not safe for concurrent use; callers serialize, as with the codec.
type Allocator struct {
	preferred []*window
	full      []*window

	fallbackBytes uint64

	// limit bounds MemoryAllocatedBytes when nonzero; allocations that
	// would grow past it fail. Used to exercise out-of-memory paths.
	limit uint64
}

// New creates an allocator with a couple of windows preallocated.
func New() *Allocator {
	a := &Allocator{}
	for i := 0; i < preallocatedWindows; i++ {
		a.preferred = append(a.preferred, newWindow())
	}
	return a
}

func newWindow() *window {
	return &window{
		freeUnits: windowMaxUnits,
		data:      make([]byte, windowSizeBytes),
	}
}

// SetLimit bounds the total bytes the allocator may hold. Zero removes the
// bound.
func (a *Allocator) SetLimit(bytes uint64) { a.limit = bytes }

// MemoryUsedBytes returns the bytes currently carved out of windows.
func (a *Allocator) MemoryUsedBytes() uint64 {
	var units int
	for _, w := range a.preferred {
		units += windowMaxUnits - w.freeUnits
	}
	for _, w := range a.full {
		units += windowMaxUnits - w.freeUnits
	}
	return uint64(units)*UnitSize + a.fallbackBytes
}

// MemoryAllocatedBytes returns the total bytes held by the allocator.
func (a *Allocator) MemoryAllocatedBytes() uint64 {
	return uint64(len(a.preferred)+len(a.full))*windowSizeBytes + a.fallbackBytes
}

func unitsFor(bytes int) int {
	return (bytes + OverallocationBytes + UnitSize - 1) / UnitSize
}

// Allocate reserves at least bytes (plus overallocation) and returns the
// buffer, or nil if the limit is hit or bytes <= 0.
func (a *Allocator) Allocate(bytes int) *Buf {
	if bytes <= 0 {
		return nil
	}
	units := unitsFor(bytes)
	if units > fallbackThresholdUnits {
		return a.fallbackAllocate(units)
	}

	for i := 0; i < len(a.preferred); i++ {
		w := a.preferred[i]
		if w.freeUnits < units {
			continue
		}
		start, ok := w.used.findFreeRun(w.resumeScanOffset, units)
		if !ok {
			// Missed holes below the scan offset; pick them up next time.
			w.resumeScanOffset = 0
			continue
		}
		w.used.setRange(start, start+units)
		w.freeUnits -= units
		w.resumeScanOffset = start + units
		if w.freeUnits < preferredThresholdUnits {
			w.inFullList = true
			a.full = append(a.full, w)
			a.preferred = append(a.preferred[:i], a.preferred[i+1:]...)
		}
		return &Buf{
			Data:      w.data[start*UnitSize : (start+units)*UnitSize],
			win:       w,
			unitStart: start,
			units:     units,
		}
	}

	return a.allocateFromNewWindow(units)
}

func (a *Allocator) allocateFromNewWindow(units int) *Buf {
	if a.limit > 0 && a.MemoryAllocatedBytes()+windowSizeBytes > a.limit {
		return nil
	}
	w := newWindow()
	w.used.setRange(0, units)
	w.freeUnits = windowMaxUnits - units
	w.resumeScanOffset = units
	a.preferred = append(a.preferred, w)
	return &Buf{
		Data:  w.data[:units*UnitSize],
		win:   w,
		units: units,
	}
}

func (a *Allocator) fallbackAllocate(units int) *Buf {
	bytes := uint64(units) * UnitSize
	if a.limit > 0 && a.MemoryAllocatedBytes()+bytes > a.limit {
		return nil
	}
	a.fallbackBytes += bytes
	return &Buf{
		Data:  make([]byte, bytes),
		units: units,
	}
}

// Free returns a buffer to its window. Double frees are ignored.
func (a *Allocator) Free(b *Buf) {
	if b == nil || b.freed {
		return
	}
	b.freed = true
	w := b.win
	if w == nil {
		a.fallbackBytes -= uint64(b.units) * UnitSize
		b.Data = nil
		return
	}
	w.used.clearRange(b.unitStart, b.unitStart+b.units)
	w.freeUnits += b.units
	// Resume scanning from the hole if it is earlier.
	if b.unitStart < w.resumeScanOffset {
		w.resumeScanOffset = b.unitStart
	}
	if w.inFullList && w.freeUnits >= preferredThresholdUnits {
		for i, fw := range a.full {
			if fw == w {
				a.full = append(a.full[:i], a.full[i+1:]...)
				break
			}
		}
		w.inFullList = false
		a.preferred = append(a.preferred, w)
	}
	b.Data = nil
	b.win = nil
}

// Reallocate grows a buffer to at least bytes, keeping contents when
// copyExisting is set. A nil buf behaves like Allocate. Returns nil on
// failure, in which case the original buffer is untouched.
func (a *Allocator) Reallocate(b *Buf, bytes int, copyExisting bool) *Buf {
	if b == nil || b.freed {
		return a.Allocate(bytes)
	}
	if len(b.Data) >= bytes {
		return b
	}
	grown := a.Allocate(bytes)
	if grown == nil {
		return nil
	}
	if copyExisting {
		copy(grown.Data, b.Data)
	}
	a.Free(b)
	return grown
}

// IntegrityCheck validates the window lists and bitmaps.
func (a *Allocator) IntegrityCheck() bool {
	for _, w := range a.preferred {
		if w.inFullList {
			return false
		}
		if !w.checkCounts() {
			return false
		}
	}
	for _, w := range a.full {
		if !w.inFullList {
			return false
		}
		if w.freeUnits >= preferredThresholdUnits {
			return false
		}
		if !w.checkCounts() {
			return false
		}
	}
	return true
}

func (w *window) checkCounts() bool {
	if w.freeUnits < 0 || w.freeUnits > windowMaxUnits {
		return false
	}
	if w.resumeScanOffset < 0 || w.resumeScanOffset > windowMaxUnits {
		return false
	}
	return w.used.rangePopcount(0, windowMaxUnits) == windowMaxUnits-w.freeUnits
}
