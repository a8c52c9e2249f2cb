package pmm

import (
	"math/bits"

	"lambos/kernel"
	"lambos/kernel/kfmt"
	"lambos/kernel/mm"
	"lambos/multiboot"
)

// bitmapWords is the number of 32-bit words needed to track every frame of
// the 32-bit physical address space.
const bitmapWords = mm.MaxFrames / 32

var (
	// panicFn is mocked by tests and is automatically inlined by the compiler.
	panicFn = kfmt.Panic

	errOutOfMemory           = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errInvalidFrame          = &kernel.Error{Module: "pmm", Message: "frame is outside the physical address space"}
	errDoubleFree            = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that is not allocated"}
	errFrameNotUsable        = &kernel.Error{Module: "pmm", Message: "attempted to free a frame that is not usable"}
	errReserveAllocatedFrame = &kernel.Error{Module: "pmm", Message: "attempted to reserve an allocated frame"}
)

// frameBitmap holds one bit per physical frame. Frame f is tracked by bit
// (f % 32) of word (f / 32).
type frameBitmap [bitmapWords]uint32

func (b *frameBitmap) isSet(f mm.Frame) bool {
	return b[f>>5]&(1<<(f&31)) != 0
}

func (b *frameBitmap) set(f mm.Frame) {
	b[f>>5] |= 1 << (f & 31)
}

func (b *frameBitmap) clear(f mm.Frame) {
	b[f>>5] &^= 1 << (f & 31)
}

// BitmapAllocator implements a physical frame allocator that tracks the
// entire 32-bit physical address space with a pair of bitmaps.
//
// The usable bitmap marks frames that are backed by RAM which the kernel may
// hand out; it is populated from the boot loader's memory map and can be
// hardened afterwards to exclude frames that are already in use (e.g. the
// kernel image). The occupied bitmap marks usable frames that are currently
// allocated. A frame is allocatable iff it is usable and not occupied; the
// allocator never lets an unusable frame become occupied.
//
// Allocations use a rotating next-fit scan that starts right after the last
// allocated frame and wraps around to the beginning of the bitmap.
type BitmapAllocator struct {
	usable   frameBitmap
	occupied frameBitmap

	// nextFrame is the frame where the next allocation scan begins.
	nextFrame mm.Frame

	// usableCount tracks the number of usable frames.
	usableCount uint32

	// freeCount tracks the number of usable frames that are not occupied.
	freeCount uint32
}

// LoadMemoryMap marks the frames of every available region in the memory map
// that starts at mmapAddr and spans mmapLength bytes as usable. Region bounds
// that are not page-aligned are rounded inwards so that partially available
// frames are never used. Regions above the 32-bit physical address space are
// ignored.
func (alloc *BitmapAllocator) LoadMemoryMap(mmapAddr, mmapLength uintptr) {
	multiboot.VisitMemoryMap(mmapAddr, mmapLength, func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		startFrame, endFrame := regionFrames(region)
		for frame := startFrame; frame < endFrame; frame++ {
			alloc.MarkFrameUsable(mm.Frame(frame), true)
		}
		return true
	})
}

// regionFrames returns the [start, end) range of whole frames that fit in the
// supplied region, clamped to the 32-bit physical address space.
func regionFrames(region *multiboot.MemoryMapEntry) (uint64, uint64) {
	const (
		pageSizeMinus1 = uint64(mm.PageSize - 1)
		maxFrames      = uint64(mm.MaxFrames)
	)

	// Reported addresses may not be page-aligned; round up to get
	// the start frame and round down to get the end frame
	startFrame := ((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mm.PageShift
	endFrame := ((region.PhysAddress + region.Length) &^ pageSizeMinus1) >> mm.PageShift

	if startFrame > maxFrames {
		startFrame = maxFrames
	}
	if endFrame > maxFrames {
		endFrame = maxFrames
	}
	if endFrame < startFrame {
		endFrame = startFrame
	}

	return startFrame, endFrame
}

// MarkFrameUsable updates the usability of a single frame. Marking an
// allocated frame as unusable is a fatal error.
func (alloc *BitmapAllocator) MarkFrameUsable(frame mm.Frame, usable bool) {
	if !frame.Valid() {
		panicFn(errInvalidFrame)
		return
	}

	switch {
	case usable && !alloc.usable.isSet(frame):
		alloc.usable.set(frame)
		alloc.usableCount++
		alloc.freeCount++
	case !usable && alloc.usable.isSet(frame):
		if alloc.occupied.isSet(frame) {
			panicFn(errReserveAllocatedFrame)
			return
		}

		alloc.usable.clear(frame)
		alloc.usableCount--
		alloc.freeCount--
	}
}

// ReserveRange marks all frames that overlap the physical address range
// [start, end) as unusable. It is used to exclude memory that the memory map
// reports as available but which already holds the kernel image or other
// boot structures.
func (alloc *BitmapAllocator) ReserveRange(start, end uintptr) {
	if end <= start {
		return
	}

	lastFrame := mm.FrameFromAddress(end - 1)
	for frame := mm.FrameFromAddress(start); frame <= lastFrame; frame++ {
		alloc.MarkFrameUsable(frame, false)
	}
}

// RequestFrame attempts to reserve a specific frame. It returns true and marks
// the frame as occupied if the frame is usable and free; otherwise it returns
// false and leaves the allocator state untouched.
func (alloc *BitmapAllocator) RequestFrame(frame mm.Frame) bool {
	if !frame.Valid() || !alloc.usable.isSet(frame) || alloc.occupied.isSet(frame) {
		return false
	}

	alloc.occupied.set(frame)
	alloc.freeCount--
	return true
}

// AllocFrame reserves and returns the next usable free frame. Running out of
// physical memory is not recoverable; AllocFrame invokes the kernel panic
// path in that case and, should it ever return, yields mm.InvalidFrame.
func (alloc *BitmapAllocator) AllocFrame() mm.Frame {
	frame, found := alloc.scan(alloc.nextFrame, mm.Frame(mm.MaxFrames))
	if !found {
		frame, found = alloc.scan(0, alloc.nextFrame)
	}

	if !found {
		panicFn(errOutOfMemory)
		return mm.InvalidFrame
	}

	alloc.occupied.set(frame)
	alloc.freeCount--
	alloc.nextFrame = (frame + 1) % mm.Frame(mm.MaxFrames)
	return frame
}

// scan looks for the first allocatable frame in [from, to). Bitmap words
// without any allocatable frame are skipped as a whole.
func (alloc *BitmapAllocator) scan(from, to mm.Frame) (mm.Frame, bool) {
	for frame := from; frame < to; {
		word := frame >> 5
		avail := (alloc.usable[word] &^ alloc.occupied[word]) >> (frame & 31)
		if avail == 0 {
			frame = (word + 1) << 5
			continue
		}

		frame += mm.Frame(bits.TrailingZeros32(avail))
		if frame >= to {
			break
		}
		return frame, true
	}

	return mm.InvalidFrame, false
}

// FreeFrame returns an allocated frame to the allocator. Freeing a frame that
// is unusable or not currently allocated indicates corrupted bookkeeping and
// is treated as a fatal error.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) {
	switch {
	case !frame.Valid():
		panicFn(errInvalidFrame)
		return
	case !alloc.usable.isSet(frame):
		panicFn(errFrameNotUsable)
		return
	case !alloc.occupied.isSet(frame):
		panicFn(errDoubleFree)
		return
	}

	alloc.occupied.clear(frame)
	alloc.freeCount++
}

// IsUsable returns true if frame is backed by RAM that the allocator manages.
func (alloc *BitmapAllocator) IsUsable(frame mm.Frame) bool {
	return frame.Valid() && alloc.usable.isSet(frame)
}

// IsOccupied returns true if frame is currently allocated.
func (alloc *BitmapAllocator) IsOccupied(frame mm.Frame) bool {
	return frame.Valid() && alloc.occupied.isSet(frame)
}

// FreeCount returns the number of frames that can still be allocated.
func (alloc *BitmapAllocator) FreeCount() uint32 {
	return alloc.freeCount
}

// UsableCount returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) UsableCount() uint32 {
	return alloc.usableCount
}

// PrintMemoryMap prints the regions of the supplied memory map followed by
// the allocator's frame statistics.
func (alloc *BitmapAllocator) PrintMemoryMap(mmapAddr, mmapLength uintptr) {
	var (
		totalFree mm.Size
		w         = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[pmm] ")}
	)

	kfmt.Fprintf(&w, "system memory map:\n")
	multiboot.VisitMemoryMap(mmapAddr, mmapLength, func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(&w, "  [0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Fprintf(&w, "available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Fprintf(&w, "usable frames: %d, free frames: %d\n", alloc.usableCount, alloc.freeCount)
}
