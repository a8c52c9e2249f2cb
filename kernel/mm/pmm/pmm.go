// Package pmm implements the physical frame allocator.
package pmm

import (
	"lambos/kernel"
	"lambos/kernel/mm"
	"lambos/multiboot"
)

var (
	// FrameAllocator is the BitmapAllocator instance that manages the
	// system's physical memory.
	FrameAllocator BitmapAllocator

	// memoryMapFn is mocked by tests and is automatically inlined by the compiler.
	memoryMapFn = multiboot.MemoryMap

	errMissingMemoryMap = &kernel.Error{Module: "pmm", Message: "boot loader did not supply a memory map"}
)

// Init sets up the physical memory allocator using the memory map supplied by
// the boot loader. Frame 0 and the frames occupied by the kernel image
// [kernelStart, kernelEnd) are reserved so they are never handed out.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	mmapAddr, mmapLength := memoryMapFn()
	if mmapLength == 0 {
		return errMissingMemoryMap
	}

	FrameAllocator.LoadMemoryMap(mmapAddr, mmapLength)

	// Frame 0 holds the real-mode IVT and doubles as the nil page.
	FrameAllocator.ReserveRange(0, mm.PageSize)
	FrameAllocator.ReserveRange(kernelStart, kernelEnd)
	return nil
}
