// Package vmm manages the i386 two-level page table hierarchy.
//
// Every page directory maps itself through its last slot, so the tables of
// the active address space can be reached at fixed virtual addresses. The
// slot before it points to a table shared by all installed directories which
// backs a small window of temporary mappings; the MMU uses the window to edit
// inactive address spaces and to copy frame contents once paging is enabled.
package vmm

import (
	"unsafe"

	"lambos/kernel"
	"lambos/kernel/cpu"
	"lambos/kernel/kfmt"
	"lambos/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT
	pagingEnabledFn = cpu.PagingEnabled
	enablePagingFn  = cpu.EnablePaging
	panicFn         = kfmt.Panic

	// memPtrFn returns a pointer to the memory at the supplied virtual
	// address (a physical address while paging is disabled). Tests use it
	// to redirect table and frame accesses to simulated physical memory.
	memPtrFn = func(addr uintptr) unsafe.Pointer {
		return unsafe.Pointer(addr)
	}

	// ErrInvalidMapping is returned when trying to lookup or unmap a
	// virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned when trying to map a virtual address
	// that is already mapped.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrInvalidRange is returned for empty, unaligned or overflowing
	// ranges and for ranges that overlap the reserved directory slots.
	ErrInvalidRange = &kernel.Error{Module: "vmm", Message: "invalid virtual address range"}

	// ErrNoVirtualSpace is returned when Palloc cannot find a large enough
	// unmapped virtual address range.
	ErrNoVirtualSpace = &kernel.Error{Module: "vmm", Message: "no free virtual address range of the requested size"}

	// ErrOutOfMemory is returned when the frame allocator could not supply
	// a frame.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of physical memory"}

	// ErrInvalidAddressSpace is returned when an operation receives an
	// AddressSpace that was not produced by Create or CloneDirectory.
	ErrInvalidAddressSpace = &kernel.Error{Module: "vmm", Message: "invalid address space"}

	// ErrUserTable is returned when an identity mapping would land in a
	// directory slot that already holds user mappings.
	ErrUserTable = &kernel.Error{Module: "vmm", Message: "identity mapping overlaps a user page table"}

	errNoHugePageSupport   = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errMissingSelfMap      = &kernel.Error{Module: "vmm", Message: "page directory is missing its self-map entry"}
	errTempWindowFull      = &kernel.Error{Module: "vmm", Message: "temporary mapping window exhausted"}
	errSharedTableOverflow = &kernel.Error{Module: "vmm", Message: "shared page table reference table is full"}
	errDestroyActive       = &kernel.Error{Module: "vmm", Message: "cannot destroy the active address space"}
	errInvalidConfig       = &kernel.Error{Module: "vmm", Message: "invalid kernel or anonymous mapping base address"}
	errPagingEnabled       = &kernel.Error{Module: "vmm", Message: "MMU must be initialized before paging is enabled"}
)

// FrameAllocator is implemented by physical frame allocators that can supply
// frames to the MMU.
type FrameAllocator interface {
	// AllocFrame reserves a free frame. It returns mm.InvalidFrame if no
	// frame is available.
	AllocFrame() mm.Frame

	// FreeFrame releases a frame previously returned by AllocFrame or
	// RequestFrame.
	FreeFrame(mm.Frame)

	// RequestFrame reserves a specific frame and reports whether it was
	// available.
	RequestFrame(mm.Frame) bool
}

// Config holds the virtual memory layout used by the MMU. Zero fields fall
// back to DefaultKernelBase and DefaultAnonBase.
type Config struct {
	// KernelBase is the first virtual address of kernel space. It must be
	// aligned to a directory entry (4M) boundary.
	KernelBase uintptr

	// AnonBase is the lowest address considered by Palloc when the caller
	// does not specify a virtual address.
	AnonBase uintptr
}

// MMU builds and mutates page table hierarchies on top of a FrameAllocator.
type MMU struct {
	frames FrameAllocator

	// kernelDirIndex is the first directory slot of kernel space.
	kernelDirIndex uint32

	anonBase   uintptr
	kernelBase uintptr

	// windowFrame backs the temporary mapping window and windowMask
	// tracks its busy slots.
	windowFrame mm.Frame
	windowMask  uint32

	sharedTables tableRefCounts
}

// Init prepares the MMU to allocate page tables from frames using the layout
// described by cfg. Init must be called before paging is enabled.
func (m *MMU) Init(frames FrameAllocator, cfg Config) *kernel.Error {
	if cfg.KernelBase == 0 {
		cfg.KernelBase = DefaultKernelBase
	}
	if cfg.AnonBase == 0 {
		cfg.AnonBase = DefaultAnonBase
	}

	if cfg.KernelBase&(1<<dirShift-1) != 0 || cfg.KernelBase > tempWindowBase ||
		!mm.IsPageAligned(cfg.AnonBase) || cfg.AnonBase >= cfg.KernelBase {
		return errInvalidConfig
	}

	if pagingEnabledFn() {
		return errPagingEnabled
	}

	*m = MMU{
		frames:         frames,
		kernelDirIndex: uint32(cfg.KernelBase >> dirShift),
		kernelBase:     cfg.KernelBase,
		anonBase:       cfg.AnonBase,
	}

	var err *kernel.Error
	if m.windowFrame, err = m.allocTable(); err != nil {
		return err
	}

	return nil
}

// allocTable allocates a frame and clears its contents so it can serve as a
// page table.
func (m *MMU) allocTable() (mm.Frame, *kernel.Error) {
	frame := m.frames.AllocFrame()
	if !frame.Valid() {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	table, err := m.openFrame(frame)
	if err != nil {
		m.frames.FreeFrame(frame)
		return mm.InvalidFrame, err
	}
	table.clear()
	m.closeTable(&table)

	return frame, nil
}

// isUserIndex returns true if the directory slot belongs to user space.
func (m *MMU) isUserIndex(dirIndex uint32) bool {
	return dirIndex < m.kernelDirIndex
}

// isSharedTable returns true if the table linked by pde at dirIndex holds
// kernel mappings and is therefore shared by cloned address spaces.
func (m *MMU) isSharedTable(dirIndex uint32, pde pageTableEntry) bool {
	return !m.isUserIndex(dirIndex) || pde.HasFlags(flagKernelTable)
}
