package vmm

import "lambos/kernel/mm"

const (
	// dirShift is the number of low address bits covered by a single page
	// directory entry (4M).
	dirShift = 22

	// indexMask extracts a table index from a page number or a shifted
	// virtual address.
	indexMask = uint32(mm.EntriesPerTable - 1)

	// ptePhysPageMask selects the physical frame address bits of a page
	// table entry.
	ptePhysPageMask = uint32(0xfffff000)

	// pteFlagMask selects the flag bits of a page table entry.
	pteFlagMask = uint32(0xfff)

	// selfMapIndex is the directory slot that points back to the directory
	// itself.
	selfMapIndex = uint32(mm.EntriesPerTable - 1)

	// tempWindowIndex is the directory slot that points to the table
	// backing the temporary mapping window.
	tempWindowIndex = uint32(mm.EntriesPerTable - 2)

	// selfMapTablesAddr is the virtual address where the self-map exposes
	// the second-level tables of the active directory. Table d lives at
	// selfMapTablesAddr + d*PageSize.
	selfMapTablesAddr = uintptr(selfMapIndex) << dirShift

	// selfMapDirAddr is the virtual address where the self-map exposes the
	// active directory.
	selfMapDirAddr = selfMapTablesAddr + uintptr(selfMapIndex)<<mm.PageShift

	// tempWindowBase is the first virtual address of the temporary mapping
	// window. Nothing at or above this address can be mapped by callers.
	tempWindowBase = uintptr(tempWindowIndex) << dirShift

	// tempWindowTableAddr is the virtual address where the self-map exposes
	// the table that backs the temporary mapping window.
	tempWindowTableAddr = selfMapTablesAddr + uintptr(tempWindowIndex)<<mm.PageShift

	// tempWindowSlots is the number of frames that can be temporarily
	// mapped at the same time.
	tempWindowSlots = 32

	// DefaultKernelBase is the first virtual address of kernel space. The
	// directory slots from here up to the temporary window are shared by
	// every address space.
	DefaultKernelBase = uintptr(0xc0000000)

	// DefaultAnonBase is the lowest virtual address handed out by Palloc
	// when the caller does not request a specific address.
	DefaultAnonBase = uintptr(0x40000000)
)
