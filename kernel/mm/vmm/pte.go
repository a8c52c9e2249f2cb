package vmm

import "lambos/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry.
type PageTableEntryFlag uint32

const (
	// FlagPresent is set when the page is available in memory and not
	// swapped.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4M pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory
	// address for this page when the swapping page tables by updating the
	// CR3 register.
	FlagGlobal

	// flagUnowned occupies one of the bits that the CPU leaves to the OS.
	// It marks entries that point at frames the allocator does not own
	// (e.g. identity mapped device memory); such frames are never freed.
	flagUnowned

	// flagKernelTable marks directory slots below the kernel base whose
	// table holds kernel identity mappings. Such tables are supervisor only
	// and are shared between address spaces like kernel space tables.
	flagKernelTable
)

// pageTableEntry describes a 32-bit page table or page directory entry. The
// top 20 bits hold a page-aligned physical address and the low 12 bits hold
// the entry flags.
type pageTableEntry uint32

// makeEntry returns an entry pointing at frame with the supplied flags.
func makeEntry(frame mm.Frame, flags PageTableEntryFlag) pageTableEntry {
	return pageTableEntry((uint32(frame)<<mm.PageShift)&ptePhysPageMask | uint32(flags)&pteFlagMask)
}

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) == uint32(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint32(pte) & uint32(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) | uint32(flags)&pteFlagMask)
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte) &^ (uint32(flags) & pteFlagMask))
}

// ReplaceFlags overwrites all flags of the page table entry while preserving
// the address.
func (pte *pageTableEntry) ReplaceFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uint32(*pte)&ptePhysPageMask | uint32(flags)&pteFlagMask)
}

// Flags returns the flags of the page table entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uint32(pte) & pteFlagMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uint32(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uint32(*pte) &^ ptePhysPageMask) | (uint32(frame)<<mm.PageShift)&ptePhysPageMask)
}

// Address returns the physical address that this page table entry points to.
func (pte pageTableEntry) Address() uintptr {
	return uintptr(uint32(pte) & ptePhysPageMask)
}
