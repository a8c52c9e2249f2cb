package vmm

import (
	"math/bits"
	"unsafe"

	"lambos/kernel"
	"lambos/kernel/mm"
)

// pageTable is a handle to the 1024 entries of a page directory or a
// second-level page table. A handle is only valid until it is passed to
// MMU.closeTable; handles that reach a table through the self-map are further
// tied to their address space staying active.
type pageTable struct {
	entries *[mm.EntriesPerTable]pageTableEntry

	// frame is the physical frame backing the table.
	frame mm.Frame

	// live is set when the table belongs to the active address space. Any
	// change to a live entry must be followed by a TLB flush of
	// flushBase + index*PageSize.
	live      bool
	flushBase uintptr

	// tempAddr is the temporary window address used to reach the table or
	// 0 if the table is reached through the self-map.
	tempAddr uintptr
}

// valid returns true if the handle points to a table.
func (t *pageTable) valid() bool {
	return t.entries != nil
}

// clear zeroes every entry of the table. Fresh tables must be cleared before
// they are linked into a directory.
func (t *pageTable) clear() {
	kernel.Memset(uintptr(unsafe.Pointer(t.entries)), 0, mm.PageSize)
	if !t.live {
		return
	}

	for index := uintptr(0); index < mm.EntriesPerTable; index++ {
		flushTLBEntryFn(t.flushBase + index<<mm.PageShift)
	}
}

// entryAtIndex returns the entry at the supplied index.
func (t *pageTable) entryAtIndex(index uint32) pageTableEntry {
	return t.entries[index&indexMask]
}

// setEntry updates the entry at the supplied index and invalidates the TLB
// entry for the virtual address that it translates.
func (t *pageTable) setEntry(index uint32, entry pageTableEntry) {
	index &= indexMask
	t.entries[index] = entry
	if t.live {
		flushTLBEntryFn(t.flushBase + uintptr(index)<<mm.PageShift)
	}
}

// install loads the table as the active page directory and turns on paging if
// it is not enabled yet.
func (t *pageTable) install() {
	switchPDTFn(t.frame.Address())
	if !pagingEnabledFn() {
		enablePagingFn()
	}
}

// isLive returns true if as is the address space that the CPU currently
// translates addresses with.
func isLive(as AddressSpace) bool {
	return pagingEnabledFn() && activePDTFn() == as.pdtFrame.Address()
}

// openDirectory returns a handle to the page directory of as. It panics if the
// directory does not map itself through its last slot.
func (m *MMU) openDirectory(as AddressSpace) (pageTable, *kernel.Error) {
	if isLive(as) {
		return m.openLive(as.pdtFrame, selfMapDirAddr, selfMapTablesAddr), nil
	}

	dir, err := m.openFrame(as.pdtFrame)
	if err != nil {
		return dir, err
	}

	if selfMap := dir.entryAtIndex(selfMapIndex); !selfMap.HasFlags(FlagPresent) || selfMap.Frame() != as.pdtFrame {
		m.closeTable(&dir)
		panicFn(errMissingSelfMap)
		return pageTable{}, errMissingSelfMap
	}

	return dir, nil
}

// openTable returns a handle to the second-level table that dir links at
// dirIndex. The directory entry must be present.
func (m *MMU) openTable(dir *pageTable, dirIndex uint32) (pageTable, *kernel.Error) {
	frame := dir.entryAtIndex(dirIndex).Frame()
	if dir.live {
		return m.openLive(frame, selfMapTablesAddr+uintptr(dirIndex)<<mm.PageShift, uintptr(dirIndex)<<dirShift), nil
	}

	return m.openFrame(frame)
}

func (m *MMU) openLive(frame mm.Frame, addr, flushBase uintptr) pageTable {
	return pageTable{
		entries:   (*[mm.EntriesPerTable]pageTableEntry)(memPtrFn(addr)),
		frame:     frame,
		live:      true,
		flushBase: flushBase,
	}
}

// openFrame returns a handle to the table stored in frame through the
// temporary mapping window.
func (m *MMU) openFrame(frame mm.Frame) (pageTable, *kernel.Error) {
	addr, err := m.mapTemporary(frame)
	if err != nil {
		return pageTable{}, err
	}

	return pageTable{
		entries:  (*[mm.EntriesPerTable]pageTableEntry)(memPtrFn(addr)),
		frame:    frame,
		tempAddr: addr,
	}, nil
}

// closeTable releases any temporary mapping held by t and invalidates the
// handle.
func (m *MMU) closeTable(t *pageTable) {
	if t.tempAddr != 0 {
		m.unmapTemporary(t.tempAddr)
	}
	*t = pageTable{}
}

// mapTemporary makes the contents of frame accessible and returns the virtual
// address where they can be found. While paging is disabled frames are
// accessed by their physical address. Once paging is enabled the frame is
// mapped into one of the temporary window slots of the active directory.
//
// The returned address must be released with unmapTemporary.
func (m *MMU) mapTemporary(frame mm.Frame) (uintptr, *kernel.Error) {
	if !pagingEnabledFn() {
		return frame.Address(), nil
	}

	if m.windowMask == ^uint32(0) {
		panicFn(errTempWindowFull)
		return 0, errTempWindowFull
	}

	slot := uint32(bits.TrailingZeros32(^m.windowMask))
	m.windowMask |= 1 << slot

	window := (*[mm.EntriesPerTable]pageTableEntry)(memPtrFn(tempWindowTableAddr))
	window[slot] = makeEntry(frame, FlagPresent|FlagRW)

	addr := tempWindowBase + uintptr(slot)<<mm.PageShift
	flushTLBEntryFn(addr)
	return addr, nil
}

// unmapTemporary releases a window slot obtained by mapTemporary.
func (m *MMU) unmapTemporary(addr uintptr) {
	if !pagingEnabledFn() || addr < tempWindowBase || addr >= tempWindowBase+tempWindowSlots<<mm.PageShift {
		return
	}

	slot := uint32((addr - tempWindowBase) >> mm.PageShift)
	window := (*[mm.EntriesPerTable]pageTableEntry)(memPtrFn(tempWindowTableAddr))
	window[slot] = 0
	flushTLBEntryFn(addr)
	m.windowMask &^= 1 << slot
}
