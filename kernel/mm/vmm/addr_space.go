package vmm

import (
	"lambos/kernel"
	"lambos/kernel/kfmt"
	"lambos/kernel/mm"
)

// AddressSpace identifies a page table hierarchy by the physical frame that
// holds its page directory. The zero value does not refer to an address
// space; frame 0 is never handed out by the frame allocator.
type AddressSpace struct {
	pdtFrame mm.Frame
}

// Frame returns the physical frame that holds the page directory.
func (as AddressSpace) Frame() mm.Frame {
	return as.pdtFrame
}

// Valid returns true if as refers to a page directory.
func (as AddressSpace) Valid() bool {
	return as.pdtFrame != 0 && as.pdtFrame.Valid()
}

// Create allocates an empty page directory whose last slot maps the directory
// onto itself.
func (m *MMU) Create() (AddressSpace, *kernel.Error) {
	frame, err := m.allocTable()
	if err != nil {
		return AddressSpace{}, err
	}

	dir, err := m.openFrame(frame)
	if err != nil {
		m.frames.FreeFrame(frame)
		return AddressSpace{}, err
	}
	dir.setEntry(selfMapIndex, makeEntry(frame, FlagPresent|FlagRW))
	m.closeTable(&dir)

	return AddressSpace{pdtFrame: frame}, nil
}

// Install makes as the active address space and enables paging if this is
// the first installation. The temporary mapping window is linked into the
// directory before it is loaded.
func (m *MMU) Install(as AddressSpace) *kernel.Error {
	if !as.Valid() {
		return ErrInvalidAddressSpace
	}

	dir, err := m.openDirectory(as)
	if err != nil {
		return err
	}

	if window := makeEntry(m.windowFrame, FlagPresent|FlagRW); dir.entryAtIndex(tempWindowIndex) != window {
		dir.setEntry(tempWindowIndex, window)
	}
	m.closeTable(&dir)

	dir = pageTable{frame: as.pdtFrame}
	dir.install()
	return nil
}

// IsActive returns true if as is the address space installed on the CPU.
func (m *MMU) IsActive(as AddressSpace) bool {
	return as.Valid() && isLive(as)
}

// Destroy returns every frame owned by as to the frame allocator: the mapped
// pages, the second-level tables and the directory itself. Kernel tables that
// are shared with other address spaces are only released once their last
// reference is dropped. The active address space cannot be destroyed.
func (m *MMU) Destroy(as AddressSpace) *kernel.Error {
	if !as.Valid() {
		return ErrInvalidAddressSpace
	}

	if isLive(as) {
		return errDestroyActive
	}

	dir, err := m.openDirectory(as)
	if err != nil {
		return err
	}

	for dirIndex := uint32(0); dirIndex < tempWindowIndex; dirIndex++ {
		pde := dir.entryAtIndex(dirIndex)
		if !pde.HasFlags(FlagPresent) {
			continue
		}

		dir.setEntry(dirIndex, 0)
		if pde.HasFlags(FlagHugePage) {
			continue
		}

		if m.isSharedTable(dirIndex, pde) && !m.sharedTables.release(pde.Frame()) {
			continue
		}

		if err = m.freeTable(pde.Frame()); err != nil {
			break
		}
	}

	m.closeTable(&dir)
	if err != nil {
		return err
	}

	m.frames.FreeFrame(as.pdtFrame)
	return nil
}

// freeTable releases the frames owned by the entries of the table stored in
// frame followed by the table frame itself.
func (m *MMU) freeTable(frame mm.Frame) *kernel.Error {
	table, err := m.openFrame(frame)
	if err != nil {
		return err
	}

	for index := uint32(0); index < uint32(mm.EntriesPerTable); index++ {
		pte := table.entryAtIndex(index)
		if pte.HasFlags(FlagPresent) && !pte.HasFlags(flagUnowned) {
			m.frames.FreeFrame(pte.Frame())
		}
	}
	m.closeTable(&table)

	m.frames.FreeFrame(frame)
	return nil
}

// CloneDirectory creates a new address space from src. Kernel space tables
// and tables holding identity mappings are shared between the two address
// spaces and reference counted; user space tables and the pages they map are
// copied into freshly allocated frames. The clone maps itself through
// its own self-map slot.
//
// If the clone cannot be completed all frames allocated for it are released.
// A failure to release them is logged and the original error is returned.
func (m *MMU) CloneDirectory(src AddressSpace) (AddressSpace, *kernel.Error) {
	if !src.Valid() {
		return AddressSpace{}, ErrInvalidAddressSpace
	}

	dst, err := m.Create()
	if err != nil {
		return AddressSpace{}, err
	}

	if err = m.cloneEntries(src, dst); err != nil {
		if rollbackErr := m.Destroy(dst); rollbackErr != nil {
			kfmt.Printf("[vmm] leaked directory 0x%x after failed clone: %s\n", uint32(dst.pdtFrame), rollbackErr.Message)
		}
		return AddressSpace{}, err
	}

	return dst, nil
}

func (m *MMU) cloneEntries(src, dst AddressSpace) *kernel.Error {
	srcDir, err := m.openDirectory(src)
	if err != nil {
		return err
	}
	defer m.closeTable(&srcDir)

	dstDir, err := m.openDirectory(dst)
	if err != nil {
		return err
	}
	defer m.closeTable(&dstDir)

	for dirIndex := uint32(0); dirIndex < tempWindowIndex; dirIndex++ {
		pde := srcDir.entryAtIndex(dirIndex)
		switch {
		case !pde.HasFlags(FlagPresent):
			continue
		case pde.HasFlags(FlagHugePage):
			return errNoHugePageSupport
		case m.isSharedTable(dirIndex, pde):
			if err = m.sharedTables.acquire(pde.Frame()); err != nil {
				return err
			}
			dstDir.setEntry(dirIndex, pde)
			continue
		}

		tableFrame, err := m.allocTable()
		if err != nil {
			return err
		}

		// Link the table first so Destroy can reclaim a partial copy
		dstDir.setEntry(dirIndex, makeEntry(tableFrame, pde.Flags()))
		if err = m.copyTable(&srcDir, dirIndex, tableFrame); err != nil {
			return err
		}
	}

	return nil
}

// copyTable populates the table stored in dstFrame with copies of the pages
// mapped by the table that srcDir links at dirIndex.
func (m *MMU) copyTable(srcDir *pageTable, dirIndex uint32, dstFrame mm.Frame) *kernel.Error {
	srcTable, err := m.openTable(srcDir, dirIndex)
	if err != nil {
		return err
	}
	defer m.closeTable(&srcTable)

	dstTable, err := m.openFrame(dstFrame)
	if err != nil {
		return err
	}
	defer m.closeTable(&dstTable)

	for index := uint32(0); index < uint32(mm.EntriesPerTable); index++ {
		pte := srcTable.entryAtIndex(index)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		frame := m.frames.AllocFrame()
		if !frame.Valid() {
			return ErrOutOfMemory
		}

		if err = m.copyFrame(pte.Frame(), frame); err != nil {
			m.frames.FreeFrame(frame)
			return err
		}

		dstTable.setEntry(index, makeEntry(frame, pte.Flags()))
	}

	return nil
}

// copyFrame copies the contents of the src frame to the dst frame.
func (m *MMU) copyFrame(src, dst mm.Frame) *kernel.Error {
	srcAddr, err := m.mapTemporary(src)
	if err != nil {
		return err
	}
	defer m.unmapTemporary(srcAddr)

	dstAddr, err := m.mapTemporary(dst)
	if err != nil {
		return err
	}
	defer m.unmapTemporary(dstAddr)

	kernel.Memcopy(uintptr(memPtrFn(srcAddr)), uintptr(memPtrFn(dstAddr)), mm.PageSize)
	return nil
}
