package vmm

import (
	"lambos/kernel"
	"lambos/kernel/mm"
)

// tableSet is a bitmap of directory slots.
type tableSet [mm.EntriesPerTable / 32]uint32

func (s *tableSet) add(dirIndex uint32) {
	s[dirIndex>>5] |= 1 << (dirIndex & 31)
}

func (s *tableSet) has(dirIndex uint32) bool {
	return s[dirIndex>>5]&(1<<(dirIndex&31)) != 0
}

// pageRange returns the first page and the page count of the range that
// starts at virtAddr and spans pageCount pages. It fails if the range is
// empty, unaligned, wraps around the address space or reaches into the
// reserved directory slots.
func pageRange(virtAddr uintptr, pageCount uint32) (mm.Page, *kernel.Error) {
	if pageCount == 0 || !mm.IsPageAligned(virtAddr) {
		return 0, ErrInvalidRange
	}

	if end := uint64(virtAddr) + uint64(pageCount)<<mm.PageShift; end > uint64(tempWindowBase) {
		return 0, ErrInvalidRange
	}

	return mm.PageFromAddress(virtAddr), nil
}

// getOrCreateTable returns a handle to the second-level table that dir links
// at dirIndex, allocating and linking an empty table if the slot is empty.
// New tables in user space are linked as user accessible unless kernelTable
// is set, in which case they are tagged with flagKernelTable. The returned
// flag reports whether a new table was created.
func (m *MMU) getOrCreateTable(dir *pageTable, dirIndex uint32, kernelTable bool) (pageTable, bool, *kernel.Error) {
	pde := dir.entryAtIndex(dirIndex)
	if pde.HasFlags(FlagPresent) {
		if pde.HasFlags(FlagHugePage) {
			return pageTable{}, false, errNoHugePageSupport
		}

		table, err := m.openTable(dir, dirIndex)
		return table, false, err
	}

	frame, err := m.allocTable()
	if err != nil {
		return pageTable{}, false, err
	}

	flags := FlagPresent | FlagRW
	switch {
	case !m.isUserIndex(dirIndex):
	case kernelTable:
		flags |= flagKernelTable
	default:
		flags |= FlagUserAccessible
	}
	dir.setEntry(dirIndex, makeEntry(frame, flags))

	table, err := m.openTable(dir, dirIndex)
	return table, true, err
}

// Palloc maps pageCount pages backed by freshly allocated frames at the
// lowest free virtual address range at or above the anonymous mapping base
// and below kernel space. It returns the address of the first page.
func (m *MMU) Palloc(as AddressSpace, pageCount uint32) (uintptr, *kernel.Error) {
	if !as.Valid() {
		return 0, ErrInvalidAddressSpace
	}

	if pageCount == 0 {
		return 0, ErrInvalidRange
	}

	virtAddr, err := m.findFreeRange(as, pageCount)
	if err != nil {
		return 0, err
	}

	return m.PallocAt(as, virtAddr, pageCount)
}

// findFreeRange performs a first-fit search for pageCount consecutive
// unmapped pages in [anonBase, kernelBase). Slots that hold kernel identity
// mappings are skipped.
func (m *MMU) findFreeRange(as AddressSpace, pageCount uint32) (uintptr, *kernel.Error) {
	dir, err := m.openDirectory(as)
	if err != nil {
		return 0, err
	}
	defer m.closeTable(&dir)

	var (
		runStart = mm.PageFromAddress(m.anonBase)
		runLen   uint32
		endPage  = mm.PageFromAddress(m.kernelBase)
	)

	for page := runStart; page < endPage; {
		dirIndex := uint32(page) >> 10
		pde := dir.entryAtIndex(dirIndex)

		if !pde.HasFlags(FlagPresent) {
			// The whole table is unmapped
			next := mm.Page((dirIndex + 1) << 10)
			if next > endPage {
				next = endPage
			}
			runLen += uint32(next - page)
			page = next
		} else if pde.HasFlags(flagKernelTable) {
			next := mm.Page((dirIndex + 1) << 10)
			if next > endPage {
				next = endPage
			}
			runStart, runLen = next, 0
			page = next
		} else {
			if pde.HasFlags(FlagHugePage) {
				return 0, errNoHugePageSupport
			}

			table, err := m.openTable(&dir, dirIndex)
			if err != nil {
				return 0, err
			}

			for ; page < endPage && uint32(page)>>10 == dirIndex && runLen < pageCount; page++ {
				if table.entryAtIndex(uint32(page) & indexMask).HasFlags(FlagPresent) {
					runStart, runLen = page+1, 0
					continue
				}
				runLen++
			}
			m.closeTable(&table)
		}

		if runLen >= pageCount {
			return runStart.Address(), nil
		}
	}

	return 0, ErrNoVirtualSpace
}

// PallocAt maps pageCount pages backed by freshly allocated frames starting at
// virtAddr and returns virtAddr. Pages below the kernel base are user
// accessible.
//
// The whole range is validated before any frame is allocated. If the mapping
// cannot be completed, every page mapped and every table created by the call
// is removed and the frames are returned to the allocator.
func (m *MMU) PallocAt(as AddressSpace, virtAddr uintptr, pageCount uint32) (uintptr, *kernel.Error) {
	if !as.Valid() {
		return 0, ErrInvalidAddressSpace
	}

	startPage, err := pageRange(virtAddr, pageCount)
	if err != nil {
		return 0, err
	}

	if err = m.mapPages(as, startPage, pageCount, false); err != nil {
		return 0, err
	}

	return virtAddr, nil
}

// IdentityMapRegion maps the physical region that starts at startFrame and
// spans size bytes to the same virtual addresses. The mappings are supervisor
// only and the tables that hold them are shared with every address space
// cloned from as, even below the kernel base. Identity mappings cannot be
// added to a table that already holds user pages. Frames that can be reserved from the allocator are owned by the
// address space; others (e.g. the kernel image or device memory) are mapped
// as unowned and are never freed.
func (m *MMU) IdentityMapRegion(as AddressSpace, startFrame mm.Frame, size mm.Size) (mm.Page, *kernel.Error) {
	if !as.Valid() {
		return 0, ErrInvalidAddressSpace
	}

	pageCount := size.Pages()
	startPage, err := pageRange(startFrame.Address(), pageCount)
	if err != nil {
		return 0, err
	}

	if err = m.mapPages(as, startPage, pageCount, true); err != nil {
		return 0, err
	}

	return startPage, nil
}

// mapPages maps pageCount pages starting at startPage. Identity mappings point
// each page at the frame with the same number; other mappings use frames
// from the allocator.
func (m *MMU) mapPages(as AddressSpace, startPage mm.Page, pageCount uint32, identity bool) *kernel.Error {
	dir, err := m.openDirectory(as)
	if err != nil {
		return err
	}
	defer m.closeTable(&dir)

	endPage := startPage + mm.Page(pageCount)

	// Validate the range before allocating anything
	for page := startPage; page < endPage; {
		dirIndex := uint32(page) >> 10
		next := mm.Page((dirIndex + 1) << 10)
		if next > endPage {
			next = endPage
		}

		pde := dir.entryAtIndex(dirIndex)
		switch {
		case !pde.HasFlags(FlagPresent):
		case pde.HasFlags(FlagHugePage):
			return errNoHugePageSupport
		case identity && !m.isSharedTable(dirIndex, pde):
			return ErrUserTable
		default:
			table, err := m.openTable(&dir, dirIndex)
			if err != nil {
				return err
			}

			for p := page; p < next; p++ {
				if table.entryAtIndex(uint32(p) & indexMask).HasFlags(FlagPresent) {
					err = ErrAlreadyMapped
					break
				}
			}
			m.closeTable(&table)

			if err != nil {
				return err
			}
		}

		page = next
	}

	var created tableSet
	for page := startPage; page < endPage; {
		dirIndex := uint32(page) >> 10
		next := mm.Page((dirIndex + 1) << 10)
		if next > endPage {
			next = endPage
		}

		table, isNew, err := m.getOrCreateTable(&dir, dirIndex, identity)
		if err != nil {
			m.unmapPages(&dir, startPage, page, &created)
			return err
		}

		if isNew {
			created.add(dirIndex)
		}

		flags := FlagPresent | FlagRW
		if !identity && !m.isSharedTable(dirIndex, dir.entryAtIndex(dirIndex)) {
			flags |= FlagUserAccessible
		}

		for ; page < next; page++ {
			frame := mm.Frame(page)
			pageFlags := flags

			switch {
			case !identity:
				if frame = m.frames.AllocFrame(); !frame.Valid() {
					err = ErrOutOfMemory
				}
			case !m.frames.RequestFrame(frame):
				pageFlags |= flagUnowned
			}

			if err != nil {
				break
			}

			table.setEntry(uint32(page)&indexMask, makeEntry(frame, pageFlags))
		}
		m.closeTable(&table)

		if err != nil {
			m.unmapPages(&dir, startPage, page, &created)
			return err
		}
	}

	return nil
}

// unmapPages removes the mappings for [startPage, endPage) that mapPages
// installed and releases the tables listed in created. It assumes that every
// page in the range is mapped.
func (m *MMU) unmapPages(dir *pageTable, startPage, endPage mm.Page, created *tableSet) {
	for page := startPage; page < endPage; {
		dirIndex := uint32(page) >> 10
		next := mm.Page((dirIndex + 1) << 10)
		if next > endPage {
			next = endPage
		}

		table, err := m.openTable(dir, dirIndex)
		if err != nil {
			return
		}
		m.clearEntries(&table, page, next)
		m.closeTable(&table)

		page = next
	}

	for dirIndex := uint32(0); dirIndex < tempWindowIndex; dirIndex++ {
		if !created.has(dirIndex) {
			continue
		}

		frame := dir.entryAtIndex(dirIndex).Frame()
		dir.setEntry(dirIndex, 0)
		m.frames.FreeFrame(frame)
	}
}

// clearEntries zeroes the entries of table for [startPage, endPage) and frees
// the owned frames they point to.
func (m *MMU) clearEntries(table *pageTable, startPage, endPage mm.Page) {
	for page := startPage; page < endPage; page++ {
		index := uint32(page) & indexMask
		pte := table.entryAtIndex(index)
		table.setEntry(index, 0)

		if !pte.HasFlags(flagUnowned) {
			m.frames.FreeFrame(pte.Frame())
		}
	}
}

// Pfree unmaps pageCount pages starting at virtAddr and returns their frames
// to the allocator. Pfree is atomic: if any page in the range is not mapped
// it returns ErrInvalidMapping without unmapping anything. Second-level
// tables emptied by Pfree are kept until the address space is destroyed.
func (m *MMU) Pfree(as AddressSpace, virtAddr uintptr, pageCount uint32) *kernel.Error {
	if !as.Valid() {
		return ErrInvalidAddressSpace
	}

	startPage, err := pageRange(virtAddr, pageCount)
	if err != nil {
		return err
	}

	dir, err := m.openDirectory(as)
	if err != nil {
		return err
	}
	defer m.closeTable(&dir)

	endPage := startPage + mm.Page(pageCount)
	for page := startPage; page < endPage; {
		dirIndex := uint32(page) >> 10
		next := mm.Page((dirIndex + 1) << 10)
		if next > endPage {
			next = endPage
		}

		if pde := dir.entryAtIndex(dirIndex); !pde.HasFlags(FlagPresent) || pde.HasFlags(FlagHugePage) {
			return ErrInvalidMapping
		}

		table, err := m.openTable(&dir, dirIndex)
		if err != nil {
			return err
		}

		for p := page; p < next; p++ {
			if !table.entryAtIndex(uint32(p) & indexMask).HasFlags(FlagPresent) {
				err = ErrInvalidMapping
				break
			}
		}
		m.closeTable(&table)

		if err != nil {
			return err
		}

		page = next
	}

	m.unmapPages(&dir, startPage, endPage, &tableSet{})
	return nil
}

// Translate returns the physical address that virtAddr maps to in as.
func (m *MMU) Translate(as AddressSpace, virtAddr uintptr) (uintptr, *kernel.Error) {
	if !as.Valid() {
		return 0, ErrInvalidAddressSpace
	}

	dir, err := m.openDirectory(as)
	if err != nil {
		return 0, err
	}
	defer m.closeTable(&dir)

	dirIndex := uint32(virtAddr >> dirShift)
	pde := dir.entryAtIndex(dirIndex)
	switch {
	case !pde.HasFlags(FlagPresent):
		return 0, ErrInvalidMapping
	case pde.HasFlags(FlagHugePage):
		return 0, errNoHugePageSupport
	}

	table, err := m.openTable(&dir, dirIndex)
	if err != nil {
		return 0, err
	}
	defer m.closeTable(&table)

	pte := table.entryAtIndex(uint32(virtAddr>>mm.PageShift) & indexMask)
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pte.Address() + virtAddr&(mm.PageSize-1), nil
}
