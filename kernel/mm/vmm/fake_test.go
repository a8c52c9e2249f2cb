package vmm

import (
	"testing"
	"unsafe"

	"lambos/kernel/cpu"
	"lambos/kernel/kfmt"
	"lambos/kernel/mm"
)

// junkEntry is the initial value of every word of simulated memory. It has
// the present bit set so tables that are not cleared before use produce
// bogus mappings.
const junkEntry = 0xdeadbeef

// fakeMachine simulates physical memory and the paging unit of the CPU,
// including a TLB that caches translations until they are explicitly
// flushed.
type fakeMachine struct {
	t *testing.T

	frames  map[mm.Frame]*[mm.EntriesPerTable]uint32
	cr3     uintptr
	paging  bool
	tlb     map[uintptr]uintptr
	flushed []uintptr
}

// newFakeMachine installs the hardware hooks of the vmm package and returns
// the machine that backs them. The hooks are restored when the test ends.
func newFakeMachine(t *testing.T) *fakeMachine {
	fm := &fakeMachine{
		t:      t,
		frames: make(map[mm.Frame]*[mm.EntriesPerTable]uint32),
		tlb:    make(map[uintptr]uintptr),
	}

	flushTLBEntryFn = fm.flushTLBEntry
	switchPDTFn = fm.switchPDT
	activePDTFn = func() uintptr { return fm.cr3 }
	pagingEnabledFn = func() bool { return fm.paging }
	enablePagingFn = fm.enablePaging
	memPtrFn = fm.ptr
	panicFn = func(e interface{}) {
		t.Fatalf("unexpected kernel panic: %v", e)
	}

	t.Cleanup(func() {
		flushTLBEntryFn = cpu.FlushTLBEntry
		switchPDTFn = cpu.SwitchPDT
		activePDTFn = cpu.ActivePDT
		pagingEnabledFn = cpu.PagingEnabled
		enablePagingFn = cpu.EnablePaging
		memPtrFn = func(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }
		panicFn = kfmt.Panic
	})

	return fm
}

// frame returns the contents of a physical frame.
func (fm *fakeMachine) frame(frame mm.Frame) *[mm.EntriesPerTable]uint32 {
	mem, ok := fm.frames[frame]
	if !ok {
		mem = new([mm.EntriesPerTable]uint32)
		for i := range mem {
			mem[i] = junkEntry
		}
		fm.frames[frame] = mem
	}
	return mem
}

func (fm *fakeMachine) flushTLBEntry(virtAddr uintptr) {
	fm.flushed = append(fm.flushed, virtAddr)
	delete(fm.tlb, virtAddr&^(mm.PageSize-1))
}

func (fm *fakeMachine) switchPDT(pdtPhysAddr uintptr) {
	fm.cr3 = pdtPhysAddr
	fm.tlb = make(map[uintptr]uintptr)
}

func (fm *fakeMachine) enablePaging() {
	fm.paging = true
	fm.tlb = make(map[uintptr]uintptr)
}

// ptr translates addr the way the CPU would and returns a pointer to the
// backing simulated memory.
func (fm *fakeMachine) ptr(addr uintptr) unsafe.Pointer {
	physAddr := addr
	if fm.paging {
		physAddr = fm.translate(addr)
	}

	mem := fm.frame(mm.FrameFromAddress(physAddr))
	return unsafe.Pointer(&mem[(physAddr&(mm.PageSize-1))>>mm.EntryShift])
}

// translate performs a page walk for virtAddr using the TLB when possible.
func (fm *fakeMachine) translate(virtAddr uintptr) uintptr {
	fm.t.Helper()

	page := virtAddr &^ (mm.PageSize - 1)
	if frameAddr, ok := fm.tlb[page]; ok {
		return frameAddr | virtAddr&(mm.PageSize-1)
	}

	frameAddr, ok := fm.walk(mm.FrameFromAddress(fm.cr3), virtAddr)
	if !ok {
		fm.t.Fatalf("page fault accessing virtual address 0x%x", virtAddr)
	}

	fm.tlb[page] = frameAddr
	return frameAddr | virtAddr&(mm.PageSize-1)
}

// walk resolves virtAddr using the directory stored in dirFrame, reading the
// tables directly from physical memory. It returns the address of the frame
// that the page maps to.
func (fm *fakeMachine) walk(dirFrame mm.Frame, virtAddr uintptr) (uintptr, bool) {
	pde := pageTableEntry(fm.frame(dirFrame)[virtAddr>>dirShift])
	if !pde.HasFlags(FlagPresent) {
		return 0, false
	}

	pte := pageTableEntry(fm.frame(pde.Frame())[(virtAddr>>mm.PageShift)&uintptr(indexMask)])
	if !pte.HasFlags(FlagPresent) {
		return 0, false
	}

	return pte.Address(), true
}

// entry returns the raw entry at index of the table stored in frame.
func (fm *fakeMachine) entry(frame mm.Frame, index uint32) pageTableEntry {
	return pageTableEntry(fm.frame(frame)[index])
}

// fakeFrameAllocator hands out sequential frames and records every frame
// that is currently allocated.
type fakeFrameAllocator struct {
	t *testing.T

	next      mm.Frame
	allocated map[mm.Frame]bool

	// allocCount counts successful AllocFrame calls.
	allocCount int

	// failAfter makes AllocFrame fail once allocCount reaches it. A
	// negative value disables failures.
	failAfter int

	// unavailable lists frames that RequestFrame refuses.
	unavailable map[mm.Frame]bool

	// onFailure, if set, runs when AllocFrame reports exhaustion.
	onFailure func()
}

func newFakeFrameAllocator(t *testing.T) *fakeFrameAllocator {
	return &fakeFrameAllocator{
		t:           t,
		next:        0x100,
		allocated:   make(map[mm.Frame]bool),
		failAfter:   -1,
		unavailable: make(map[mm.Frame]bool),
	}
}

func (a *fakeFrameAllocator) AllocFrame() mm.Frame {
	if a.failAfter >= 0 && a.allocCount >= a.failAfter {
		if a.onFailure != nil {
			a.onFailure()
		}
		return mm.InvalidFrame
	}

	for a.allocated[a.next] || a.unavailable[a.next] {
		a.next++
	}

	frame := a.next
	a.next++
	a.allocCount++
	a.allocated[frame] = true
	return frame
}

func (a *fakeFrameAllocator) FreeFrame(frame mm.Frame) {
	a.t.Helper()
	if !a.allocated[frame] {
		a.t.Errorf("attempted to free frame 0x%x which is not allocated", frame)
		return
	}
	delete(a.allocated, frame)
}

func (a *fakeFrameAllocator) RequestFrame(frame mm.Frame) bool {
	if a.allocated[frame] || a.unavailable[frame] {
		return false
	}
	a.allocated[frame] = true
	return true
}

// setupMMU returns an initialized MMU backed by a fake machine and a fake
// frame allocator.
func setupMMU(t *testing.T) (*MMU, *fakeMachine, *fakeFrameAllocator) {
	t.Helper()

	fm := newFakeMachine(t)
	frames := newFakeFrameAllocator(t)

	m := new(MMU)
	if err := m.Init(frames, Config{}); err != nil {
		t.Fatal(err)
	}

	return m, fm, frames
}

// mustCreate returns a new address space or fails the test.
func mustCreate(t *testing.T, m *MMU) AddressSpace {
	t.Helper()

	as, err := m.Create()
	if err != nil {
		t.Fatal(err)
	}
	return as
}
