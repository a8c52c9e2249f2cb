package vmm

import (
	"lambos/kernel"
	"lambos/kernel/mm"
)

// maxSharedTables is the number of kernel tables that can be shared between
// address spaces at the same time.
const maxSharedTables = 1024

type tableRef struct {
	frame mm.Frame
	refs  uint32
}

// tableRefCounts tracks how many address spaces link each shared kernel
// table. The counts live outside the hardware tables; a table without a
// record is referenced by exactly one directory.
type tableRefCounts struct {
	count   int
	entries [maxSharedTables]tableRef
}

func (rc *tableRefCounts) find(frame mm.Frame) int {
	for i := 0; i < rc.count; i++ {
		if rc.entries[i].frame == frame {
			return i
		}
	}
	return -1
}

// acquire registers an additional directory that links the table stored in
// frame.
func (rc *tableRefCounts) acquire(frame mm.Frame) *kernel.Error {
	if i := rc.find(frame); i >= 0 {
		rc.entries[i].refs++
		return nil
	}

	if rc.count == maxSharedTables {
		panicFn(errSharedTableOverflow)
		return errSharedTableOverflow
	}

	rc.entries[rc.count] = tableRef{frame: frame, refs: 2}
	rc.count++
	return nil
}

// release drops one reference to the table stored in frame and returns true
// if the caller held the last reference and must free the table.
func (rc *tableRefCounts) release(frame mm.Frame) bool {
	i := rc.find(frame)
	if i < 0 {
		return true
	}

	if rc.entries[i].refs--; rc.entries[i].refs > 1 {
		return false
	}

	rc.count--
	rc.entries[i] = rc.entries[rc.count]
	rc.entries[rc.count] = tableRef{}
	return false
}

// refs returns the number of directories that link the table stored in frame.
func (rc *tableRefCounts) refs(frame mm.Frame) uint32 {
	if i := rc.find(frame); i >= 0 {
		return rc.entries[i].refs
	}
	return 1
}
