package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// EntryShift is equal to log2 of the size of a hardware page table
	// entry. i386 entries are 32 bits wide.
	EntryShift = uintptr(2)

	// EntriesPerTable is the number of entries in a page table or page
	// directory.
	EntriesPerTable = PageSize >> EntryShift

	// MaxFrames is the number of page frames that fit in the 32-bit
	// physical address space.
	MaxFrames = uint32(1 << (32 - PageShift))
)
