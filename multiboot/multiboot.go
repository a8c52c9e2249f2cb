// Package multiboot reads the information structure that a multiboot (v1)
// compliant boot loader hands to the kernel in EBX.
package multiboot

import "unsafe"

var (
	infoData uintptr

	// physAddrFn converts a 32-bit physical address found in the info
	// structure into a pointer the kernel can dereference. The low memory
	// region that holds boot loader data is identity mapped.
	physAddrFn = func(addr uint32) uintptr { return uintptr(addr) }
)

// infoFlag describes which fields of the info structure are valid.
type infoFlag uint32

const (
	flagMemInfo infoFlag = 1 << iota
	flagBootDevice
	flagCmdLine
	flagModules
	flagAoutSymbols
	flagElfSections
	flagMemoryMap
)

// Byte offsets of the info structure fields used by this package.
const (
	offsetFlags      = 0
	offsetCmdLine    = 16
	offsetMmapLength = 44
	offsetMmapAddr   = 48
)

// Byte offsets of the memory map record fields. Each record is prefixed by a
// size field that does not count itself; the fields that follow are packed
// so the 64-bit values are read as two dwords.
const (
	offsetEntrySize   = 0
	offsetEntryBase   = 4
	offsetEntryLength = 12
	offsetEntryType   = 20

	// defaultEntrySize is the record size (without the size field)
	// reported by every known boot loader.
	defaultEntrySize = 20
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// MemoryMap returns the physical address and the length in bytes of the
// memory map supplied by the boot loader. It returns (0, 0) if the boot
// loader did not supply a memory map.
func MemoryMap() (uintptr, uintptr) {
	if infoData == 0 || infoFlag(readDword(infoData, offsetFlags))&flagMemoryMap == 0 {
		return 0, 0
	}

	return physAddrFn(readDword(infoData, offsetMmapAddr)), uintptr(readDword(infoData, offsetMmapLength))
}

// VisitMemRegions invokes visitor for each region of the memory map supplied
// by the boot loader.
func VisitMemRegions(visitor MemRegionVisitor) {
	addr, length := MemoryMap()
	VisitMemoryMap(addr, length, visitor)
}

// VisitMemoryMap invokes visitor for each record of the memory map that
// starts at mmapAddr and spans mmapLength bytes. Records with an unknown type
// are reported as MemReserved. A zero length map produces no visits and a
// record that does not fit in the remaining bytes ends the scan, as does a
// size field that points past the end of the map.
func VisitMemoryMap(mmapAddr, mmapLength uintptr, visitor MemRegionVisitor) {
	var (
		entry  MemoryMapEntry
		curPtr = mmapAddr
		endPtr = mmapAddr + mmapLength
	)

	for endPtr-curPtr >= offsetEntryType+4 {
		entrySize := uintptr(readDword(curPtr, offsetEntrySize))
		if entrySize == 0 {
			entrySize = defaultEntrySize
		}

		entry.PhysAddress = readQword(curPtr, offsetEntryBase)
		entry.Length = readQword(curPtr, offsetEntryLength)
		entry.Type = MemoryEntryType(readDword(curPtr, offsetEntryType))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) || entrySize > endPtr-curPtr-4 {
			return
		}

		curPtr += entrySize + 4
	}
}

// BootCmdLineOption scans the kernel command line for key and returns its
// value. Options are separated by spaces and use either the key=value or the
// bare key form; the latter yields the key itself as the value. The returned
// string aliases the boot loader's memory so no allocation takes place.
func BootCmdLineOption(key string) (string, bool) {
	cmdLine := bootCmdLine()

	for start := 0; start < len(cmdLine); {
		end := start
		for end < len(cmdLine) && cmdLine[end] != ' ' {
			end++
		}

		option := cmdLine[start:end]
		switch {
		case option == key:
			return option, true
		case len(option) > len(key) && option[:len(key)] == key && option[len(key)] == '=':
			return option[len(key)+1:], true
		}

		start = end + 1
	}

	return "", false
}

// bootCmdLine returns the NULL-terminated command line passed by the boot
// loader or an empty string if none was provided.
func bootCmdLine() string {
	if infoData == 0 || infoFlag(readDword(infoData, offsetFlags))&flagCmdLine == 0 {
		return ""
	}

	cmdLineAddr := readDword(infoData, offsetCmdLine)
	if cmdLineAddr == 0 {
		return ""
	}

	ptr := physAddrFn(cmdLineAddr)

	var length int
	for *(*byte)(unsafe.Pointer(ptr + uintptr(length))) != 0 {
		length++
	}

	return unsafe.String((*byte)(unsafe.Pointer(ptr)), length)
}

func readDword(base, offset uintptr) uint32 {
	p := (*[4]byte)(unsafe.Pointer(base + offset))
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
}

func readQword(base, offset uintptr) uint64 {
	return uint64(readDword(base, offset)) | uint64(readDword(base, offset+4))<<32
}

// AppendMemoryMapEntry appends entry to buf using the boot loader's record
// encoding and returns the extended buffer. It is used by host-side tools and
// tests to assemble memory maps; the kernel itself only decodes them.
func AppendMemoryMapEntry(buf []byte, entry MemoryMapEntry) []byte {
	buf = appendDword(buf, defaultEntrySize)
	buf = appendDword(buf, uint32(entry.PhysAddress))
	buf = appendDword(buf, uint32(entry.PhysAddress>>32))
	buf = appendDword(buf, uint32(entry.Length))
	buf = appendDword(buf, uint32(entry.Length>>32))
	return appendDword(buf, uint32(entry.Type))
}

func appendDword(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
