package multiboot

import (
	"runtime"
	"testing"
	"unsafe"
)

// qemuMemoryMap mirrors the memory map reported by qemu for a machine with
// 128M of RAM.
var qemuMemoryMap = []MemoryMapEntry{
	{0, 654336, MemAvailable},
	{654336, 1024, MemReserved},
	{983040, 65536, MemReserved},
	{1048576, 133038080, MemAvailable},
	{134086656, 131072, MemReserved},
	{4294705152, 262144, MemReserved},
}

func encodeMemoryMap(entries []MemoryMapEntry) []byte {
	var buf []byte
	for _, entry := range entries {
		buf = AppendMemoryMapEntry(buf, entry)
	}
	return buf
}

// Fake 32-bit physical addresses that the boot loader would report for the
// memory map and the command line; physAddrFn resolves them to the host
// buffers built by makeInfo.
const (
	fakeMmapAddr    = 0x9000
	fakeCmdLineAddr = 0xa000
)

// makeInfo assembles a multiboot info structure with the supplied flags,
// memory map and command line and installs a physAddrFn override that
// resolves the fake physical addresses stored in it. Callers must restore
// physAddrFn when done.
func makeInfo(flags infoFlag, mmap []byte, cmdLine string) []byte {
	info := make([]byte, 88)
	putDword := func(offset int, v uint32) {
		info[offset], info[offset+1], info[offset+2], info[offset+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
	}

	putDword(offsetFlags, uint32(flags))
	var cmdLineBuf []byte
	if len(mmap) != 0 {
		putDword(offsetMmapAddr, fakeMmapAddr)
		putDword(offsetMmapLength, uint32(len(mmap)))
	}

	if cmdLine != "" {
		cmdLineBuf = append([]byte(cmdLine), 0)
		putDword(offsetCmdLine, fakeCmdLineAddr)
	}

	physAddrFn = func(addr uint32) uintptr {
		switch addr {
		case fakeMmapAddr:
			return uintptr(unsafe.Pointer(&mmap[0]))
		case fakeCmdLineAddr:
			return uintptr(unsafe.Pointer(&cmdLineBuf[0]))
		default:
			panic("unexpected physical address")
		}
	}

	return info
}

func TestVisitMemoryMap(t *testing.T) {
	mmap := encodeMemoryMap(qemuMemoryMap)

	// Patch the type of the first entry to a bogus value to check that it
	// gets flagged as reserved
	mmap[offsetEntryType] = 0xFF

	var visitCount int
	VisitMemoryMap(uintptr(unsafe.Pointer(&mmap[0])), uintptr(len(mmap)), func(entry *MemoryMapEntry) bool {
		exp := qemuMemoryMap[visitCount]
		if visitCount == 0 {
			exp.Type = MemReserved
		}

		if *entry != exp {
			t.Errorf("[visit %d] expected entry %+v; got %+v", visitCount, exp, *entry)
		}

		visitCount++
		return true
	})

	runtime.KeepAlive(mmap)

	if exp := len(qemuMemoryMap); visitCount != exp {
		t.Fatalf("expected visitor to be invoked %d times; got %d", exp, visitCount)
	}
}

func TestVisitMemoryMapEdgeCases(t *testing.T) {
	mmap := encodeMemoryMap(qemuMemoryMap)
	mmapAddr := uintptr(unsafe.Pointer(&mmap[0]))
	defer runtime.KeepAlive(mmap)

	t.Run("zero length", func(t *testing.T) {
		VisitMemoryMap(mmapAddr, 0, func(_ *MemoryMapEntry) bool {
			t.Fatal("unexpected visitor call for a zero-length map")
			return true
		})
	})

	t.Run("abort scan", func(t *testing.T) {
		var visitCount int
		VisitMemoryMap(mmapAddr, uintptr(len(mmap)), func(_ *MemoryMapEntry) bool {
			visitCount++
			return false
		})

		if visitCount != 1 {
			t.Fatalf("expected visitor to be invoked once; got %d", visitCount)
		}
	})

	t.Run("truncated record", func(t *testing.T) {
		var visitCount int
		VisitMemoryMap(mmapAddr, 24+10, func(_ *MemoryMapEntry) bool {
			visitCount++
			return true
		})

		if visitCount != 1 {
			t.Fatalf("expected the truncated trailing record to be skipped; got %d visits", visitCount)
		}
	})

	t.Run("record size past the end of the map", func(t *testing.T) {
		buf := AppendMemoryMapEntry(nil, qemuMemoryMap[0])
		buf[0], buf[1], buf[2], buf[3] = 0xf0, 0xff, 0xff, 0xff
		buf = AppendMemoryMapEntry(buf, qemuMemoryMap[1])

		var visitCount int
		VisitMemoryMap(uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), func(_ *MemoryMapEntry) bool {
			visitCount++
			return true
		})
		runtime.KeepAlive(buf)

		if visitCount != 1 {
			t.Fatalf("expected the scan to stop after the corrupt record; got %d visits", visitCount)
		}
	})

	t.Run("larger record size", func(t *testing.T) {
		// A loader may report larger records; the scan must honor the
		// size field when moving to the next record.
		var buf []byte
		for _, entry := range qemuMemoryMap[:2] {
			rec := AppendMemoryMapEntry(nil, entry)
			rec[0] = 24
			buf = append(buf, rec...)
			buf = append(buf, 0xde, 0xad, 0xbe, 0xef)
		}

		var visited []MemoryMapEntry
		VisitMemoryMap(uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)), func(entry *MemoryMapEntry) bool {
			visited = append(visited, *entry)
			return true
		})
		runtime.KeepAlive(buf)

		if len(visited) != 2 || visited[0] != qemuMemoryMap[0] || visited[1] != qemuMemoryMap[1] {
			t.Fatalf("unexpected visited entries: %+v", visited)
		}
	})
}

func TestMemoryMapAndVisitMemRegions(t *testing.T) {
	defer func(origFn func(uint32) uintptr) {
		physAddrFn = origFn
		SetInfoPtr(0)
	}(physAddrFn)

	mmap := encodeMemoryMap(qemuMemoryMap)

	t.Run("no info", func(t *testing.T) {
		SetInfoPtr(0)
		if addr, length := MemoryMap(); addr != 0 || length != 0 {
			t.Fatalf("expected MemoryMap to return (0, 0); got (%x, %d)", addr, length)
		}
	})

	t.Run("memory map flag not set", func(t *testing.T) {
		info := makeInfo(flagMemInfo, mmap, "")
		SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))

		VisitMemRegions(func(_ *MemoryMapEntry) bool {
			t.Fatal("unexpected visitor call when the memory map flag is not set")
			return true
		})
		runtime.KeepAlive(info)
	})

	t.Run("memory map present", func(t *testing.T) {
		info := makeInfo(flagMemInfo|flagMemoryMap, mmap, "")
		SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))

		addr, length := MemoryMap()
		if exp := uintptr(unsafe.Pointer(&mmap[0])); addr != exp {
			t.Fatalf("expected memory map address %x; got %x", exp, addr)
		}
		if exp := uintptr(len(mmap)); length != exp {
			t.Fatalf("expected memory map length %d; got %d", exp, length)
		}

		var visitCount int
		VisitMemRegions(func(_ *MemoryMapEntry) bool {
			visitCount++
			return true
		})

		if exp := len(qemuMemoryMap); visitCount != exp {
			t.Fatalf("expected visitor to be invoked %d times; got %d", exp, visitCount)
		}
		runtime.KeepAlive(info)
	})
}

func TestBootCmdLineOption(t *testing.T) {
	defer func(origFn func(uint32) uintptr) {
		physAddrFn = origFn
		SetInfoPtr(0)
	}(physAddrFn)

	if _, found := BootCmdLineOption("mm.memmap"); found {
		t.Fatal("expected lookups without multiboot info to fail")
	}

	info := makeInfo(flagCmdLine, nil, "mm.memmap mm.clone=copy root=/dev/hda mm.clonex=1")
	SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))
	defer runtime.KeepAlive(info)

	specs := []struct {
		key      string
		expValue string
		expFound bool
	}{
		{"mm.memmap", "mm.memmap", true},
		{"mm.clone", "copy", true},
		{"root", "/dev/hda", true},
		{"mm", "", false},
		{"mm.clonex", "1", true},
		{"missing", "", false},
	}

	for specIndex, spec := range specs {
		value, found := BootCmdLineOption(spec.key)
		if found != spec.expFound || value != spec.expValue {
			t.Errorf("[spec %d] expected BootCmdLineOption(%q) to return (%q, %t); got (%q, %t)", specIndex, spec.key, spec.expValue, spec.expFound, value, found)
		}
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input  MemoryEntryType
		expStr string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{memUnknown, "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.expStr {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.expStr, got)
		}
	}
}
