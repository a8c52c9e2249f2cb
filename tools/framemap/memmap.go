package main

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"lambos/multiboot"

	"github.com/pkg/errors"
)

var typeNames = map[string]multiboot.MemoryEntryType{
	"available": multiboot.MemAvailable,
	"reserved":  multiboot.MemReserved,
	"acpi":      multiboot.MemAcpiReclaimable,
	"nvs":       multiboot.MemNvs,
}

// parseNumber parses a decimal or 0x-prefixed hex number.
func parseNumber(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Errorf("invalid number %q", s)
	}
	return v, nil
}

func parseEntryType(s string) (multiboot.MemoryEntryType, error) {
	if t, ok := typeNames[strings.ToLower(s)]; ok {
		return t, nil
	}

	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("invalid region type %q", s)
	}
	return multiboot.MemoryEntryType(v), nil
}

// parseMemoryMap reads one "<base> <length> <type>" region per line and
// returns the regions encoded as multiboot memory map records. Blank lines
// and text following a '#' are ignored.
func parseMemoryMap(r io.Reader) ([]byte, error) {
	var (
		mmap    []byte
		lineNum int
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNum++

		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx != -1 {
			line = line[:idx]
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 3 {
			return nil, errors.Errorf("line %d: expected <base> <length> <type>; got %d fields", lineNum, len(fields))
		}

		var (
			entry multiboot.MemoryMapEntry
			err   error
		)

		if entry.PhysAddress, err = parseNumber(fields[0]); err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
		if entry.Length, err = parseNumber(fields[1]); err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}
		if entry.Type, err = parseEntryType(fields[2]); err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNum)
		}

		mmap = multiboot.AppendMemoryMapEntry(mmap, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading memory map")
	}

	if len(mmap) == 0 {
		return nil, errors.New("memory map does not contain any regions")
	}

	return mmap, nil
}
