// Command framemap loads a memory map into the kernel's physical frame
// allocator and renders the resulting frame bitmap as a PNG image. It is a
// debugging aid for inspecting how the allocator treats a given machine's
// memory layout.
//
// Usage:
//
//	framemap [-kernel-end addr] [-alloc n] [-frames n] [-cell px] [-out file.png] memmap.txt
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"unsafe"

	"lambos/kernel/mm"
	"lambos/kernel/mm/pmm"

	"github.com/fogleman/gg"
	"github.com/pkg/errors"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[framemap] error: %s\n", err.Error())
	os.Exit(1)
}

type options struct {
	kernelEnd uint64
	allocs    uint
	frames    uint
	cellSize  uint
	outFile   string
}

// buildAllocator loads mmap into a fresh allocator, reserves the frames below
// kernelEnd the way the boot path reserves the kernel image and performs
// allocCount allocations.
func buildAllocator(mmap []byte, kernelEnd uint64, allocCount uint) (*pmm.BitmapAllocator, error) {
	if kernelEnd > uint64(mm.MaxFrames)<<mm.PageShift {
		return nil, errors.Errorf("kernel end 0x%x is outside the 32-bit physical address space", kernelEnd)
	}

	alloc := new(pmm.BitmapAllocator)
	alloc.LoadMemoryMap(uintptr(unsafe.Pointer(&mmap[0])), uintptr(len(mmap)))
	runtime.KeepAlive(mmap)

	alloc.ReserveRange(0, mm.PageSize)
	alloc.ReserveRange(0, uintptr(kernelEnd))

	if uint64(allocCount) > uint64(alloc.FreeCount()) {
		return nil, errors.Errorf("cannot allocate %d frames; only %d frames are free", allocCount, alloc.FreeCount())
	}

	for i := uint(0); i < allocCount; i++ {
		alloc.AllocFrame()
	}

	return alloc, nil
}

func run(args []string, stdout io.Writer) error {
	var (
		opts      options
		kernelEnd string
	)

	fs := flag.NewFlagSet("framemap", flag.ContinueOnError)
	fs.StringVar(&kernelEnd, "kernel-end", "0", "reserve all frames below this physical address")
	fs.UintVar(&opts.allocs, "alloc", 0, "number of frames to allocate after loading the map")
	fs.UintVar(&opts.frames, "frames", 0, "number of frames to render (default: up to the last usable frame)")
	fs.UintVar(&opts.cellSize, "cell", 4, "size of each frame cell in pixels")
	fs.StringVar(&opts.outFile, "out", "framemap.png", "output PNG file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() != 1 {
		return errors.New("expected the path to a memory map file as the only argument")
	}

	var err error
	if opts.kernelEnd, err = parseNumber(kernelEnd); err != nil {
		return errors.Wrap(err, "kernel-end")
	}
	if opts.cellSize == 0 {
		return errors.New("cell size must be positive")
	}

	f, err := os.Open(fs.Arg(0))
	if err != nil {
		return errors.Wrap(err, "opening memory map")
	}
	defer f.Close()

	mmap, err := parseMemoryMap(f)
	if err != nil {
		return errors.Wrap(err, fs.Arg(0))
	}

	alloc, err := buildAllocator(mmap, opts.kernelEnd, opts.allocs)
	if err != nil {
		return err
	}

	frameCount := uint32(opts.frames)
	if opts.frames == 0 || opts.frames > uint(mm.MaxFrames) {
		frameCount = lastUsableFrame(alloc)
	}
	if frameCount == 0 {
		return errors.New("memory map does not contain any usable frames")
	}

	img := renderFrameMap(alloc, frameCount, int(opts.cellSize))
	if err = gg.SavePNG(opts.outFile, img); err != nil {
		return errors.Wrapf(err, "writing %s", opts.outFile)
	}

	fmt.Fprintf(stdout, "[framemap] wrote %s: %d frames, %d usable, %d free\n",
		opts.outFile, frameCount, alloc.UsableCount(), alloc.FreeCount())
	return nil
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		exit(err)
	}
}
