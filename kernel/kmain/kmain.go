package kmain

import (
	"lambos/kernel"
	"lambos/kernel/driver/tty"
	"lambos/kernel/driver/video/console"
	"lambos/kernel/kfmt"
	"lambos/kernel/mm"
	"lambos/kernel/mm/pmm"
	"lambos/kernel/mm/vmm"
	"lambos/multiboot"
)

var (
	errKmainReturned          = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errUnsupportedClonePolicy = &kernel.Error{Module: "kmain", Message: "unsupported mm.clone policy; only \"copy\" is available"}

	// cmdLineOptionFn is mocked by tests and is automatically inlined by
	// the compiler.
	cmdLineOptionFn = multiboot.BootCmdLineOption

	egaConsole console.Ega
	vt         tty.Vt

	// MMU is the virtual memory facade shared by the rest of the kernel.
	MMU vmm.MMU

	// KernelSpace is the address space installed at boot. Process address
	// spaces are derived from it via MMU.CloneDirectory.
	KernelSpace vmm.AddressSpace
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	egaConsole.Init(console.EgaWidth, console.EgaHeight, console.EgaFramebufferAddr)
	vt.AttachTo(&egaConsole)
	vt.Clear()
	kfmt.SetOutputSink(&vt)

	var err *kernel.Error
	if err = checkClonePolicy(); err != nil {
		kfmt.Panic(err)
	} else if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}

	if _, ok := cmdLineOptionFn("mm.memmap"); ok {
		pmm.FrameAllocator.PrintMemoryMap(multiboot.MemoryMap())
	}

	if err = setupKernelSpace(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}

	kfmt.Printf("[kmain] paging enabled; %d/%d frames free\n",
		pmm.FrameAllocator.FreeCount(), pmm.FrameAllocator.UsableCount(),
	)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// checkClonePolicy validates the mm.clone boot option. User tables are
// always deep-copied; sharing them would require copy-on-write support.
func checkClonePolicy() *kernel.Error {
	policy, ok := cmdLineOptionFn("mm.clone")
	if !ok {
		policy = "copy"
	}

	if policy != "copy" {
		return errUnsupportedClonePolicy
	}

	kfmt.Printf("[kmain] user page tables are copied on clone\n")
	return nil
}

// setupKernelSpace builds the kernel address space and enables paging. The
// low 1 MiB (boot loader structures and the EGA framebuffer) and the kernel
// image are identity mapped so execution continues seamlessly once the new
// directory is installed. Page zero stays unmapped to catch nil dereferences.
func setupKernelSpace(kernelStart, kernelEnd uintptr) *kernel.Error {
	var err *kernel.Error
	if err = MMU.Init(&pmm.FrameAllocator, vmm.Config{}); err != nil {
		return err
	}

	if KernelSpace, err = MMU.Create(); err != nil {
		return err
	}

	if _, err = MMU.IdentityMapRegion(KernelSpace, mm.Frame(1), mm.Mb-mm.Size(mm.PageSize)); err != nil {
		return err
	}

	imageStart := mm.FrameFromAddress(kernelStart)
	imageSize := mm.Size(kernelEnd - imageStart.Address())
	if imageStart.Address() < uintptr(mm.Mb) {
		// The image overlaps the region mapped above.
		imageStart = mm.FrameFromAddress(uintptr(mm.Mb))
		imageSize = mm.Size(kernelEnd) - mm.Mb
	}

	if kernelEnd > imageStart.Address() {
		if _, err = MMU.IdentityMapRegion(KernelSpace, imageStart, imageSize); err != nil {
			return err
		}
	}

	return MMU.Install(KernelSpace)
}
