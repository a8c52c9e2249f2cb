//go:build !386

package cpu

// The kernel only runs on 386. These stubs let host-side builds (tests and
// tools) link against the package; kernel code reaches them through function
// variables that tests replace.

func privileged(name string) {
	panic("cpu: privileged instruction " + name + " executed outside the kernel")
}

// Halt disables interrupts and stops instruction execution.
func Halt() { privileged("hlt") }

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(_ uintptr) { privileged("invlpg") }

// SwitchPDT sets the page directory base register (CR3) to the specified
// physical address.
func SwitchPDT(_ uintptr) { privileged("mov cr3") }

// ActivePDT returns the physical address of the currently active page directory.
func ActivePDT() uintptr {
	privileged("mov cr3")
	return 0
}

// ReadCR0 returns the value stored in the CR0 register.
func ReadCR0() uint32 {
	privileged("mov cr0")
	return 0
}

// WriteCR0 stores value in the CR0 register.
func WriteCR0(_ uint32) { privileged("mov cr0") }
