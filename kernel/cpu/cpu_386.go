//go:build 386

package cpu

// Halt disables interrupts and stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the page directory base register (CR3) to the specified
// physical address. Loading CR3 flushes all non-global TLB entries.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page directory.
func ActivePDT() uintptr

// ReadCR0 returns the value stored in the CR0 register.
func ReadCR0() uint32

// WriteCR0 stores value in the CR0 register.
func WriteCR0(value uint32)
