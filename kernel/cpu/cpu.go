// Package cpu exposes the privileged i386 instructions used by the memory
// management code. The function bodies live in cpu_386.s; builds for other
// architectures (host-side tests and tools) get stubs that panic if they are
// ever reached.
package cpu

const (
	// cr0PagingBit is the PG bit of the CR0 register.
	cr0PagingBit = uint32(1 << 31)
)

var (
	// readCR0Fn and writeCR0Fn are mocked by tests and are automatically
	// inlined by the compiler.
	readCR0Fn  = ReadCR0
	writeCR0Fn = WriteCR0
)

// PagingEnabled returns true if the PG bit of CR0 is set.
func PagingEnabled() bool {
	return readCR0Fn()&cr0PagingBit != 0
}

// EnablePaging sets the PG bit of CR0. A valid page directory must have been
// loaded via SwitchPDT before calling EnablePaging.
func EnablePaging() {
	writeCR0Fn(readCR0Fn() | cr0PagingBit)
}
