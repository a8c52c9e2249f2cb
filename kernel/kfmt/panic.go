package kfmt

import (
	"lambos/kernel"
	"lambos/kernel/cpu"
)

const panicRule = "\n-----------------------------------\n"

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// errRuntimePanic wraps panic values that are not *kernel.Error.
	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic prints the supplied value (if not nil) framed by the kernel panic
// banner and halts the CPU. On real hardware Panic never returns.
//
// Panic accepts a *kernel.Error, an error or a string; the latter two are
// reported under the "rt" module. It also serves as the redirection target
// for runtime.gopanic and runtime.throw.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf(panicRule)
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf(panicRule)

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	Panic(msg)
}
