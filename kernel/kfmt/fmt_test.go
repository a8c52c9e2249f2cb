package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintf(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	// mute vet warnings about malformed printf formatting strings
	printfn := Printf

	specs := []struct {
		fn        func()
		expOutput string
	}{
		{
			func() { printfn("no args") },
			"no args",
		},
		{
			func() { printfn("100%% used") },
			"100% used",
		},
		// bool values
		{
			func() { printfn("%t", true) },
			"true",
		},
		{
			func() { printfn("%41t", false) },
			"false",
		},
		// strings and byte slices
		{
			func() { printfn("%s arg", "STRING") },
			"STRING arg",
		},
		{
			func() { printfn("%s arg", []byte("BYTE SLICE")) },
			"BYTE SLICE arg",
		},
		{
			func() { printfn("'%4s' arg with padding", "ABC") },
			"' ABC' arg with padding",
		},
		{
			func() { printfn("'%4s' arg longer than padding", "ABCDE") },
			"'ABCDE' arg longer than padding",
		},
		// uints
		{
			func() { printfn("uint arg: %d", uint8(10)) },
			"uint arg: 10",
		},
		{
			func() { printfn("uint arg: %o", uint16(0777)) },
			"uint arg: 777",
		},
		{
			func() { printfn("uint arg: 0x%x", uint32(0xbadf00d)) },
			"uint arg: 0xbadf00d",
		},
		{
			func() { printfn("frame: 0x%8x", uintptr(0x1000)) },
			"frame: 0x00001000",
		},
		{
			func() { printfn("uint arg with padding: '%10d'", uint64(123)) },
			"uint arg with padding: '       123'",
		},
		{
			func() { printfn("uint arg longer than padding: '0x%5x'", uint(0xbadf00d)) },
			"uint arg longer than padding: '0xbadf00d'",
		},
		{
			func() { printfn("zero: %d", 0) },
			"zero: 0",
		},
		// ints
		{
			func() { printfn("int arg: %d", int8(-10)) },
			"int arg: -10",
		},
		{
			func() { printfn("int arg with padding: '%6d'", int32(-42)) },
			"int arg with padding: '   -42'",
		},
		{
			func() { printfn("int arg hex with padding: '%6x'", int64(-0x2a)) },
			"int arg hex with padding: '-0002a'",
		},
		{
			func() { printfn("int arg: %d", int16(1234)) },
			"int arg: 1234",
		},
		// errors
		{
			func() { printfn("missing: %d") },
			"missing: (MISSING)",
		},
		{
			func() { printfn("wrong type: %d", "foo") },
			"wrong type: %!(WRONGTYPE)",
		},
		{
			func() { printfn("wrong type: %t", 1) },
			"wrong type: %!(WRONGTYPE)",
		},
		{
			func() { printfn("wrong type: %s", 1) },
			"wrong type: %!(WRONGTYPE)",
		},
		{
			func() { printfn("no verb: %") },
			"no verb: %!(NOVERB)",
		},
		{
			func() { printfn("no verb: %12") },
			"no verb: %!(NOVERB)",
		},
		{
			func() { printfn("extra: %d", 1, 2) },
			"extra: 1%!(EXTRA)",
		},
	}

	var buf bytes.Buffer
	outputSink = &buf

	for specIndex, spec := range specs {
		buf.Reset()
		spec.fn()

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}

func TestFprintf(t *testing.T) {
	var buf bytes.Buffer

	Fprintf(&buf, "[%s] %d frames free", "pmm", uint32(256))

	if exp, got := "[pmm] 256 frames free", buf.String(); got != exp {
		t.Fatalf("expected to get %q; got %q", exp, got)
	}
}

func TestPrintfToRingBufferAndSetOutputSink(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer = ringBuffer{}
	}()

	outputSink = nil
	earlyPrintBuffer = ringBuffer{}

	Printf("[boot] %d bytes buffered\n", 42)

	if GetOutputSink() != nil {
		t.Fatal("expected output sink to be nil before attaching one")
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "[boot] 42 bytes buffered\n", buf.String(); got != exp {
		t.Fatalf("expected early output %q to be replayed; got %q", exp, got)
	}

	if GetOutputSink() != &buf {
		t.Fatal("expected GetOutputSink to return the attached sink")
	}

	Printf("after")
	if exp, got := "[boot] 42 bytes buffered\nafter", buf.String(); got != exp {
		t.Fatalf("expected to get %q; got %q", exp, got)
	}
}
