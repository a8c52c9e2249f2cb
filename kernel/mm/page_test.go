package mm

import "testing"

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint32(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex)<<PageShift, frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	lastFrame := Frame(MaxFrames - 1)
	if !lastFrame.Valid() {
		t.Error("expected the last frame of the 32-bit address space to be valid")
	}

	if exp, got := uintptr(0xfffff000), lastFrame.Address(); got != exp {
		t.Errorf("expected last frame address to be %x; got %x", exp, got)
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}

	if Frame(MaxFrames).Valid() {
		t.Error("expected a frame beyond the 32-bit address space to be invalid")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
		{0xb8000, Frame(0xb8)},
		{0xfffff123, Frame(0xfffff)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint32(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex)<<PageShift, page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{4123, Page(1)},
		{0x400000, Page(1024)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}

func TestIsPageAligned(t *testing.T) {
	specs := []struct {
		addr   uintptr
		expRes bool
	}{
		{0, true},
		{1, false},
		{4096, true},
		{0x400010, false},
	}

	for specIndex, spec := range specs {
		if got := IsPageAligned(spec.addr); got != spec.expRes {
			t.Errorf("[spec %d] expected IsPageAligned(0x%x) to return %t; got %t", specIndex, spec.addr, spec.expRes, got)
		}
	}
}

func TestSizePages(t *testing.T) {
	specs := []struct {
		size     Size
		expPages uint32
	}{
		{0, 0},
		{1, 1},
		{4 * Kb, 1},
		{4*Kb + 1, 2},
		{1 * Mb, 256},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Pages(); got != spec.expPages {
			t.Errorf("[spec %d] expected %d bytes to span %d pages; got %d", specIndex, spec.size, spec.expPages, got)
		}
	}
}
