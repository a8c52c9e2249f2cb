package console

import (
	"testing"
	"unsafe"
)

func newTestEga(width, height uint16) (*Ega, []uint16) {
	fb := make([]uint16, int(width)*int(height))
	var cons Ega
	cons.Init(width, height, uintptr(unsafe.Pointer(&fb[0])))
	return &cons, fb
}

func TestEgaInit(t *testing.T) {
	cons, _ := newTestEga(80, 25)

	if w, h := cons.Dimensions(); w != 80 || h != 25 {
		t.Fatalf("expected console dimensions to be 80x25; got %dx%d", w, h)
	}
}

func TestEgaClear(t *testing.T) {
	specs := []struct {
		// Input rect
		x, y, w, h uint16

		// Expected area to be cleared
		expX, expY, expW, expH uint16
	}{
		{0, 0, 500, 500, 0, 0, 80, 25},
		{10, 10, 11, 50, 10, 10, 11, 15},
		{10, 10, 110, 1, 10, 10, 70, 1},
		{70, 20, 20, 20, 70, 20, 10, 5},
		{90, 25, 20, 20, 0, 0, 0, 0},
		{12, 12, 5, 6, 12, 12, 5, 6},
	}

	cons, fb := newTestEga(80, 25)

	testPat := uint16(0xDEAD)
	clearPat := uint16(clearColor<<4|clearColor)<<8 | uint16(clearChar)

nextSpec:
	for specIndex, spec := range specs {
		for i := range fb {
			fb[i] = testPat
		}

		cons.Clear(spec.x, spec.y, spec.w, spec.h)

		var x, y uint16
		for y = 0; y < 25; y++ {
			for x = 0; x < 80; x++ {
				cleared := x >= spec.expX && x < spec.expX+spec.expW && y >= spec.expY && y < spec.expY+spec.expH

				exp := testPat
				if cleared {
					exp = clearPat
				}

				if got := fb[y*80+x]; got != exp {
					t.Errorf("[spec %d] expected char at (%d, %d) to be 0x%x; got 0x%x", specIndex, x, y, exp, got)
					continue nextSpec
				}
			}
		}
	}
}

func TestEgaScroll(t *testing.T) {
	cons, fb := newTestEga(80, 25)

	setRows := func() {
		for y := uint16(0); y < 25; y++ {
			for x := uint16(0); x < 80; x++ {
				fb[y*80+x] = y
			}
		}
	}

	specs := []struct {
		dir   ScrollDir
		lines uint16
		// value expected at row y after the scroll
		exp func(y uint16) uint16
	}{
		{Up, 0, func(y uint16) uint16 { return y }},
		{Up, 30, func(y uint16) uint16 { return y }},
		{Up, 1, func(y uint16) uint16 {
			if y < 24 {
				return y + 1
			}
			return y
		}},
		{Down, 2, func(y uint16) uint16 {
			if y >= 2 {
				return y - 2
			}
			return y
		}},
	}

	for specIndex, spec := range specs {
		setRows()
		cons.Scroll(spec.dir, spec.lines)

		for y := uint16(0); y < 25; y++ {
			if got, exp := fb[y*80+40], spec.exp(y); got != exp {
				t.Errorf("[spec %d] expected row %d to contain %d; got %d", specIndex, y, exp, got)
				break
			}
		}
	}
}

func TestEgaWrite(t *testing.T) {
	cons, fb := newTestEga(80, 25)

	attr := (Black << 4) | Red
	cons.Write('!', attr, 0, 0)

	if exp := (uint16(attr) << 8) | uint16('!'); fb[0] != exp {
		t.Errorf("expected character at (0, 0) to be 0x%x; got 0x%x", exp, fb[0])
	}

	// Out of bounds writes are ignored
	cons.Write('!', attr, 80, 25)
	for i := 1; i < len(fb); i++ {
		if fb[i] != 0 {
			t.Fatalf("expected out of bounds write to be ignored; got 0x%x at offset %d", fb[i], i)
		}
	}
}
