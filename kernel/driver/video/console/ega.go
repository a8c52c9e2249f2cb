// Package console drives the EGA text mode framebuffer that the kernel uses
// for diagnostics.
package console

import "unsafe"

// Attr is an EGA character attribute. The low nibble selects the foreground
// color and the high nibble the background color.
type Attr uint16

// EGA palette entries.
const (
	Black Attr = iota
	Blue
	Green
	Cyan
	Red
	Magenta
	Brown
	LightGrey
	Grey
	LightBlue
	LightGreen
	LightCyan
	LightRed
	LightMagenta
	LightBrown
	White
)

// ScrollDir selects the direction in which Scroll moves the screen contents.
type ScrollDir uint8

// Scroll directions.
const (
	Up ScrollDir = iota
	Down
)

const (
	clearColor = Black
	clearChar  = byte(' ')

	// EgaFramebufferAddr is the physical address of the EGA text mode
	// framebuffer. The memory map reports it as reserved so the kernel
	// identity maps it without taking ownership of the frames.
	EgaFramebufferAddr = uintptr(0xb8000)

	// EgaWidth and EgaHeight are the dimensions of the text mode set up by
	// the boot loader.
	EgaWidth  = uint16(80)
	EgaHeight = uint16(25)
)

// Ega implements an EGA-compatible text console that writes directly to a
// text mode framebuffer.
type Ega struct {
	width  uint16
	height uint16

	fb []uint16
}

// Init sets up the console to use the framebuffer at fbAddr. The framebuffer
// must be identity mapped (or paging must be disabled) while the console is
// in use.
func (cons *Ega) Init(width, height uint16, fbAddr uintptr) {
	cons.width = width
	cons.height = height
	cons.fb = unsafe.Slice((*uint16)(unsafe.Pointer(fbAddr)), int(width)*int(height))
}

// Clear clears the specified rectangular region
func (cons *Ega) Clear(x, y, width, height uint16) {
	var (
		attr                 = uint16((clearColor << 4) | clearColor)
		clr                  = attr<<8 | uint16(clearChar)
		rowOffset, colOffset uint16
	)

	// clip rectangle
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}

	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	rowOffset = (y * cons.width) + x
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Dimensions returns the console width and height in characters.
func (cons *Ega) Dimensions() (uint16, uint16) {
	return cons.width, cons.height
}

// Scroll a particular number of lines to the specified direction.
func (cons *Ega) Scroll(dir ScrollDir, lines uint16) {
	if lines == 0 || lines > cons.height {
		return
	}

	var i uint16
	offset := lines * cons.width

	switch dir {
	case Up:
		for ; i < (cons.height-lines)*cons.width; i++ {
			cons.fb[i] = cons.fb[i+offset]
		}
	case Down:
		for i = cons.height*cons.width - 1; i >= lines*cons.width; i-- {
			cons.fb[i] = cons.fb[i-offset]
		}
	}
}

// Write a char to the specified location.
func (cons *Ega) Write(ch byte, attr Attr, x, y uint16) {
	if x >= cons.width || y >= cons.height {
		return
	}

	cons.fb[(y*cons.width)+x] = (uint16(attr) << 8) | uint16(ch)
}
