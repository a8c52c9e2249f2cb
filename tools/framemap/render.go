package main

import (
	"fmt"
	"image"

	"lambos/kernel/mm"
	"lambos/kernel/mm/pmm"

	"github.com/fogleman/gg"
)

const (
	gridColumns  = 128
	legendHeight = 60
	margin       = 10
)

type frameState uint8

const (
	frameUnusable frameState = iota
	frameFree
	frameOccupied
)

// stateColors holds the RGB fill color for each frameState.
var stateColors = [...][3]float64{
	frameUnusable: {0.25, 0.25, 0.25},
	frameFree:     {0.2, 0.7, 0.3},
	frameOccupied: {0.85, 0.2, 0.2},
}

func stateOf(alloc *pmm.BitmapAllocator, frame mm.Frame) frameState {
	switch {
	case alloc.IsOccupied(frame):
		return frameOccupied
	case alloc.IsUsable(frame):
		return frameFree
	default:
		return frameUnusable
	}
}

// lastUsableFrame returns the number of frames needed to cover every usable
// frame tracked by alloc.
func lastUsableFrame(alloc *pmm.BitmapAllocator) uint32 {
	for frame := mm.MaxFrames; frame > 0; frame-- {
		if alloc.IsUsable(mm.Frame(frame - 1)) {
			return frame
		}
	}
	return 0
}

// renderFrameMap draws the state of the first frameCount frames as a grid of
// cellSize pixel squares followed by a summary legend.
func renderFrameMap(alloc *pmm.BitmapAllocator, frameCount uint32, cellSize int) image.Image {
	rows := (int(frameCount) + gridColumns - 1) / gridColumns
	width := 2*margin + gridColumns*cellSize
	height := 2*margin + rows*cellSize + legendHeight

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	for frame := uint32(0); frame < frameCount; frame++ {
		col, row := int(frame)%gridColumns, int(frame)/gridColumns
		c := stateColors[stateOf(alloc, mm.Frame(frame))]

		dc.SetRGB(c[0], c[1], c[2])
		dc.DrawRectangle(
			float64(margin+col*cellSize), float64(margin+row*cellSize),
			float64(cellSize), float64(cellSize),
		)
		dc.Fill()
	}

	legendY := float64(margin + rows*cellSize + margin)
	labels := [...]string{
		frameUnusable: "unusable",
		frameFree:     "free",
		frameOccupied: "occupied",
	}

	x := float64(margin)
	for state, label := range labels {
		c := stateColors[state]
		dc.SetRGB(c[0], c[1], c[2])
		dc.DrawRectangle(x, legendY, 10, 10)
		dc.Fill()

		dc.SetRGB(0, 0, 0)
		dc.DrawString(label, x+14, legendY+10)
		w, _ := dc.MeasureString(label)
		x += 14 + w + 20
	}

	dc.SetRGB(0, 0, 0)
	dc.DrawString(
		fmt.Sprintf("frames shown: %d, usable: %d, free: %d", frameCount, alloc.UsableCount(), alloc.FreeCount()),
		float64(margin), legendY+30,
	)

	return dc.Image()
}
