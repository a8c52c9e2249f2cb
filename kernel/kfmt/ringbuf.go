package kfmt

import "io"

// ringBufferSize defines the capacity of the early print buffer; enough for a
// full memory map report. It must be a power of 2.
const ringBufferSize = 2048

// ringBuffer is a fixed-size byte FIFO that overwrites its oldest contents
// once full. It buffers Printf output until a sink is attached.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// start indexes the oldest byte; count tracks the number of buffered bytes.
	start, count int
}

// Write appends p to the buffer, discarding the oldest bytes if required.
// Write never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
		} else {
			rb.count++
		}
	}

	return len(p), nil
}

// Read moves up to len(p) of the oldest buffered bytes into p. It returns
// io.EOF once the buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := 0
	for ; n < len(p) && rb.count > 0; n++ {
		p[n] = rb.buffer[rb.start]
		rb.start = (rb.start + 1) & (ringBufferSize - 1)
		rb.count--
	}

	return n, nil
}
