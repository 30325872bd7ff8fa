package network

import (
	"bytes"

	"peerlink/protocol"
)

// FrameAccumulator splits a byte stream on the packet delimiter and keeps
// the trailing partial frame for the next Feed.
type FrameAccumulator struct {
	buf        []byte
	max        int
	discarding bool
}

// NewFrameAccumulator bounds the partial frame at max bytes; max <= 0
// disables the bound.
func NewFrameAccumulator(max int) *FrameAccumulator {
	return &FrameAccumulator{max: max}
}

// Feed appends data and returns all complete frames in stream order,
// without delimiters. Blank frames are skipped. When a partial frame grows
// past the bound it is discarded up to its delimiter and ErrFrameTooLarge is
// returned alongside any frames found.
func (f *FrameAccumulator) Feed(data []byte) ([][]byte, error) {
	var (
		frames   [][]byte
		overflow error
	)

	for len(data) > 0 {
		idx := bytes.IndexByte(data, protocol.Delimiter)
		if idx < 0 {
			if !f.discarding {
				f.buf = append(f.buf, data...)
				if f.max > 0 && len(f.buf) > f.max {
					f.buf = nil
					f.discarding = true
					overflow = ErrFrameTooLarge
				}
			}
			break
		}

		segment := data[:idx]
		data = data[idx+1:]

		if f.discarding {
			f.discarding = false
			continue
		}

		var frame []byte
		if len(f.buf) > 0 {
			frame = append(f.buf, segment...)
			f.buf = nil
		} else {
			frame = append([]byte(nil), segment...)
		}
		if f.max > 0 && len(frame) > f.max {
			overflow = ErrFrameTooLarge
			continue
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		frames = append(frames, frame)
	}

	return frames, overflow
}

// Pending returns a copy of the buffered partial frame.
func (f *FrameAccumulator) Pending() []byte {
	return append([]byte(nil), f.buf...)
}
