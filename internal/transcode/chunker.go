package transcode

import (
	"github.com/voicecall-lab/internal/codec"
)

// Chunker re-frames a raw little-endian 16-bit PCM byte stream into
// fixed-size frames, carrying partial frames (and odd bytes) across
// calls. The zero value is ready to use.
type Chunker struct {
	carry   []int16
	oddByte byte
	hasOdd  bool
}

const frameBytes = codec.FrameSize * 2

// Write consumes raw PCM bytes and returns every complete frame they
// yield, in order. Leftover samples are buffered for the next call.
func (c *Chunker) Write(b []byte) []codec.Frame {
	if c.hasOdd {
		b = append([]byte{c.oddByte}, b...)
		c.hasOdd = false
	}
	if len(b)%2 == 1 {
		c.oddByte = b[len(b)-1]
		c.hasOdd = true
		b = b[:len(b)-1]
	}

	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	c.carry = append(c.carry, samples...)

	var frames []codec.Frame
	for len(c.carry) >= codec.FrameSize {
		pcm := make([]int16, codec.FrameSize)
		copy(pcm, c.carry[:codec.FrameSize])
		c.carry = c.carry[codec.FrameSize:]
		frames = append(frames, codec.Frame{PCM: pcm})
	}
	return frames
}

// Flush zero-pads and returns any buffered partial frame. Reports false
// when nothing is buffered.
func (c *Chunker) Flush() (codec.Frame, bool) {
	if len(c.carry) == 0 && !c.hasOdd {
		return codec.Frame{}, false
	}
	pcm := make([]int16, codec.FrameSize)
	copy(pcm, c.carry)
	c.carry = nil
	c.hasOdd = false
	return codec.Frame{PCM: pcm}, true
}
