// Package codec wraps libopus encode/decode of fixed 20 ms voice frames.
// Encoder and decoder instances carry bitstream continuity state across
// calls, so one instance serves exactly one direction of one stream and
// must never be shared between concurrent streams.
package codec

import (
	"fmt"

	"github.com/hraban/opus"

	"github.com/voicecall-lab/internal/voiceproto"
)

// FrameSize is the number of interleaved samples in one frame
// (samples per channel times channel count).
const FrameSize = voiceproto.FrameSamples * voiceproto.Channels

// maxEncodedFrame is the largest Opus packet the reference encoder can
// produce for one frame.
const maxEncodedFrame = 1275

// Frame is one fixed-duration unit of interleaved 16-bit PCM.
type Frame struct {
	PCM     []int16
	Silence bool
}

// SilenceFrame returns a zeroed frame used to mask gaps without
// destabilizing downstream state.
func SilenceFrame() Frame {
	return Frame{PCM: make([]int16, FrameSize), Silence: true}
}

// Error wraps a codec failure. Callers substitute silence and continue;
// a single bad frame is never fatal to a stream.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("codec: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Encoder compresses PCM frames to Opus.
type Encoder struct {
	enc *opus.Encoder
	buf [maxEncodedFrame]byte
}

// NewEncoder creates an encoder at the protocol's fixed rate and channel
// count, tuned for speech.
func NewEncoder(bitrate int) (*Encoder, error) {
	enc, err := opus.NewEncoder(voiceproto.SampleRate, voiceproto.Channels, opus.AppVoIP)
	if err != nil {
		return nil, &Error{Op: "new encoder", Err: err}
	}
	if bitrate > 0 {
		if err := enc.SetBitrate(bitrate); err != nil {
			return nil, &Error{Op: "set bitrate", Err: err}
		}
	}
	return &Encoder{enc: enc}, nil
}

// Encode compresses one frame. The returned slice is only valid until the
// next Encode call.
func (e *Encoder) Encode(f Frame) ([]byte, error) {
	if len(f.PCM) != FrameSize {
		return nil, &Error{Op: "encode", Err: fmt.Errorf("frame has %d samples, want %d", len(f.PCM), FrameSize)}
	}
	n, err := e.enc.Encode(f.PCM, e.buf[:])
	if err != nil {
		return nil, &Error{Op: "encode", Err: err}
	}
	return e.buf[:n], nil
}

// Decoder decompresses Opus packets from a single remote stream back to
// PCM frames.
type Decoder struct {
	dec *opus.Decoder
}

func NewDecoder() (*Decoder, error) {
	dec, err := opus.NewDecoder(voiceproto.SampleRate, voiceproto.Channels)
	if err != nil {
		return nil, &Error{Op: "new decoder", Err: err}
	}
	return &Decoder{dec: dec}, nil
}

// Decode decompresses one Opus packet. Fails on a corrupt bitstream or on
// a packet that does not carry exactly one frame duration of audio.
func (d *Decoder) Decode(data []byte) (Frame, error) {
	pcm := make([]int16, FrameSize)
	n, err := d.dec.Decode(data, pcm)
	if err != nil {
		return Frame{}, &Error{Op: "decode", Err: err}
	}
	if n != voiceproto.FrameSamples {
		return Frame{}, &Error{Op: "decode", Err: fmt.Errorf("packet decoded to %d samples/channel, want %d", n, voiceproto.FrameSamples)}
	}
	return Frame{PCM: pcm}, nil
}

// Conceal synthesizes one frame of packet-loss concealment audio, keeping
// the decoder's continuity state valid across a gap.
func (d *Decoder) Conceal() (Frame, error) {
	pcm := make([]int16, FrameSize)
	if err := d.dec.DecodePLC(pcm); err != nil {
		return Frame{}, &Error{Op: "conceal", Err: err}
	}
	return Frame{PCM: pcm, Silence: true}, nil
}
