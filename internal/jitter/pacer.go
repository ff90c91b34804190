package jitter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/voicecall-lab/internal/voiceproto"
)

// Pacer smooths outbound send timing. Producers enqueue encoded frames
// into a small bounded queue; Pace releases one frame per tick of a
// steady clock. When a live producer cannot keep up, silence frames are
// substituted rather than stalling the pacing clock, keeping remote
// playback continuous.
type Pacer struct {
	queue           chan []byte
	streaming       atomic.Int32
	silenceInserted atomic.Int64
}

// DefaultDepth is the outbound queue depth in frames. Two to four frames
// absorbs bursty scheduling without adding noticeable latency.
const DefaultDepth = 4

func NewPacer(depth int) *Pacer {
	if depth < 1 {
		depth = DefaultDepth
	}
	return &Pacer{queue: make(chan []byte, depth)}
}

// Offer blocks until the frame is queued or ctx is done. Backpressure
// here is what keeps the producer aligned with the pacing clock.
func (p *Pacer) Offer(ctx context.Context, frame []byte) error {
	select {
	case p.queue <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BeginStream marks a producer as active. While any producer is active,
// a tick with an empty queue inserts silence instead of going quiet.
func (p *Pacer) BeginStream() { p.streaming.Add(1) }

// EndStream marks a producer as finished.
func (p *Pacer) EndStream() { p.streaming.Add(-1) }

// Streaming reports whether any producer is active.
func (p *Pacer) Streaming() bool { return p.streaming.Load() > 0 }

// Len returns the number of queued frames.
func (p *Pacer) Len() int { return len(p.queue) }

// SilenceInserted returns how many silence frames have been substituted
// for stalled producers.
func (p *Pacer) SilenceInserted() int64 { return p.silenceInserted.Load() }

// Pace releases frames to emit at the tick cadence. emit receives the
// frame and whether it is substituted silence. On cancellation the queue
// is drained deterministically, one frame per tick, before returning.
//
// The tick source is injected so the session owns the real timer and
// tests can drive the loop with a fake clock.
func (p *Pacer) Pace(ctx context.Context, ticks <-chan time.Time, emit func(frame []byte, silence bool) error) error {
	for {
		select {
		case <-ctx.Done():
			return p.drain(ticks, emit)
		case <-ticks:
			// A tick racing the cancellation must not emit live audio.
			if ctx.Err() != nil {
				return p.drain(ticks, emit)
			}
			select {
			case frame := <-p.queue:
				if err := emit(frame, false); err != nil {
					return err
				}
			default:
				if p.Streaming() {
					p.silenceInserted.Add(1)
					if err := emit(voiceproto.SilenceFrame, true); err != nil {
						return err
					}
				}
			}
		}
	}
}

// drain flushes already-queued frames at the tick cadence. Bounded by the
// queue length at cancellation time, so teardown completes within a fixed
// number of intervals.
func (p *Pacer) drain(ticks <-chan time.Time, emit func([]byte, bool) error) error {
	remaining := len(p.queue)
	for i := 0; i < remaining; i++ {
		<-ticks
		select {
		case frame := <-p.queue:
			if err := emit(frame, false); err != nil {
				return err
			}
		default:
			return nil
		}
	}
	return nil
}
