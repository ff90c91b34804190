// Package jitter implements the two timing buffers of the voice pipeline:
// a per-speaker inbound reorder window and an outbound pacer that releases
// frames at the fixed frame interval.
//
// The bounded-reorder plus fill-on-gap policy here is the central
// correctness/latency tradeoff of the whole pipeline: a deeper window
// tolerates more network reordering at the cost of added playback latency.
package jitter

import (
	"time"
)

const (
	ringSize = 16 // must be a power of 2
	ringMask = ringSize - 1

	// staleAfter is how long an inbound stream may be silent before Pop
	// stops fabricating gap frames and reports the stream as idle.
	staleAfter = 120 * time.Millisecond
)

type slot struct {
	opus []byte
	seq  uint16
	set  bool
}

// Inbound reorders packets from one remote speaker by sequence number.
// Not safe for concurrent use; the session's decode tick is the sole
// reader and synchronizes externally.
type Inbound struct {
	ring     [ringSize]slot
	nextPlay uint16
	primed   bool
	count    int
	depth    int
	lastPush time.Time
}

// NewInbound creates a reorder buffer that primes after depth frames.
// A depth of 3 adds ~60 ms latency and tolerates reordering within that
// window.
func NewInbound(depth int) *Inbound {
	if depth < 1 {
		depth = 1
	}
	if depth > ringSize/2 {
		depth = ringSize / 2
	}
	return &Inbound{depth: depth}
}

// Push inserts a received packet. It reports false when the packet was
// dropped as late (already played past) or as a duplicate.
func (b *Inbound) Push(seq uint16, opus []byte, now time.Time) bool {
	b.lastPush = now
	idx := int(seq) & ringMask

	if !b.primed {
		if b.count == 0 {
			b.nextPlay = seq
		}
		if b.ring[idx].set && b.ring[idx].seq == seq {
			return false
		}
		b.ring[idx] = slot{opus: opus, seq: seq, set: true}
		b.count++
		if b.count >= b.depth {
			b.primed = true
		}
		return true
	}

	// Signed distance from the playback cursor: positive = ahead.
	dist := int16(seq - b.nextPlay)
	if dist < 0 {
		return false
	}
	if int(dist) >= ringSize {
		// Far ahead of expectation: sender restart or a gap longer than
		// the ring. Re-anchor and prime again.
		*b = Inbound{depth: b.depth, nextPlay: seq, count: 1, lastPush: now}
		b.ring[idx] = slot{opus: opus, seq: seq, set: true}
		b.primed = b.count >= b.depth
		return true
	}
	if b.ring[idx].set && b.ring[idx].seq == seq {
		return false
	}
	b.ring[idx] = slot{opus: opus, seq: seq, set: true}
	return true
}

// Pop emits the next frame in sequence order. A nil payload with ok=true
// signals a gap the caller should conceal with a synthesized frame.
// ok=false means there is nothing to play right now: the stream is
// unprimed, underrun, or idle past the stale window.
func (b *Inbound) Pop(now time.Time) (opus []byte, ok bool) {
	if !b.primed {
		return nil, false
	}
	idx := int(b.nextPlay) & ringMask
	if b.ring[idx].set && b.ring[idx].seq == b.nextPlay {
		opus = b.ring[idx].opus
		b.ring[idx] = slot{}
		b.nextPlay++
		return opus, true
	}
	if now.Sub(b.lastPush) > staleAfter {
		return nil, false
	}
	if !b.hasAhead() {
		// Underrun, not a gap: nothing newer is buffered, so wait for
		// the network instead of fabricating audio.
		return nil, false
	}
	b.ring[idx] = slot{}
	b.nextPlay++
	return nil, true
}

func (b *Inbound) hasAhead() bool {
	for i := 1; i < ringSize; i++ {
		idx := int(b.nextPlay+uint16(i)) & ringMask
		if b.ring[idx].set {
			return true
		}
	}
	return false
}

// Idle reports whether the stream has received nothing for at least d.
func (b *Inbound) Idle(now time.Time, d time.Duration) bool {
	return !b.lastPush.IsZero() && now.Sub(b.lastPush) >= d
}

// Reset clears all buffered state.
func (b *Inbound) Reset() {
	*b = Inbound{depth: b.depth}
}
