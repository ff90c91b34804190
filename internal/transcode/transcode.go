// Package transcode adapts arbitrary audio sources to the fixed PCM frame
// format of the voice pipeline and back, delegating format conversion to
// an external ffmpeg process. Its only real job beyond process plumbing is
// re-framing: buffering partial frames so every emitted frame carries
// exactly one frame duration of samples.
package transcode

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/voicecall-lab/internal/codec"
	"github.com/voicecall-lab/internal/voiceproto"
)

// Error wraps a transcoder failure (process failure, unsupported format).
// Always recoverable by the caller choosing a different source or
// aborting the playback request; never fatal to a voice session.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transcode: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// stderrBuf keeps the head of ffmpeg's stderr so a failed transcode can
// report the actual diagnostic, not just the exit status. Bounded: a
// chatty process cannot grow it past the limit.
type stderrBuf struct {
	buf []byte
}

const stderrLimit = 4 << 10

func (b *stderrBuf) Write(p []byte) (int, error) {
	if room := stderrLimit - len(b.buf); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		b.buf = append(b.buf, p[:room]...)
	}
	return len(p), nil
}

func (b *stderrBuf) String() string { return strings.TrimSpace(string(b.buf)) }

// wrap annotates a process error with the captured stderr, if any.
func (b *stderrBuf) wrap(err error) error {
	if msg := b.String(); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

// FrameSource is a lazy sequence of PCM frames. Next returns io.EOF when
// the sequence ends.
type FrameSource interface {
	Next() (codec.Frame, error)
}

// Bridge invokes the external transcoder. The zero value uses "ffmpeg"
// from PATH.
type Bridge struct {
	FFmpegPath string
}

func NewBridge(ffmpegPath string) *Bridge {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Bridge{FFmpegPath: ffmpegPath}
}

// ToPCM starts a transcode of source (file path or URL) into the fixed
// PCM format and returns a lazy frame sequence. Restartable only by
// re-invoking with the same source. The reader must be closed to reap
// the ffmpeg process.
func (b *Bridge) ToPCM(ctx context.Context, source string) (*PCMReader, error) {
	cmd := exec.CommandContext(ctx, b.FFmpegPath,
		"-i", source,
		"-loglevel", "error",
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(voiceproto.SampleRate),
		"-ac", strconv.Itoa(voiceproto.Channels),
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &Error{Op: "pipe ffmpeg stdout", Err: err}
	}
	stderr := &stderrBuf{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, &Error{Op: "start ffmpeg", Err: err}
	}
	return &PCMReader{cmd: cmd, out: stdout, stderr: stderr}, nil
}

// PCMReader pulls fixed-size PCM frames out of a running transcode.
type PCMReader struct {
	cmd     *exec.Cmd
	out     io.ReadCloser
	stderr  *stderrBuf
	chunker Chunker
	pending []codec.Frame
	readBuf [8192]byte
	done    bool
	reaped  bool
}

// Next returns the next full frame, zero-padding the final partial frame.
// Returns io.EOF after the source is exhausted.
func (r *PCMReader) Next() (codec.Frame, error) {
	for {
		if len(r.pending) > 0 {
			f := r.pending[0]
			r.pending = r.pending[1:]
			return f, nil
		}
		if r.done {
			return codec.Frame{}, io.EOF
		}
		n, err := r.out.Read(r.readBuf[:])
		if n > 0 {
			r.pending = r.chunker.Write(r.readBuf[:n])
		}
		if err != nil {
			r.done = true
			if err != io.EOF {
				return codec.Frame{}, &Error{Op: "read ffmpeg output", Err: r.stderr.wrap(err)}
			}
			// Output exhausted: a nonzero exit here means the source was
			// bad, which the EOF alone would silently swallow.
			r.reaped = true
			if werr := r.cmd.Wait(); werr != nil {
				return codec.Frame{}, &Error{Op: "ffmpeg", Err: r.stderr.wrap(werr)}
			}
			if tail, ok := r.chunker.Flush(); ok {
				r.pending = append(r.pending, tail)
			}
		}
	}
}

// Close tears down the transcode, killing ffmpeg if still running.
func (r *PCMReader) Close() error {
	err := r.out.Close()
	if !r.reaped {
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		_ = r.cmd.Wait()
		r.reaped = true
	}
	return err
}

// FromPCM encodes a sequence of PCM frames into the named container
// format (e.g. "ogg", "mp3"), writing the encoded output to w.
func (b *Bridge) FromPCM(ctx context.Context, src FrameSource, format string, w io.Writer) error {
	cmd := exec.CommandContext(ctx, b.FFmpegPath,
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(voiceproto.SampleRate),
		"-ac", strconv.Itoa(voiceproto.Channels),
		"-i", "pipe:0",
		"-f", format,
		"pipe:1",
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &Error{Op: "pipe ffmpeg stdin", Err: err}
	}
	cmd.Stdout = w
	stderr := &stderrBuf{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return &Error{Op: "start ffmpeg", Err: err}
	}

	feedErr := func() error {
		defer stdin.Close()
		buf := make([]byte, codec.FrameSize*2)
		for {
			f, err := src.Next()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			for i, s := range f.PCM {
				buf[i*2] = byte(s)
				buf[i*2+1] = byte(s >> 8)
			}
			if _, err := stdin.Write(buf[:len(f.PCM)*2]); err != nil {
				return &Error{Op: "write ffmpeg input", Err: err}
			}
		}
	}()

	if err := cmd.Wait(); err != nil {
		return &Error{Op: "ffmpeg", Err: stderr.wrap(err)}
	}
	return feedErr
}
