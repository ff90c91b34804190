package transcode

import (
	"errors"
	"io"

	"github.com/jonas747/ogg"
)

// OggOpusReader extracts raw Opus packets from an Ogg/Opus container so
// pre-encoded audio can be sent without a decode/re-encode round trip.
// The first two Ogg packets (OpusHead, OpusTags) are metadata and are
// skipped.
type OggOpusReader struct {
	dec  *ogg.PacketDecoder
	skip int
}

func NewOggOpusReader(r io.Reader) *OggOpusReader {
	return &OggOpusReader{
		dec:  ogg.NewPacketDecoder(ogg.NewDecoder(r)),
		skip: 2,
	}
}

// Next returns the next raw Opus packet. Returns io.EOF at the end of
// the stream.
func (o *OggOpusReader) Next() ([]byte, error) {
	for {
		packet, _, err := o.dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, &Error{Op: "decode ogg packet", Err: err}
		}
		if o.skip > 0 {
			o.skip--
			continue
		}
		return packet, nil
	}
}
