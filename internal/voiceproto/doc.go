// Package voiceproto pins the on-wire constants and byte layouts of the
// Discord voice protocol (v4). Audio is 48 kHz 2-channel Opus in 20 ms
// frames. Media packets carry a 12-byte RTP-style header followed by an
// xsalsa20_poly1305 sealed payload; the nonce is the header right-padded
// to 24 bytes.
//
// Everything here must stay bit-exact with the published protocol: any
// deviation is silently rejected by the remote voice server.
package voiceproto
