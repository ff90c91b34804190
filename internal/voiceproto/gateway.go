package voiceproto

import "encoding/json"

// Voice gateway (websocket) opcodes for protocol v4.
const (
	OpIdentify           = 0
	OpSelectProtocol     = 1
	OpReady              = 2
	OpHeartbeat          = 3
	OpSessionDescription = 4
	OpSpeaking           = 5
	OpHeartbeatACK       = 6
	OpResume             = 7
	OpHello              = 8
	OpResumed            = 9
)

// GatewayVersion selects the voice websocket protocol version on dial.
const GatewayVersion = "4"

// Envelope is the outer frame of every voice gateway message.
type Envelope struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d"`
}

// Identify (op 0) authenticates the media session against the voice server
// using credentials obtained from the control-plane gateway.
type Identify struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// Hello (op 8) carries the heartbeat interval in milliseconds.
type Hello struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
}

// Ready (op 2) assigns the client SSRC and the media socket endpoint.
type Ready struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// SelectProtocol (op 1) commits to UDP and an encryption mode, reporting
// the externally visible address discovered over the media socket.
type SelectProtocol struct {
	Protocol string             `json:"protocol"`
	Data     SelectProtocolData `json:"data"`
}

type SelectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// SessionDescription (op 4) delivers the session's symmetric key.
type SessionDescription struct {
	Mode      string  `json:"mode"`
	SecretKey []uint8 `json:"secret_key"`
}

// Speaking (op 5) toggles the speaking flag for our SSRC. Must be sent at
// least once before transmitting audio.
type Speaking struct {
	Speaking int    `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}
