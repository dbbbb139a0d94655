package relay

import "unicode/utf8"

// Frame types exchanged over a relay socket.
const (
	TypeInput  = "input"
	TypeResize = "resize"
	TypePing   = "ping"

	TypeOutput     = "output"
	TypeError      = "error"
	TypeDisconnect = "disconnect"
	TypePong       = "pong"
)

// Error codes carried by error frames.
const (
	CodeNotFound     = "not_found"
	CodeChannelError = "channel_error"
	CodeBadFrame     = "bad_frame"
	CodeUnknownType  = "unknown_type"
	CodeRateLimited  = "rate_limited"
	CodeTooLarge     = "too_large"
)

// Frame is a single JSON message in either direction. Which fields are set
// depends on Type.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code,omitempty"`
}

func errorFrame(sessionID, code, msg string) Frame {
	return Frame{Type: TypeError, SessionID: sessionID, Error: msg, Code: code}
}

// splitUTF8 returns the longest prefix of b that does not end inside a
// multi-byte rune, and the incomplete tail.
func splitUTF8(b []byte) (complete, rest []byte) {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if !utf8.RuneStart(b[len(b)-i]) {
			continue
		}
		if !utf8.FullRune(b[len(b)-i:]) {
			return b[:len(b)-i], b[len(b)-i:]
		}
		break
	}
	return b, nil
}
