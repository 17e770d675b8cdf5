// Package wsproto implements the server side of the RFC 6455 WebSocket
// protocol: frame codec, close codes, heartbeat timeouts, inbound rate
// limiting and the per-connection serve loop.
package wsproto

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"livebus/internal/domain"
)

// Opcode is the 4-bit frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

const (
	// MaxControlPayload is the largest payload a control frame may carry.
	MaxControlPayload = 125
	// DefaultMaxMessageSize bounds a single frame and a reassembled message.
	DefaultMaxMessageSize = 1 << 20
)

// IsControl reports whether o is CLOSE, PING or PONG.
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

// IsHeartbeat reports whether o is PING or PONG.
func (o Opcode) IsHeartbeat() bool { return o == OpPing || o == OpPong }

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "CONTINUATION"
	case OpText:
		return "TEXT"
	case OpBinary:
		return "BINARY"
	case OpClose:
		return "CLOSE"
	case OpPing:
		return "PING"
	case OpPong:
		return "PONG"
	}
	return fmt.Sprintf("OPCODE(%#x)", byte(o))
}

// Frame is a single WebSocket frame. Server frames are never masked, so the
// mask is not part of the value.
type Frame struct {
	Opcode  Opcode
	Payload []byte
	Fin     bool
	RSV1    bool
	RSV2    bool
	RSV3    bool

	seq uint64
}

// NewFrame returns a final (unfragmented) frame.
func NewFrame(op Opcode, payload []byte) Frame {
	return Frame{Opcode: op, Payload: payload, Fin: true}
}

// CloseCode is the status code carried by a CLOSE frame.
type CloseCode uint16

const (
	CloseClean                      CloseCode = 1000
	CloseGoingAway                  CloseCode = 1001
	CloseProtocolError              CloseCode = 1002
	CloseIncorrectData              CloseCode = 1003
	CloseAbnormal                   CloseCode = 1006
	CloseInconsistentData           CloseCode = 1007
	CloseMessageViolatingPolicy     CloseCode = 1008
	CloseMessageTooBig              CloseCode = 1009
	CloseExtensionNegotiationFailed CloseCode = 1010
	CloseServerError                CloseCode = 1011
	CloseRestart                    CloseCode = 1012
	CloseTryLater                   CloseCode = 1013
	CloseBadGateway                 CloseCode = 1014
	CloseSessionExpired             CloseCode = 4001
	CloseKeepAliveTimeout           CloseCode = 4002
)

var closeCodeNames = map[CloseCode]string{
	CloseClean:                      "CLEAN",
	CloseGoingAway:                  "GOING_AWAY",
	CloseProtocolError:              "PROTOCOL_ERROR",
	CloseIncorrectData:              "INCORRECT_DATA",
	CloseAbnormal:                   "ABNORMAL_CLOSURE",
	CloseInconsistentData:           "INCONSISTENT_DATA",
	CloseMessageViolatingPolicy:     "MESSAGE_VIOLATING_POLICY",
	CloseMessageTooBig:              "MESSAGE_TOO_BIG",
	CloseExtensionNegotiationFailed: "EXTENSION_NEGOTIATION_FAILED",
	CloseServerError:                "SERVER_ERROR",
	CloseRestart:                    "RESTART",
	CloseTryLater:                   "TRY_LATER",
	CloseBadGateway:                 "BAD_GATEWAY",
	CloseSessionExpired:             "SESSION_EXPIRED",
	CloseKeepAliveTimeout:           "KEEP_ALIVE_TIMEOUT",
}

func (c CloseCode) String() string {
	if name, ok := closeCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("CLOSE_CODE(%d)", uint16(c))
}

// Valid reports whether c may appear on the wire. ABNORMAL_CLOSURE is
// registered but never valid: it only describes a connection that ended
// without a CLOSE frame.
func (c CloseCode) Valid() bool {
	if c == CloseAbnormal {
		return false
	}
	if _, ok := closeCodeNames[c]; ok {
		return true
	}
	return c >= 3000 && c <= 4999
}

// IsClean reports whether the close handshake should wait for the peer's
// CLOSE after this code was sent.
func (c CloseCode) IsClean() bool {
	return c == CloseClean || c == CloseGoingAway || c == CloseRestart
}

// NewCloseFrame builds a CLOSE frame. The reason is truncated on a rune
// boundary so the payload fits a control frame.
func NewCloseFrame(code CloseCode, reason string) (Frame, error) {
	if !code.Valid() {
		return Frame{}, domain.NewDomainError("NewCloseFrame", domain.ErrInvalidCloseCode, code.String())
	}
	if limit := MaxControlPayload - 2; len(reason) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return NewFrame(OpClose, payload), nil
}

// ParseClosePayload decodes the body of a CLOSE frame. An empty body means
// a clean close.
func ParseClosePayload(p []byte) (CloseCode, string, error) {
	switch {
	case len(p) == 0:
		return CloseClean, "", nil
	case len(p) == 1:
		return 0, "", domain.NewDomainError("ParseClosePayload", domain.ErrProtocol, "truncated close code")
	}
	code := CloseCode(binary.BigEndian.Uint16(p))
	if !code.Valid() {
		return 0, "", domain.NewDomainError("ParseClosePayload", domain.ErrInvalidCloseCode, code.String())
	}
	reason := p[2:]
	if !utf8.Valid(reason) {
		return 0, "", domain.NewDomainError("ParseClosePayload", domain.ErrInvalidUTF8, "close reason")
	}
	return code, string(reason), nil
}
