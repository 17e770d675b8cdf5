package wsproto

import (
	"encoding/binary"
	"fmt"
	"io"

	"livebus/internal/domain"
)

const (
	finBit  = 0x80
	rsv1Bit = 0x40
	rsv2Bit = 0x20
	rsv3Bit = 0x10
	maskBit = 0x80
)

// ReadFrame decodes one client frame from r. Client frames must be masked;
// the returned payload is already unmasked. maxSize <= 0 selects
// DefaultMaxMessageSize.
func ReadFrame(r io.Reader, maxSize int) (Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}
	var hdr [8]byte
	if err := readFull(r, hdr[:2]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Opcode: Opcode(hdr[0] & 0x0F),
		Fin:    hdr[0]&finBit != 0,
		RSV1:   hdr[0]&rsv1Bit != 0,
		RSV2:   hdr[0]&rsv2Bit != 0,
		RSV3:   hdr[0]&rsv3Bit != 0,
	}
	masked := hdr[1]&maskBit != 0
	length := uint64(hdr[1] & 0x7F)

	if f.RSV1 || f.RSV2 || f.RSV3 {
		return Frame{}, protocolError("reserved bits must be unset")
	}
	if !f.Opcode.valid() {
		return Frame{}, protocolError("unknown opcode " + f.Opcode.String())
	}
	if !masked {
		return Frame{}, protocolError("client frames must be masked")
	}
	if f.Opcode.IsControl() {
		if !f.Fin {
			return Frame{}, protocolError("control frames cannot be fragmented")
		}
		if length > MaxControlPayload {
			return Frame{}, protocolError("control frame payload exceeds 125 bytes")
		}
	}

	switch length {
	case 126:
		if err := readFull(r, hdr[:2]); err != nil {
			return Frame{}, err
		}
		length = uint64(binary.BigEndian.Uint16(hdr[:2]))
	case 127:
		if err := readFull(r, hdr[:8]); err != nil {
			return Frame{}, err
		}
		length = binary.BigEndian.Uint64(hdr[:8])
		if length>>63 != 0 {
			return Frame{}, protocolError("payload length has the most significant bit set")
		}
	}
	if length > uint64(maxSize) {
		return Frame{}, domain.NewDomainError("ReadFrame", domain.ErrPayloadTooLarge,
			fmt.Sprintf("%d bytes exceeds %d", length, maxSize))
	}

	var key [4]byte
	if err := readFull(r, key[:]); err != nil {
		return Frame{}, err
	}
	f.Payload = make([]byte, length)
	if err := readFull(r, f.Payload); err != nil {
		return Frame{}, err
	}
	maskBytes(key, f.Payload)
	return f, nil
}

// WriteFrame encodes a server frame to w. Server frames are never masked.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := AppendFrame(nil, f, nil)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// AppendFrame appends the wire encoding of f to dst. A non-nil mask masks the
// payload the way a client would.
func AppendFrame(dst []byte, f Frame, mask *[4]byte) ([]byte, error) {
	if f.Opcode.IsControl() && len(f.Payload) > MaxControlPayload {
		return dst, domain.NewDomainError("AppendFrame", domain.ErrProtocol, "control frame payload exceeds 125 bytes")
	}

	b0 := byte(f.Opcode) & 0x0F
	if f.Fin {
		b0 |= finBit
	}
	if f.RSV1 {
		b0 |= rsv1Bit
	}
	if f.RSV2 {
		b0 |= rsv2Bit
	}
	if f.RSV3 {
		b0 |= rsv3Bit
	}
	var b1 byte
	if mask != nil {
		b1 = maskBit
	}

	n := len(f.Payload)
	switch {
	case n < 126:
		dst = append(dst, b0, b1|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if mask == nil {
		return append(dst, f.Payload...), nil
	}
	dst = append(dst, mask[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	maskBytes(*mask, dst[start:])
	return dst, nil
}

// maskBytes XORs b in place with the cycling 4-byte key.
func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}

func readFull(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectionClosed, err)
	}
	return nil
}

func protocolError(detail string) error {
	return domain.NewDomainError("ReadFrame", domain.ErrProtocol, detail)
}
