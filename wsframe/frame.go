// Package wsframe implements the RFC 6455 frame codec (component A) and the
// fragment-reassembling stream reader built on top of it (component B).
//
// RFC Reference: https://datatracker.ietf.org/doc/html/rfc6455#section-5
package wsframe

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/coregx/go-socket/wsproto"
)

// Payload length encoding thresholds (RFC 6455 Section 5.2).
const (
	len7Bit  = 125 // 0-125: stored directly in the 7-bit length field
	len16Bit = 126 // 126: followed by a 16-bit extended length
	len64Bit = 127 // 127: followed by a 64-bit extended length
)

// Limits is the set of implementation-defined payload ceilings this codec
// enforces beyond what RFC 6455 mandates (the 125-byte control cap is
// mandatory and always enforced regardless of Limits).
type Limits struct {
	// MaxFramePayload caps a single data frame's payload length. Zero means
	// the default of 32 MiB.
	MaxFramePayload int64
}

const defaultMaxFramePayload = 32 * 1024 * 1024

func (l Limits) maxFramePayload() int64 {
	if l.MaxFramePayload <= 0 {
		return defaultMaxFramePayload
	}
	return l.MaxFramePayload
}

// Header is a decoded frame header: every field of RFC 6455 Section 5.2
// except the payload bytes themselves, which the caller reads separately
// via ReadPayload (data frames, streamed) or ReadControlPayload (control
// frames, always fully buffered).
type Header struct {
	Fin              bool
	RSV1, RSV2, RSV3 bool
	Opcode           wsproto.Opcode
	Masked           bool
	Mask             wsproto.MaskKey
	PayloadLen       uint64
}

// ReadHeader reads one frame header from r: the fixed 2-byte header, the
// extended length (if any), and the masking key (if MASK is set). It does
// not consume the payload.
//
// ReadHeader always accepts non-minimal length encodings (a payload of, say,
// 10 bytes sent via the 16-bit extended-length form rather than the 7-bit
// form) — RFC 6455 Section 5.2 does not require rejecting them, and this
// resolves spec.md §9 Open Question (a) in favor of the more permissive,
// interoperability-friendly reading. It does reject: reserved opcodes;
// fragmented control frames; control frames with payload over 125 bytes;
// a set-MSB 64-bit length.
func ReadHeader(r *bufio.Reader, lim Limits) (Header, error) {
	var raw [2]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, fmt.Errorf("wsframe: read header: %w", err)
	}

	h := Header{
		Fin:    raw[0]&0x80 != 0,
		RSV1:   raw[0]&0x40 != 0,
		RSV2:   raw[0]&0x20 != 0,
		RSV3:   raw[0]&0x10 != 0,
		Opcode: wsproto.Opcode(raw[0] & 0x0F),
		Masked: raw[1]&0x80 != 0,
	}

	if !h.Opcode.IsValid() {
		return Header{}, fmt.Errorf("%w: opcode 0x%X", wsproto.ErrInvalidOpcode, byte(h.Opcode))
	}
	if h.Opcode.IsControl() && !h.Fin {
		return Header{}, wsproto.ErrControlFragmented
	}

	length := uint64(raw[1] & 0x7F)
	switch length {
	case len16Bit:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Header{}, fmt.Errorf("wsframe: read extended length: %w", err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case len64Bit:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Header{}, fmt.Errorf("wsframe: read extended length: %w", err)
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length&(1<<63) != 0 {
			return Header{}, fmt.Errorf("%w: most significant bit of 64-bit length must be 0", wsproto.ErrProtocolError)
		}
	}
	h.PayloadLen = length

	if h.Opcode.IsControl() && h.PayloadLen > 125 {
		return Header{}, wsproto.ErrControlTooLarge
	}
	if !h.Opcode.IsControl() && h.PayloadLen > uint64(lim.maxFramePayload()) {
		return Header{}, fmt.Errorf("%w: %d bytes", wsproto.ErrFrameTooLarge, h.PayloadLen)
	}

	if h.Masked {
		if _, err := io.ReadFull(r, h.Mask[:]); err != nil {
			return Header{}, fmt.Errorf("wsframe: read mask: %w", err)
		}
	}

	return h, nil
}

// CheckRole validates the header's MASK bit against the direction implied
// by isServerSide: frames arriving at a server must be masked, frames
// arriving at a client must not be (RFC 6455 Section 5.1, 5.3).
func CheckRole(h Header, isServerSide bool) error {
	if isServerSide && !h.Masked {
		return wsproto.ErrMaskRequired
	}
	if !isServerSide && h.Masked {
		return wsproto.ErrMaskForbidden
	}
	return nil
}

// CheckReserved validates RSV1/RSV2/RSV3 against whether a compression
// extension was negotiated. RSV1 is repurposed as the "compressed" flag by
// permessage-deflate (spec.md §1); RSV2/RSV3 always stay zero.
func CheckReserved(h Header, deflateNegotiated bool) error {
	if h.RSV2 || h.RSV3 {
		return wsproto.ErrReservedBits
	}
	if h.RSV1 && !deflateNegotiated {
		return wsproto.ErrReservedBits
	}
	return nil
}

// ReadPayload reads exactly h.PayloadLen bytes of a frame's payload and
// unmasks it in place if h.Masked. ReadControlPayload performs the same
// read for control frames; the 125-byte control cap itself is enforced by
// ReadHeader.
func ReadPayload(r *bufio.Reader, h Header) ([]byte, error) {
	if h.PayloadLen == 0 {
		return nil, nil
	}
	buf := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("wsframe: read payload: %w", err)
	}
	if h.Masked {
		wsproto.ApplyMask(buf, h.Mask)
	}
	return buf, nil
}

// ReadControlPayload reads a control frame's payload (<=125 bytes,
// enforced by ReadHeader already) and unmasks it if needed.
func ReadControlPayload(r *bufio.Reader, h Header) ([]byte, error) {
	return ReadPayload(r, h)
}

// EncodeOptions configures Encode.
type EncodeOptions struct {
	Fin    bool
	RSV1   bool
	Opcode wsproto.Opcode
	// Mask, if non-nil, causes the frame to be masked with the given key
	// and the payload to be masked in the returned bytes. Server-emitted
	// frames must pass nil; client-emitted frames must pass a fresh key
	// (see wsproto.NewMaskKey).
	Mask *wsproto.MaskKey
}

// Encode serializes one frame: header, optional extended length, optional
// mask key, and payload (masked if Mask is set). It chooses the minimal
// length encoding (7-bit / 7+16 / 7+64) per RFC 6455 Section 5.2 and
// validates control-frame constraints before emitting.
func Encode(opts EncodeOptions, payload []byte) ([]byte, error) {
	if !opts.Opcode.IsValid() {
		return nil, fmt.Errorf("%w: opcode 0x%X", wsproto.ErrInvalidOpcode, byte(opts.Opcode))
	}
	if opts.Opcode.IsControl() {
		if !opts.Fin {
			return nil, wsproto.ErrControlFragmented
		}
		if len(payload) > 125 {
			return nil, wsproto.ErrControlTooLarge
		}
	}

	n := uint64(len(payload))
	out := make([]byte, 0, 14+len(payload))

	var b0 byte
	if opts.Fin {
		b0 |= 0x80
	}
	if opts.RSV1 {
		b0 |= 0x40
	}
	b0 |= byte(opts.Opcode) & 0x0F
	out = append(out, b0)

	var b1 byte
	if opts.Mask != nil {
		b1 |= 0x80
	}

	switch {
	case n <= len7Bit:
		out = append(out, b1|byte(n))
	case n <= 0xFFFF:
		out = append(out, b1|len16Bit)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		out = append(out, ext[:]...)
	default:
		out = append(out, b1|len64Bit)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], n)
		out = append(out, ext[:]...)
	}

	if opts.Mask != nil {
		out = append(out, opts.Mask[:]...)
	}

	if len(payload) > 0 {
		masked := make([]byte, len(payload))
		copy(masked, payload)
		if opts.Mask != nil {
			wsproto.ApplyMask(masked, *opts.Mask)
		}
		out = append(out, masked...)
	}

	return out, nil
}

// WriteFrame encodes and writes one frame to w, flushing it. If asClient
// is true a fresh masking key is drawn from crypto/rand and applied; if
// false the frame is emitted unmasked, matching the server role.
func WriteFrame(w *bufio.Writer, fin, rsv1 bool, opcode wsproto.Opcode, payload []byte, asClient bool) error {
	opts := EncodeOptions{Fin: fin, RSV1: rsv1, Opcode: opcode}
	if asClient {
		key, err := wsproto.NewMaskKey()
		if err != nil {
			return fmt.Errorf("wsframe: generate mask key: %w", err)
		}
		opts.Mask = &key
	}
	buf, err := Encode(opts, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wsframe: write frame: %w", err)
	}
	return w.Flush()
}
