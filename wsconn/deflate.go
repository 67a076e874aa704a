package wsconn

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
)

// FlateCompressor implements Compressor over the standard library's
// compress/flate, the permessage-deflate extension's external collaborator
// (spec.md §1). It follows RFC 7692 Section 7.2.1/7.2.2's trim-then-pad
// convention: Deflate strips the trailing 0x00 0x00 0xff 0xff sync-flush
// marker that flate.Writer.Flush always emits (it is implied on the
// wire), and Inflate appends it back (plus a final empty stored block) so
// flate.Reader does not report an unexpected EOF, the same trick
// nats-server's WebSocket transport uses.
//
// FlateCompressor is not safe for concurrent use; wsconn.Conn only ever
// calls Deflate/Inflate from its single writer/receive tasks respectively,
// so one FlateCompressor per Conn is sufficient.
type FlateCompressor struct {
	level int
	w     *flate.Writer
	r     io.ReadCloser
	rbuf  *bytes.Buffer
}

// deflateSyncFlushTail is the 4-byte marker RFC 7692 §7.2.1 says a
// compressor's Flush always appends and a decompressor must reintroduce.
var deflateSyncFlushTail = []byte{0x00, 0x00, 0xff, 0xff}

// deflateFinalBlock is an empty stored block flate accepts as EOF, added
// after the sync-flush tail so flate.Reader terminates cleanly instead of
// reporting io.ErrUnexpectedEOF (RFC 7692 §7.2.2).
var deflateFinalBlock = []byte{0x01, 0x00, 0x00, 0xff, 0xff}

// NewFlateCompressor creates a Compressor at the given compression level
// (flate.DefaultCompression if level is 0).
func NewFlateCompressor(level int) *FlateCompressor {
	if level == 0 {
		level = flate.DefaultCompression
	}
	return &FlateCompressor{level: level}
}

// Deflate compresses payload and strips the trailing sync-flush marker.
func (c *FlateCompressor) Deflate(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if c.w == nil {
		w, err := flate.NewWriter(&buf, c.level)
		if err != nil {
			return nil, fmt.Errorf("wsconn: new flate writer: %w", err)
		}
		c.w = w
	} else {
		c.w.Reset(&buf)
	}

	if _, err := c.w.Write(payload); err != nil {
		return nil, fmt.Errorf("wsconn: deflate write: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return nil, fmt.Errorf("wsconn: deflate flush: %w", err)
	}

	out := buf.Bytes()
	return bytes.TrimSuffix(out, deflateSyncFlushTail), nil
}

// Inflate decompresses payload, reintroducing the sync-flush marker and
// a final block flate.Reader requires to terminate without error.
func (c *FlateCompressor) Inflate(payload []byte) ([]byte, error) {
	padded := make([]byte, 0, len(payload)+len(deflateSyncFlushTail)+len(deflateFinalBlock))
	padded = append(padded, payload...)
	padded = append(padded, deflateSyncFlushTail...)
	padded = append(padded, deflateFinalBlock...)

	if c.rbuf == nil {
		c.rbuf = bytes.NewBuffer(padded)
		c.r = flate.NewReader(c.rbuf)
	} else {
		c.rbuf.Reset()
		c.rbuf.Write(padded)
		if resetter, ok := c.r.(flate.Resetter); ok {
			if err := resetter.Reset(c.rbuf, nil); err != nil {
				return nil, fmt.Errorf("wsconn: reset flate reader: %w", err)
			}
		}
	}

	out, err := io.ReadAll(c.r)
	if err != nil {
		return nil, fmt.Errorf("wsconn: inflate: %w", err)
	}
	return out, nil
}
