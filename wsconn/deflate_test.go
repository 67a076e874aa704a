package wsconn

import (
	"bytes"
	"testing"
	"time"

	"github.com/coregx/go-socket/wsframe"
	"github.com/coregx/go-socket/wsproto"
)

func TestFlateCompressorRoundTrip(t *testing.T) {
	c := NewFlateCompressor(0)

	for _, want := range [][]byte{
		[]byte("hello, websocket"),
		[]byte(""),
		bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200),
	} {
		compressed, err := c.Deflate(want)
		if err != nil {
			t.Fatalf("Deflate: %v", err)
		}
		got, err := c.Inflate(compressed)
		if err != nil {
			t.Fatalf("Inflate: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("round trip = %q, want %q", got, want)
		}
	}
}

func TestFlateCompressorReusedAcrossMessages(t *testing.T) {
	// A single Conn uses one FlateCompressor for its whole lifetime, so
	// Deflate/Inflate must tolerate repeated calls, not just one each.
	c := NewFlateCompressor(0)
	messages := []string{"first", "second, a bit longer", "third"}

	for _, want := range messages {
		compressed, err := c.Deflate([]byte(want))
		if err != nil {
			t.Fatalf("Deflate(%q): %v", want, err)
		}
		got, err := c.Inflate(compressed)
		if err != nil {
			t.Fatalf("Inflate(%q): %v", want, err)
		}
		if string(got) != want {
			t.Fatalf("round trip = %q, want %q", got, want)
		}
	}
}

// TestConnInflatesCompressedTextMessage drives a compressed rsv1 frame
// through a real server-role Conn end to end, confirming dispatchData's
// inflate-then-validate-UTF-8 path (not just the FlateCompressor in
// isolation).
func TestConnInflatesCompressedTextMessage(t *testing.T) {
	s := newServerHarness(t, Options{
		DeflateNegotiated: true,
		Compressor:        NewFlateCompressor(0),
	})
	<-s.handler.opened

	enc := NewFlateCompressor(0)
	compressed, err := enc.Deflate([]byte("hello, compressed world"))
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}

	key, err := wsproto.NewMaskKey()
	if err != nil {
		t.Fatalf("NewMaskKey: %v", err)
	}
	s.sendRaw(t, wsframe.EncodeOptions{Fin: true, RSV1: true, Opcode: wsproto.OpText, Mask: &key}, compressed)

	select {
	case msg := <-s.handler.messages:
		if msg.opcode != wsproto.OpText || string(msg.data) != "hello, compressed world" {
			t.Fatalf("message = %+v, want inflated text", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("OnMessage not called")
	}
}

func TestConnInflatesCompressedBinaryMessage(t *testing.T) {
	s := newServerHarness(t, Options{
		DeflateNegotiated: true,
		Compressor:        NewFlateCompressor(0),
	})
	<-s.handler.opened

	enc := NewFlateCompressor(0)
	want := bytes.Repeat([]byte{0x01, 0x02, 0x03}, 100)
	compressed, err := enc.Deflate(want)
	if err != nil {
		t.Fatalf("Deflate: %v", err)
	}

	key, err := wsproto.NewMaskKey()
	if err != nil {
		t.Fatalf("NewMaskKey: %v", err)
	}
	s.sendRaw(t, wsframe.EncodeOptions{Fin: true, RSV1: true, Opcode: wsproto.OpBinary, Mask: &key}, compressed)

	select {
	case msg := <-s.handler.messages:
		if msg.opcode != wsproto.OpBinary || !bytes.Equal(msg.data, want) {
			t.Fatalf("message = opcode=%v len(data)=%d, want inflated binary", msg.opcode, len(msg.data))
		}
	case <-time.After(time.Second):
		t.Fatal("OnMessage not called")
	}
}

func TestConnRSV1WithoutCompressorClosesProtocolError(t *testing.T) {
	s := newServerHarness(t, Options{WaitTime: time.Second, DeflateNegotiated: true})
	<-s.handler.opened

	key, err := wsproto.NewMaskKey()
	if err != nil {
		t.Fatalf("NewMaskKey: %v", err)
	}
	s.sendRaw(t, wsframe.EncodeOptions{Fin: true, RSV1: true, Opcode: wsproto.OpText, Mask: &key}, []byte{0x00})

	h := s.readFrame(t)
	if h.Opcode != wsproto.OpClose {
		t.Fatalf("opcode = %v, want Close", h.Opcode)
	}
	payload, err := wsframe.ReadPayload(s.peerBR, h)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}
	if len(payload) < 2 {
		t.Fatal("close payload missing status code")
	}
	code := wsproto.CloseCode(uint16(payload[0])<<8 | uint16(payload[1]))
	if code != wsproto.CloseProtocolError {
		t.Fatalf("close code = %d, want %d", code, wsproto.CloseProtocolError)
	}
}
