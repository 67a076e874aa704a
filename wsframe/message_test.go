package wsframe

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/coregx/go-socket/wsproto"
)

func clientFrame(t *testing.T, fin bool, opcode wsproto.Opcode, payload []byte) []byte {
	t.Helper()
	key := wsproto.MaskKey{0xDE, 0xAD, 0xBE, 0xEF}
	buf, err := Encode(EncodeOptions{Fin: fin, Opcode: opcode, Mask: &key}, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf
}

func TestFragmentedBinaryReassembly(t *testing.T) {
	// spec.md §8 scenario 3: 300-byte binary split at 150.
	full := make([]byte, 300)
	for i := range full {
		full[i] = byte(i)
	}

	var wire bytes.Buffer
	wire.Write(clientFrame(t, false, wsproto.OpBinary, full[:150]))
	wire.Write(clientFrame(t, true, wsproto.OpContinuation, full[150:]))

	sr := NewStreamReader(bufio.NewReader(&wire), true, false, Limits{}, nil)
	msg, err := sr.NextMessage()
	if err != nil {
		t.Fatalf("NextMessage: %v", err)
	}
	if msg.Opcode != wsproto.OpBinary {
		t.Fatalf("opcode = %v, want Binary", msg.Opcode)
	}
	got, err := msg.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, full) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d bytes", len(got), len(full))
	}
}

func TestStrayContinuationIsProtocolError(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(clientFrame(t, true, wsproto.OpContinuation, []byte("oops")))

	sr := NewStreamReader(bufio.NewReader(&wire), true, false, Limits{}, nil)
	_, err := sr.NextMessage()
	if err != wsproto.ErrUnexpectedContinuation {
		t.Fatalf("error = %v, want ErrUnexpectedContinuation", err)
	}
}

func TestInterleavedControlFrameDuringFragmentation(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(clientFrame(t, false, wsproto.OpText, []byte("hel")))
	wire.Write(clientFrame(t, true, wsproto.OpPing, []byte{0xDE, 0xAD}))
	wire.Write(clientFrame(t, true, wsproto.OpContinuation, []byte("lo")))

	var seenPings [][]byte
	sr := NewStreamReader(bufio.NewReader(&wire), true, false, Limits{}, func(op wsproto.Opcode, payload []byte) error {
		if op == wsproto.OpPing {
			seenPings = append(seenPings, payload)
		}
		return nil
	})

	msg, err := sr.NextMessage()
	if err != nil {
		t.Fatalf("NextMessage: %v", err)
	}
	data, err := msg.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("reassembled text = %q, want %q", data, "hello")
	}
	if len(seenPings) != 1 || !bytes.Equal(seenPings[0], []byte{0xDE, 0xAD}) {
		t.Fatalf("expected exactly one interleaved ping payload, got %v", seenPings)
	}
}

func TestEmptyTextMessageIsValid(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(clientFrame(t, true, wsproto.OpText, nil))

	sr := NewStreamReader(bufio.NewReader(&wire), true, false, Limits{}, nil)
	msg, err := sr.NextMessage()
	if err != nil {
		t.Fatalf("NextMessage: %v", err)
	}
	data, err := msg.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(data))
	}
}

func TestInvalidUTF8ClosesWithInconsistentData(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(clientFrame(t, true, wsproto.OpText, []byte{0xff, 0xfe, 0xfd}))

	sr := NewStreamReader(bufio.NewReader(&wire), true, false, Limits{}, nil)
	msg, err := sr.NextMessage()
	if err != nil {
		t.Fatalf("NextMessage: %v", err)
	}
	if _, err := msg.ReadAll(); err != wsproto.ErrInvalidUTF8 {
		t.Fatalf("ReadAll error = %v, want ErrInvalidUTF8", err)
	}
}

func TestNextMessageDiscardsUnreadPrevious(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(clientFrame(t, true, wsproto.OpBinary, bytes.Repeat([]byte{1}, 200)))
	wire.Write(clientFrame(t, true, wsproto.OpText, []byte("second")))

	sr := NewStreamReader(bufio.NewReader(&wire), true, false, Limits{}, nil)
	first, err := sr.NextMessage()
	if err != nil {
		t.Fatalf("NextMessage: %v", err)
	}
	small := make([]byte, 4)
	if _, err := first.Read(small); err != nil {
		t.Fatalf("partial Read: %v", err)
	}

	second, err := sr.NextMessage()
	if err != nil {
		t.Fatalf("second NextMessage: %v", err)
	}
	data, err := second.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "second" {
		t.Fatalf("second message = %q, want %q", data, "second")
	}
}

func TestControlMessageReadIsBuffered(t *testing.T) {
	var wire bytes.Buffer
	wire.Write(clientFrame(t, true, wsproto.OpPing, []byte{0xDE, 0xAD}))

	sr := NewStreamReader(bufio.NewReader(&wire), true, false, Limits{}, nil)
	msg, err := sr.NextMessage()
	if err != nil {
		t.Fatalf("NextMessage: %v", err)
	}
	if msg.Opcode != wsproto.OpPing {
		t.Fatalf("opcode = %v, want Ping", msg.Opcode)
	}
	data, err := io.ReadAll(msg)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(data, []byte{0xDE, 0xAD}) {
		t.Fatalf("ping payload = % X, want DE AD", data)
	}
}
