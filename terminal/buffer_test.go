package terminal

import (
	"bytes"
	"testing"
	"time"

	"github.com/xiaoyuanzhu-com/devpanel/hub"
	"github.com/xiaoyuanzhu-com/devpanel/protocol"
)

func TestOutputBuffer_WrapKeepsNewest(t *testing.T) {
	b := NewOutputBuffer(8)
	if b.Snapshot() != nil {
		t.Error("expected empty snapshot before first write")
	}

	b.Write([]byte("abcde"))
	b.Write([]byte("fghij"))

	if got := string(b.Snapshot()); got != "cdefghij" {
		t.Errorf("expected cdefghij, got %q", got)
	}
	if b.Len() != 8 {
		t.Errorf("expected len 8, got %d", b.Len())
	}
	if b.Total() != 10 {
		t.Errorf("expected total 10, got %d", b.Total())
	}
}

func TestOutputBuffer_OversizedWrite(t *testing.T) {
	b := NewOutputBuffer(4)
	b.Write([]byte("0123456789"))

	if got := string(b.Snapshot()); got != "6789" {
		t.Errorf("expected 6789, got %q", got)
	}
	if b.Total() != 10 {
		t.Errorf("expected total 10, got %d", b.Total())
	}
}

func TestOutputBuffer_SnapshotStartsOnRuneBoundary(t *testing.T) {
	b := NewOutputBuffer(6)
	// "é" is two bytes; after eviction the first kept byte is a continuation byte.
	b.Write([]byte("aé"))
	b.Write([]byte("éxy"))
	b.Write([]byte("z"))

	got := b.Snapshot()
	if !bytes.Equal(got, []byte("éxyz")) {
		t.Errorf("expected %q, got %q", "éxyz", got)
	}
}

func TestSplitIncompleteRune(t *testing.T) {
	euro := []byte("€") // three bytes

	tests := []struct {
		name     string
		in       []byte
		complete string
		rest     string
	}{
		{"ascii", []byte("hello"), "hello", ""},
		{"full rune", append([]byte("a"), euro...), "a€", ""},
		{"one byte of three", append([]byte("ab"), euro[0]), "ab", string(euro[:1])},
		{"two bytes of three", append([]byte("ab"), euro[:2]...), "ab", string(euro[:2])},
		{"empty", nil, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, rest := splitIncompleteRune(tt.in)
			if string(complete) != tt.complete || string(rest) != tt.rest {
				t.Errorf("expected (%q, %q), got (%q, %q)", tt.complete, tt.rest, complete, rest)
			}
		})
	}
}

func nextOutput(t *testing.T, sub *hub.Subscriber) string {
	t.Helper()
	for {
		select {
		case ev := <-sub.Events():
			if out, ok := ev.Data.(protocol.SessionOutput); ok {
				return out.Data
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for output")
			return ""
		}
	}
}

func TestPump_CarriesSplitRuneAcrossReads(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	rec := env.createSession(t, CreateRequest{})
	conn := env.observe(t, "conn")
	if _, err := env.m.Attach("conn", rec.ID, protocol.Correlation{}); err != nil {
		t.Fatal(err)
	}

	euro := []byte("€")
	env.mem.Emit(rec.ID, append([]byte("x"), euro[0]))
	if got := nextOutput(t, conn); got != "x" {
		t.Fatalf("expected %q, got %q", "x", got)
	}
	env.mem.Emit(rec.ID, euro[1:])
	if got := nextOutput(t, conn); got != "€" {
		t.Errorf("expected %q, got %q", "€", got)
	}
}

func TestPump_ReplacesInvalidBytes(t *testing.T) {
	env, cleanup := createTestManager(t)
	defer cleanup()

	rec := env.createSession(t, CreateRequest{})
	conn := env.observe(t, "conn")
	if _, err := env.m.Attach("conn", rec.ID, protocol.Correlation{}); err != nil {
		t.Fatal(err)
	}

	env.mem.Emit(rec.ID, []byte("a\xffb"))
	want := "a�b"
	if got := nextOutput(t, conn); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	// Replay matches what live clients saw
	s, _ := env.m.lookup(rec.ID)
	if got := string(s.buf.Snapshot()); got != want {
		t.Errorf("expected buffered %q, got %q", want, got)
	}
}
