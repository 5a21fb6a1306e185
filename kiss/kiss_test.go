package kiss

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture %q: %v", s, err)
	}
	return b
}

// TestDecodeComplex decodes a single frame whose data carries both escape
// sequences (FESC TFEND and FESC TFESC).
func TestDecodeComplex(t *testing.T) {
	in := mustHex(t, "C00054DBDC4553DBDD54C0")

	frames := DecodeAll(in, nil)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.Port != 0 {
		t.Errorf("port = %d, want 0", f.Port)
	}
	if f.Command != DataFrame {
		t.Errorf("command = %s, want DATA_FRAME", f.Command)
	}
	want := mustHex(t, "54C04553DB54")
	if !bytes.Equal(f.Data, want) {
		t.Errorf("data = %x, want %x", f.Data, want)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	cases := []Frame{
		{Port: 0, Command: DataFrame, Data: []byte("hello")},
		{Port: 15, Command: DataFrame, Data: []byte{0xC0, 0xDB, 0x01, 0xC0}},
		{Port: 3, Command: TXDelay, Data: nil},
		{Port: 0, Command: Return},
		{Port: 12, Command: DataFrame, Data: []byte("type byte collides with FEND")},
	}

	for _, want := range cases {
		encoded, err := want.Marshal()
		if err != nil {
			t.Fatalf("Marshal(%+v): %v", want, err)
		}
		if encoded[0] != FEND || encoded[len(encoded)-1] != FEND {
			t.Fatalf("Marshal(%+v) = %x, missing FEND delimiters", want, encoded)
		}

		// no stray unescaped FEND inside the body
		for _, b := range encoded[1 : len(encoded)-1] {
			if b == FEND {
				t.Errorf("Marshal(%+v) = %x, stray FEND inside body", want, encoded)
			}
		}

		got := DecodeAll(encoded, nil)
		if len(got) != 1 {
			t.Fatalf("round trip of %+v produced %d frames", want, len(got))
		}
		if got[0].Port != want.Port && want.Command != Return {
			t.Errorf("round trip port = %d, want %d", got[0].Port, want.Port)
		}
		if got[0].Command != want.Command {
			t.Errorf("round trip command = %s, want %s", got[0].Command, want.Command)
		}
		if !bytes.Equal(got[0].Data, want.Data) {
			t.Errorf("round trip data = %x, want %x", got[0].Data, want.Data)
		}
	}
}

func TestFeedAcrossChunks(t *testing.T) {
	whole, err := Frame{Port: 2, Command: DataFrame, Data: []byte("split me")}.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	d := NewDecoder(nil)
	mid := len(whole) / 2
	if frames := d.Feed(whole[:mid]); len(frames) != 0 {
		t.Fatalf("partial feed produced %d frames, want 0", len(frames))
	}
	frames := d.Feed(whole[mid:])
	if len(frames) != 1 {
		t.Fatalf("completed feed produced %d frames, want 1", len(frames))
	}
	if string(frames[0].Data) != "split me" {
		t.Errorf("data = %q", frames[0].Data)
	}
}

func TestFeedSkipsEmptyRuns(t *testing.T) {
	f1, _ := Frame{Port: 0, Command: DataFrame, Data: []byte("a")}.Marshal()
	f2, _ := Frame{Port: 0, Command: DataFrame, Data: []byte("b")}.Marshal()

	// noise before the first FEND, and a run of back-to-back FENDs
	// (an empty frame) between the two real frames.
	stream := append([]byte{0x11, 0x22}, f1...)
	stream = append(stream, FEND, FEND)
	stream = append(stream, f2...)

	frames := DecodeAll(stream, nil)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	if string(frames[0].Data) != "a" || string(frames[1].Data) != "b" {
		t.Errorf("frames = %q, %q", frames[0].Data, frames[1].Data)
	}
}

func TestConstructionValidation(t *testing.T) {
	if _, err := New(16, DataFrame, nil); err != ErrInvalidPort {
		t.Errorf("port 16: err = %v, want ErrInvalidPort", err)
	}
	if _, err := New(0, Command(0x07), nil); err != ErrInvalidCommand {
		t.Errorf("bad command: err = %v, want ErrInvalidCommand", err)
	}
	if _, err := New(15, Return, nil); err != nil {
		t.Errorf("valid frame rejected: %v", err)
	}
}

func TestDanglingEscapePassesThrough(t *testing.T) {
	// type byte DATA_FRAME(0x00), data is a single dangling FESC — per
	// the decode contract this must not error, the byte is dropped.
	token := []byte{0x00, FESC}
	stream := append([]byte{FEND}, token...)
	stream = append(stream, FEND)

	frames := DecodeAll(stream, nil)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if len(frames[0].Data) != 0 {
		t.Errorf("data = %x, want empty after dangling escape drop", frames[0].Data)
	}
}
