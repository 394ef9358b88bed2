package segment

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

func TestMarshalLayout(t *testing.T) {
	s := &Segment{
		Seq:     0x01020304,
		Ack:     0x0a0b0c0d,
		Flags:   FlagSyn | FlagAck,
		Window:  3072,
		Payload: []byte("hi"),
	}
	b := s.Marshal()
	if len(b) != HeaderLen+2 {
		t.Fatalf("len = %d, want %d", len(b), HeaderLen+2)
	}
	want := []byte{
		0x01, 0x02, 0x03, 0x04,
		0x0a, 0x0b, 0x0c, 0x0d,
		0x50, 0x12,
		0x0c, 0x00,
		0, 0, 0, 0, 0, 0, 0, 0,
		'h', 'i',
	}
	if !bytes.Equal(b, want) {
		t.Fatalf("wire bytes:\n got %x\nwant %x", b, want)
	}

	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Seq != s.Seq || got.Ack != s.Ack || got.Flags != s.Flags || got.Window != s.Window {
		t.Fatalf("header mismatch: %v vs %v", got, s)
	}
	if string(got.Payload) != "hi" {
		t.Fatalf("payload = %q", got.Payload)
	}
}

func TestUnmarshalCopiesPayload(t *testing.T) {
	b := (&Segment{Seq: 7, Payload: []byte("abc")}).Marshal()
	s, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	b[HeaderLen] = 'z'
	if string(s.Payload) != "abc" {
		t.Fatalf("payload aliases input: %q", s.Payload)
	}
}

func TestUnmarshalTooShort(t *testing.T) {
	_, err := Unmarshal(make([]byte, HeaderLen-1))
	if !errors.Is(err, ErrTooShort) {
		t.Fatalf("err = %v, want ErrTooShort", err)
	}
}

func TestUnmarshalBadHeaderLength(t *testing.T) {
	b := (&Segment{}).Marshal()
	b[8] = 4 << 4
	if _, err := Unmarshal(b); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("short offset: err = %v, want ErrBadHeader", err)
	}
	b[8] = 15 << 4
	if _, err := Unmarshal(b); !errors.Is(err, ErrBadHeader) {
		t.Fatalf("long offset: err = %v, want ErrBadHeader", err)
	}
}

func TestLenCountsControlFlags(t *testing.T) {
	cases := []struct {
		s    Segment
		want uint32
	}{
		{Segment{Flags: FlagSyn}, 1},
		{Segment{Flags: FlagFin | FlagAck, Payload: make([]byte, 10)}, 11},
		{Segment{Flags: FlagAck}, 0},
		{Segment{Flags: FlagSyn | FlagFin}, 2},
	}
	for _, c := range cases {
		if got := c.s.Len(); got != c.want {
			t.Errorf("%v: Len() = %d, want %d", &c.s, got, c.want)
		}
	}
}
