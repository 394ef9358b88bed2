package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/google/netstack/tcpip/buffer"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// Wire layout (20-byte header, then payload):
//
//	Byte  0-3:   Sequence Number
//	Byte  4-7:   Acknowledgment Number
//	Byte  8:     [Header Length in 32-bit words:4][Reserved:4]
//	Byte  9:     Flags (FIN=0x01, SYN=0x02, ACK=0x10)
//	Byte  10-11: Window
//	Byte  12-19: Reserved, zero on send
const (
	HeaderLen   = header.TCPMinimumSize
	HeaderWords = HeaderLen / 4
)

// Flag bits share TCP's numbering.
const (
	FlagFin uint8 = header.TCPFlagFin
	FlagSyn uint8 = header.TCPFlagSyn
	FlagAck uint8 = header.TCPFlagAck
)

var (
	ErrTooShort  = errors.New("segment too short")
	ErrBadHeader = errors.New("bad segment header")
)

type Segment struct {
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Payload buffer.View
}

func (s *Segment) HasFlag(f uint8) bool { return s.Flags&f != 0 }
func (s *Segment) SetFlag(f uint8)      { s.Flags |= f }

// Len is the amount of sequence space the segment consumes: its payload
// plus one for each of SYN and FIN.
func (s *Segment) Len() uint32 {
	n := uint32(len(s.Payload))
	if s.HasFlag(FlagSyn) {
		n++
	}
	if s.HasFlag(FlagFin) {
		n++
	}
	return n
}

func (s *Segment) String() string {
	var fl []byte
	if s.HasFlag(FlagSyn) {
		fl = append(fl, 'S')
	}
	if s.HasFlag(FlagFin) {
		fl = append(fl, 'F')
	}
	if s.HasFlag(FlagAck) {
		fl = append(fl, '.')
	}
	return fmt.Sprintf("[%s] seq=%d ack=%d win=%d len=%d", fl, s.Seq, s.Ack, s.Window, len(s.Payload))
}

// Marshal serializes the segment to wire format.
func (s *Segment) Marshal() []byte {
	buf := make([]byte, HeaderLen+len(s.Payload))
	binary.BigEndian.PutUint32(buf[0:4], s.Seq)
	binary.BigEndian.PutUint32(buf[4:8], s.Ack)
	buf[8] = HeaderWords << 4
	buf[9] = s.Flags
	binary.BigEndian.PutUint16(buf[10:12], s.Window)
	copy(buf[HeaderLen:], s.Payload)
	return buf
}

// Unmarshal parses a segment from wire bytes. The payload is copied, so
// the caller may reuse data.
func Unmarshal(data []byte) (*Segment, error) {
	if len(data) < HeaderLen {
		return nil, errors.Wrapf(ErrTooShort, "have %d bytes, need %d", len(data), HeaderLen)
	}
	off := int(data[8]>>4) * 4
	if off < HeaderLen || off > len(data) {
		return nil, errors.Wrapf(ErrBadHeader, "header length %d bytes in %d byte segment", off, len(data))
	}

	s := &Segment{
		Seq:    binary.BigEndian.Uint32(data[0:4]),
		Ack:    binary.BigEndian.Uint32(data[4:8]),
		Flags:  data[9],
		Window: binary.BigEndian.Uint16(data[10:12]),
	}
	if len(data) > off {
		s.Payload = buffer.NewViewFromBytes(data[off:])
	}
	return s, nil
}
