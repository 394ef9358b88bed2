package stcp

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"math"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

const (
	DefaultMSS            = header.TCPDefaultMSS
	DefaultWindow         = 3072
	DefaultSendBufferSize = 3072
	DefaultAppQueueSize   = 64 * 1024
	DefaultMaxRetries     = 3

	DefaultRTO    = 1 * time.Second
	DefaultRTOMin = 200 * time.Millisecond
	DefaultRTOMax = 60 * time.Second
	DefaultLinger = 2 * time.Second
)

type Config struct {
	// MSS is the largest payload carried in one segment.
	MSS int
	// Window is the fixed receive window advertised to the peer. It also
	// sizes the application's inbound queue.
	Window int
	// SendBufferSize caps unacknowledged bytes regardless of peer window.
	SendBufferSize int
	// AppQueueSize is the capacity of the application's outbound queue.
	AppQueueSize int

	RTO        time.Duration // initial retransmission timeout
	RTOMin     time.Duration
	RTOMax     time.Duration
	MaxRetries int // consecutive expirations without progress before giving up

	// Linger keeps a closed connection around to re-ACK retransmitted FINs.
	// Negative disables it.
	Linger time.Duration

	// ISS picks the initial send sequence number; nil picks one at random.
	ISS func() uint32

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MSS <= 0 {
		c.MSS = DefaultMSS
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Window > 0xffff {
		c.Window = 0xffff
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = DefaultSendBufferSize
	}
	if c.AppQueueSize <= 0 {
		c.AppQueueSize = DefaultAppQueueSize
	}
	if c.RTO <= 0 {
		c.RTO = DefaultRTO
	}
	if c.RTOMin <= 0 {
		c.RTOMin = DefaultRTOMin
	}
	if c.RTOMax <= 0 {
		c.RTOMax = DefaultRTOMax
	}
	if c.RTOMin > c.RTOMax {
		c.RTOMin = c.RTOMax
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Linger == 0 {
		c.Linger = DefaultLinger
	}
	if c.ISS == nil {
		c.ISS = randomISS
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func randomISS() uint32 {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint32(b)
}

// ISSFromFlag maps a command-line ISS value to a generator: -1 picks at
// random, 0 through 2^32-1 is fixed, anything else is an error.
func ISSFromFlag(v int64) (func() uint32, error) {
	switch {
	case v == -1:
		return nil, nil
	case v >= 0 && v <= math.MaxUint32:
		return FixedISS(uint32(v)), nil
	}
	return nil, errors.Errorf("initial sequence number %d out of range [0, %d]", v, uint32(math.MaxUint32))
}

// FixedISS returns an ISS generator that always yields v.
func FixedISS(v uint32) func() uint32 {
	return func() uint32 { return v }
}
