package esp8266

import (
	"log/slog"
	"time"

	"github.com/kabili207/espat-go/core/at"
	"github.com/kabili207/espat-go/device/demux"
)

// Transport defaults.
const (
	DefaultRawCapacity     = 128
	DefaultControlCapacity = 64
	DefaultDataCapacity    = 128

	DefaultRecvTimeout    = 10 * time.Millisecond
	DefaultSettleDelay    = 200 * time.Millisecond
	DefaultDrainWindow    = 200 * time.Millisecond
	DefaultReplyTimeout   = time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultTxByteTimeout  = time.Second
)

// Config holds the configuration for a Session. Zero values select the
// defaults.
type Config struct {
	// RxCapacity and TxCapacity size the raw UART queues. Default: 128.
	RxCapacity int
	TxCapacity int
	// ControlCapacity sizes the AT reply queue. Default: 64.
	ControlCapacity int
	// DataCapacity sizes the inbound payload queue. Default: 128.
	DataCapacity int

	// RecvTimeout is the per-byte wait in Recv. Default: 10ms.
	RecvTimeout time.Duration
	// SettleDelay is the pause after AT+CIPSEND before the payload is
	// written. Default: 200ms.
	SettleDelay time.Duration
	// DrainWindow is the quiet period that ends a control queue drain.
	// Default: 200ms.
	DrainWindow time.Duration
	// ReplyTimeout bounds the wait for the handshake reply. Default: 1s.
	ReplyTimeout time.Duration
	// ConnectTimeout bounds the wait for the AT+CIPSTART reply. Default: 5s.
	ConnectTimeout time.Duration
	// TxByteTimeout bounds the wait for TX queue space per byte. Default: 1s.
	TxByteTimeout time.Duration
	// ChunkSize is the largest payload per AT+CIPSEND. Default and
	// maximum: 2048.
	ChunkSize int

	// Indicator is toggled by the demultiplexer loop. Optional.
	Indicator demux.Indicator
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.RxCapacity == 0 {
		c.RxCapacity = DefaultRawCapacity
	}
	if c.TxCapacity == 0 {
		c.TxCapacity = DefaultRawCapacity
	}
	if c.ControlCapacity == 0 {
		c.ControlCapacity = DefaultControlCapacity
	}
	if c.DataCapacity == 0 {
		c.DataCapacity = DefaultDataCapacity
	}
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = DefaultRecvTimeout
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = DefaultDrainWindow
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.TxByteTimeout <= 0 {
		c.TxByteTimeout = DefaultTxByteTimeout
	}
	if c.ChunkSize <= 0 || c.ChunkSize > at.MaxSendChunk {
		c.ChunkSize = at.MaxSendChunk
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
