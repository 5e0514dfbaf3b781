// Package demux runs the task that splits the modem's single receive stream
// into a control stream (AT replies) and a data stream (+IPD payload).
//
// The Demux is the only consumer of the byte channel's receive side and the
// only producer into the control and data queues. Control bytes are pushed
// with a bounded wait and dropped if the AT driver is not reading. Payload
// bytes are pushed with a blocking put, so a full data queue stalls the
// demultiplexer and, in turn, lets the UART receive queue overflow. That
// overflow is counted by the byte channel.
package demux

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kabili207/espat-go/core/ipd"
	"github.com/kabili207/espat-go/core/ring"
)

const (
	// DefaultPollTimeout bounds each receive so the loop notices
	// cancellation promptly.
	DefaultPollTimeout = 10 * time.Millisecond

	// DefaultControlTimeout is how long a control byte may wait for room.
	DefaultControlTimeout = 200 * time.Millisecond
)

// ErrNoQueue is returned when a Demux is built without its queues.
var ErrNoQueue = errors.New("demux needs a source, a control queue and a data queue")

// Source yields received bytes.
type Source interface {
	// Receive waits up to timeout for the next byte.
	Receive(timeout time.Duration) (byte, bool)
}

// Indicator is a binary diagnostic output, typically an LED.
type Indicator interface {
	Toggle()
}

// Config configures a Demux.
type Config struct {
	// PollTimeout is the per-receive wait. Default: 10ms.
	PollTimeout time.Duration
	// ControlTimeout is the wait for space in the control queue. Default: 200ms.
	ControlTimeout time.Duration
	// Indicator is toggled once per loop iteration. Optional.
	Indicator Indicator
	// Logger for frame events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Demux is the frame demultiplexer.
type Demux struct {
	cfg     Config
	log     *slog.Logger
	src     Source
	control *ring.Queue
	data    *ring.Queue
	parser  ipd.Parser

	counters Counters
}

// New creates a demultiplexer reading from src and writing to the given queues.
func New(src Source, control, data *ring.Queue, cfg Config) (*Demux, error) {
	if src == nil || control == nil || data == nil {
		return nil, ErrNoQueue
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = DefaultControlTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Demux{
		cfg:     cfg,
		log:     logger.WithGroup("demux"),
		src:     src,
		control: control,
		data:    data,
	}, nil
}

// Run processes received bytes until ctx is cancelled.
func (d *Demux) Run(ctx context.Context) error {
	d.log.Debug("demultiplexer running")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, ok := d.src.Receive(d.cfg.PollTimeout)
		if d.cfg.Indicator != nil {
			d.cfg.Indicator.Toggle()
		}
		if !ok {
			continue
		}

		if err := d.Process(ctx, b); err != nil {
			return err
		}
	}
}

// Process routes a single received byte. It only returns an error if ctx
// is cancelled while waiting for room in the data queue.
func (d *Demux) Process(ctx context.Context, b byte) error {
	res := d.parser.Feed(b)

	switch res.Event {
	case ipd.EventFrameStart:
		d.counters.Frames.Add(1)
		d.log.Debug("inbound frame", "length", res.Length)
	case ipd.EventMismatch:
		d.counters.Mismatches.Add(1)
	case ipd.EventMalformed:
		d.counters.Malformed.Add(1)
		d.log.Debug("malformed frame header", "header", string(res.Control))
	}

	for _, c := range res.Control {
		if d.control.PutTimeout(c, d.cfg.ControlTimeout) {
			d.counters.ControlBytes.Add(1)
			continue
		}
		d.counters.ControlDropped.Add(1)
	}

	if res.IsData {
		if err := d.data.Put(ctx, res.Data); err != nil {
			return err
		}
		d.counters.DataBytes.Add(1)
	}
	return nil
}

// Stats returns a snapshot of the demultiplexer counters.
func (d *Demux) Stats() CountersSnapshot {
	return d.counters.Snapshot()
}

// ResetStats zeroes the demultiplexer counters.
func (d *Demux) ResetStats() {
	d.counters.Reset()
}
