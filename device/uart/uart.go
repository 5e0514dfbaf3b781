// Package uart provides the byte channel that owns the serial line to the
// modem.
//
// The channel mirrors an interrupt-driven UART driver. A receive loop plays
// the role of the receive interrupt: every byte read from the port is pushed
// onto the RX queue with HandleRx, and bytes that do not fit are dropped and
// counted. A transmit loop plays the role of the transmit-ready interrupt: it
// drains the TX queue into the port and idles while the queue is empty until
// the next enqueue re-arms it.
//
// A read or write error that the channel did not cause itself marks the line
// lost. From then on every enqueue is refused, Err reports the cause and the
// OnClosed hook, if set, is called once.
package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/espat-go/core/ring"
)

const (
	// DefaultQueueCapacity is the default size of the RX and TX queues.
	DefaultQueueCapacity = 128

	// readBufSize is the size of the port read buffer.
	readBufSize = 64
)

var (
	// ErrAlreadyStarted is returned by Start on a running channel.
	ErrAlreadyStarted = errors.New("uart channel already started")
	// ErrNoPort is returned when a channel is created without a port.
	ErrNoPort = errors.New("uart port is required")
	// ErrClosed is reported by Err once the serial line is lost.
	ErrClosed = errors.New("uart serial line lost")
)

// Config holds the configuration for a byte channel.
type Config struct {
	// RxCapacity is the RX queue size. Defaults to 128.
	RxCapacity int
	// TxCapacity is the TX queue size. Defaults to 128.
	TxCapacity int
	// OnClosed is called once, on its own goroutine, when the serial line is
	// lost. It is not called for Stop.
	OnClosed func(err error)
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Stats is a point-in-time copy of the channel counters.
type Stats struct {
	RxBytes   uint64 // Bytes accepted into the RX queue
	RxDropped uint64 // Bytes lost to RX queue overflow
	TxBytes   uint64 // Bytes written to the port
	TxErrors  uint64 // Failed port writes
}

// Channel is a bidirectional byte channel over a serial port.
type Channel struct {
	cfg  Config
	port io.ReadWriteCloser
	log  *slog.Logger
	rx   *ring.Queue
	tx   *ring.Queue

	rxBytes   atomic.Uint64
	rxDropped atomic.Uint64
	txBytes   atomic.Uint64
	txErrors  atomic.Uint64

	// queued counts bytes accepted into the TX queue and settled counts
	// bytes the TX loop has handed to the port, written or not.
	queued  atomic.Uint64
	settled atomic.Uint64

	lost      chan struct{}
	lostOnce  sync.Once
	lostCause error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a byte channel over port and allocates its queues.
func New(port io.ReadWriteCloser, cfg Config) (*Channel, error) {
	if port == nil {
		return nil, ErrNoPort
	}
	if cfg.RxCapacity == 0 {
		cfg.RxCapacity = DefaultQueueCapacity
	}
	if cfg.TxCapacity == 0 {
		cfg.TxCapacity = DefaultQueueCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rx, err := ring.New(cfg.RxCapacity)
	if err != nil {
		return nil, fmt.Errorf("allocating rx queue: %w", err)
	}
	tx, err := ring.New(cfg.TxCapacity)
	if err != nil {
		return nil, fmt.Errorf("allocating tx queue: %w", err)
	}

	return &Channel{
		cfg:  cfg,
		port: port,
		log:  cfg.Logger.WithGroup("uart"),
		rx:   rx,
		tx:   tx,
		lost: make(chan struct{}),
	}, nil
}

// Start launches the receive and transmit loops.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return ErrAlreadyStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	c.wg.Add(2)
	go c.rxLoop(loopCtx)
	go c.txLoop(loopCtx)

	c.log.Debug("byte channel started", "rx_capacity", c.rx.Cap(), "tx_capacity", c.tx.Cap())
	return nil
}

// Stop halts both loops and closes the port.
func (c *Channel) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	// Closing the port unblocks a pending Read.
	err := c.port.Close()
	c.wg.Wait()
	return err
}

// Flush waits up to timeout for every queued byte to reach the port.
// It returns false on timeout or once the line is lost.
func (c *Channel) Flush(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for c.settled.Load() < c.queued.Load() {
		if c.Err() != nil || time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

// TrySend enqueues b for transmission without blocking.
// It returns false if the TX queue is full; the caller is expected to retry.
func (c *Channel) TrySend(b byte) bool {
	if c.Err() != nil || !c.tx.TryPut(b) {
		return false
	}
	c.queued.Add(1)
	return true
}

// Send enqueues b for transmission, waiting up to timeout for space.
func (c *Channel) Send(b byte, timeout time.Duration) bool {
	if c.Err() != nil || !c.tx.PutTimeout(b, timeout) {
		return false
	}
	c.queued.Add(1)
	return true
}

// Write enqueues every byte of p, waiting up to timeout per byte.
// It returns how many bytes were accepted, which is 0 once the line is lost.
func (c *Channel) Write(p []byte, timeout time.Duration) int {
	for i, b := range p {
		if !c.Send(b, timeout) {
			return i
		}
	}
	return len(p)
}

// Err returns nil while the serial line is usable. Once it is lost the
// error wraps ErrClosed and the underlying port error.
func (c *Channel) Err() error {
	select {
	case <-c.lost:
		return fmt.Errorf("%w: %w", ErrClosed, c.lostCause)
	default:
		return nil
	}
}

// Done is closed when the serial line is lost.
func (c *Channel) Done() <-chan struct{} {
	return c.lost
}

// Receive returns the next received byte, waiting up to timeout.
func (c *Channel) Receive(timeout time.Duration) (byte, bool) {
	return c.rx.Get(timeout)
}

// HandleRx is the receive interrupt path. It never blocks: if the RX queue
// is full the byte is dropped and counted.
func (c *Channel) HandleRx(b byte) bool {
	if !c.rx.TryPut(b) {
		c.rxDropped.Add(1)
		return false
	}
	c.rxBytes.Add(1)
	return true
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	return Stats{
		RxBytes:   c.rxBytes.Load(),
		RxDropped: c.rxDropped.Load(),
		TxBytes:   c.txBytes.Load(),
		TxErrors:  c.txErrors.Load(),
	}
}

// markLost records the first line failure and notifies OnClosed.
func (c *Channel) markLost(err error) {
	c.lostOnce.Do(func() {
		c.lostCause = err
		close(c.lost)
		if c.cfg.OnClosed != nil {
			go c.cfg.OnClosed(c.Err())
		}
	})
}

// rxLoop reads the port and feeds every byte through HandleRx.
func (c *Channel) rxLoop(ctx context.Context) {
	defer c.wg.Done()

	buf := make([]byte, readBufSize)
	var lastDropped uint64

	for {
		n, err := c.port.Read(buf)
		for _, b := range buf[:n] {
			c.HandleRx(b)
		}

		if dropped := c.rxDropped.Load(); dropped != lastDropped {
			c.log.Warn("rx queue overflow, bytes dropped", "dropped", dropped-lastDropped, "total", dropped)
			lastDropped = dropped
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				c.log.Warn("serial port closed")
			} else {
				c.log.Error("serial read error", "error", err)
			}
			c.markLost(err)
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// txLoop drains the TX queue into the port. It blocks on the empty queue,
// which is the equivalent of disabling the transmit-ready interrupt.
func (c *Channel) txLoop(ctx context.Context) {
	defer c.wg.Done()

	batch := make([]byte, 0, c.tx.Cap())

	for {
		b, err := c.tx.GetContext(ctx)
		if err != nil {
			return
		}

		batch = append(batch[:0], b)
		for len(batch) < cap(batch) {
			next, ok := c.tx.Get(0)
			if !ok {
				break
			}
			batch = append(batch, next)
		}

		n, err := c.port.Write(batch)
		c.txBytes.Add(uint64(n))
		c.settled.Add(uint64(len(batch)))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.txErrors.Add(1)
			c.log.Error("serial write error", "error", err, "lost", len(batch)-n)
			c.markLost(err)
			return
		}
	}
}
