// Package esp8266 implements the byte transport over an ESP8266 modem
// running the stock AT firmware.
//
// A Session owns the serial line, the receive tasks and the connection
// lifecycle. Once started, a demultiplexer task splits everything the modem
// sends into AT replies, consumed by the command driver, and +IPD payload,
// consumed by Recv. Session implements transport.Transport.
//
// Lifecycle:
//
//	uninitialized -> queues_ready -> demux_running -> modem_ready <-> connected
//	                                                        any -> error
//
// A session in the error state refuses Connect until Reset is called.
package esp8266

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kabili207/espat-go/core/ring"
	"github.com/kabili207/espat-go/device/demux"
	"github.com/kabili207/espat-go/device/uart"
	"github.com/kabili207/espat-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Session)(nil)

// Stats is a point-in-time view of a session.
type Stats struct {
	State ConnState
	UART  uart.Stats
	Demux demux.CountersSnapshot
}

// Session is an ESP8266 transport.
type Session struct {
	cfg  Config
	log  *slog.Logger
	port io.ReadWriteCloser

	// mu serialises lifecycle changes and AT exchanges.
	mu      sync.Mutex
	state   *machine
	uart    *uart.Channel
	demux   *demux.Demux
	control *ring.Queue
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	lastErr error
	pending []transport.Event

	// data is read by Recv without holding mu.
	data atomic.Pointer[ring.Queue]

	handlerMu sync.RWMutex
	handler   transport.StateHandler
}

// New creates a session over port. Nothing is allocated and no bytes are
// exchanged until Start.
func New(port io.ReadWriteCloser, cfg Config) (*Session, error) {
	if port == nil {
		return nil, ErrNoPort
	}
	cfg = cfg.withDefaults()

	s := &Session{
		cfg:  cfg,
		log:  cfg.Logger.WithGroup("esp8266"),
		port: port,
	}
	s.state = newMachine(s.log, s.onTransition)
	return s, nil
}

// Start allocates the transport queues and starts the receive tasks. After
// a successful Start the session is in the demux_running state and ready
// for Connect.
//
// Only values are taken from ctx. The tasks run until Close, so that
// Disconnect and Close can still reach the modem after ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return ErrClosed
	}
	if s.uart != nil {
		return ErrAlreadyStarted
	}

	ch, err := uart.New(s.port, uart.Config{
		RxCapacity: s.cfg.RxCapacity,
		TxCapacity: s.cfg.TxCapacity,
		OnClosed:   s.lineLost,
		Logger:     s.cfg.Logger,
	})
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrQueueAllocation, err))
	}
	control, err := ring.New(s.cfg.ControlCapacity)
	if err != nil {
		return s.fail(fmt.Errorf("%w: control queue: %w", ErrQueueAllocation, err))
	}
	data, err := ring.New(s.cfg.DataCapacity)
	if err != nil {
		return s.fail(fmt.Errorf("%w: data queue: %w", ErrQueueAllocation, err))
	}
	if err := s.state.fire(evAllocate); err != nil {
		return err
	}

	dm, err := demux.New(ch, control, data, demux.Config{
		PollTimeout: s.cfg.RecvTimeout,
		Indicator:   s.cfg.Indicator,
		Logger:      s.cfg.Logger,
	})
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrTaskCreation, err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := ch.Start(runCtx); err != nil {
		cancel()
		return s.fail(fmt.Errorf("%w: %w", ErrTaskCreation, err))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := dm.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("demultiplexer stopped", "error", err)
		}
	}()

	s.uart = ch
	s.demux = dm
	s.control = control
	s.data.Store(data)
	s.cancel = cancel
	s.done = done

	return s.state.fire(evStartDemux)
}

// Close closes any open connection, stops the receive tasks and closes the
// serial port. A closed session cannot be restarted.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.uart == nil {
		return s.port.Close()
	}

	if s.state.Is(StateConnected) && s.uart.Err() == nil {
		if err := s.stopTCP(); err != nil {
			s.log.Warn("failed to close tcp connection", "error", err)
		}
		if !s.uart.Flush(s.cfg.TxByteTimeout) {
			s.log.Warn("transmit queue not flushed before close")
		}
	}

	s.cancel()
	err := s.uart.Stop()
	<-s.done
	s.data.Store(nil)

	if ferr := s.state.fire(evShutdown); ferr != nil {
		return ferr
	}
	return err
}

// Connect opens a TCP connection to host:port, performing the modem
// handshake first. It succeeds immediately if a connection is already open
// and fails without touching the modem before Start or in the error state.
// The reason for a refusal is available from Err.
func (s *Session) Connect(host, port string) transport.Status {
	s.mu.Lock()
	defer s.unlock()

	if !s.lineUp() {
		return transport.StatusFailure
	}
	switch s.state.Current() {
	case StateConnected:
		return transport.StatusSuccess
	case StateDemuxRunning, StateModemReady:
	case StateError:
		s.refuse("connect", ErrErrorState)
		return transport.StatusFailure
	default:
		s.refuse("connect", ErrNotReady)
		return transport.StatusFailure
	}

	if err := s.checkAT(); err != nil {
		s.fail(err)
		return transport.StatusFailure
	}
	if err := s.startTCP(host, port); err != nil {
		s.fail(err)
		return transport.StatusFailure
	}

	s.log.Info("connected", "host", host, "port", port)
	return transport.StatusSuccess
}

// Disconnect closes the TCP connection. It is accepted whenever the modem
// is ready, so calling it twice sends AT+CIPCLOSE twice.
func (s *Session) Disconnect() transport.Status {
	s.mu.Lock()
	defer s.unlock()

	if !s.lineUp() {
		return transport.StatusFailure
	}
	switch s.state.Current() {
	case StateConnected, StateModemReady:
	case StateError:
		s.refuse("disconnect", ErrErrorState)
		return transport.StatusFailure
	default:
		s.refuse("disconnect", ErrNotConnected)
		return transport.StatusFailure
	}
	if err := s.stopTCP(); err != nil {
		s.fail(err)
		return transport.StatusFailure
	}
	return transport.StatusSuccess
}

// Send writes p over the open connection in AT+CIPSEND cycles of at most
// ChunkSize bytes. It returns the number of bytes written, which is short
// if the transmit queue stalled, or -1 if there is no connection.
func (s *Session) Send(p []byte) int {
	s.mu.Lock()
	defer s.unlock()

	if !s.lineUp() || !s.state.Is(StateConnected) {
		return -1
	}

	sent := 0
	for sent < len(p) {
		chunk := p[sent:min(sent+s.cfg.ChunkSize, len(p))]
		n, err := s.sendChunk(chunk)
		sent += n
		if err != nil {
			if !s.lineUp() {
				return -1
			}
			s.log.Warn("send cut short", "error", err, "sent", sent, "total", len(p))
			break
		}
	}
	return sent
}

// Recv reads up to len(p) payload bytes. Each byte waits at most
// RecvTimeout, and the first timeout ends the read. It returns -1 before
// Start.
func (s *Session) Recv(p []byte) int {
	data := s.data.Load()
	if data == nil {
		return -1
	}

	n := 0
	for n < len(p) {
		b, ok := data.Get(s.cfg.RecvTimeout)
		if !ok {
			break
		}
		p[n] = b
		n++
	}
	return n
}

// Reset leaves the error state, discarding any queued AT replies, so that
// Connect can be retried. The demultiplexer counters start again from
// zero. It does nothing in other states, and fails once the serial line is
// lost.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.unlock()

	if !s.state.Is(StateError) {
		return nil
	}
	if s.uart == nil {
		return ErrNotReady
	}
	if err := s.uart.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrLineLost, err)
	}

	s.drainControl(s.cfg.RecvTimeout)
	s.demux.ResetStats()
	return s.state.fire(evReset)
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	return s.state.Current()
}

// Err returns the cause of the most recent failure or refused call, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stats returns the transport counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	ch, dm := s.uart, s.demux
	s.mu.Unlock()

	st := Stats{State: s.state.Current()}
	if ch != nil {
		st.UART = ch.Stats()
	}
	if dm != nil {
		st.Demux = dm.Stats()
	}
	return st
}

// SetStateHandler sets the callback for transport state changes.
func (s *Session) SetStateHandler(fn transport.StateHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = fn
}

// fail records err and moves to the error state. It returns err.
func (s *Session) fail(err error) error {
	s.lastErr = err
	s.log.Error("transport failure", "error", err)
	if ferr := s.state.fire(evFail); ferr != nil {
		s.log.Error("failed to enter error state", "error", ferr)
	}
	return err
}

// refuse records why a call was refused. In the error state the original
// failure stays reachable through the recorded error.
func (s *Session) refuse(op string, err error) {
	if errors.Is(err, ErrErrorState) && s.lastErr != nil {
		if errors.Is(s.lastErr, ErrErrorState) {
			err = s.lastErr
		} else {
			err = fmt.Errorf("%w: %w", ErrErrorState, s.lastErr)
		}
	}
	s.lastErr = err
	s.log.Warn(op+" refused", "error", err, "state", s.state.Current())
}

// lineUp reports whether the serial line is usable, moving the session to
// the error state the first time it is found lost. s.mu must be held.
func (s *Session) lineUp() bool {
	if s.uart == nil {
		return true
	}
	err := s.uart.Err()
	if err == nil {
		return true
	}
	if !errors.Is(s.lastErr, ErrLineLost) {
		s.fail(fmt.Errorf("%w: %w", ErrLineLost, err))
	}
	return false
}

// lineLost is the uart OnClosed hook.
func (s *Session) lineLost(error) {
	s.mu.Lock()
	defer s.unlock()
	if s.closed {
		return
	}
	s.lineUp()
}

// onTransition runs inside a state change, with s.mu held.
func (s *Session) onTransition(event string, from, to ConnState) {
	switch {
	case to == StateConnected:
		s.pending = append(s.pending, transport.EventConnected)
	case to == StateError:
		s.pending = append(s.pending, transport.EventError)
	case event == evClose && from == StateConnected:
		s.pending = append(s.pending, transport.EventDisconnected)
	case event == evShutdown && from == StateConnected:
		s.pending = append(s.pending, transport.EventDisconnected)
	case to == StateModemReady && event == evHandshake:
		s.pending = append(s.pending, transport.EventModemReady)
	}
}

// unlock releases s.mu and then delivers queued state events.
func (s *Session) unlock() {
	events := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(events) == 0 {
		return
	}
	s.handlerMu.RLock()
	handler := s.handler
	s.handlerMu.RUnlock()
	if handler == nil {
		return
	}
	for _, ev := range events {
		handler(s, ev)
	}
}
