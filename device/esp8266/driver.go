package esp8266

import (
	"fmt"
	"time"

	"github.com/kabili207/espat-go/core/at"
)

// The AT command driver. Every function here expects s.mu to be held and
// reads only the control queue.

// checkAT disables command echo and confirms the modem answers OK.
//
// The command is written in two parts: "ATE0\r", then a drain of anything
// already queued, then "\n". The reply to the completed line is the first
// thing read afterwards.
func (s *Session) checkAT() error {
	line := at.EchoOff()
	if err := s.writeAT(line[:len(line)-1]); err != nil {
		return err
	}
	s.drainControl(s.cfg.DrainWindow)
	if err := s.writeAT(line[len(line)-1:]); err != nil {
		return err
	}

	var reply [len(at.ReplyOK)]byte
	n := s.readControl(reply[:], s.cfg.ReplyTimeout)
	if string(reply[:n]) != at.ReplyOK {
		return fmt.Errorf("%w: got %q", ErrModemHandshake, reply[:n])
	}
	return s.state.fire(evHandshake)
}

// startTCP closes any open connection and opens a new one to host:port.
// Success is judged on the first reply byte alone.
func (s *Session) startTCP(host, port string) error {
	if err := s.stopTCP(); err != nil {
		return err
	}
	if err := s.writeAT(at.TCPStart(host, port)); err != nil {
		return err
	}

	var first [1]byte
	n := s.readControl(first[:], s.cfg.ConnectTimeout)
	s.drainControl(s.cfg.RecvTimeout)
	if n == 0 || first[0] != at.ConnectPrefix {
		return fmt.Errorf("%w: %s:%s replied %q", ErrTCPStart, host, port, first[:n])
	}
	return s.state.fire(evOpen)
}

// stopTCP closes the current connection, if any. The modem's reply is
// discarded.
func (s *Session) stopTCP() error {
	if err := s.writeAT(at.TCPClose()); err != nil {
		return err
	}
	s.drainControl(s.cfg.DrainWindow)
	return s.state.fire(evClose)
}

// sendChunk performs one AT+CIPSEND cycle and returns how many payload
// bytes were queued for transmission.
func (s *Session) sendChunk(p []byte) (int, error) {
	if err := s.writeAT(at.Send(len(p))); err != nil {
		return 0, err
	}
	time.Sleep(s.cfg.SettleDelay)

	n := s.uart.Write(p, s.cfg.TxByteTimeout)
	s.drainControl(s.cfg.DrainWindow)
	if n < len(p) {
		return n, fmt.Errorf("%w: %d of %d payload bytes queued", ErrTxStalled, n, len(p))
	}
	return n, nil
}

// writeAT queues a command for transmission.
func (s *Session) writeAT(cmd []byte) error {
	if n := s.uart.Write(cmd, s.cfg.TxByteTimeout); n < len(cmd) {
		return fmt.Errorf("%w: wrote %d of %q", ErrTxStalled, n, cmd)
	}
	return nil
}

// readControl fills buf from the control queue until it is full or timeout
// elapses, and returns the number of bytes read.
func (s *Session) readControl(buf []byte, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	n := 0
	for n < len(buf) {
		left := time.Until(deadline)
		if left <= 0 {
			break
		}
		b, ok := s.control.Get(left)
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	return n
}

// drainControl discards control bytes until none arrive for window.
func (s *Session) drainControl(window time.Duration) int {
	n := 0
	for {
		if _, ok := s.control.Get(window); !ok {
			if n > 0 {
				s.log.Debug("discarded control bytes", "count", n)
			}
			return n
		}
		n++
	}
}
