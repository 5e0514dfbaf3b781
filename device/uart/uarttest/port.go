// Package uarttest provides a scripted in-memory serial port for tests.
//
// A Port records everything written to it and plays back canned modem
// replies whenever a trigger string appears in the written stream. Reads
// block like a real serial port until data is injected or the port is
// closed.
package uarttest

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

type rule struct {
	trigger string
	reply   []byte
	seen    int
}

// Port is a fake modem serial port. It implements io.ReadWriteCloser.
type Port struct {
	mu      sync.Mutex
	written  bytes.Buffer
	rules    []*rule
	writeErr error

	rx      chan []byte
	pending []byte

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates an open fake port.
func New() *Port {
	return &Port{
		rx:     make(chan []byte, 1024),
		closed: make(chan struct{}),
	}
}

// Respond makes the port send reply each time trigger is written.
func (p *Port) Respond(trigger, reply string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rules = append(p.rules, &rule{
		trigger: trigger,
		reply:   []byte(reply),
		seen:    strings.Count(p.written.String(), trigger),
	})
}

// Inject makes data available to readers, as if the modem sent it.
func (p *Port) Inject(data string) {
	if data == "" {
		return
	}
	select {
	case p.rx <- []byte(data):
	case <-p.closed:
	}
}

// FailWrites makes every later Write fail with err.
func (p *Port) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Written returns everything written to the port so far.
func (p *Port) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Count returns how many times s appears in the written stream.
func (p *Port) Count(s string) int {
	return strings.Count(p.Written(), s)
}

// IsClosed reports whether Close was called.
func (p *Port) IsClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Read implements io.Reader.
func (p *Port) Read(b []byte) (int, error) {
	if len(p.pending) == 0 {
		select {
		case data := <-p.rx:
			p.pending = data
		case <-p.closed:
			return 0, io.EOF
		}
	}
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

// Write implements io.Writer.
func (p *Port) Write(b []byte) (int, error) {
	if p.IsClosed() {
		return 0, io.ErrClosedPipe
	}

	p.mu.Lock()
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	p.written.Write(b)
	log := p.written.String()
	var replies [][]byte
	for _, r := range p.rules {
		for n := strings.Count(log, r.trigger); r.seen < n; r.seen++ {
			replies = append(replies, r.reply)
		}
	}
	p.mu.Unlock()

	for _, reply := range replies {
		p.Inject(string(reply))
	}
	return len(b), nil
}

// Close implements io.Closer.
func (p *Port) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
