// Package ipd implements the byte-at-a-time matcher that separates ESP8266
// inbound data frames from AT command replies.
//
// The modem interleaves two streams on one serial line: command replies and
// unsolicited data notifications of the form
//
//	+IPD,<decimal length>:<payload>
//
// The literal header is the only discriminator, and the serial line cannot be
// rewound, so the Parser holds every byte it consumes while matching the
// header. If the match fails, the held bytes are replayed to the control
// stream in their original order followed by the byte that broke the match.
package ipd

import "fmt"

const (
	// Header is the literal prefix of an inbound data frame.
	Header = "+IPD,"

	// LengthTerminator ends the decimal length field.
	LengthTerminator = ':'

	// MaxLengthDigits bounds the decimal length field.
	MaxLengthDigits = 9

	// maxHeld is the largest number of bytes the parser can hold while
	// matching: the header, a full length field and the terminator.
	maxHeld = len(Header) + MaxLengthDigits + 1
)

// State is the parser state.
type State uint8

const (
	StateIdle State = iota
	StateSawPlus
	StateSawI
	StateSawIP
	StateSawIPD
	StateReadingLength
	StateStreamingPayload
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSawPlus:
		return "saw_plus"
	case StateSawI:
		return "saw_i"
	case StateSawIP:
		return "saw_ip"
	case StateSawIPD:
		return "saw_ipd"
	case StateReadingLength:
		return "reading_length"
	case StateStreamingPayload:
		return "streaming_payload"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// expect holds the byte that advances each header-matching state.
var expect = [...]byte{
	StateSawPlus: 'I',
	StateSawI:    'P',
	StateSawIP:   'D',
	StateSawIPD:  ',',
}

// Event describes a notable transition produced by a single Feed call.
type Event uint8

const (
	// EventNone means nothing beyond the routing in Result happened.
	EventNone Event = iota
	// EventFrameStart means a complete header was read. Result.Length holds
	// the announced payload length.
	EventFrameStart
	// EventFrameEnd means the last payload byte of a frame was consumed.
	EventFrameEnd
	// EventMismatch means a partial header was abandoned and replayed.
	EventMismatch
	// EventMalformed means the length field was invalid and the header was
	// replayed.
	EventMalformed
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventFrameStart:
		return "frame_start"
	case EventFrameEnd:
		return "frame_end"
	case EventMismatch:
		return "mismatch"
	case EventMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("event(%d)", uint8(e))
	}
}

// Result is the routing decision for one input byte.
type Result struct {
	// Control holds bytes to append to the control stream, in order.
	// The slice aliases parser memory and is valid until the next Feed.
	Control []byte
	// Data is a payload byte. Only meaningful when IsData is true.
	Data   byte
	IsData bool
	// Event reports header and frame boundaries.
	Event Event
	// Length is the payload length announced by a header (EventFrameStart).
	Length int
}

// Parser is the frame parse state machine. The zero value is ready to use.
type Parser struct {
	state     State
	held      [maxHeld]byte
	nHeld     int
	digits    int
	length    int
	remaining int
}

// State returns the current parser state.
func (p *Parser) State() State {
	return p.state
}

// Remaining returns the number of payload bytes still expected.
func (p *Parser) Remaining() int {
	return p.remaining
}

// Reset discards any partial header and returns the parser to idle.
func (p *Parser) Reset() {
	*p = Parser{}
}

// Feed advances the state machine by one byte and reports where the byte,
// and any bytes held from an abandoned header, should go.
func (p *Parser) Feed(b byte) Result {
	switch p.state {
	case StateIdle:
		if b == Header[0] {
			p.hold(b)
			p.state = StateSawPlus
			return Result{}
		}
		p.held[0] = b
		return Result{Control: p.held[:1]}

	case StateSawPlus, StateSawI, StateSawIP, StateSawIPD:
		if b != expect[p.state] {
			return p.flush(b, EventMismatch)
		}
		p.hold(b)
		p.state++
		return Result{}

	case StateReadingLength:
		switch {
		case b >= '0' && b <= '9':
			if p.digits == MaxLengthDigits {
				return p.flush(b, EventMalformed)
			}
			p.hold(b)
			p.digits++
			p.length = p.length*10 + int(b-'0')
			return Result{}
		case b == LengthTerminator && p.digits > 0:
			return p.startFrame()
		default:
			return p.flush(b, EventMalformed)
		}

	case StateStreamingPayload:
		p.remaining--
		res := Result{Data: b, IsData: true}
		if p.remaining == 0 {
			p.state = StateIdle
			res.Event = EventFrameEnd
		}
		return res
	}

	// Unreachable for a parser driven only through Feed.
	p.Reset()
	p.held[0] = b
	return Result{Control: p.held[:1]}
}

func (p *Parser) hold(b byte) {
	p.held[p.nHeld] = b
	p.nHeld++
}

// flush abandons the current header match. Every held byte is replayed,
// followed by b.
func (p *Parser) flush(b byte, ev Event) Result {
	p.hold(b)
	out := p.held[:p.nHeld]
	p.state = StateIdle
	p.nHeld = 0
	p.digits = 0
	p.length = 0
	return Result{Control: out, Event: ev}
}

func (p *Parser) startFrame() Result {
	length := p.length
	p.nHeld = 0
	p.digits = 0
	p.length = 0
	p.remaining = length
	if length == 0 {
		p.state = StateIdle
	} else {
		p.state = StateStreamingPayload
	}
	return Result{Event: EventFrameStart, Length: length}
}
