package ipd

import (
	"bytes"
	"math/rand/v2"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// split runs input through a fresh parser and collects both streams.
func split(t *testing.T, input []byte) (control, data []byte, events []Event) {
	t.Helper()
	var p Parser
	for _, b := range input {
		res := p.Feed(b)
		control = append(control, res.Control...)
		if res.IsData {
			data = append(data, res.Data)
		}
		if res.Event != EventNone {
			events = append(events, res.Event)
		}
	}
	return control, data, events
}

func TestFeed_ControlOnly(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "ok reply", input: "\r\nOK\r\n"},
		{name: "error reply", input: "\r\nERROR\r\n"},
		{name: "lone plus", input: "+"},
		{name: "plus then other", input: "+X"},
		{name: "partial +I", input: "+IQ"},
		{name: "partial +IP", input: "+IPX"},
		{name: "partial +IPD", input: "+IPD;"},
		{name: "double plus", input: "++IPD"},
		{name: "status line", input: "+CIPSTATUS:0,\"TCP\"\r\n"},
		{name: "multi-connection header", input: "+IPD,0,5:HELLO"},
		{name: "empty length", input: "+IPD,:abc"},
		{name: "letter in length", input: "+IPD,1a:xyz"},
		{name: "too many digits", input: "+IPD,1234567890:"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Parser
			var control []byte
			for _, b := range []byte(tt.input) {
				res := p.Feed(b)
				require.False(t, res.IsData)
				control = append(control, res.Control...)
			}

			// A trailing partial header is still held by the parser.
			require.Equal(t, tt.input[:len(tt.input)-p.nHeld], string(control))
		})
	}
}

func TestFeed_PartialMatchFlushOrder(t *testing.T) {
	var p Parser

	require.Empty(t, p.Feed('+').Control)
	require.Equal(t, StateSawPlus, p.State())
	require.Empty(t, p.Feed('I').Control)
	require.Equal(t, StateSawI, p.State())

	res := p.Feed('Q')
	require.Equal(t, []byte("+IQ"), res.Control)
	require.Equal(t, EventMismatch, res.Event)
	require.Equal(t, StateIdle, p.State())
}

func TestFeed_SingleFrame(t *testing.T) {
	control, data, events := split(t, []byte("+IPD,5:HELLO"))
	require.Empty(t, control)
	require.Equal(t, []byte("HELLO"), data)
	require.Equal(t, []Event{EventFrameStart, EventFrameEnd}, events)
}

func TestFeed_FrameLength(t *testing.T) {
	var p Parser
	var res Result
	for _, b := range []byte("+IPD,12:") {
		res = p.Feed(b)
	}
	require.Equal(t, EventFrameStart, res.Event)
	require.Equal(t, 12, res.Length)
	require.Equal(t, StateStreamingPayload, p.State())
	require.Equal(t, 12, p.Remaining())
}

func TestFeed_PayloadLooksLikeHeader(t *testing.T) {
	control, data, _ := split(t, []byte("+IPD,9:+IPD,1:x\r\nOK"))
	require.Equal(t, []byte("+IPD,1:x\r"), data)
	require.Equal(t, []byte("\nOK"), control)
}

func TestFeed_InterleavedWithReplies(t *testing.T) {
	input := "\r\nOK\r\n+IPD,3:abc\r\nSEND OK\r\n+IPD,2:de+I"
	control, data, events := split(t, []byte(input))
	require.Equal(t, "\r\nOK\r\n\r\nSEND OK\r\n", string(control))
	require.Equal(t, "abcde", string(data))
	require.Equal(t, []Event{EventFrameStart, EventFrameEnd, EventFrameStart, EventFrameEnd}, events)
}

func TestFeed_ZeroLengthFrame(t *testing.T) {
	control, data, events := split(t, []byte("+IPD,0:OK"))
	require.Equal(t, []byte("OK"), control)
	require.Empty(t, data)
	require.Equal(t, []Event{EventFrameStart}, events)
}

func TestFeed_MaxDigits(t *testing.T) {
	var p Parser
	var res Result
	for _, b := range []byte("+IPD,000000007:") {
		res = p.Feed(b)
	}
	require.Equal(t, EventFrameStart, res.Event)
	require.Equal(t, 7, res.Length)
}

func TestFeed_MalformedFlushIncludesDigits(t *testing.T) {
	var p Parser
	var res Result
	for _, b := range []byte("+IPD,42x") {
		res = p.Feed(b)
	}
	require.Equal(t, EventMalformed, res.Event)
	require.Equal(t, []byte("+IPD,42x"), res.Control)
	require.Equal(t, StateIdle, p.State())
}

func TestFeed_RecoversAfterMalformed(t *testing.T) {
	control, data, _ := split(t, []byte("+IPD,?+IPD,2:hi"))
	require.Equal(t, "+IPD,?", string(control))
	require.Equal(t, "hi", string(data))
}

// Streams built from header fragments that never complete a header must come
// out of the control side unchanged.
func TestFeed_RandomControlStreamsPreserved(t *testing.T) {
	fragments := []string{"+", "+I", "+IP", "+IPD", "+IPD,", "+IPD,3", "I", "P", "D", ",", ":", "\r\n", "OK", "7"}
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 500; i++ {
		var sb strings.Builder
		n := 1 + rng.IntN(12)
		for j := 0; j < n; j++ {
			sb.WriteString(fragments[rng.IntN(len(fragments))])
		}
		// Terminate any trailing partial header so everything is flushed.
		sb.WriteString("!")
		input := sb.String()
		if containsHeader(input) {
			continue
		}

		control, data, _ := split(t, []byte(input))
		require.Empty(t, data, "input %q", input)
		require.Equal(t, input, string(control), "input %q", input)
	}
}

func TestFeed_RandomPayloadRouted(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))

	for i := 0; i < 200; i++ {
		payload := make([]byte, 1+rng.IntN(64))
		for j := range payload {
			payload[j] = byte(rng.IntN(256))
		}
		var input bytes.Buffer
		input.WriteString("\r\nOK\r\n")
		input.WriteString("+IPD,")
		input.WriteString(strconv.Itoa(len(payload)))
		input.WriteByte(':')
		input.Write(payload)
		input.WriteString("\r\nCLOSED\r\n")

		control, data, _ := split(t, input.Bytes())
		require.Equal(t, payload, data)
		require.Equal(t, "\r\nOK\r\n\r\nCLOSED\r\n", string(control))
	}
}

// containsHeader reports whether s holds a well-formed header, which the
// random control test must avoid.
func containsHeader(s string) bool {
	for i := strings.Index(s, Header); i >= 0; {
		rest := s[i+len(Header):]
		n := 0
		for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
			n++
		}
		if n > 0 && n <= MaxLengthDigits && n < len(rest) && rest[n] == LengthTerminator {
			return true
		}
		next := strings.Index(s[i+1:], Header)
		if next < 0 {
			break
		}
		i += 1 + next
	}
	return false
}
