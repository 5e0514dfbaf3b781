package esp8266

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kabili207/espat-go/device/demux"
	"github.com/kabili207/espat-go/device/uart/uarttest"
	"github.com/kabili207/espat-go/transport"
	"github.com/stretchr/testify/require"
)

const (
	testHost = "192.168.0.235"
	testPort = "1883"
)

func testConfig() Config {
	return Config{
		RecvTimeout:    50 * time.Millisecond,
		SettleDelay:    time.Millisecond,
		DrainWindow:    20 * time.Millisecond,
		ReplyTimeout:   200 * time.Millisecond,
		ConnectTimeout: 500 * time.Millisecond,
	}
}

// newModem returns a fake port that answers the handshake and connect
// sequence the way stock AT firmware does.
func newModem() *uarttest.Port {
	port := uarttest.New()
	port.Respond("ATE0\r\n", "\r\nOK\r\n")
	port.Respond("AT+CIPCLOSE\r\n", "CLOSED\r\n\r\nOK\r\n")
	port.Respond(`AT+CIPSTART="TCP","`+testHost+`",`+testPort+"\r\n", "CONNECT\r\n\r\nOK\r\n")
	port.Respond("AT+CIPSEND=", "\r\nOK\r\n> ")
	return port
}

func startSession(t *testing.T, port *uarttest.Port, cfg Config) *Session {
	t.Helper()
	s, err := New(port, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func connectSession(t *testing.T, port *uarttest.Port) *Session {
	t.Helper()
	s := startSession(t, port, testConfig())
	require.Equal(t, transport.StatusSuccess, s.Connect(testHost, testPort))
	require.Equal(t, StateConnected, s.State())
	return s
}

type eventRecorder struct {
	mu     sync.Mutex
	events []transport.Event
}

func (r *eventRecorder) handle(_ transport.Transport, ev transport.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) get() []transport.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Event(nil), r.events...)
}

func TestNew_NoPort(t *testing.T) {
	_, err := New(nil, Config{})
	require.ErrorIs(t, err, ErrNoPort)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{ChunkSize: 4096}.withDefaults()
	require.Equal(t, DefaultRawCapacity, cfg.RxCapacity)
	require.Equal(t, DefaultControlCapacity, cfg.ControlCapacity)
	require.Equal(t, DefaultDataCapacity, cfg.DataCapacity)
	require.Equal(t, DefaultRecvTimeout, cfg.RecvTimeout)
	require.Equal(t, DefaultSettleDelay, cfg.SettleDelay)
	require.Equal(t, DefaultDrainWindow, cfg.DrainWindow)
	require.Equal(t, 2048, cfg.ChunkSize)
	require.NotNil(t, cfg.Logger)
}

func TestSession_BeforeStart(t *testing.T) {
	port := newModem()
	s, err := New(port, testConfig())
	require.NoError(t, err)

	require.Equal(t, StateUninitialized, s.State())
	require.Equal(t, -1, s.Recv(make([]byte, 4)))
	require.Equal(t, -1, s.Send([]byte("hi")))
	require.Equal(t, transport.StatusFailure, s.Connect(testHost, testPort))
	require.ErrorIs(t, s.Err(), ErrNotReady)
	require.Equal(t, transport.StatusFailure, s.Disconnect())
	require.ErrorIs(t, s.Err(), ErrNotConnected)
	require.Empty(t, port.Written())
}

func TestSession_Start(t *testing.T) {
	port := newModem()
	s := startSession(t, port, testConfig())

	require.Equal(t, StateDemuxRunning, s.State())
	require.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	require.Equal(t, 0, s.Recv(make([]byte, 4)))
}

func TestSession_StartQueueAllocationFailure(t *testing.T) {
	cfg := testConfig()
	cfg.ControlCapacity = -1

	s, err := New(newModem(), cfg)
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.ErrorIs(t, err, ErrQueueAllocation)
	require.Equal(t, StateError, s.State())
	require.ErrorIs(t, s.Err(), ErrQueueAllocation)
	require.Equal(t, -1, s.Recv(make([]byte, 1)))
	require.ErrorIs(t, s.Reset(), ErrNotReady)
}

func TestSession_Close(t *testing.T) {
	port := newModem()
	s, err := New(port, testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Close())
	require.True(t, port.IsClosed())
	require.Equal(t, StateUninitialized, s.State())
	require.Equal(t, -1, s.Recv(make([]byte, 1)))
	require.ErrorIs(t, s.Start(context.Background()), ErrClosed)
	require.NoError(t, s.Close())
}

func TestConnect_Success(t *testing.T) {
	port := newModem()
	s := startSession(t, port, testConfig())
	rec := &eventRecorder{}
	s.SetStateHandler(rec.handle)

	require.Equal(t, transport.StatusSuccess, s.Connect(testHost, testPort))
	require.Equal(t, StateConnected, s.State())
	require.NoError(t, s.Err())

	written := port.Written()
	require.Contains(t, written, "ATE0\r\n")
	require.Contains(t, written, `AT+CIPSTART="TCP","192.168.0.235",1883`+"\r\n")
	// The existing connection is closed before a new one is opened.
	require.Less(t, bytes.Index([]byte(written), []byte("AT+CIPCLOSE")), bytes.Index([]byte(written), []byte("AT+CIPSTART")))

	require.Equal(t, []transport.Event{transport.EventModemReady, transport.EventConnected}, rec.get())
}

func TestConnect_AlreadyConnected(t *testing.T) {
	port := newModem()
	s := connectSession(t, port)
	before := port.Written()

	require.Equal(t, transport.StatusSuccess, s.Connect(testHost, testPort))
	require.Equal(t, StateConnected, s.State())
	require.Equal(t, before, port.Written())
}

func TestConnect_HandshakeFailure(t *testing.T) {
	port := uarttest.New()
	port.Respond("ATE0\r\n", "\r\nERROR\r\n")
	s := startSession(t, port, testConfig())
	rec := &eventRecorder{}
	s.SetStateHandler(rec.handle)

	require.Equal(t, transport.StatusFailure, s.Connect(testHost, testPort))
	require.Equal(t, StateError, s.State())
	require.ErrorIs(t, s.Err(), ErrModemHandshake)
	require.NotContains(t, port.Written(), "AT+CIPSTART")
	require.Equal(t, []transport.Event{transport.EventError}, rec.get())

	// In the error state connect fails without sending anything.
	before := port.Written()
	require.Equal(t, transport.StatusFailure, s.Connect(testHost, testPort))
	require.Equal(t, transport.StatusFailure, s.Disconnect())
	require.Equal(t, -1, s.Send([]byte("x")))
	require.Equal(t, before, port.Written())

	// The refusal is recorded without hiding the handshake failure.
	require.ErrorIs(t, s.Err(), ErrErrorState)
	require.ErrorIs(t, s.Err(), ErrModemHandshake)
}

func TestConnect_HandshakeTimeoutThenReset(t *testing.T) {
	port := uarttest.New()
	s := startSession(t, port, testConfig())

	require.Equal(t, transport.StatusFailure, s.Connect(testHost, testPort))
	require.Equal(t, StateError, s.State())
	require.ErrorIs(t, s.Err(), ErrModemHandshake)

	port.Respond("ATE0\r\n", "\r\nOK\r\n")
	port.Respond("AT+CIPCLOSE\r\n", "\r\nERROR\r\n")
	port.Respond(`AT+CIPSTART="TCP","`+testHost+`",`+testPort+"\r\n", "CONNECT\r\n\r\nOK\r\n")

	require.NoError(t, s.Reset())
	require.Equal(t, StateDemuxRunning, s.State())
	require.Equal(t, transport.StatusSuccess, s.Connect(testHost, testPort))
	require.Equal(t, StateConnected, s.State())

	// Reset outside the error state is a no-op.
	require.NoError(t, s.Reset())
	require.Equal(t, StateConnected, s.State())
}

func TestConnect_TCPStartFailure(t *testing.T) {
	port := uarttest.New()
	port.Respond("ATE0\r\n", "\r\nOK\r\n")
	port.Respond("AT+CIPSTART=", "\r\nERROR\r\nCLOSED\r\n")
	s := startSession(t, port, testConfig())

	require.Equal(t, transport.StatusFailure, s.Connect(testHost, testPort))
	require.Equal(t, StateError, s.State())
	require.ErrorIs(t, s.Err(), ErrTCPStart)
}

func TestDisconnect_Twice(t *testing.T) {
	port := newModem()
	s := connectSession(t, port)
	rec := &eventRecorder{}
	s.SetStateHandler(rec.handle)
	closes := port.Count("AT+CIPCLOSE\r\n")

	require.Equal(t, transport.StatusSuccess, s.Disconnect())
	require.Equal(t, StateModemReady, s.State())
	require.Equal(t, transport.StatusSuccess, s.Disconnect())
	require.Equal(t, StateModemReady, s.State())

	require.Eventually(t, func() bool {
		return port.Count("AT+CIPCLOSE\r\n") == closes+2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []transport.Event{transport.EventDisconnected}, rec.get())
	require.Equal(t, -1, s.Send([]byte("x")))
}

func TestSend_Chunking(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		commands []string
	}{
		{name: "small", size: 10, commands: []string{"AT+CIPSEND=10\r\n"}},
		{name: "exactly one chunk", size: 2048, commands: []string{"AT+CIPSEND=2048\r\n"}},
		{name: "one byte over", size: 2049, commands: []string{"AT+CIPSEND=2048\r\n", "AT+CIPSEND=1\r\n"}},
		{name: "two full chunks", size: 4096, commands: []string{"AT+CIPSEND=2048\r\n", "AT+CIPSEND=2048\r\n"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := newModem()
			s := connectSession(t, port)
			start := len(port.Written())

			payload := bytes.Repeat([]byte{'x'}, tt.size)
			require.Equal(t, tt.size, s.Send(payload))

			var want []byte
			for i, cmd := range tt.commands {
				want = append(want, cmd...)
				chunk := min(2048, tt.size-i*2048)
				want = append(want, payload[:chunk]...)
			}
			require.Eventually(t, func() bool {
				return port.Written()[start:] == string(want)
			}, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestSend_Empty(t *testing.T) {
	port := newModem()
	s := connectSession(t, port)
	before := port.Written()

	require.Equal(t, 0, s.Send(nil))
	require.Equal(t, before, port.Written())
}

func TestRecv_DemultiplexedPayload(t *testing.T) {
	port := newModem()
	s := startSession(t, port, testConfig())

	port.Inject("\r\nOK\r\n+IPD,5:HELLO\r\n")

	var got []byte
	require.Eventually(t, func() bool {
		buf := make([]byte, 16)
		n := s.Recv(buf)
		got = append(got, buf[:n]...)
		return len(got) >= 5
	}, time.Second, time.Millisecond)
	require.Equal(t, "HELLO", string(got))

	stats := s.Stats()
	require.Equal(t, uint64(1), stats.Demux.Frames)
	require.Equal(t, uint64(5), stats.Demux.DataBytes)
}

func TestRecv_StopsAtTimeout(t *testing.T) {
	port := newModem()
	s := startSession(t, port, testConfig())

	port.Inject("+IPD,3:abc")
	require.Eventually(t, func() bool {
		return s.Stats().Demux.DataBytes == 3
	}, time.Second, time.Millisecond)

	buf := make([]byte, 8)
	require.Equal(t, 3, s.Recv(buf))
	require.Equal(t, "abc", string(buf[:3]))
	require.Equal(t, 0, s.Recv(buf))
}

func TestSession_OutlivesStartContext(t *testing.T) {
	tests := []struct {
		name string
		stop func(*Session) transport.Status
	}{
		{name: "disconnect", stop: (*Session).Disconnect},
		{
			name: "close",
			stop: func(s *Session) transport.Status {
				if s.Close() != nil {
					return transport.StatusFailure
				}
				return transport.StatusSuccess
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := newModem()
			s, err := New(port, testConfig())
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			require.NoError(t, s.Start(ctx))
			t.Cleanup(func() { s.Close() })
			require.Equal(t, transport.StatusSuccess, s.Connect(testHost, testPort))
			closes := port.Count("AT+CIPCLOSE\r\n")

			cancel()
			require.Equal(t, transport.StatusSuccess, tt.stop(s))
			require.Eventually(t, func() bool {
				return port.Count("AT+CIPCLOSE\r\n") == closes+1
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestSession_LineLost(t *testing.T) {
	port := newModem()
	s := connectSession(t, port)
	rec := &eventRecorder{}
	s.SetStateHandler(rec.handle)

	require.NoError(t, port.Close())

	require.Eventually(t, func() bool {
		return s.State() == StateError
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, s.Err(), ErrLineLost)
	require.Eventually(t, func() bool {
		return len(rec.get()) > 0
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []transport.Event{transport.EventError}, rec.get())

	require.Equal(t, -1, s.Send([]byte("hello")))
	require.Equal(t, transport.StatusFailure, s.Connect(testHost, testPort))
	require.Equal(t, transport.StatusFailure, s.Disconnect())
	require.ErrorIs(t, s.Reset(), ErrLineLost)
	require.Equal(t, StateError, s.State())
	require.Len(t, rec.get(), 1)

	require.NoError(t, s.Close())
}

func TestSession_WriteFailureIsLineLoss(t *testing.T) {
	port := newModem()
	s := connectSession(t, port)

	port.FailWrites(errors.New("device unplugged"))
	s.Send([]byte("hello"))

	require.Eventually(t, func() bool {
		return s.State() == StateError
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, s.Err(), ErrLineLost)
	require.Equal(t, -1, s.Send([]byte("hello")))
}

func TestReset_ClearsDemuxStats(t *testing.T) {
	port := uarttest.New()
	port.Respond("ATE0\r\n", "\r\nERROR\r\n")
	s := startSession(t, port, testConfig())

	require.Equal(t, transport.StatusFailure, s.Connect(testHost, testPort))
	require.NotZero(t, s.Stats().Demux.ControlBytes)

	require.NoError(t, s.Reset())
	require.Equal(t, StateDemuxRunning, s.State())
	require.Equal(t, demux.CountersSnapshot{}, s.Stats().Demux)
}
