package esp8266

import "errors"

var (
	// ErrNoPort is returned when a Session is created without a serial port.
	ErrNoPort = errors.New("esp8266: serial port is required")
	// ErrQueueAllocation is returned when a transport queue cannot be created.
	ErrQueueAllocation = errors.New("esp8266: queue allocation failed")
	// ErrTaskCreation is returned when the receive tasks cannot be started.
	ErrTaskCreation = errors.New("esp8266: task creation failed")
	// ErrAlreadyStarted is returned by Start on a running session.
	ErrAlreadyStarted = errors.New("esp8266: session already started")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("esp8266: session closed")

	// ErrModemHandshake is returned when the modem does not answer ATE0 with OK.
	ErrModemHandshake = errors.New("esp8266: modem handshake failed")
	// ErrTCPStart is returned when AT+CIPSTART is not answered with CONNECT.
	ErrTCPStart = errors.New("esp8266: tcp start failed")
	// ErrTxStalled is returned when the transmit queue stops draining.
	ErrTxStalled = errors.New("esp8266: transmit queue stalled")
	// ErrLineLost is recorded when the serial line fails under a running
	// session. Reset cannot recover from it.
	ErrLineLost = errors.New("esp8266: serial line lost")

	// ErrNotReady is recorded when Connect is refused because the receive
	// tasks are not running. Reset returns it before Start.
	ErrNotReady = errors.New("esp8266: transport not ready")
	// ErrErrorState is recorded for calls refused in the error state. It
	// wraps the failure that caused the error state.
	ErrErrorState = errors.New("esp8266: transport in error state")
	// ErrNotConnected is recorded when Disconnect is refused because no
	// connection is open.
	ErrNotConnected = errors.New("esp8266: not connected")
)
