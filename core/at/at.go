// Package at holds the ESP8266 AT command literals used by the transport.
package at

import (
	"strconv"
	"strings"
)

const (
	// Terminal Control
	CR   = "\r"
	LF   = "\n"
	CRLF = CR + LF

	// Commands
	CmdEchoOff  = "ATE0"
	CmdTCPClose = "AT+CIPCLOSE"
	cmdTCPStart = "AT+CIPSTART="
	cmdSend     = "AT+CIPSEND="

	// Replies
	ReplyOK = CRLF + "OK" + CRLF

	// ConnectPrefix is the first byte of a successful CIPSTART reply
	// ("CONNECT").
	ConnectPrefix = 'C'

	// MaxSendChunk is the largest payload a single CIPSEND accepts.
	MaxSendChunk = 2048
)

// EchoOff returns the full echo-disable command line.
func EchoOff() []byte {
	return []byte(CmdEchoOff + CRLF)
}

// TCPClose returns the full connection-close command line.
func TCPClose() []byte {
	return []byte(CmdTCPClose + CRLF)
}

// TCPStart returns the command line that opens a TCP connection to host:port.
func TCPStart(host, port string) []byte {
	var sb strings.Builder
	sb.Grow(len(cmdTCPStart) + len(host) + len(port) + 16)
	sb.WriteString(cmdTCPStart)
	sb.WriteString(`"TCP","`)
	sb.WriteString(host)
	sb.WriteString(`",`)
	sb.WriteString(port)
	sb.WriteString(CRLF)
	return []byte(sb.String())
}

// Send returns the command line that announces n raw payload bytes.
func Send(n int) []byte {
	return []byte(cmdSend + strconv.Itoa(n) + CRLF)
}
