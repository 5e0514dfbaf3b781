package main

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/kabili207/espat-go/device/esp8266"
	"github.com/kabili207/espat-go/transport"
	"github.com/kabili207/espat-go/transport/mqtt"
	"github.com/kabili207/espat-go/transport/serial"
)

// resetter is implemented by transports that must be reset after a failed
// connect.
type resetter interface {
	Reset() error
}

// broker is the part of the MQTT client the daemon drives.
type broker interface {
	Start(ctx context.Context) error
	Stop() error
	IsConnected() bool
	Publish(payload []byte) error
	SetMessageHandler(fn mqtt.MessageHandler)
}

// run opens the modem, starts the transport and runs the configured mode
// until ctx is cancelled.
func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	portName := cfg.SerialPort
	if portName == "auto" {
		detected, err := serial.Detect()
		if err != nil {
			return err
		}
		portName = detected
	}

	port, err := serial.Open(serial.Config{
		Port:     portName,
		BaudRate: cfg.BaudRate,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sess, err := esp8266.New(port, cfg.SessionConfig(logger))
	if err != nil {
		port.Close()
		return err
	}
	sess.SetStateHandler(func(_ transport.Transport, ev transport.Event) {
		logger.Info("transport event", "event", ev)
	})
	if err := sess.Start(ctx); err != nil {
		sess.Close()
		return fmt.Errorf("starting transport: %w", err)
	}
	defer sess.Close()

	if cfg.StatsInterval > 0 {
		go logStats(ctx, sess, cfg.StatsInterval, logger)
	}

	switch cfg.Mode {
	case ModeEcho:
		return runEcho(ctx, sess, cfg.Echo, logger)
	default:
		client := mqtt.New(sess, cfg.MQTTConfig(logger))
		return runMQTT(ctx, client, cfg.Broker, logger)
	}
}

// connectWithRetry connects tr to host:port, retrying every interval until
// it succeeds or ctx is cancelled.
func connectWithRetry(ctx context.Context, tr transport.Transport, host, port string, interval time.Duration, logger *slog.Logger) error {
	for {
		if tr.Connect(host, port).OK() {
			return nil
		}
		if r, ok := tr.(resetter); ok {
			if err := r.Reset(); err != nil {
				logger.Warn("transport reset failed", "error", err)
			}
		}
		logger.Warn("connect failed, retrying", "host", host, "port", port, "retry_in", interval)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// runEcho sends back whatever the peer sends, one block per interval.
func runEcho(ctx context.Context, tr transport.Transport, cfg EchoConfig, logger *slog.Logger) error {
	log := logger.WithGroup("echo")
	if err := connectWithRetry(ctx, tr, cfg.Host, cfg.Port, cfg.RetryInterval, log); err != nil {
		return err
	}
	log.Info("echo running", "host", cfg.Host, "port", cfg.Port, "block_size", cfg.BlockSize)

	buf := make([]byte, cfg.BlockSize)
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			tr.Disconnect()
			return ctx.Err()
		case <-ticker.C:
		}

		n := tr.Recv(buf)
		if n <= 0 {
			continue
		}

		sent := tr.Send(buf[:n])
		switch {
		case sent < 0:
			log.Warn("connection lost, reconnecting")
			if err := connectWithRetry(ctx, tr, cfg.Host, cfg.Port, cfg.RetryInterval, log); err != nil {
				return err
			}
		case sent < n:
			log.Warn("echo cut short", "received", n, "sent", sent)
		default:
			log.Debug("echoed", "bytes", n)
		}
	}
}

// runMQTT connects to the broker and publishes a status report on every
// heartbeat.
func runMQTT(ctx context.Context, client broker, cfg BrokerConfig, logger *slog.Logger) error {
	log := logger.WithGroup("app")
	client.SetMessageHandler(func(topic string, payload []byte) {
		log.Info("control message", "topic", topic, "payload", string(payload))
	})

	for {
		err := client.Start(ctx)
		if err == nil {
			break
		}
		log.Warn("broker connect failed, retrying", "error", err, "retry_in", cfg.RetryInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}
	}
	defer client.Stop()

	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if !client.IsConnected() {
			continue
		}
		if err := client.Publish(statusReport()); err != nil {
			log.Warn("heartbeat publish failed", "error", err)
		}
	}
}

// statusReport describes the process's memory use.
func statusReport() []byte {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return fmt.Appendf(nil, "heap_inuse=%d heap_idle=%d goroutines=%d", ms.HeapInuse, ms.HeapIdle, runtime.NumGoroutine())
}

func logStats(ctx context.Context, sess *esp8266.Session, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st := sess.Stats()
		logger.Info("transport stats",
			"state", st.State,
			"rx_bytes", st.UART.RxBytes,
			"rx_dropped", st.UART.RxDropped,
			"tx_bytes", st.UART.TxBytes,
			"frames", st.Demux.Frames,
			"data_bytes", st.Demux.DataBytes,
			"control_dropped", st.Demux.ControlDropped,
			"malformed", st.Demux.Malformed,
		)
	}
}
