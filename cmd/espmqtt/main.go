// Command espmqtt runs an MQTT client, or a TCP echo, through an ESP8266
// modem attached to a serial port.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kabili207/espat-go/transport/serial"
)

func main() {
	configPath := flag.String("config", "/etc/espmqtt/config.yaml", "Path to config file")
	listPorts := flag.Bool("list-ports", false, "List serial ports and exit")
	flag.String("serial-port", "/dev/ttyUSB0", "Serial port of the modem, or \"auto\"")
	flag.Int("baud-rate", serial.DefaultBaudRate, "Baud rate for the modem")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.String("mode", ModeMQTT, "Application mode (mqtt, echo)")
	flag.String("broker-host", "", "MQTT broker host")
	flag.String("broker-port", "", "MQTT broker port")
	flag.String("echo-host", "", "Echo peer host")
	flag.String("echo-port", "", "Echo peer port")
	flag.Parse()

	if *listPorts {
		ports, err := serial.List()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	config, err := LoadConfig(WithDefaults(), WithFile(*configPath), WithEnv(), WithFlags(flag.CommandLine))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(config)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("espmqtt starting", "mode", config.Mode, "serial_port", config.SerialPort, "baud", config.BaudRate)

	if err := run(ctx, config, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("espmqtt stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("espmqtt stopped")
}

func newLogger(config *Config) *slog.Logger {
	level, err := parseLevel(config.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if config.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
