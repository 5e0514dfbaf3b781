// Package mqtt runs an MQTT client over a byte transport such as the
// ESP8266 modem.
//
// The paho client does not know about the modem: its network connection is
// opened through a custom connection function that connects the transport
// and wraps it as a net.Conn. Everything above the socket, from keepalives
// to subscriptions, is paho's.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/kabili207/espat-go/transport"
	"github.com/kabili207/espat-go/transport/netconn"
)

const (
	// DefaultPort is the standard unencrypted MQTT port.
	DefaultPort = "1883"
	// DefaultStateTopic is where status reports are published.
	DefaultStateTopic = "/home/garage/state"
	// DefaultControlTopic is subscribed to for commands.
	DefaultControlTopic = "/home/garage/control"
	// DefaultKeepAlive is the MQTT keepalive interval.
	DefaultKeepAlive = 60 * time.Second
	// DefaultConnectTimeout bounds the MQTT CONNECT exchange.
	DefaultConnectTimeout = 30 * time.Second
	// DefaultPublishTimeout bounds a single publish.
	DefaultPublishTimeout = 10 * time.Second
)

var (
	// ErrNoHost is returned by Start when Config.Host is empty.
	ErrNoHost = errors.New("mqtt broker host is required")
	// ErrNotConnected is returned when publishing without a broker session.
	ErrNotConnected = errors.New("mqtt not connected")
	// ErrTimeout is returned when a broker operation does not complete in time.
	ErrTimeout = errors.New("mqtt operation timed out")
)

// Resetter is implemented by transports that can recover from a failed
// connection attempt.
type Resetter interface {
	Reset() error
}

// MessageHandler is called for each message received on the control topic.
type MessageHandler func(topic string, payload []byte)

// StateHandler is called when the broker session changes state.
type StateHandler func(event transport.Event)

// Config holds the configuration for an MQTT client.
type Config struct {
	// Host is the broker host name or IP address.
	Host string
	// Port is the broker TCP port (default: "1883").
	Port string
	// Username for MQTT authentication. Leave empty if not required.
	Username string
	// Password for MQTT authentication. Leave empty if not required.
	Password string
	// ClientID is the MQTT client identifier. If empty, a random one is generated.
	ClientID string
	// StateTopic receives status publishes (default: "/home/garage/state").
	StateTopic string
	// ControlTopic is subscribed to on connect (default: "/home/garage/control").
	ControlTopic string
	// QoS is used for both publish and subscribe.
	QoS byte
	// KeepAlive is the MQTT keepalive interval (default: 60s).
	KeepAlive time.Duration
	// ConnectTimeout bounds the CONNECT exchange (default: 30s).
	ConnectTimeout time.Duration
	// AutoReconnect lets paho redial after the connection drops.
	AutoReconnect bool
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client is an MQTT client bound to one transport.
type Client struct {
	cfg            Config
	tr             transport.Transport
	client         paho.Client
	log            *slog.Logger
	mu             sync.RWMutex
	connected      bool
	messageHandler MessageHandler
	stateHandler   StateHandler
}

// New creates a client that will reach the broker through tr.
func New(tr transport.Transport, cfg Config) *Client {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.StateTopic == "" {
		cfg.StateTopic = DefaultStateTopic
	}
	if cfg.ControlTopic == "" {
		cfg.ControlTopic = DefaultControlTopic
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		cfg: cfg,
		tr:  tr,
		log: cfg.Logger.WithGroup("mqtt"),
	}
}

// Broker returns the broker URL the client connects to.
func (c *Client) Broker() string {
	return "tcp://" + net.JoinHostPort(c.cfg.Host, c.cfg.Port)
}

// Start connects to the broker. It returns once the broker has accepted
// the session, or with an error.
func (c *Client) Start(ctx context.Context) error {
	if c.cfg.Host == "" {
		return ErrNoHost
	}

	clientID := c.cfg.ClientID
	if clientID == "" {
		clientID = "espat-" + randomString(12)
	}

	opts := paho.NewClientOptions().
		AddBroker(c.Broker()).
		SetClientID(clientID).
		SetCustomOpenConnectionFn(c.openConnection).
		SetAutoReconnect(c.cfg.AutoReconnect).
		SetConnectRetry(false).
		SetKeepAlive(c.cfg.KeepAlive).
		SetPingTimeout(10 * time.Second).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnected).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(c.onReconnecting)

	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
	}
	if c.cfg.Password != "" {
		opts.SetPassword(c.cfg.Password)
	}

	client := paho.NewClient(opts)
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	case <-time.After(c.cfg.ConnectTimeout):
		client.Disconnect(0)
		return fmt.Errorf("connecting to %s: %w", c.Broker(), ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to %s: %w", c.Broker(), err)
	}
	return nil
}

// Stop disconnects from the broker, which also closes the transport
// connection.
func (c *Client) Stop() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.connected = false
	c.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

// IsConnected returns true if the broker session is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// SetMessageHandler sets the callback for control topic messages.
func (c *Client) SetMessageHandler(fn MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = fn
}

// SetStateHandler sets the callback for broker session changes.
func (c *Client) SetStateHandler(fn StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandler = fn
}

// Publish sends payload to the state topic.
func (c *Client) Publish(payload []byte) error {
	return c.PublishTo(c.cfg.StateTopic, payload)
}

// PublishTo sends payload to topic.
func (c *Client) PublishTo(topic string, payload []byte) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, c.cfg.QoS, false, payload)
	if !token.WaitTimeout(DefaultPublishTimeout) {
		return fmt.Errorf("publishing to %s: %w", topic, ErrTimeout)
	}
	return token.Error()
}

// openConnection is paho's dial hook. It connects the transport to the
// broker named in uri.
func (c *Client) openConnection(uri *url.URL, _ paho.ClientOptions) (net.Conn, error) {
	if r, ok := c.tr.(Resetter); ok {
		if err := r.Reset(); err != nil {
			return nil, fmt.Errorf("resetting transport: %w", err)
		}
	}

	host, port := uri.Hostname(), uri.Port()
	if port == "" {
		port = DefaultPort
	}

	c.log.Debug("opening broker connection", "host", host, "port", port)
	conn, err := netconn.Dial(c.tr, host, port)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) subscribe(client paho.Client) {
	topic := c.cfg.ControlTopic
	client.Subscribe(topic, c.cfg.QoS, c.handleMessage)
	c.log.Debug("subscribed to control topic", "topic", topic)
}

func (c *Client) handleMessage(_ paho.Client, message paho.Message) {
	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	c.log.Debug("control message", "topic", message.Topic(), "size", len(message.Payload()))
	if handler != nil {
		handler(message.Topic(), message.Payload())
	}
}

func (c *Client) onConnected(client paho.Client) {
	c.mu.Lock()
	c.connected = true
	handler := c.stateHandler
	c.mu.Unlock()

	c.subscribe(client)
	c.log.Info("connected to MQTT broker", "broker", c.Broker())

	if handler != nil {
		handler(transport.EventConnected)
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	handler := c.stateHandler
	c.mu.Unlock()

	c.log.Error("MQTT connection lost", "error", err)

	if handler != nil {
		handler(transport.EventDisconnected)
	}
}

func (c *Client) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	c.mu.RLock()
	handler := c.stateHandler
	c.mu.RUnlock()

	c.log.Info("reconnecting to MQTT broker")

	if handler != nil {
		handler(transport.EventReconnecting)
	}
}

func randomString(n int) string {
	const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
