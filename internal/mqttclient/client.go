package mqttclient

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	defaultPrefix  = "whisper-notes"
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	statusOnline  = "online"
	statusOffline = "offline"
)

// MessageHandler receives payloads published to <prefix>/command.
type MessageHandler func(topic string, payload []byte)

// Client is a paho connection bound to one topic prefix. It keeps
// <prefix>/status retained as "online" or "offline" (via the last will).
type Client struct {
	conn      mqtt.Client
	prefix    string
	connected atomic.Bool
	handler   atomic.Pointer[MessageHandler]
	log       zerolog.Logger
}

type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
	Log         zerolog.Logger
}

// Connect dials the broker and waits up to ten seconds for the session.
// Reconnects are automatic; the command subscription is renewed on each.
func Connect(opts Options) (*Client, error) {
	c := &Client{
		prefix: normalizePrefix(opts.TopicPrefix),
		log:    opts.Log,
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(false).
		SetWill(c.Topic("status"), statusOffline, 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.connected.Store(false)
			c.log.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
		})

	c.conn = mqtt.NewClient(co)
	token := c.conn.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.conn.Disconnect(0)
		return nil, fmt.Errorf("connect %s: timed out", opts.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.BrokerURL, err)
	}
	return c, nil
}

func (c *Client) Topic(suffix string) string {
	return c.prefix + "/" + suffix
}

// SetMessageHandler replaces the command handler. Commands arriving before a
// handler is set are logged and dropped.
func (c *Client) SetMessageHandler(h MessageHandler) {
	c.handler.Store(&h)
}

// Publish sends at QoS 1 and waits for the broker's ack.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.conn.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: %w", topic, errPublishTimeout)
	}
	return token.Error()
}

var errPublishTimeout = errors.New("timed out waiting for broker")

func (c *Client) onConnect(client mqtt.Client) {
	c.connected.Store(true)
	topic := c.Topic("command")
	if token := client.Subscribe(topic, 1, c.onCommand); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		c.log.Error().Err(token.Error()).Str("topic", topic).Msg("mqtt subscribe failed")
	}
	client.Publish(c.Topic("status"), 1, true, statusOnline)
	c.log.Info().Str("topic", topic).Msg("mqtt connected")
}

func (c *Client) onCommand(_ mqtt.Client, msg mqtt.Message) {
	h := c.handler.Load()
	if h == nil || *h == nil {
		c.log.Debug().Str("topic", msg.Topic()).Msg("mqtt command ignored, no handler")
		return
	}
	(*h)(msg.Topic(), msg.Payload())
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close publishes "offline" and disconnects, allowing a second for
// in-flight messages.
func (c *Client) Close() {
	if c.conn.IsConnected() {
		c.conn.Publish(c.Topic("status"), 1, true, statusOffline).WaitTimeout(time.Second)
	}
	c.conn.Disconnect(1000)
	c.connected.Store(false)
	c.log.Info().Msg("mqtt disconnected")
}

func normalizePrefix(raw string) string {
	p := strings.Trim(strings.TrimSpace(raw), "/")
	if p == "" {
		return defaultPrefix
	}
	return p
}
