package mqttclient

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

var ErrNotConnected = errors.New("mqtt not connected")

type Client struct {
	conn      mqtt.Client
	connected atomic.Bool
	timeout   time.Duration
	log       zerolog.Logger
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// PublishTimeout bounds how long Publish waits for the broker ack.
	PublishTimeout time.Duration
	Log            zerolog.Logger
}

func Connect(opts Options) (*Client, error) {
	c := &Client{
		timeout: opts.PublishTimeout,
		log:     opts.Log,
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	c.conn = mqtt.NewClient(clientOpts)
	token := c.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	// OnConnect runs asynchronously; publishing is allowed as soon as the
	// first connect has been acknowledged.
	c.connected.Store(true)

	return c, nil
}

func (c *Client) onConnect(_ mqtt.Client) {
	c.connected.Store(true)
	c.log.Info().Msg("mqtt connected")
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.connected.Store(false)
	c.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

// Publish sends payload at QoS 1 and waits up to the publish timeout for
// the broker to acknowledge it.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	token := c.conn.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt publish to %s: timed out after %s", topic, c.timeout)
	}
	return token.Error()
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
