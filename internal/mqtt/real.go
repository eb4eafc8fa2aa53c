package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Options configures a RealClient.
type Options struct {
	Broker   string
	ClientID string
	// WillTopic and WillPayload form the last-will message the broker
	// publishes, retained, if the connection drops without a clean close.
	WillTopic   string
	WillPayload []byte
	// ConnectTimeout bounds the initial connection attempt. The client keeps
	// retrying in the background after it expires.
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// RealClient is a paho connection to an actual broker.
type RealClient struct {
	client  paho.Client
	timeout time.Duration
	log     zerolog.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

type subscription struct {
	qos     byte
	handler func([]byte)
}

// NewRealClient connects to the broker in opts. A broker that is down at
// startup is not an error: the client reconnects on its own and the caller
// buffers until then.
func NewRealClient(opts Options, log zerolog.Logger) (*RealClient, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker address required")
	}
	if opts.ClientID == "" {
		opts.ClientID = "logsplitter"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}

	c := &RealClient{
		timeout: opts.PublishTimeout,
		log:     log,
		subs:    make(map[string]subscription),
	}

	po := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})
	if opts.WillTopic != "" {
		po.SetBinaryWill(opts.WillTopic, opts.WillPayload, 1, true)
	}

	c.client = paho.NewClient(po)
	token := c.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		log.Warn().Str("broker", opts.Broker).Msg("mqtt broker not reachable yet, retrying in background")
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

// onConnect restores subscriptions, which a clean session loses.
func (c *RealClient) onConnect(client paho.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for t, s := range c.subs {
		subs[t] = s
	}
	c.mu.Unlock()

	for topic, s := range subs {
		if err := c.subscribe(client, topic, s); err != nil {
			c.log.Error().Err(err).Str("topic", topic).Msg("mqtt resubscribe failed")
		}
	}
}

func (c *RealClient) subscribe(client paho.Client, topic string, s subscription) error {
	token := client.Subscribe(topic, s.qos, func(_ paho.Client, m paho.Message) {
		s.handler(m.Payload())
	})
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("subscribe timeout")
	}
	return token.Error()
}

// Publish sends payload and waits for the broker.
func (c *RealClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Subscribe registers handler for topic and subscribes now if connected.
func (c *RealClient) Subscribe(topic string, qos byte, handler func(payload []byte)) error {
	s := subscription{qos: qos, handler: handler}
	c.mu.Lock()
	c.subs[topic] = s
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		return nil
	}
	if err := c.subscribe(c.client, topic, s); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// IsConnected reports whether the connection is open.
func (c *RealClient) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *RealClient) Close() error {
	c.client.Disconnect(1000) // 1 second timeout
	return nil
}
