package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrSubscribeRejected is returned when the broker refuses a subscription
var ErrSubscribeRejected = errors.New("broker rejected subscription")

// MessageHandler receives one inbound message. It is called on the
// transport library's goroutine and must not block.
type MessageHandler func(topic string, payload []byte)

// Options configures one tenant's transport connection
type Options struct {
	ServerURI        string
	ClientID         string
	TLS              *tls.Config
	Username         string
	Password         string
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	CleanSession     bool
	AutoReconnect    bool
	OnConnectionLost func(error)
}

// Client is a single subscribe-side broker connection
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error
	Disconnect()
}

// Factory creates transport clients
type Factory interface {
	New(opts Options) Client
}

// PahoFactory builds clients on the Eclipse Paho MQTT library
type PahoFactory struct {
	logger *zap.Logger
}

// NewPahoFactory creates a factory
func NewPahoFactory(logger *zap.Logger) *PahoFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PahoFactory{logger: logger}
}

// New creates an unconnected client
func (f *PahoFactory) New(opts Options) Client {
	return &pahoClient{
		client: mqtt.NewClient(ClientOptions(opts)),
		logger: f.logger.With(zap.String("client_id", opts.ClientID)),
	}
}

// ClientOptions maps Options onto the Paho option set
func ClientOptions(opts Options) *mqtt.ClientOptions {
	o := mqtt.NewClientOptions().
		AddBroker(opts.ServerURI).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetTLSConfig(opts.TLS).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetCleanSession(opts.CleanSession).
		SetAutoReconnect(opts.AutoReconnect).
		SetConnectRetry(false).
		SetOrderMatters(true)

	if opts.OnConnectionLost != nil {
		lost := opts.OnConnectionLost
		o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			lost(err)
		})
	}
	return o
}

type pahoClient struct {
	client mqtt.Client
	logger *zap.Logger
}

func (c *pahoClient) Connect(ctx context.Context) error {
	if err := waitToken(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	c.logger.Debug("Connected to broker")
	return nil
}

func (c *pahoClient) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	tok := c.client.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Topic(), m.Payload())
	})
	if err := waitToken(ctx, tok); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	if st, ok := tok.(*mqtt.SubscribeToken); ok {
		if granted, found := st.Result()[topic]; found && granted == 0x80 {
			return fmt.Errorf("subscribe %s: %w", topic, ErrSubscribeRejected)
		}
	}
	return nil
}

func (c *pahoClient) Disconnect() {
	c.client.Disconnect(250)
}

// ServerURI renders the broker address, e.g. ssl://broker:8883
func ServerURI(scheme, host string, port int) string {
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(port)))
}

// TenantClientID derives a tenant's client identifier
func TenantClientID(prefix, tenantID string) string {
	return prefix + tenantID
}

// TenantTopic renders the heartbeat topic of a tenant from a template
// containing a single %s verb
func TenantTopic(template, tenantID string) string {
	return fmt.Sprintf(template, tenantID)
}

// waitToken blocks until tok completes or ctx ends
func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
