package remotes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/orneryd/suset/pkg/logging"
)

// Sentinel errors for the MQTT-backed Transport.
var (
	ErrConnectTimeout = errors.New("remotes: mqtt connect timed out")
	ErrNotConnected   = errors.New("remotes: mqtt not connected")
)

// maxReconnectInterval caps the client's reconnect backoff after a steady-
// state transport error; paho doubles its wait on each failed attempt up to
// this ceiling, the same capped-doubling shape as a retrying background
// worker.
const maxReconnectInterval = time.Minute

// MQTTOptions configures the broker-backed Transport.
type MQTTOptions struct {
	// BrokerURL is the broker address, e.g. "tcp://localhost:1883".
	BrokerURL string

	// Domain is the root topic; presence uses "<Domain>/control".
	Domain string

	// CloneID is this clone's unique id, used as the MQTT client id and as
	// the key of its own presence record.
	CloneID string

	Username string
	Password string

	// ConnectTimeout bounds the initial connect. Default 10s.
	ConnectTimeout time.Duration

	// QoS applied to broadcast and send/reply publishes. Default 1: at-least-
	// once delivery for control traffic.
	QoS byte

	// Log receives connection-lifecycle events (lost connection, reconnect
	// backoff). Defaults to a logger tagged "remotes.mqtt" at info level.
	Log *logging.Logger
}

// MQTT is a Transport backed by an eclipse/paho.mqtt.golang client. Presence
// is derived from retained records under "<domain>/control/<cloneId>",
// published on connect and cleared via the broker's last-will so an
// ungraceful disconnect still clears that clone from the visible set.
type MQTT struct {
	client mqtt.Client
	domain string
	qos    byte
	log    *logging.Logger

	mu       sync.RWMutex
	closed   bool
	presence map[string]bool
}

// OpenMQTT connects to a broker and returns a ready-to-use Transport. The
// caller is responsible for calling Close on shutdown.
func OpenMQTT(opts MQTTOptions) (*MQTT, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.QoS == 0 {
		opts.QoS = 1
	}
	if opts.Log == nil {
		opts.Log = logging.New("remotes.mqtt", logging.LevelInfo)
	}

	t := &MQTT{domain: opts.Domain, qos: opts.QoS, log: opts.Log, presence: map[string]bool{}}

	presenceTopic := controlTopic(opts.Domain) + "/" + opts.CloneID
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.CloneID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetWill(presenceTopic, "", opts.QoS, true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.log.Warn("connection lost, reconnecting with capped backoff", logging.Fields{"maxReconnectInterval": maxReconnectInterval, "err": err})
		}).
		SetOnConnectHandler(func(c mqtt.Client) {
			token := c.Publish(presenceTopic, opts.QoS, true, []byte(opts.CloneID))
			token.WaitTimeout(opts.ConnectTimeout)
		})
	if opts.Username != "" {
		clientOpts = clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}

	t.client = mqtt.NewClient(clientOpts)
	token := t.client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		return nil, ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("remotes: mqtt connect: %w", err)
	}

	if err := t.Subscribe(context.Background(), controlTopic(opts.Domain)+"/+", t.trackPresence); err != nil {
		t.client.Disconnect(250)
		return nil, fmt.Errorf("remotes: mqtt: subscribe control: %w", err)
	}

	return t, nil
}

func (t *MQTT) trackPresence(topic string, payload []byte) {
	id := lastTopicSegment(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(payload) == 0 {
		delete(t.presence, id)
		return
	}
	t.presence[id] = true
}

func (t *MQTT) Publish(_ context.Context, topic string, payload []byte, retained bool) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrNotConnected
	}
	t.mu.RUnlock()

	token := t.client.Publish(topic, t.qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("remotes: mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (t *MQTT) Subscribe(_ context.Context, topicFilter string, handler func(topic string, payload []byte)) error {
	token := t.client.Subscribe(topicFilter, t.qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("remotes: mqtt subscribe %s: %w", topicFilter, err)
	}
	return nil
}

func (t *MQTT) Unsubscribe(topicFilter string) error {
	token := t.client.Unsubscribe(topicFilter)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("remotes: mqtt unsubscribe %s: %w", topicFilter, err)
	}
	return nil
}

// Present returns every clone id currently holding a retained presence
// record, i.e. every clone connected (or disconnected ungracefully but not
// yet reaped by the broker's last-will delivery).
func (t *MQTT) Present(_ context.Context) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.presence))
	for id := range t.presence {
		ids = append(ids, id)
	}
	return ids, nil
}

func (t *MQTT) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.client.Disconnect(250)
	return nil
}
