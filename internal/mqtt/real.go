package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	logger "github.com/sirupsen/logrus"
)

// conn is the part of the paho client the publisher uses.
type conn interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// RealPublisher publishes to an actual MQTT broker. Messages published while
// the broker is unreachable are held in a ring buffer and replayed on
// reconnect.
type RealPublisher struct {
	conn    conn
	timeout time.Duration
	log     *logger.Entry

	mu     sync.Mutex
	buffer *ringBuffer
}

// ClientID returns a broker client id unique to this process.
func ClientID() string {
	return "smartscale-" + uuid.NewString()[:8]
}

// NewRealPublisher creates a publisher for the given broker. The broker does
// not have to be reachable yet; paho keeps retrying in the background.
func NewRealPublisher(broker, clientID string, bufferSize int) (*RealPublisher, error) {
	p := newPublisher(nil, bufferSize)

	will, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "OFFLINE", Reason: "LWT"})
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(TopicSystem, string(will), 1, true).
		SetOnConnectHandler(func(paho.Client) {
			p.log.Infof("Connected to %s", broker)
			p.replay()
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			p.log.WithError(err).Warn("Connection lost")
		})

	client := paho.NewClient(opts)
	p.conn = client

	token := client.Connect()
	if token.WaitTimeout(3*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker: %w", token.Error())
	}
	return p, nil
}

func newPublisher(c conn, bufferSize int) *RealPublisher {
	return &RealPublisher{
		conn:    c,
		timeout: 5 * time.Second,
		log:     logger.WithField("component", "mqtt"),
		buffer:  newRingBuffer(bufferSize),
	}
}

// Publish sends a scale event to the MQTT broker.
func (p *RealPublisher) Publish(event Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return p.send(bufferedMsg{topic: Topic, payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event to the MQTT broker.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.send(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

func (p *RealPublisher) send(msg bufferedMsg) error {
	p.mu.Lock()
	if !p.conn.IsConnected() {
		p.buffer.push(msg)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token := p.conn.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s: timeout", msg.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", msg.topic, err)
	}
	return nil
}

// replay publishes buffered messages oldest first. Messages that fail go
// back into the buffer.
func (p *RealPublisher) replay() {
	p.mu.Lock()
	msgs := p.buffer.drainAll()
	p.mu.Unlock()
	if len(msgs) == 0 {
		return
	}

	sent := 0
	for i, msg := range msgs {
		token := p.conn.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
		if !token.WaitTimeout(p.timeout) || token.Error() != nil {
			p.mu.Lock()
			for _, m := range msgs[i:] {
				p.buffer.push(m)
			}
			p.mu.Unlock()
			break
		}
		sent++
	}
	p.log.Infof("Replayed %d/%d buffered messages", sent, len(msgs))
}

// Buffered returns the number of messages waiting for the broker.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.len()
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.conn.IsConnected()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.conn.Disconnect(1000) // 1 second timeout
	return nil
}
