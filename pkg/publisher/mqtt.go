package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/xid"
	"github.com/sony/gobreaker"

	types "github.com/automatedhome/tank/pkg/types"
)

const (
	// QoS 1 gives at-least-once delivery.
	qosAtLeastOnce byte = 1

	defaultTimeout = 3 * time.Second
)

var errTimeout = errors.New("timed out waiting for broker")

type sendFunc func(ctx context.Context, topic string, payload []byte) error

// MQTT publishes tank status to a broker, opening a fresh connection for every message.
type MQTT struct {
	broker  string
	name    string
	topic   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	send    sendFunc
}

// NewMQTT creates a publisher for device name on broker (for example tcp://localhost:1883).
func NewMQTT(broker, name string, timeout time.Duration) *MQTT {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	p := &MQTT{
		broker:  broker,
		name:    name,
		topic:   StatusTopic(name),
		timeout: timeout,
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mqtt-" + name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	})
	p.send = p.sendOnce
	return p
}

// StatusTopic returns the topic a device reports its status on.
func StatusTopic(name string) string {
	return "/outbox/" + name + "/status"
}

func (p *MQTT) Topic() string {
	return p.topic
}

func (p *MQTT) Publish(ctx context.Context, status types.Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.send(ctx, p.topic, payload)
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.topic, err)
	}
	return nil
}

// sendOnce connects, publishes and disconnects. Connecting and publishing
// share one budget: the configured timeout, cut short by the context deadline.
func (p *MQTT) sendOnce(ctx context.Context, topic string, payload []byte) error {
	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.broker)
	opts.SetClientID(p.name + "-" + xid.New().String())
	opts.SetConnectTimeout(time.Until(deadline))
	opts.SetAutoReconnect(false)

	client := mqtt.NewClient(opts)
	if err := wait(client.Connect(), deadline); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer client.Disconnect(250)

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := wait(client.Publish(topic, qosAtLeastOnce, false, payload), deadline); err != nil {
		return fmt.Errorf("failed to publish packet: %w", err)
	}
	return nil
}

func wait(token mqtt.Token, deadline time.Time) error {
	if !token.WaitTimeout(time.Until(deadline)) {
		return errTimeout
	}
	return token.Error()
}
