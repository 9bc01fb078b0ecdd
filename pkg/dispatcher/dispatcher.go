// Package dispatcher serves remote function calls received over MQTT.
//
// A request names a numbered function slot and carries a parameter string:
//
//	{"sender":"user-topic","body":{"method":34,"params":"open","id":7}}
//
// The response is published to the sender topic:
//
//	{"sender":"JTank...","body":{"result":"...","error":0,"id":7}}
package dispatcher

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/automatedhome/common/pkg/mqttclient"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/automatedhome/tank/pkg/tank"
)

const (
	ErrorNone     = 0
	ErrorNotFound = 3

	SlotTank         = 34
	SlotInputFaucet  = 35
	SlotOutputFaucet = 36
)

type RequestBody struct {
	Method int    `json:"method"`
	Params string `json:"params"`
	ID     int64  `json:"id"`
}

type Request struct {
	Sender string      `json:"sender"`
	Body   RequestBody `json:"body"`
}

type ResponseBody struct {
	Result string `json:"result"`
	Error  int    `json:"error"`
	ID     int64  `json:"id"`
}

type Response struct {
	Sender string       `json:"sender"`
	Body   ResponseBody `json:"body"`
}

type Dispatcher struct {
	name      string
	mu        sync.RWMutex
	functions map[int]tank.Function
	client    mqtt.Client
}

func New(name string) *Dispatcher {
	return &Dispatcher{
		name:      name,
		functions: make(map[int]tank.Function),
	}
}

// NewForTank registers the tank and faucet functions on their default slots.
func NewForTank(name string, c *tank.Controller) *Dispatcher {
	d := New(name)
	d.AddFunction(SlotTank, tank.TankFunction(c))
	d.AddFunction(SlotInputFaucet, tank.InputFaucetFunction(c))
	d.AddFunction(SlotOutputFaucet, tank.OutputFaucetFunction(c))
	return d
}

func (d *Dispatcher) AddFunction(slot int, fn tank.Function) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.functions[slot] = fn
}

// Handle runs the request and returns the reply topic and payload.
func (d *Dispatcher) Handle(payload []byte) (string, []byte, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", nil, fmt.Errorf("could not parse request: %w", err)
	}
	if req.Sender == "" {
		return "", nil, fmt.Errorf("request %d has no sender", req.Body.ID)
	}

	d.mu.RLock()
	fn, ok := d.functions[req.Body.Method]
	d.mu.RUnlock()

	resp := Response{
		Sender: d.name,
		Body:   ResponseBody{ID: req.Body.ID},
	}
	if ok {
		resp.Body.Result = fn(req.Body.Params)
	} else {
		resp.Body.Error = ErrorNotFound
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return "", nil, fmt.Errorf("could not encode response: %w", err)
	}
	return req.Sender, out, nil
}

func (d *Dispatcher) onMessage(client mqtt.Client, msg mqtt.Message) {
	topic, out, err := d.Handle(msg.Payload())
	if err != nil {
		log.Printf("Dropping request on %s: %v", msg.Topic(), err)
		return
	}
	// Publish waits on its token, which must not happen on the router goroutine.
	go reply(client, topic, out)
}

// reply publishes a response. mqttclient.Publish logs failures itself.
func reply(client mqtt.Client, topic string, payload []byte) {
	_ = mqttclient.Publish(client, topic, 1, false, string(payload))
}

// Connect subscribes to the device topic on broker. Connection failures are fatal.
func (d *Dispatcher) Connect(broker string) error {
	uri, err := url.Parse(broker)
	if err != nil {
		return fmt.Errorf("invalid broker address %q: %w", broker, err)
	}
	log.Printf("Listening for function calls on topic %s", d.name)
	d.client = mqttclient.New(d.name, uri, []string{d.name}, d.onMessage)
	return nil
}

func (d *Dispatcher) Disconnect() {
	if d.client != nil {
		d.client.Disconnect(250)
	}
}
