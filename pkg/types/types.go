package types

import (
	"encoding/json"
	"time"
)

const (
	StatusOpened = "OPENED"
	StatusClosed = "CLOSED"
)

// Status is the payload reported on every level change.
type Status struct {
	Series  []int  `json:"series"`
	Message string `json:"message"`
}

// NewStatus builds the status payload for a level and open state.
func NewStatus(level int, opened bool) Status {
	msg := StatusClosed
	if opened {
		msg = StatusOpened
	}
	return Status{Series: []int{level}, Message: msg}
}

type MQTT struct {
	Broker  string        `yaml:"broker" json:"broker"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// MarshalJSON renders Timeout the way it is written in the config file.
func (m MQTT) MarshalJSON() ([]byte, error) {
	type plain MQTT
	return json.Marshal(struct {
		plain
		Timeout string `json:"timeout"`
	}{plain(m), m.Timeout.String()})
}

type Tank struct {
	Period    time.Duration `yaml:"period" json:"period"`
	FillStep  int           `yaml:"fillStep" json:"fillStep"`
	DrainStep int           `yaml:"drainStep" json:"drainStep"`
}

func (t Tank) MarshalJSON() ([]byte, error) {
	type plain Tank
	return json.Marshal(struct {
		plain
		Period string `json:"period"`
	}{plain(t), t.Period.String()})
}

type HomeAssistant struct {
	Address string `yaml:"address" json:"address"`
	Token   string `yaml:"token" json:"-"`
	Entity  string `yaml:"entity" json:"entity"`
}

type HTTP struct {
	Address string `yaml:"address" json:"address"`
}

type Config struct {
	Name          string        `yaml:"name" json:"name"`
	MQTT          MQTT          `yaml:"mqtt" json:"mqtt"`
	Tank          Tank          `yaml:"tank" json:"tank"`
	HomeAssistant HomeAssistant `yaml:"homeassistant" json:"homeassistant"`
	HTTP          HTTP          `yaml:"http" json:"http"`
}
