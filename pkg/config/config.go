package config

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"time"

	types "github.com/automatedhome/tank/pkg/types"
	"gopkg.in/yaml.v2"
)

const nameAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

type Config struct {
	cfg types.Config
}

func defaults() types.Config {
	return types.Config{
		MQTT: types.MQTT{
			Broker:  "tcp://localhost:1883",
			Timeout: 3 * time.Second,
		},
		Tank: types.Tank{
			Period:    500 * time.Millisecond,
			FillStep:  1,
			DrainStep: 2,
		},
		HomeAssistant: types.HomeAssistant{
			Entity: "sensor.tank_level",
		},
		HTTP: types.HTTP{
			Address: ":7001",
		},
	}
}

// NewConfig reads configuration from file. An empty path yields the defaults.
func NewConfig(file string) (*Config, error) {
	c := &Config{cfg: defaults()}

	if file != "" {
		log.Printf("Reading configuration from %s", file)
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("file reading error: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &c.cfg); err != nil {
			return nil, fmt.Errorf("could not parse %s: %w", file, err)
		}
	}

	if c.cfg.Name == "" {
		name, err := RandomName()
		if err != nil {
			return nil, err
		}
		c.cfg.Name = name
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) Validate() error {
	if c.cfg.Tank.Period <= 0 {
		return fmt.Errorf("tank period must be positive, got %s", c.cfg.Tank.Period)
	}
	if c.cfg.Tank.FillStep < 0 || c.cfg.Tank.DrainStep < 0 {
		return fmt.Errorf("tank steps must not be negative")
	}
	if c.cfg.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker address is required")
	}
	return nil
}

// RandomName returns a device name in the form JTank followed by 12 characters of [0-9A-Z].
func RandomName() (string, error) {
	b := make([]byte, 12)
	limit := big.NewInt(int64(len(nameAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("could not generate device name: %w", err)
		}
		b[i] = nameAlphabet[n.Int64()]
	}
	return "JTank" + string(b), nil
}

func (c *Config) SetName(name string) {
	if name != "" {
		c.cfg.Name = name
	}
}

func (c *Config) SetBroker(broker string) {
	if broker != "" {
		c.cfg.MQTT.Broker = broker
	}
}

func (c *Config) SetHomeAssistant(address, token string) {
	if address != "" {
		c.cfg.HomeAssistant.Address = address
	}
	if token != "" {
		c.cfg.HomeAssistant.Token = token
	}
}

func (c *Config) GetName() string {
	return c.cfg.Name
}

func (c *Config) GetMQTT() *types.MQTT {
	return &c.cfg.MQTT
}

func (c *Config) GetTank() *types.Tank {
	return &c.cfg.Tank
}

func (c *Config) GetHomeAssistant() *types.HomeAssistant {
	return &c.cfg.HomeAssistant
}

func (c *Config) GetHTTP() *types.HTTP {
	return &c.cfg.HTTP
}

func (c *Config) ExposeSettingsOnHTTP(w http.ResponseWriter, r *http.Request) {
	js, err := json.Marshal(c.cfg)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(js)
	if err != nil {
		log.Println(err)
	}
}
