package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	types "github.com/automatedhome/tank/pkg/types"
)

// Client mirrors tank status into a Home Assistant entity.
type Client struct {
	address    string
	token      string
	entity     string
	httpClient *http.Client
}

type entityState struct {
	State      string            `json:"state"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewClient returns a client for the Home Assistant API at address (host:port).
func NewClient(address, token, entity string) *Client {
	return &Client{
		address:    address,
		token:      token,
		entity:     entity,
		httpClient: &http.Client{},
	}
}

func (c *Client) Publish(ctx context.Context, status types.Status) error {
	state := ""
	if len(status.Series) > 0 {
		state = strconv.Itoa(status.Series[len(status.Series)-1])
	}
	return c.setState(ctx, c.entity, entityState{
		State: state,
		Attributes: map[string]string{
			"status":              status.Message,
			"unit_of_measurement": "units",
		},
	})
}

func (c *Client) setState(ctx context.Context, entity string, state entityState) error {
	address := fmt.Sprintf("http://%s/api/states/%s", c.address, entity)

	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("could not encode state: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Add("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", c.token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("could not send data to Home Assistant: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("home assistant returned %s", resp.Status)
	}
	return nil
}
