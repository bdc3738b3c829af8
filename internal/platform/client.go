package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"example.com/hearth/services/arbiter/config"
)

// Client is the narrow interface to the home-automation platform. The
// platform owns presence data and command execution; this subsystem only
// consumes them.
type Client interface {
	// Healthy probes the platform's API availability
	Healthy(ctx context.Context) bool

	// EntityLocation returns the room/zone an entity (person or device
	// tracker) is currently in, or "" when the platform only knows a coarse
	// "home"/"not_home" state.
	EntityLocation(ctx context.Context, entityID string) (string, error)

	// ExecuteCommand runs a direct automation command after arbitration has
	// been won and the degradation level permits it
	ExecuteCommand(ctx context.Context, domain, service string, payload map[string]interface{}) error
}

// httpClient implements Client over the platform's REST API
type httpClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a platform client
func NewClient(cfg config.PlatformConfig) Client {
	return &httpClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *httpClient) request(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	return c.http.Do(req)
}

// Healthy probes the platform's API availability
func (c *httpClient) Healthy(ctx context.Context) bool {
	resp, err := c.request(ctx, http.MethodGet, "/api/", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// entityState is the subset of the platform's state object we read
type entityState struct {
	State      string `json:"state"`
	Attributes struct {
		Room string `json:"room"`
	} `json:"attributes"`
}

// EntityLocation returns the room an entity is currently in
func (c *httpClient) EntityLocation(ctx context.Context, entityID string) (string, error) {
	resp, err := c.request(ctx, http.MethodGet, "/api/states/"+entityID, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to query entity state")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("platform returned status %d for %s", resp.StatusCode, entityID)
	}

	var state entityState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return "", errors.Wrap(err, "failed to decode entity state")
	}

	// A room attribute beats the raw state; a bare "home"/"not_home" state is
	// too coarse to be a room, so report nothing rather than guess
	if state.Attributes.Room != "" {
		return state.Attributes.Room, nil
	}
	if state.State == "home" || state.State == "not_home" || state.State == "unknown" {
		return "", nil
	}
	return state.State, nil
}

// ExecuteCommand runs a direct automation command
func (c *httpClient) ExecuteCommand(ctx context.Context, domain, service string, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal command payload")
	}

	path := fmt.Sprintf("/api/services/%s/%s", domain, service)
	resp, err := c.request(ctx, http.MethodPost, path, body)
	if err != nil {
		return errors.Wrap(err, "failed to execute command")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("command %s.%s failed with status %d", domain, service, resp.StatusCode)
	}
	return nil
}
