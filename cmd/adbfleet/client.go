package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIClient provides HTTP client functionality to communicate with a
// running coordinator daemon
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://localhost:8080/api"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *APIClient) IsReachable() bool {
	resp, err := c.client.Get(c.baseURL + "/healthz")
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *APIClient) get(path string, out any) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *APIClient) post(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
			return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("API error: %s", errorResp.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Devices lists all known devices
func (c *APIClient) Devices() (json.RawMessage, error) {
	var out json.RawMessage
	err := c.get("/devices", &out)
	return out, err
}

// Scripts lists the script catalog
func (c *APIClient) Scripts() (json.RawMessage, error) {
	var out json.RawMessage
	err := c.get("/scripts", &out)
	return out, err
}

// Running lists in-flight executions
func (c *APIClient) Running() (json.RawMessage, error) {
	var out json.RawMessage
	err := c.get("/executions", &out)
	return out, err
}

// Logs fetches up to limit recent log lines for a device
func (c *APIClient) Logs(serial string, limit int) (json.RawMessage, error) {
	path := "/devices/" + url.PathEscape(serial) + "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out json.RawMessage
	err := c.get(path, &out)
	return out, err
}

// StartExecution launches a script on a device
func (c *APIClient) StartExecution(deviceID, scriptID string, options json.RawMessage) (json.RawMessage, error) {
	req := map[string]any{"device_id": deviceID, "script_id": scriptID}
	if len(options) > 0 {
		req["options"] = options
	}
	var out json.RawMessage
	err := c.post("/executions", req, &out)
	return out, err
}

// StopExecution stops one execution by id
func (c *APIClient) StopExecution(executionID string) error {
	return c.post("/executions/stop", map[string]string{"execution_id": executionID}, nil)
}

// StopAll stops every running execution
func (c *APIClient) StopAll() (json.RawMessage, error) {
	var out json.RawMessage
	err := c.post("/executions/stop-all", map[string]any{}, &out)
	return out, err
}
