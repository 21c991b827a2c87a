// Package client is the typed HTTP client for the management API, used by
// the proxy and the admin CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Meistache/pixelated-dispatcher/internal/leapsrp"
	"github.com/Meistache/pixelated-dispatcher/internal/provider"
)

// ErrManagerInitializing is returned while the manager reports 503; callers
// may treat the manager as up but not ready.
var ErrManagerInitializing = errors.New("manager is initializing")

// ManagerError is a non-503 error response from the manager.
type ManagerError struct {
	Code   int
	Reason string
}

func (e *ManagerError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Reason)
}

// Agent mirrors the manager's agent summary.
type Agent struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Runtime mirrors the manager's runtime info.
type Runtime struct {
	State string `json:"state"`
	Port  int    `json:"port,omitempty"`
}

// Client talks to one manager instance.
type Client struct {
	baseURL string
	hc      *http.Client
}

// New creates a client for the manager at addr (host:port). TLS options
// match the SRP authenticator's: CA bundle, hostname skip, or fingerprint
// pin.
func New(addr string, useTLS bool, tlsCfg leapsrp.TLSConfig) (*Client, error) {
	scheme := "https"
	if !useTLS {
		scheme = "http"
	}
	cfg, err := tlsCfg.Build()
	if err != nil {
		return nil, err
	}
	return &Client{
		baseURL: scheme + "://" + strings.TrimRight(addr, "/"),
		hc: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: cfg},
		},
	}, nil
}

// do performs one request and decodes the JSON response into out when
// non-nil. Manager error responses become ErrManagerInitializing or a
// ManagerError.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("manager request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusServiceUnavailable {
			return ErrManagerInitializing
		}
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		reason := errBody.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return &ManagerError{Code: resp.StatusCode, Reason: reason}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode manager response: %w", err)
		}
	}
	return nil
}

// List returns all registered agents.
func (c *Client) List(ctx context.Context) ([]Agent, error) {
	var body struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &body); err != nil {
		return nil, err
	}
	return body.Agents, nil
}

// Running returns the names of agents currently running.
func (c *Client) Running(ctx context.Context) ([]string, error) {
	agents, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, a := range agents {
		if a.State == "running" {
			names = append(names, a.Name)
		}
	}
	return names, nil
}

// GetAgent returns one agent's summary.
func (c *Client) GetAgent(ctx context.Context, name string) (Agent, error) {
	var a Agent
	err := c.do(ctx, http.MethodGet, "/agents/"+name, nil, &a)
	return a, err
}

// AgentExists reports whether the agent is registered.
func (c *Client) AgentExists(ctx context.Context, name string) (bool, error) {
	_, err := c.GetAgent(ctx, name)
	var me *ManagerError
	if errors.As(err, &me) && me.Code == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetRuntime returns one agent's runtime state and port.
func (c *Client) GetRuntime(ctx context.Context, name string) (Runtime, error) {
	var rt Runtime
	err := c.do(ctx, http.MethodGet, "/agents/"+name+"/runtime", nil, &rt)
	return rt, err
}

// Add registers a new agent with its provider credentials.
func (c *Client) Add(ctx context.Context, name, password string) error {
	return c.do(ctx, http.MethodPost, "/agents",
		map[string]string{"name": name, "password": password}, nil)
}

// Start brings the agent up and returns the resulting runtime.
func (c *Client) Start(ctx context.Context, name string) (Runtime, error) {
	var rt Runtime
	err := c.do(ctx, http.MethodPut, "/agents/"+name+"/state",
		map[string]string{"state": "running"}, &rt)
	return rt, err
}

// Stop brings the agent down.
func (c *Client) Stop(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPut, "/agents/"+name+"/state",
		map[string]string{"state": "stopped"}, nil)
}

// Authenticate verifies the password and stages credentials for the next
// start.
func (c *Client) Authenticate(ctx context.Context, name, password string) error {
	return c.do(ctx, http.MethodPost, "/agents/"+name+"/authenticate",
		map[string]string{"password": password}, nil)
}

// ResetData wipes the agent's data directory.
func (c *Client) ResetData(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPut, "/agents/"+name+"/reset_data",
		map[string]string{"name": name}, nil)
}

// Remove deletes the agent entirely.
func (c *Client) Remove(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+name, nil, nil)
}

// MemoryUsage returns the aggregated agent memory statistics.
func (c *Client) MemoryUsage(ctx context.Context) (provider.MemoryUsage, error) {
	var usage provider.MemoryUsage
	err := c.do(ctx, http.MethodGet, "/stats/memory_usage", nil, &usage)
	return usage, err
}

// ValidateConnection polls the manager until it answers or the timeout
// elapses. An initializing manager counts as reachable; connection errors
// are retried every 500 ms.
func (c *Client) ValidateConnection(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		_, err := c.List(ctx)
		if err == nil || errors.Is(err, ErrManagerInitializing) {
			return nil
		}
		var me *ManagerError
		if errors.As(err, &me) {
			// The manager answered; it is reachable.
			return nil
		}
		lastErr = err

		if time.Now().After(deadline) {
			return fmt.Errorf("manager not reachable after %s: %w", timeout, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
