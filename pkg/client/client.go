// Package client wraps the engine's HTTP API for CLI usage.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/caravanhq/caravan/pkg/types"
)

// Client talks to one engine instance.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a client for the engine at addr ("host:port" or a
// full URL).
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		httpc:   &http.Client{Timeout: 5 * time.Minute},
	}
}

// apiError is the {success:false, error, details?} wire shape.
type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("calling engine: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("engine returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("engine returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// SimulateRequest mirrors the simulate endpoints' body.
type SimulateRequest struct {
	types.JourneySpec
	Chained   bool `json:"chained,omitempty"`
	Customers int  `json:"customers,omitempty"`
}

// Simulate runs one journey.
func (c *Client) Simulate(ctx context.Context, req SimulateRequest) (types.JourneyRunResult, error) {
	var out struct {
		Result types.JourneyRunResult `json:"result"`
	}
	err := c.do(ctx, http.MethodPost, "/api/journey/simulate", req, &out)
	return out.Result, err
}

// SimulateMultiple runs the journey for req.Customers synthetic customers.
func (c *Client) SimulateMultiple(ctx context.Context, req SimulateRequest) ([]types.JourneyRunResult, error) {
	var out struct {
		Results []types.JourneyRunResult `json:"results"`
	}
	err := c.do(ctx, http.MethodPost, "/api/journey/simulate-multiple", req, &out)
	return out.Results, err
}

// FlagState is the flag surface returned by the engine.
type FlagState struct {
	Flags     types.FlagSet            `json:"flags"`
	Overrides map[string]types.FlagSet `json:"overrides,omitempty"`
	Effective types.FlagSet            `json:"effective,omitempty"`
}

// GetFlags fetches global flags, or the effective set when service is set.
func (c *Client) GetFlags(ctx context.Context, service string) (FlagState, error) {
	path := "/api/feature_flag"
	if service != "" {
		path += "?service=" + url.QueryEscape(service)
	}
	var out FlagState
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// SetFlag mutates one flag, globally or for targetService.
func (c *Client) SetFlag(ctx context.Context, name string, value any, targetService, reason string) (FlagState, error) {
	body := map[string]any{"value": value}
	if targetService != "" {
		body["targetService"] = targetService
	}
	if reason != "" {
		body["reason"] = reason
	}
	var out FlagState
	err := c.do(ctx, http.MethodPut, "/api/feature_flag/"+url.PathEscape(name), body, &out)
	return out, err
}

// ResetFlag restores a flag's global default, or removes the service
// override when targetService is set.
func (c *Client) ResetFlag(ctx context.Context, name, targetService string) (FlagState, error) {
	path := "/api/feature_flag/" + url.PathEscape(name)
	if targetService != "" {
		path += "?targetService=" + url.QueryEscape(targetService)
	}
	var out FlagState
	err := c.do(ctx, http.MethodDelete, path, nil, &out)
	return out, err
}

// Services lists the supervisor's inventory.
func (c *Client) Services(ctx context.Context) ([]types.ServiceRecord, error) {
	var out struct {
		Services []types.ServiceRecord `json:"services"`
	}
	err := c.do(ctx, http.MethodGet, "/api/admin/services", nil, &out)
	return out.Services, err
}

// PortReport is the allocator introspection payload.
type PortReport struct {
	Range       string                 `json:"range"`
	Allocations []types.PortAllocation `json:"allocations"`
}

// Ports returns the current port allocations.
func (c *Client) Ports(ctx context.Context) (PortReport, error) {
	var out PortReport
	err := c.do(ctx, http.MethodGet, "/api/ports", nil, &out)
	return out, err
}

// CleanupPorts reclaims stale allocations, returning how many were freed.
func (c *Client) CleanupPorts(ctx context.Context) (int, error) {
	var out struct {
		Reclaimed int `json:"reclaimed"`
	}
	err := c.do(ctx, http.MethodPost, "/api/ports/cleanup", nil, &out)
	return out.Reclaimed, err
}

// Health checks engine liveness.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
