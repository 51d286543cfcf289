package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Event is one server-sent event from the gateway chat stream.
type Event struct {
	Name string
	Data map[string]any
}

// Str returns a string field from the event payload.
func (e Event) Str(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// HealthInfo is the gateway health snapshot.
type HealthInfo struct {
	Status          string `json:"status"`
	Actions         int    `json:"actions"`
	RegistryVersion int64  `json:"registry_version"`
	Embedder        string `json:"embedder"`
}

// Client talks to a running routeNERD gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a gateway client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout: chat streams are long-lived. Per-request
		// deadlines come from the caller's context.
		httpClient: &http.Client{},
	}
}

// Health fetches the gateway health snapshot.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var info HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("invalid health payload: %w", err)
	}
	return &info, nil
}

// ActionInfo describes one registered action.
type ActionInfo struct {
	Name    string   `json:"name"`
	Group   string   `json:"group"`
	Purpose string   `json:"purpose"`
	Tags    []string `json:"tags,omitempty"`
}

// Actions fetches the registered action set and the registry version.
func (c *Client) Actions(ctx context.Context) ([]ActionInfo, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/actions", nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var payload struct {
		Actions         []ActionInfo `json:"actions"`
		RegistryVersion int64        `json:"registry_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, 0, fmt.Errorf("invalid actions payload: %w", err)
	}
	return payload.Actions, payload.RegistryVersion, nil
}

// MutationResult reports a registry mutation applied by the gateway.
type MutationResult struct {
	Status          string `json:"status"`
	ActionsCount    int    `json:"actions_count"`
	RegistryVersion int64  `json:"registry_version"`
}

// RemoveAction removes one action from the registry and the index.
func (c *Client) RemoveAction(ctx context.Context, name string) (*MutationResult, error) {
	return c.mutate(ctx, http.MethodDelete, "/api/actions/"+name)
}

// ReloadGroup reloads an action group from its pack.
func (c *Client) ReloadGroup(ctx context.Context, group string) (*MutationResult, error) {
	return c.mutate(ctx, http.MethodPost, "/api/actions/reload-group/"+group)
}

func (c *Client) mutate(ctx context.Context, method, path string) (*MutationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var result MutationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("invalid mutation payload: %w", err)
	}
	return &result, nil
}

// IndexStatus mirrors the gateway's index status payload.
type IndexStatus struct {
	Version      int64     `json:"version"`
	Documents    int       `json:"documents"`
	Actions      int       `json:"actions"`
	UnderIndexed []string  `json:"under_indexed,omitempty"`
	Rebuilds     int64     `json:"rebuilds"`
	LastRebuild  time.Time `json:"last_rebuild"`
}

// IndexStatus reports the action index state of a running gateway.
func (c *Client) IndexStatus(ctx context.Context) (*IndexStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/index/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var status IndexStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("invalid index status payload: %w", err)
	}
	return &status, nil
}

// RebuildIndex forces the gateway to reconcile the index against the
// current registry snapshot and returns the resulting state.
func (c *Client) RebuildIndex(ctx context.Context) (*IndexStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/index/rebuild", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var result struct {
		Index IndexStatus `json:"index"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("invalid rebuild payload: %w", err)
	}
	return &result.Index, nil
}

// Stream sends one user message and returns the gateway's event stream.
// The event channel is closed when the stream ends; a failure is delivered
// on the error channel before the close.
func (c *Client) Stream(ctx context.Context, message string) (<-chan Event, <-chan error) {
	events := make(chan Event, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(events)

		body, err := json.Marshal(map[string]string{"message": message})
		if err != nil {
			errs <- err
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			errs <- err
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			errs <- fmt.Errorf("gateway unreachable: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(resp.Body)
			errs <- fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var current Event
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				current = Event{Name: strings.TrimPrefix(line, "event: ")}
			case strings.HasPrefix(line, "data: "):
				raw := strings.TrimPrefix(line, "data: ")
				if err := json.Unmarshal([]byte(raw), &current.Data); err != nil {
					continue
				}
				select {
				case events <- current:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			errs <- fmt.Errorf("stream error: %w", err)
		}
	}()

	return events, errs
}
