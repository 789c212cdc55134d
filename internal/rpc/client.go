package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrServerUnavailable indicates the server could not be reached at all.
var ErrServerUnavailable = errors.New("server unavailable")

// Client is a thin HTTP client for a running server, used by the CLI
// subcommands so maintenance always flows through the single writer.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Client for baseURL. token may be empty when the
// server runs without auth.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// Call invokes a service method. args is marshalled as the request body
// (nil means empty); the response is unmarshalled into out when non-nil.
// A tool-level failure comes back as an error carrying the kind-prefixed
// message.
func (c *Client) Call(ctx context.Context, method string, args, out any) error {
	body := []byte("{}")
	if args != nil {
		var err error
		if body, err = json.Marshal(args); err != nil {
			return fmt.Errorf("marshal args: %w", err)
		}
	}

	url := c.baseURL + servicePrefix + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrServerUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return errors.New("authentication failed: unauthorized")
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &e) == nil && e.Error != "" {
			return fmt.Errorf("server error: %s", e.Error)
		}
		return fmt.Errorf("http status %d", resp.StatusCode)
	}

	var probe struct {
		OK    *bool  `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(respBody, &probe); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if probe.OK != nil && !*probe.OK {
		if probe.Error != "" {
			return errors.New(probe.Error)
		}
		return errors.New("operation failed")
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}

// Health checks the server.
func (c *Client) Health(ctx context.Context) (*HealthResult, error) {
	var res HealthResult
	if err := c.Call(ctx, "Health", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// InitializeContext fetches the system reference records.
func (c *Client) InitializeContext(ctx context.Context) (*InitializeContextResult, error) {
	var res InitializeContextResult
	if err := c.Call(ctx, "InitializeContext", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ExportMemories exports active memories, optionally scoped to one branch.
func (c *Client) ExportMemories(ctx context.Context, categoryPath string) (*ExportMemoriesResult, error) {
	var res ExportMemoriesResult
	args := ExportMemoriesArgs{CategoryPath: categoryPath}
	if err := c.Call(ctx, "ExportMemories", args, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetIngestionStats fetches queue counters.
func (c *Client) GetIngestionStats(ctx context.Context) (*GetIngestionStatsResult, error) {
	var res GetIngestionStatsResult
	if err := c.Call(ctx, "GetIngestionStats", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PruneHistory deletes superseded versions older than daysOld.
func (c *Client) PruneHistory(ctx context.Context, daysOld int) (*PruneHistoryResult, error) {
	var res PruneHistoryResult
	if err := c.Call(ctx, "PruneHistory", PruneHistoryArgs{DaysOld: daysOld}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FlushStaging deletes settled staging jobs older than daysOld; zero keeps
// the server default.
func (c *Client) FlushStaging(ctx context.Context, daysOld int) (*FlushStagingResult, error) {
	var res FlushStagingResult
	if err := c.Call(ctx, "FlushStaging", FlushStagingArgs{DaysOld: daysOld}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RunDiagnostics executes the server-side health checks.
func (c *Client) RunDiagnostics(ctx context.Context) (*RunDiagnosticsResult, error) {
	var res RunDiagnosticsResult
	if err := c.Call(ctx, "RunDiagnostics", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RebuildPrimer forces a primer synthesis pass.
func (c *Client) RebuildPrimer(ctx context.Context) (*RebuildPrimerResult, error) {
	var res RebuildPrimerResult
	if err := c.Call(ctx, "RebuildPrimer", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
