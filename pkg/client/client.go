// Package client is an HTTP client for the fcsandbox API, used by the CLI
// and by SDK-style callers.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/fcsandbox/fcsandbox/pkg/types"
)

// Client talks to one fcsandbox server.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			// Exec calls can legitimately run for minutes.
			Timeout: 10 * time.Minute,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// CreateSandbox creates a sandbox and waits for it to be Running.
func (c *Client) CreateSandbox(ctx context.Context, cfg types.SandboxConfig) (*types.Sandbox, error) {
	var sb types.Sandbox
	if err := c.do(ctx, http.MethodPost, "/sandboxes", cfg, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// ListSandboxes lists all live sandboxes.
func (c *Client) ListSandboxes(ctx context.Context) ([]types.Sandbox, error) {
	var list []types.Sandbox
	if err := c.do(ctx, http.MethodGet, "/sandboxes", nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetSandbox fetches one descriptor.
func (c *Client) GetSandbox(ctx context.Context, id string) (*types.Sandbox, error) {
	var sb types.Sandbox
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+id, nil, &sb); err != nil {
		return nil, err
	}
	return &sb, nil
}

// DestroySandbox destroys a sandbox. Succeeds for unknown ids.
func (c *Client) DestroySandbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sandboxes/"+id, nil, nil)
}

// PauseSandbox snapshots and stops a running sandbox.
func (c *Client) PauseSandbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/sandboxes/"+id+"/pause", nil, nil)
}

// ResumeSandbox restores a paused sandbox.
func (c *Client) ResumeSandbox(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/sandboxes/"+id+"/resume", nil, nil)
}

// Exec runs a shell command inside a sandbox.
func (c *Client) Exec(ctx context.Context, id string, cfg types.ProcessConfig) (*types.ProcessResult, error) {
	var res types.ProcessResult
	if err := c.do(ctx, http.MethodPost, "/sandboxes/"+id+"/exec", cfg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// WriteFile writes bytes to an absolute path in the sandbox.
func (c *Client) WriteFile(ctx context.Context, id, path string, content []byte) error {
	return c.do(ctx, http.MethodPost, "/sandboxes/"+id+"/files/write", types.WriteFileRequest{
		Path:     path,
		Content:  base64.StdEncoding.EncodeToString(content),
		IsBase64: true,
	}, nil)
}

// ReadFile reads a file from the sandbox.
func (c *Client) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+id+"/files/read?path="+url.QueryEscape(path), nil, &out); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	return data, nil
}

// ListFiles lists a sandbox directory.
func (c *Client) ListFiles(ctx context.Context, id, path string) ([]types.EntryInfo, error) {
	var out struct {
		Entries []types.EntryInfo `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+id+"/files/list?path="+url.QueryEscape(path), nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// MakeDir creates a directory in the sandbox.
func (c *Client) MakeDir(ctx context.Context, id, path string, parents bool) error {
	return c.do(ctx, http.MethodPost, "/sandboxes/"+id+"/files/mkdir", map[string]any{
		"path":    path,
		"parents": parents,
	}, nil)
}

// RemoveFile deletes a file or directory in the sandbox.
func (c *Client) RemoveFile(ctx context.Context, id, path string, recursive bool) error {
	p := "/sandboxes/" + id + "/files?path=" + url.QueryEscape(path)
	if recursive {
		p += "&recursive=true"
	}
	return c.do(ctx, http.MethodDelete, p, nil, nil)
}

// StatFile stats a path in the sandbox.
func (c *Client) StatFile(ctx context.Context, id, path string) (*types.FileInfo, error) {
	var info types.FileInfo
	if err := c.do(ctx, http.MethodGet, "/sandboxes/"+id+"/files/stat?path="+url.QueryEscape(path), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Health fetches service capacity.
func (c *Client) Health(ctx context.Context) (*types.HealthResponse, error) {
	var h types.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
