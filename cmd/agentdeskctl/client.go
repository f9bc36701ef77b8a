package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// client talks to the agentdeskd HTTP API.
type client struct {
	base   string
	prefix string
	key    string
	http   *http.Client
}

func newClient(base, prefix, key string) *client {
	return &client{
		base:   strings.TrimRight(base, "/"),
		prefix: "/" + strings.Trim(prefix, "/"),
		key:    key,
		http:   &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx response. The server reports {"error": "..."}.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (c *client) url(path string, query url.Values) string {
	u := c.base + c.prefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do sends body as JSON (when non-nil) and returns the raw response body.
func (c *client) do(method, path string, query url.Values, body any) ([]byte, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.url(path, query), r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg}
	}
	return data, nil
}

// getJSON decodes a GET response into out.
func (c *client) getJSON(path string, query url.Values, out any) error {
	data, err := c.do(http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// health hits the unprefixed health route.
func (c *client) health() ([]byte, error) {
	saved := c.prefix
	c.prefix = ""
	defer func() { c.prefix = saved }()
	return c.do(http.MethodGet, "/health", nil, nil)
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
