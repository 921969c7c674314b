package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RESTOptions configures the JSON-over-HTTP gateways.
type RESTOptions struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	CreateTimeout time.Duration
	FetchTimeout  time.Duration
	HTTPClient    *http.Client
}

type restClient struct {
	http          *http.Client
	baseURL       string
	keyID         string
	keySecret     string
	createTimeout time.Duration
	fetchTimeout  time.Duration
}

func newRESTClient(opts RESTOptions, defaultBaseURL string) restClient {
	c := restClient{
		http:          opts.HTTPClient,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		keyID:         opts.KeyID,
		keySecret:     opts.KeySecret,
		createTimeout: opts.CreateTimeout,
		fetchTimeout:  opts.FetchTimeout,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.createTimeout == 0 {
		c.createTimeout = 30 * time.Second
	}
	if c.fetchTimeout == 0 {
		c.fetchTimeout = 15 * time.Second
	}
	return c
}

// errorDescription pulls a message out of either {"error":{"description"}}
// or {"message"} error bodies.
func errorDescription(raw []byte) string {
	var body struct {
		Error struct {
			Description string `json:"description"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	if body.Error.Description != "" {
		return body.Error.Description
	}
	return body.Message
}

// do sends a JSON request with basic auth and decodes a 2xx response into out.
func (c *restClient) do(ctx context.Context, timeout time.Duration, op, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportError(op, err)
	}
	if resp.StatusCode/100 != 2 {
		return statusError(op, resp.StatusCode, errorDescription(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
