// Package graphql talks to the asset backend: queries over HTTP and
// subscriptions over the graphql-transport-ws websocket protocol.
package graphql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrTransport wraps failures to reach the backend or non-2xx replies.
	ErrTransport = errors.New("graphql: transport error")
	// ErrResponse matches any *ResponseError.
	ErrResponse = errors.New("graphql: response error")
)

type Request struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []Error         `json:"errors,omitempty"`
}

type Error struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// ResponseError carries the errors array of a GraphQL response.
type ResponseError struct {
	Errors []Error
}

func (e *ResponseError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, gqlErr := range e.Errors {
		msgs = append(msgs, gqlErr.Message)
	}
	return "graphql: " + strings.Join(msgs, "; ")
}

func (e *ResponseError) Is(target error) bool {
	return target == ErrResponse
}

type Client struct {
	endpoint   string
	httpClient *http.Client
	header     http.Header
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithHeader(key, value string) ClientOption {
	return func(c *Client) { c.header.Add(key, value) }
}

func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: http.DefaultClient,
		header:     make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do posts req and returns the raw data member of the response.
func (c *Client) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for key, values := range c.header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, truncate(raw, 256))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	if len(out.Errors) > 0 {
		return nil, &ResponseError{Errors: out.Errors}
	}
	return out.Data, nil
}

// Query runs query and decodes the data member into out when out is non-nil.
func (c *Client) Query(ctx context.Context, query string, vars map[string]any, out any) error {
	data, err := c.Do(ctx, Request{Query: query, Variables: vars})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
