// Package graph is a thin client for the Microsoft Graph API. It attaches
// the delegated credential to every request and carries optimistic
// concurrency tokens on mutations.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/openshift/planner-proxy/pkg/runutil"
)

const DefaultURL = "https://graph.microsoft.com/v1.0"

// Request describes a single call to the downstream API.
type Request struct {
	Method string
	// Path is relative to the client's base URL, e.g. /planner/tasks.
	Path  string
	Token string
	// Body is JSON encoded when non-nil.
	Body    interface{}
	Query   url.Values
	IfMatch string
}

// Response is the unparsed downstream response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v. Empty bodies leave v untouched.
func (r *Response) Decode(v interface{}) error {
	if len(r.Body) == 0 || v == nil {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ETag returns the concurrency token of the returned resource. The
// @odata.etag body field takes precedence over the ETag header.
func (r *Response) ETag() string {
	var body struct {
		ETag string `json:"@odata.etag"`
	}
	if len(r.Body) > 0 && json.Unmarshal(r.Body, &body) == nil && body.ETag != "" {
		return body.ETag
	}
	return r.Header.Get("ETag")
}

type Client struct {
	baseURL string
	client  *http.Client
	logger  log.Logger
}

// NewClient returns a client sending requests relative to baseURL.
func NewClient(logger log.Logger, client *http.Client, baseURL string) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
		logger:  log.With(logger, "component", "graph"),
	}
}

func (c *Client) url(path string, query url.Values) string {
	u := c.baseURL + "/" + strings.TrimPrefix(path, "/")
	if len(query) == 0 {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + query.Encode()
}

// Do performs req. Any downstream status of 400 or above is returned as
// *DownstreamError carrying the body verbatim.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	r, err := http.NewRequestWithContext(ctx, req.Method, c.url(req.Path, req.Query), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	r.Header.Set("Authorization", "Bearer "+req.Token)
	r.Header.Set("Accept", "application/json")
	if req.Body != nil {
		r.Header.Set("Content-Type", "application/json")
	}
	if req.IfMatch != "" {
		r.Header.Set("If-Match", req.IfMatch)
	}

	resp, err := c.client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer runutil.ExhaustCloseWithLogOnErr(c.logger, resp.Body, "close graph response body")

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read response body: %w", req.Method, req.Path, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		level.Debug(c.logger).Log("msg", "downstream request failed", "method", req.Method, "path", req.Path, "status", resp.StatusCode)
		return nil, &DownstreamError{
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: resp.StatusCode,
			Body:       b,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       b,
	}, nil
}

// Get decodes the JSON response of a GET into out.
func (c *Client) Get(ctx context.Context, token, path string, query url.Values, out interface{}) error {
	resp, err := c.GetRaw(ctx, token, path, query)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// GetRaw returns the undecoded response of a GET.
func (c *Client) GetRaw(ctx context.Context, token, path string, query url.Values) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Token: token, Query: query})
}

// Post sends body and decodes the created resource into out.
func (c *Client) Post(ctx context.Context, token, path string, body, out interface{}) error {
	resp, err := c.Do(ctx, Request{Method: http.MethodPost, Path: path, Token: token, Body: body})
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// Patch sends body guarded by etag.
func (c *Client) Patch(ctx context.Context, token, path string, body interface{}, etag string) (*Response, error) {
	return c.Do(ctx, Request{Method: http.MethodPatch, Path: path, Token: token, Body: body, IfMatch: etag})
}

// Delete removes the resource at path guarded by etag.
func (c *Client) Delete(ctx context.Context, token, path, etag string) error {
	_, err := c.Do(ctx, Request{Method: http.MethodDelete, Path: path, Token: token, IfMatch: etag})
	return err
}
