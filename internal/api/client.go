package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/banshee-data/livemap/internal/httputil"
	"github.com/banshee-data/livemap/internal/version"
)

// Client talks to a running livemap server.
type Client struct {
	baseURL string
	http    httputil.HTTPClient
}

// NewClient returns a client for the server at baseURL. A nil c uses
// http.DefaultClient.
func NewClient(baseURL string, c httputil.HTTPClient) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: c}
}

func (c *Client) State(ctx context.Context) (StateResponse, error) {
	var st StateResponse
	err := httputil.DoJSON(ctx, c.http, http.MethodGet, c.baseURL+"/api/state", nil, &st)
	return st, err
}

func (c *Client) Version(ctx context.Context) (version.Info, error) {
	var v version.Info
	err := httputil.DoJSON(ctx, c.http, http.MethodGet, c.baseURL+"/api/version", nil, &v)
	return v, err
}

// Track posts a tracking action: "start", "stop" or "toggle".
func (c *Client) Track(ctx context.Context, action string) (StateResponse, error) {
	var st StateResponse
	err := httputil.DoJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/tracking/"+action, nil, &st)
	return st, err
}
