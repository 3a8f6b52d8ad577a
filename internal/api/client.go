package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a thin HTTP client for the broker API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Status     string
	// Reason is the envelope's error field when the body decoded.
	Reason string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request failed: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("request failed: %s", e.Status)
}

// Allocate leases a credential, optionally on the server at ip.
func (c *Client) Allocate(ctx context.Context, ip, holder string) (AllocateResponse, error) {
	var resp AllocateResponse
	q := url.Values{}
	if ip != "" {
		q.Set("ip", ip)
	}
	if holder != "" {
		q.Set("holder", holder)
	}
	err := c.getJSON(ctx, withQuery("/allocate", q), &resp)
	return resp, err
}

// Release returns the credential with publicKey to the pool.
func (c *Client) Release(ctx context.Context, publicKey string) (ReleaseResponse, error) {
	var resp ReleaseResponse
	err := c.postJSON(ctx, "/release", ReleaseRequest{PublicKey: publicKey}, &resp)
	return resp, err
}

// ReleaseAll releases every held credential, optionally only on servers at ip.
func (c *Client) ReleaseAll(ctx context.Context, ip string) (ReleaseAllResponse, error) {
	var resp ReleaseAllResponse
	q := url.Values{}
	if ip != "" {
		q.Set("ip", ip)
	}
	err := c.getJSON(ctx, withQuery("/release/all", q), &resp)
	return resp, err
}

// DeleteServer releases and removes the server at ip. Port 0 matches any port.
func (c *Client) DeleteServer(ctx context.Context, ip string, port int) (ReleaseAllResponse, error) {
	var resp ReleaseAllResponse
	q := url.Values{}
	q.Set("ip", ip)
	q.Set("delete", "true")
	if port > 0 {
		q.Set("port", strconv.Itoa(port))
	}
	err := c.getJSON(ctx, withQuery("/release/all", q), &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context, ip string) (StatusResponse, error) {
	var resp StatusResponse
	q := url.Values{}
	if ip != "" {
		q.Set("ip", ip)
	}
	err := c.getJSON(ctx, withQuery("/status", q), &resp)
	return resp, err
}

// List returns the addresses of eligible servers.
func (c *Client) List(ctx context.Context) (ListResponse, error) {
	var resp ListResponse
	err := c.getJSON(ctx, "/list", &resp)
	return resp, err
}

func (c *Client) RegisterServer(ctx context.Context, req RegisterServerRequest) (RegisterServerResponse, error) {
	var resp RegisterServerResponse
	err := c.postJSON(ctx, "/server/register", req, &resp)
	return resp, err
}

func (c *Client) SetServerActive(ctx context.Context, req ServerActiveRequest) error {
	return c.postJSON(ctx, "/server/active", req, nil)
}

// RegisterKeys replaces the server's credential set. Per-item failures are
// reported in the response, not as an error.
func (c *Client) RegisterKeys(ctx context.Context, req RegisterKeysRequest) (RegisterKeysResponse, error) {
	var resp RegisterKeysResponse
	err := c.postJSON(ctx, "/keys/register", req, &resp)
	return resp, err
}

// Cleanup reclaims leases older than minutes; nil uses the server default.
func (c *Client) Cleanup(ctx context.Context, minutes *int) (CleanupResponse, error) {
	var resp CleanupResponse
	err := c.postJSON(ctx, "/cleanup", CleanupRequest{Minutes: minutes}, &resp)
	return resp, err
}

func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	return c.postJSON(ctx, "/heartbeat", req, nil)
}

func (c *Client) Traffic(ctx context.Context, ip, date string) (TrafficResponse, error) {
	var resp TrafficResponse
	q := url.Values{}
	q.Set("ip", ip)
	if date != "" {
		q.Set("date", date)
	}
	err := c.getJSON(ctx, withQuery("/traffic", q), &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) (HealthResponse, error) {
	var resp HealthResponse
	err := c.getJSON(ctx, "/health", &resp)
	return resp, err
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		se := &StatusError{
			StatusCode: res.StatusCode,
			Status:     res.Status,
			Body:       strings.TrimSpace(string(body)),
		}
		var env Response
		if json.Unmarshal(body, &env) == nil {
			se.Reason = env.Error
		}
		return se
	}

	if out == nil {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}
