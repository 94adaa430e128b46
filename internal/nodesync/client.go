package nodesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/blikh/proxyfleet/internal/abuse"
	"github.com/blikh/proxyfleet/internal/proxyconf"
)

// HeaderNode carries the calling node's id. Its presence distinguishes node
// traffic from admin traffic on the receiving side.
const HeaderNode = "X-Fleet-Node"

// SyncCounts reports the outcome of a ledger push.
type SyncCounts struct {
	Inserted int `json:"inserted"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
}

// Client talks to one peer node's API. Every call runs under its own
// timeout so a dead peer cannot stall a sync round.
type Client struct {
	baseURL string
	apiKey  string
	nodeID  string
	timeout time.Duration
	http    *http.Client
}

func NewClient(baseURL, apiKey, nodeID string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		nodeID:  nodeID,
		timeout: timeout,
		http:    &http.Client{},
	}
}

// Ping checks the peer is reachable and the credential is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, http.MethodGet, "/api/ping", nil, nil)
}

// CollectLogs fetches the peer's connection hits from the trailing window.
func (c *Client) CollectLogs(ctx context.Context, window time.Duration) ([]abuse.Hit, error) {
	minutes := int(window.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	var hits []abuse.Hit
	path := "/api/logs?minutes=" + strconv.Itoa(minutes)
	if err := c.call(ctx, http.MethodGet, path, nil, &hits); err != nil {
		return nil, err
	}
	return hits, nil
}

// Clients fetches the peer's client list for one inbound tag.
func (c *Client) Clients(ctx context.Context, tag string) ([]proxyconf.Client, error) {
	var clients []proxyconf.Client
	path := "/api/clients?tag=" + url.QueryEscape(tag)
	if err := c.call(ctx, http.MethodGet, path, nil, &clients); err != nil {
		return nil, err
	}
	return clients, nil
}

// PushTransactions pushes this node's transactions for reconciliation.
func (c *Client) PushTransactions(ctx context.Context, body any) (SyncCounts, error) {
	var counts SyncCounts
	err := c.call(ctx, http.MethodPost, "/api/sync/transactions", body, &counts)
	return counts, err
}

// PushUsages pushes the user-usage ledger for field-wise merge.
func (c *Client) PushUsages(ctx context.Context, body any) error {
	return c.call(ctx, http.MethodPost, "/api/sync/usages", body, nil)
}

// PushTraffic pushes the traffic ledger for keyed upsert.
func (c *Client) PushTraffic(ctx context.Context, body any) error {
	return c.call(ctx, http.MethodPost, "/api/sync/traffic", body, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("nodesync: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("nodesync: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set(HeaderNode, c.nodeID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("nodesync: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("nodesync: %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("nodesync: decode response: %w", err)
	}
	return nil
}
