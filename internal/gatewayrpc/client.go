// Package gatewayrpc is the health client for the gateway's JSON-RPC over
// WebSocket transport. Only the "status" method is implemented.
package gatewayrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/dmms-ai/dmms-ai/internal/trust"
)

// ErrProbeTimeout means the status call did not complete within its budget.
var ErrProbeTimeout = errors.New("gateway rpc probe timed out")

const MethodStatus = "status"

// StatusResult is the payload of a successful status call.
type StatusResult struct {
	OK         bool   `json:"ok"`
	Port       int    `json:"port"`
	Bind       string `json:"bind,omitempty"`
	PID        int    `json:"pid,omitempty"`
	UptimeMs   int64  `json:"uptimeMs"`
	Version    string `json:"version,omitempty"`
	ConfigPath string `json:"configPath,omitempty"`
	StateDir   string `json:"stateDir,omitempty"`
	TLS        bool   `json:"tls"`
	// ConfigDrift is set when config.yaml changed after the gateway started.
	ConfigDrift bool `json:"configDrift,omitempty"`
}

// Probe is the outcome of one status call. Err is set when OK is false.
type Probe struct {
	URL       string        `json:"url"`
	OK        bool          `json:"ok"`
	TimedOut  bool          `json:"timedOut,omitempty"`
	LatencyMs int64         `json:"latencyMs"`
	Status    *StatusResult `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client issues status calls. Token is sent as a bearer credential only
// after the trust decision for the target has been applied.
type Client struct {
	Token   string
	Timeout time.Duration
}

// URLFor returns the status websocket URL for a local gateway.
func URLFor(host string, port int, tls bool) string {
	ep := trust.Endpoint{Host: host, Port: port}
	scheme := "ws"
	if tls {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, ep.Addr())
}

// Status calls the status method on target and never blocks longer than
// Timeout. Transport and protocol failures are reported in the Probe.
func (c *Client) Status(ctx context.Context, target *trust.Target) Probe {
	probe := Probe{URL: target.URL}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := c.call(ctx, target)
	probe.LatencyMs = time.Since(started).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			probe.TimedOut = true
			err = fmt.Errorf("%w after %s", ErrProbeTimeout, timeout)
		}
		probe.Error = err.Error()
		return probe
	}
	probe.Status = result
	probe.OK = result.OK
	if !result.OK {
		probe.Error = "gateway reported not ok"
	}
	return probe
}

func (c *Client) call(ctx context.Context, target *trust.Target) (*StatusResult, error) {
	opts := &websocket.DialOptions{}
	if c.Token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.Token}}
	}
	if target.TLS != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: target.TLS}}
	}

	conn, resp, err := websocket.Dial(ctx, target.URL, opts)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: unauthorized (check gateway token)", target.URL)
		}
		return nil, fmt.Errorf("dial %s: %w", target.URL, err)
	}
	defer conn.CloseNow()

	id := uuid.NewString()
	if err := wsjson.Write(ctx, conn, request{JSONRPC: "2.0", ID: id, Method: MethodStatus}); err != nil {
		return nil, fmt.Errorf("write status request: %w", err)
	}
	for {
		var resp response
		if err := wsjson.Read(ctx, conn, &resp); err != nil {
			return nil, fmt.Errorf("read status response: %w", err)
		}
		var gotID string
		if err := json.Unmarshal(resp.ID, &gotID); err != nil || gotID != id {
			// Notifications and unrelated replies are skipped.
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("status rpc error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		var result StatusResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("decode status result: %w", err)
		}
		return &result, nil
	}
}
