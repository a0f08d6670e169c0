// Package gateway is the long-running process behind `dmms-ai gateway run`.
// It answers JSON-RPC over WebSocket on /ws and plain JSON on /healthz.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/dmms-ai/dmms-ai/internal/bus"
	"github.com/dmms-ai/dmms-ai/internal/config"
	"github.com/dmms-ai/dmms-ai/internal/gatewayrpc"
	"github.com/dmms-ai/dmms-ai/internal/otel"
	"github.com/dmms-ai/dmms-ai/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

const (
	MethodHello     = "system.hello"
	MethodSubscribe = "events.subscribe"
	MethodEvent     = "event"
)

type Config struct {
	Port       int
	Bind       string
	TLS        bool
	AuthToken  string
	ConfigPath string
	StateDir   string
	Version    string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty means same-origin only.
	AllowOrigins []string
	RateLimit    config.RateLimitConfig

	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	started time.Time
	limiter *RateLimiter
	drift   atomic.Bool

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu  sync.Mutex
	sub    *bus.Subscription
	cancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		started: time.Now(),
		limiter: NewRateLimiter(cfg.RateLimit),
		clients: map[*client]struct{}{},
	}
	s.limiter.onReject = func(r *http.Request) {
		cfg.Metrics.RecordRateLimitReject(r.Context())
		logger.Warn("rate limit exceeded", "remote", clientKey(r), "path", r.URL.Path)
	}
	return s
}

// Handler returns the gateway's HTTP surface with rate limiting outermost.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.limiter.Wrap(RequireToken(s.cfg.AuthToken, mux))
}

// Limiter exposes the rate limiter so Run can start bucket eviction.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// SetConfigDrift records whether config.yaml diverged from the running settings.
func (s *Server) SetConfigDrift(drift bool) { s.drift.Store(drift) }

// Status is the payload of the status method.
func (s *Server) Status() gatewayrpc.StatusResult {
	return gatewayrpc.StatusResult{
		OK:          true,
		Port:        s.cfg.Port,
		Bind:        s.cfg.Bind,
		PID:         os.Getpid(),
		UptimeMs:    time.Since(s.started).Milliseconds(),
		Version:     s.cfg.Version,
		ConfigPath:  s.cfg.ConfigPath,
		StateDir:    s.cfg.StateDir,
		TLS:         s.cfg.TLS,
		ConfigDrift: s.drift.Load(),
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"ok":       true,
		"uptimeMs": time.Since(s.started).Milliseconds(),
		"version":  s.cfg.Version,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Debug("ws: client connected", "remote", clientKey(r))
	defer func() {
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "rpc."+req.Method, otel.AttrRPCMethod.String(req.Method))
	defer span.End()

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case gatewayrpc.MethodStatus:
		result = s.Status()
	case MethodHello:
		result = map[string]any{
			"protocol": "dmms-gw",
			"version":  "1",
			"methods":  []string{gatewayrpc.MethodStatus, MethodHello, MethodSubscribe},
		}
	case MethodSubscribe:
		var p struct {
			Prefix string `json:"prefix"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params"}
				break
			}
		}
		if p.Prefix == "" {
			p.Prefix = "gateway."
		}
		if !strings.HasPrefix(p.Prefix, "gateway.") && !strings.HasPrefix(p.Prefix, "trust.") {
			rpcErr = &rpcError{Code: ErrCodeInvalidParams, Message: "prefix must start with gateway. or trust."}
			break
		}
		if s.cfg.Bus == nil {
			rpcErr = &rpcError{Code: ErrCodeInternal, Message: "event bus unavailable"}
			break
		}
		s.subscribe(c, p.Prefix)
		result = map[string]any{"subscribed": p.Prefix}
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}

	if rpcErr != nil {
		s.cfg.Metrics.RecordRPC(ctx, req.Method, rpcErr)
		s.logger.Debug("ws: request failed", "method", req.Method, "code", rpcErr.Code, "trace_id", shared.TraceID(ctx))
	} else {
		s.cfg.Metrics.RecordRPC(ctx, req.Method, nil)
	}
	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

// subscribe forwards bus events under prefix to c as "event" notifications.
// A second subscribe replaces the first.
func (s *Server) subscribe(c *client, prefix string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.cancel != nil {
		c.cancel()
		s.cfg.Bus.Unsubscribe(c.sub)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.sub = s.cfg.Bus.Subscribe(prefix)
	c.cancel = cancel
	go s.forwardEvents(ctx, c, c.sub)
}

func (s *Server) forwardEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	var reported uint64
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if dropped := sub.Dropped(); dropped > reported {
				s.logger.Warn("ws: subscriber fell behind, events dropped", "dropped", dropped-reported)
				reported = dropped
			}
			err := c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  MethodEvent,
				Params:  map[string]any{"topic": ev.Topic, "payload": ev.Payload},
			})
			if err != nil {
				s.logger.Debug("ws: event forward failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

// ClientCount returns the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.sub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.sub)
	}
	c.subMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}
