package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/dmms-ai/dmms-ai/internal/config"
	"github.com/dmms-ai/dmms-ai/internal/trust"
)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcReq struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// staticPin serves one fingerprint to the trust connector.
type staticPin string

func (p staticPin) GetPin(context.Context, string) (string, error) { return string(p), nil }

func main() {
	addr := flag.String("addr", fmt.Sprintf("127.0.0.1:%d", config.DefaultGatewayPort), "gateway host:port")
	useTLS := flag.Bool("tls", false, "dial wss:// and verify --fingerprint")
	fingerprint := flag.String("fingerprint", "", "pinned SHA-256 certificate fingerprint (required with --tls)")
	token := flag.String("token", "", "bearer token")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	ep, err := trust.ParseManualAddr(*addr, config.DefaultGatewayPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid addr: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	connector := &trust.Connector{Pins: staticPin(strings.TrimSpace(*fingerprint)), ManualTLS: *useTLS}
	target, err := connector.Prepare(ctx, ep)
	if err != nil {
		fatal("trust decision", err)
	}

	if err := checkHealthz(ctx, healthzURL(target.URL), target.TLS); err != nil {
		fatal("healthz", err)
	}
	fmt.Println("CHECK healthz ok")

	opts := &websocket.DialOptions{}
	if t := strings.TrimSpace(*token); t != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + t}}
	}
	if target.TLS != nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: target.TLS}}
	}
	conn, _, err := websocket.Dial(ctx, target.URL, opts)
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "gateway smoke done")

	hello := call(ctx, conn, rpcReq{JSONRPC: "2.0", ID: 1001, Method: "system.hello"})
	protocol, err := extractField(hello.Result, "protocol")
	if err != nil {
		fatal("system.hello", err)
	}
	fmt.Printf("CHECK hello ok protocol=%s\n", protocol)

	status := call(ctx, conn, rpcReq{JSONRPC: "2.0", ID: 1002, Method: "status"})
	var st struct {
		OK      bool   `json:"ok"`
		Port    int    `json:"port"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(status.Result, &st); err != nil || !st.OK {
		fatalf("status not ok: %s", string(status.Result))
	}
	fmt.Printf("CHECK status ok port=%d version=%s\n", st.Port, st.Version)

	sub := call(ctx, conn, rpcReq{JSONRPC: "2.0", ID: 1003, Method: "events.subscribe", Params: map[string]string{"prefix": "gateway."}})
	prefix, err := extractField(sub.Result, "subscribed")
	if err != nil {
		fatal("events.subscribe", err)
	}
	fmt.Printf("CHECK subscribed prefix=%s\n", prefix)

	unknown, err := roundTrip(ctx, conn, rpcReq{JSONRPC: "2.0", ID: 1004, Method: "no.such.method"})
	if err != nil {
		fatal("unknown method", err)
	}
	if unknown.Error == nil || unknown.Error.Code != -32601 {
		fatalf("unknown method: want -32601, got %+v", unknown.Error)
	}
	fmt.Println("CHECK unknown method rejected")

	fmt.Println("VERDICT PASS")
}

func healthzURL(wsURL string) string {
	u := strings.TrimSuffix(wsURL, "/ws") + "/healthz"
	if strings.HasPrefix(u, "wss://") {
		return "https://" + strings.TrimPrefix(u, "wss://")
	}
	return "http://" + strings.TrimPrefix(u, "ws://")
}

func checkHealthz(ctx context.Context, url string, tlsCfg *tls.Config) error {
	client := &http.Client{}
	if tlsCfg != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func call(ctx context.Context, conn *websocket.Conn, req rpcReq) rpcFrame {
	frame, err := roundTrip(ctx, conn, req)
	if err != nil {
		fatal(req.Method, err)
	}
	if frame.Error != nil {
		fatalf("%s error: %d %s", req.Method, frame.Error.Code, frame.Error.Message)
	}
	return frame
}

func roundTrip(ctx context.Context, conn *websocket.Conn, req rpcReq) (rpcFrame, error) {
	if err := wsjson.Write(ctx, conn, req); err != nil {
		return rpcFrame{}, err
	}
	return readResponseByID(ctx, conn, req.ID)
}

// readResponseByID skips event notifications until the response for wantID.
func readResponseByID(ctx context.Context, conn *websocket.Conn, wantID int) (rpcFrame, error) {
	for {
		var frame rpcFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return rpcFrame{}, err
		}
		if id, ok := frameID(frame.ID); ok && id == wantID {
			return frame, nil
		}
	}
}

func frameID(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var id any
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	switch v := id.(type) {
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func extractField(raw json.RawMessage, field string) (string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	val, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	asString, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not string", field)
	}
	return asString, nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
