// Package ports probes the gateway's TCP port and identifies who owns it.
package ports

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dmms-ai/dmms-ai/internal/service"
)

// Status classifies a probed port.
type Status string

const (
	StatusFree         Status = "free"
	StatusInUseBySelf  Status = "in-use-by-self"
	StatusInUseByOther Status = "in-use-by-other"
	StatusUnknown      Status = "unknown"
	StatusTimeout      Status = "timeout"
)

// Listener is one process bound to the port.
type Listener struct {
	PID     *int   `json:"pid,omitempty"`
	Command string `json:"command,omitempty"`
	Address string `json:"address,omitempty"`
}

func (l Listener) String() string {
	cmd := l.Command
	if cmd == "" {
		cmd = "unknown process"
	}
	if l.PID != nil {
		return fmt.Sprintf("%s (pid %d)", cmd, *l.PID)
	}
	return cmd
}

// UsageReport is the outcome of one port inspection.
type UsageReport struct {
	Port      int        `json:"port"`
	Status    Status     `json:"status"`
	Listeners []Listener `json:"listeners,omitempty"`
	Hints     []string   `json:"hints,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Inspector probes ports on the local host.
type Inspector struct {
	Runner service.Runner
	GOOS   string
	Host   string
	// Timeout bounds the TCP probe and listener enumeration separately.
	Timeout time.Duration
	// SelfPIDs are processes known to be the gateway (the service's MainPID).
	SelfPIDs []int
}

// Inspect probes port and classifies its owner. It never returns an error;
// failures are folded into the report.
func (in *Inspector) Inspect(ctx context.Context, port int) UsageReport {
	report := UsageReport{Port: port, Status: StatusUnknown}
	if port <= 0 || port > 65535 {
		report.Error = fmt.Sprintf("invalid port %d", port)
		return report
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	host := in.Host
	if host == "" {
		host = "127.0.0.1"
	}

	busy, err := probe(ctx, host, port, timeout)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		report.Status = StatusTimeout
		report.Error = fmt.Sprintf("port probe timed out after %s", timeout)
		report.Hints = append(report.Hints, fmt.Sprintf("Port probe to %s timed out; a firewall or a hung listener may be blocking it.", net.JoinHostPort(host, strconv.Itoa(port))))
		return report
	case err != nil:
		report.Error = err.Error()
		return report
	case !busy:
		report.Status = StatusFree
		return report
	}

	lctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	listeners, lerr := in.listListeners(lctx, port)
	report.Listeners = listeners
	report.Status = in.classify(listeners)
	if lerr != nil && len(listeners) == 0 {
		report.Error = "listener enumeration failed: " + lerr.Error()
	}
	report.Hints = Hints(report)
	return report
}

func (in *Inspector) classify(listeners []Listener) Status {
	if len(listeners) == 0 {
		return StatusUnknown
	}
	for _, l := range listeners {
		if !in.isSelf(l) {
			return StatusInUseByOther
		}
	}
	return StatusInUseBySelf
}

// isSelf trusts the PID when the listener has one, so a gateway from another
// profile or a stale process is not mistaken for ours. The command name is
// the fallback for listeners reported without a PID.
func (in *Inspector) isSelf(l Listener) bool {
	if l.PID != nil {
		return slices.Contains(in.SelfPIDs, *l.PID) || *l.PID == os.Getpid()
	}
	cmd := strings.ToLower(l.Command)
	return strings.Contains(cmd, "dmms-ai") || strings.Contains(cmd, "dmmsai")
}

// Hints suggests remediation for a report.
func Hints(r UsageReport) []string {
	var hints []string
	switch r.Status {
	case StatusInUseBySelf:
		hints = append(hints, fmt.Sprintf("Gateway already listening on port %d.", r.Port))
	case StatusInUseByOther:
		for _, l := range r.Listeners {
			hints = append(hints, fmt.Sprintf("Another process is bound to port %d: %s.", r.Port, l))
		}
		hints = append(hints, "Stop that process or reinstall on another port: dmms-ai daemon install --port <n> --force")
	case StatusUnknown:
		hints = append(hints, fmt.Sprintf("Port %d is in use but the listening process could not be identified.", r.Port))
	}
	return hints
}

func probe(ctx context.Context, host string, port int, timeout time.Duration) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err == nil {
		_ = conn.Close()
		return true, nil
	}
	if errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(strings.ToLower(err.Error()), "refused") {
		return false, nil
	}
	if dctx.Err() != nil {
		return false, context.DeadlineExceeded
	}
	return false, err
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
