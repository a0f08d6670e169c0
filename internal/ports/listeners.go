package ports

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

func (in *Inspector) listListeners(ctx context.Context, port int) ([]Listener, error) {
	if in.Runner == nil {
		return nil, fmt.Errorf("no command runner")
	}
	if in.GOOS == "windows" {
		return in.listWindows(ctx, port)
	}
	res, err := in.Runner.Run(ctx, "lsof", "-nP", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN", "-Fpcn")
	if err == nil {
		return ParseLsof(res.Stdout), nil
	}
	// lsof exits 1 with no output when nothing matched; fall through to ss on linux.
	if in.GOOS != "linux" {
		if strings.TrimSpace(res.Stdout) != "" {
			return ParseLsof(res.Stdout), nil
		}
		return nil, err
	}
	ssRes, ssErr := in.Runner.Run(ctx, "ss", "-H", "-ltnp", fmt.Sprintf("sport = :%d", port))
	if ssErr != nil {
		return nil, fmt.Errorf("lsof: %v; ss: %w", err, ssErr)
	}
	return ParseSS(ssRes.Stdout), nil
}

func (in *Inspector) listWindows(ctx context.Context, port int) ([]Listener, error) {
	res, err := in.Runner.Run(ctx, "netstat", "-ano", "-p", "tcp")
	if err != nil {
		return nil, err
	}
	listeners := ParseNetstat(res.Stdout, port)
	for i, l := range listeners {
		if l.PID == nil {
			continue
		}
		out, err := in.Runner.Run(ctx, "tasklist", "/FI", fmt.Sprintf("PID eq %d", *l.PID), "/FO", "CSV", "/NH")
		if err != nil {
			continue
		}
		listeners[i].Command = ParseTasklistImage(out.Stdout)
	}
	return listeners, nil
}

// ParseLsof parses `lsof -F pcn` field output. Each p line starts a process;
// c and n lines attach to it.
func ParseLsof(out string) []Listener {
	var listeners []Listener
	var cur *Listener
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if len(line) < 2 {
			continue
		}
		value := line[1:]
		switch line[0] {
		case 'p':
			listeners = append(listeners, Listener{PID: parsePID(value)})
			cur = &listeners[len(listeners)-1]
		case 'c':
			if cur != nil {
				cur.Command = value
			}
		case 'n':
			if cur != nil && cur.Address == "" {
				cur.Address = value
			}
		}
	}
	return listeners
}

var ssUsersRe = regexp.MustCompile(`\("([^"]*)",pid=(\d+)`)

// ParseSS parses `ss -H -ltnp` output.
func ParseSS(out string) []Listener {
	var listeners []Listener
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || !strings.EqualFold(fields[0], "LISTEN") {
			continue
		}
		addr := fields[3]
		matches := ssUsersRe.FindAllStringSubmatch(sc.Text(), -1)
		if len(matches) == 0 {
			listeners = append(listeners, Listener{Address: addr})
			continue
		}
		for _, m := range matches {
			listeners = append(listeners, Listener{PID: parsePID(m[2]), Command: m[1], Address: addr})
		}
	}
	return listeners
}

// ParseNetstat extracts LISTENING sockets on port from `netstat -ano`.
func ParseNetstat(out string, port int) []Listener {
	suffix := ":" + strconv.Itoa(port)
	var listeners []Listener
	seen := map[string]bool{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.EqualFold(fields[3], "LISTENING") || !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		key := fields[1] + "/" + fields[4]
		if seen[key] {
			continue
		}
		seen[key] = true
		listeners = append(listeners, Listener{PID: parsePID(fields[4]), Address: fields[1]})
	}
	return listeners
}

// ParseTasklistImage returns the image name from `tasklist /FO CSV /NH`.
func ParseTasklistImage(out string) string {
	r := csv.NewReader(strings.NewReader(strings.TrimSpace(out)))
	record, err := r.Read()
	if err != nil || len(record) < 2 {
		return ""
	}
	// "INFO: No tasks are running..." has a single field.
	return strings.TrimSpace(record[0])
}

func parsePID(raw string) *int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}
