package service

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dmms-ai/dmms-ai/internal/config"
)

// ExtraService is a gateway-looking definition other than the one this
// process manages, typically left behind by another profile or an older
// install.
type ExtraService struct {
	Platform string `json:"platform"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Scope    string `json:"scope"`
	Legacy   bool   `json:"legacy,omitempty"`
}

// ScanOptions bounds FindExtraServices.
type ScanOptions struct {
	// Deep also scans system-wide service directories.
	Deep bool
	// SystemRoot prefixes system directories; tests point it at a temp dir.
	SystemRoot string
}

var (
	currentMarkers = []string{"dmms-ai", "dmmsai"}
	legacyMarkers  = []string{"clawdbot", "moltbot", "moldbot"}
)

// FindExtraServices lists gateway definitions on disk that the selected
// adapter does not own.
func FindExtraServices(adapter Adapter, getenv config.Getenv, opts ScanOptions) []ExtraService {
	getenv = envOrOS(getenv)
	own := ""
	platform := "systemd"
	if adapter != nil {
		own = filepath.Clean(adapter.DefinitionPath())
		platform = adapter.Name()
	}

	var found []ExtraService
	add := func(scope, dir, suffix string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
				continue
			}
			path := filepath.Join(dir, e.Name())
			if filepath.Clean(path) == own {
				continue
			}
			lower := strings.ToLower(e.Name())
			legacy := containsAny(lower, legacyMarkers)
			if !legacy && !containsAny(lower, currentMarkers) {
				continue
			}
			found = append(found, ExtraService{
				Platform: platform,
				Name:     strings.TrimSuffix(e.Name(), suffix),
				Path:     path,
				Scope:    scope,
				Legacy:   legacy,
			})
		}
	}

	switch platform {
	case "systemd":
		add("user", filepath.Dir(ResolveSystemdUnitPath(getenv)), ".service")
		if opts.Deep {
			for _, dir := range []string{"/etc/systemd/system", "/usr/lib/systemd/system", "/lib/systemd/system"} {
				add("system", filepath.Join(opts.SystemRoot, dir), ".service")
			}
		}
	case "launchd":
		add("user", filepath.Dir(ResolveLaunchdPlistPath(getenv)), ".plist")
		if opts.Deep {
			for _, dir := range []string{"/Library/LaunchAgents", "/Library/LaunchDaemons"} {
				add("system", filepath.Join(opts.SystemRoot, dir), ".plist")
			}
		}
	case "schtasks":
		home := userHome(getenv, "USERPROFILE", "HOME")
		matches, _ := filepath.Glob(filepath.Join(home, ".*", taskScriptName))
		for _, m := range matches {
			if filepath.Clean(m) == own {
				continue
			}
			dirName := strings.ToLower(filepath.Base(filepath.Dir(m)))
			legacy := containsAny(dirName, legacyMarkers)
			if !legacy && !containsAny(dirName, currentMarkers) {
				continue
			}
			found = append(found, ExtraService{Platform: platform, Name: filepath.Base(filepath.Dir(m)), Path: m, Scope: "user", Legacy: legacy})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Path < found[j].Path })
	return found
}

// CleanupHints renders one removal suggestion per extra service.
func CleanupHints(extras []ExtraService) []string {
	hints := make([]string, 0, len(extras))
	for _, e := range extras {
		kind := "extra"
		if e.Legacy {
			kind = "legacy"
		}
		switch e.Platform {
		case "systemd":
			prefix := "systemctl --user"
			if e.Scope == "system" {
				prefix = "sudo systemctl"
			}
			hints = append(hints, kind+" gateway unit "+e.Name+": "+prefix+" disable --now "+e.Name+".service && rm "+e.Path)
		case "launchd":
			hints = append(hints, kind+" gateway agent "+e.Name+": launchctl bootout gui/$UID/"+e.Name+" && rm "+e.Path)
		default:
			hints = append(hints, kind+" gateway script "+e.Path+": remove the task with schtasks /Delete and delete the script")
		}
	}
	return hints
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
