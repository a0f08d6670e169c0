package service

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dmms-ai/dmms-ai/internal/config"
)

const (
	defaultSystemdUnit   = "dmms-ai-gateway"
	defaultLaunchdLabel  = "ai.dmmsai.gateway"
	defaultWindowsTask   = "DMMS AI Gateway"
	taskScriptName       = "gateway.cmd"
	launchdLogFileStdout = "gateway.log"
	launchdLogFileStderr = "gateway.err.log"
)

func envOrOS(getenv config.Getenv) config.Getenv {
	if getenv == nil {
		return os.Getenv
	}
	return getenv
}

// ResolveSystemdUnit returns the unit name without the .service suffix.
// DMMS_AI_SYSTEMD_UNIT wins over the profile-derived default.
func ResolveSystemdUnit(getenv config.Getenv) string {
	getenv = envOrOS(getenv)
	if override := strings.TrimSpace(getenv("DMMS_AI_SYSTEMD_UNIT")); override != "" {
		return strings.TrimSuffix(override, ".service")
	}
	if profile := config.NormalizeProfile(getenv("DMMS_AI_PROFILE")); profile != "" {
		return defaultSystemdUnit + "-" + profile
	}
	return defaultSystemdUnit
}

// ResolveSystemdUnitPath is ~/.config/systemd/user/<unit>.service.
func ResolveSystemdUnitPath(getenv config.Getenv) string {
	getenv = envOrOS(getenv)
	return filepath.Join(userHome(getenv, "HOME"), ".config", "systemd", "user", ResolveSystemdUnit(getenv)+".service")
}

// ResolveLaunchdLabel honors DMMS_AI_LAUNCHD_LABEL, then the profile.
func ResolveLaunchdLabel(getenv config.Getenv) string {
	getenv = envOrOS(getenv)
	if override := strings.TrimSpace(getenv("DMMS_AI_LAUNCHD_LABEL")); override != "" {
		return override
	}
	if profile := config.NormalizeProfile(getenv("DMMS_AI_PROFILE")); profile != "" {
		return defaultLaunchdLabel + "." + profile
	}
	return defaultLaunchdLabel
}

// ResolveLaunchdPlistPath is ~/Library/LaunchAgents/<label>.plist.
func ResolveLaunchdPlistPath(getenv config.Getenv) string {
	getenv = envOrOS(getenv)
	return filepath.Join(userHome(getenv, "HOME"), "Library", "LaunchAgents", ResolveLaunchdLabel(getenv)+".plist")
}

// ResolveTaskName honors DMMS_AI_WINDOWS_TASK_NAME, then the profile.
func ResolveTaskName(getenv config.Getenv) string {
	getenv = envOrOS(getenv)
	if override := strings.TrimSpace(getenv("DMMS_AI_WINDOWS_TASK_NAME")); override != "" {
		return override
	}
	if profile := config.NormalizeProfile(getenv("DMMS_AI_PROFILE")); profile != "" {
		return defaultWindowsTask + " (" + profile + ")"
	}
	return defaultWindowsTask
}

// ResolveTaskScriptPath is <stateDir>/gateway.cmd where the state dir is
// DMMS_AI_STATE_DIR or a profile-scoped dir under USERPROFILE (HOME as
// fallback). Paths are joined, not made absolute, so Windows paths survive
// on any host.
func ResolveTaskScriptPath(getenv config.Getenv) string {
	getenv = envOrOS(getenv)
	if override := strings.TrimSpace(getenv("DMMS_AI_STATE_DIR")); override != "" {
		return filepath.Join(override, taskScriptName)
	}
	dir := ".dmms-ai"
	if profile := config.NormalizeProfile(getenv("DMMS_AI_PROFILE")); profile != "" {
		dir += "-" + profile
	}
	return filepath.Join(userHome(getenv, "USERPROFILE", "HOME"), dir, taskScriptName)
}

func userHome(getenv config.Getenv, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return home
	}
	return "."
}
