package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

const (
	DefaultGatewayPort = 18789
	DevGatewayPort     = 19001

	stateDirName   = ".dmms-ai"
	configFileName = "config.yaml"
)

// Getenv looks up a single environment variable. os.Getenv satisfies it;
// service definitions pass their own environment through MapEnv.
type Getenv func(string) string

// MapEnv adapts a captured environment (for example a service definition's
// Environment block) to a Getenv.
func MapEnv(env map[string]string) Getenv {
	return func(key string) string {
		if env == nil {
			return ""
		}
		return env[key]
	}
}

var profileNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// NormalizeProfile trims the profile name and returns "" for the default
// profile or for names that cannot be used in a path.
func NormalizeProfile(raw string) string {
	p := strings.TrimSpace(raw)
	if p == "" || strings.EqualFold(p, "default") {
		return ""
	}
	if !profileNamePattern.MatchString(p) {
		return ""
	}
	return p
}

// HomeDir resolves the base directory that holds the state dir.
// DMMS_AI_HOME wins over HOME and USERPROFILE.
func HomeDir(getenv Getenv) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	for _, key := range []string{"DMMS_AI_HOME", "HOME", "USERPROFILE"} {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return resolveUserPath(v, "")
		}
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return home
}

// StateDir resolves the directory holding config, logs and the pin database.
// Order: DMMS_AI_STATE_DIR, then <home>/.dmms-ai-<profile>, then <home>/.dmms-ai.
func StateDir(getenv Getenv) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if override := strings.TrimSpace(getenv("DMMS_AI_STATE_DIR")); override != "" {
		return resolveUserPath(override, HomeDir(getenv))
	}
	return profileStateDir(HomeDir(getenv), NormalizeProfile(getenv("DMMS_AI_PROFILE")))
}

func profileStateDir(home, profile string) string {
	if profile == "" {
		return filepath.Join(home, stateDirName)
	}
	return filepath.Join(home, stateDirName+"-"+profile)
}

// ConfigPath resolves config.yaml. DMMS_AI_CONFIG_PATH wins over the state dir.
func ConfigPath(getenv Getenv) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if override := strings.TrimSpace(getenv("DMMS_AI_CONFIG_PATH")); override != "" {
		return resolveUserPath(override, HomeDir(getenv))
	}
	return filepath.Join(StateDir(getenv), configFileName)
}

// EnvPort parses DMMS_AI_GATEWAY_PORT. ok is false when unset or not a valid port.
func EnvPort(getenv Getenv) (int, bool) {
	if getenv == nil {
		getenv = os.Getenv
	}
	return ParsePort(getenv("DMMS_AI_GATEWAY_PORT"))
}

// ParsePort accepts a decimal TCP port in 1..65535.
func ParsePort(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 65535 {
		return 0, false
	}
	return n, true
}

// ApplyProfileEnv fills profile-derived defaults into the process environment
// without overriding values the operator already exported.
func ApplyProfileEnv(profile string, getenv Getenv, setenv func(string, string) error) error {
	profile = NormalizeProfile(profile)
	if profile == "" {
		return nil
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if setenv == nil {
		setenv = os.Setenv
	}
	if err := setenv("DMMS_AI_PROFILE", profile); err != nil {
		return err
	}
	stateDir := strings.TrimSpace(getenv("DMMS_AI_STATE_DIR"))
	if stateDir == "" {
		stateDir = profileStateDir(HomeDir(getenv), profile)
		if err := setenv("DMMS_AI_STATE_DIR", stateDir); err != nil {
			return err
		}
	}
	if strings.TrimSpace(getenv("DMMS_AI_CONFIG_PATH")) == "" {
		if err := setenv("DMMS_AI_CONFIG_PATH", filepath.Join(stateDir, configFileName)); err != nil {
			return err
		}
	}
	if profile == "dev" && strings.TrimSpace(getenv("DMMS_AI_GATEWAY_PORT")) == "" {
		if err := setenv("DMMS_AI_GATEWAY_PORT", strconv.Itoa(DevGatewayPort)); err != nil {
			return err
		}
	}
	return nil
}

// FormatCLICommand inserts "--profile <name>" after the binary name so that
// hints printed to the operator target the same profile.
func FormatCLICommand(command string, getenv Getenv) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	profile := NormalizeProfile(getenv("DMMS_AI_PROFILE"))
	if profile == "" {
		return command
	}
	fields := strings.Fields(command)
	for _, f := range fields {
		if f == "--profile" || strings.HasPrefix(f, "--profile=") || f == "--dev" {
			return command
		}
	}
	for i, f := range fields {
		if f != "dmms-ai" {
			continue
		}
		out := make([]string, 0, len(fields)+2)
		out = append(out, fields[:i+1]...)
		out = append(out, "--profile", profile)
		out = append(out, fields[i+1:]...)
		return strings.Join(out, " ")
	}
	return command
}

func resolveUserPath(p, home string) string {
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		if home == "" {
			if h, err := os.UserHomeDir(); err == nil {
				home = h
			}
		}
		p = filepath.Join(home, p[1:])
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}
