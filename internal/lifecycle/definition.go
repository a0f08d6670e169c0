package lifecycle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dmms-ai/dmms-ai/internal/config"
	"github.com/dmms-ai/dmms-ai/internal/service"
)

// InstallSpec is what `daemon install` knows about the gateway to launch.
type InstallSpec struct {
	Executable string
	Port       int
	Bind       string
	Profile    string
	StateDir   string
	ConfigPath string
	// Token is written to the service environment, never to the arguments.
	Token            string
	WorkingDirectory string
}

// BuildDefinition renders the service launch recipe for in.
func BuildDefinition(in InstallSpec) (service.Definition, error) {
	exe := strings.TrimSpace(in.Executable)
	if exe == "" {
		return service.Definition{}, fmt.Errorf("gateway executable path required")
	}
	if in.Port <= 0 || in.Port > 65535 {
		return service.Definition{}, fmt.Errorf("invalid gateway port %d", in.Port)
	}
	bind := strings.TrimSpace(in.Bind)
	if bind == "" {
		bind = config.BindLoopback
	}

	port := strconv.Itoa(in.Port)
	env := map[string]string{
		"DMMS_AI_GATEWAY_PORT": port,
	}
	if in.StateDir != "" {
		env["DMMS_AI_STATE_DIR"] = in.StateDir
	}
	if in.ConfigPath != "" {
		env["DMMS_AI_CONFIG_PATH"] = in.ConfigPath
	}
	if profile := config.NormalizeProfile(in.Profile); profile != "" {
		env["DMMS_AI_PROFILE"] = profile
	}
	if token := strings.TrimSpace(in.Token); token != "" {
		env["DMMS_AI_GATEWAY_TOKEN"] = token
	}

	return service.Definition{
		ProgramArguments: []string{exe, "gateway", "run", "--port", port, "--bind", bind},
		Environment:      env,
		WorkingDirectory: in.WorkingDirectory,
	}, nil
}
