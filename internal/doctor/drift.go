package doctor

import (
	"path/filepath"
	"strconv"

	"github.com/dmms-ai/dmms-ai/internal/config"
	"github.com/dmms-ai/dmms-ai/internal/gatewayrpc"
	"github.com/dmms-ai/dmms-ai/internal/service"
)

// detectDrift compares local config with the service definition and, when
// the gateway answered, with what it reports about itself.
func detectDrift(cfg config.Config, def *service.Definition, rpc gatewayrpc.Probe) (*ConfigSide, []Drift) {
	var drift []Drift
	var side *ConfigSide

	if def != nil {
		snap := def.Snapshot()
		side = &ConfigSide{
			Path:     def.Environment["DMMS_AI_CONFIG_PATH"],
			StateDir: def.Environment["DMMS_AI_STATE_DIR"],
			Port:     snap.Port,
		}
		if snap.Port > 0 && snap.Port != cfg.Gateway.Port {
			drift = append(drift, Drift{Field: "port", Config: strconv.Itoa(cfg.Gateway.Port), Service: strconv.Itoa(snap.Port)})
		}
		if side.StateDir != "" && !samePath(side.StateDir, cfg.StateDir) {
			drift = append(drift, Drift{Field: "stateDir", Config: cfg.StateDir, Service: side.StateDir})
		}
		if side.Path != "" && !samePath(side.Path, cfg.ConfigPath) {
			drift = append(drift, Drift{Field: "configPath", Config: cfg.ConfigPath, Service: side.Path})
		}
	}

	if rpc.OK && rpc.Status != nil {
		live := rpc.Status
		declared := cfg.Gateway.Port
		if side != nil && side.Port > 0 {
			declared = side.Port
		}
		if live.Port > 0 && live.Port != declared {
			drift = append(drift, Drift{Field: "livePort", Config: strconv.Itoa(declared), Service: strconv.Itoa(live.Port)})
		}
		if live.ConfigPath != "" && !samePath(live.ConfigPath, cfg.ConfigPath) && !hasField(drift, "configPath") {
			drift = append(drift, Drift{Field: "configPath", Config: cfg.ConfigPath, Service: live.ConfigPath})
		}
		if live.ConfigDrift {
			drift = append(drift, Drift{Field: "configFile", Config: "edited since gateway start", Service: "running with previous settings"})
		}
	}
	return side, drift
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}

func hasField(drift []Drift, field string) bool {
	for _, d := range drift {
		if d.Field == field {
			return true
		}
	}
	return false
}
