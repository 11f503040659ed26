// Package tracking logs run configuration and metrics to Weights & Biases,
// either through its API or to a local offline run directory.
package tracking

import (
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/jolt8888/MLOPS-Project2/errors"
)

// Modes accepted in WANDB_MODE.
const (
	ModeOnline   = "online"
	ModeOffline  = "offline"
	ModeDisabled = "disabled"
)

// Settings come from the same environment variables the wandb client reads.
type Settings struct {
	Mode    string `env:"WANDB_MODE" envDefault:"online"`
	APIKey  string `env:"WANDB_API_KEY"`
	Entity  string `env:"WANDB_ENTITY"`
	BaseURL string `env:"WANDB_BASE_URL" envDefault:"https://api.wandb.ai"`
	Dir     string `env:"WANDB_DIR" envDefault:"."`
}

// LoadSettings parses the environment. "dryrun" is accepted as offline.
func LoadSettings() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return s, errors.Configf("wandb environment: %v", err)
	}
	s.Mode = strings.ToLower(s.Mode)
	switch s.Mode {
	case "dryrun":
		s.Mode = ModeOffline
	case ModeOnline, ModeOffline, ModeDisabled:
	default:
		return s, errors.Configf("WANDB_MODE must be online, offline or disabled, got %q", s.Mode)
	}
	return s, nil
}
