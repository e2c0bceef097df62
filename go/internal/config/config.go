package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
)

// Config is the process configuration, read from the environment.
type Config struct {
	APIURL     string `env:"CLAW_API_URL" envDefault:"http://localhost:8080"`
	ControlURL string `env:"CONTROL_URL"`
	UserID     string `env:"CLAW_USER_ID,required"`
	MachineID  int64  `env:"CLAW_MACHINE_ID,required"`
	AuthToken  string `env:"CLAW_AUTH_TOKEN"`

	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"4s"`
	HTTPTimeout       time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`

	GatewayPort       string `env:"GATEWAY_PORT" envDefault:"8081"`
	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"claw"`
	ProfileDB         string `env:"PROFILE_DB" envDefault:"clawplay.db"`
	MachinesFile      string `env:"MACHINES_FILE" envDefault:"machines.yaml"`
	LogLevel          string `env:"LOG_LEVEL" envDefault:"info"`

	ControlMovesPerSec float64 `env:"CONTROL_MOVES_PER_SEC" envDefault:"10"`
}

// Load parses the process environment.
func Load() (*Config, error) {
	return parse(env.Options{})
}

// LoadFrom parses the given variables instead of the process environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the env tags cannot express.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("CLAW_USER_ID must not be blank")
	}
	if c.MachineID <= 0 {
		return fmt.Errorf("CLAW_MACHINE_ID must be positive, got %d", c.MachineID)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be positive")
	}
	if c.ControlMovesPerSec <= 0 {
		return fmt.Errorf("CONTROL_MOVES_PER_SEC must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the zerolog level named by LOG_LEVEL.
func (c *Config) Level() (zerolog.Level, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}
