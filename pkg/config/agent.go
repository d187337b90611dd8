package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Agent configures the enforcement agent. The zero value is not usable;
// start from DefaultAgent or LoadAgent.
type Agent struct {
	// ServerURL is the issuer base URL, e.g. https://license.example.com.
	ServerURL string `yaml:"server_url"`
	// InstallDir holds the activation bundle and compose file.
	InstallDir string `yaml:"install_dir"`
	// CheckInterval is the revalidation period.
	CheckInterval Duration `yaml:"check_interval"`
	// HeartbeatTimeout bounds the best-effort server check.
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
	// ErrorPagePort is the protected port the violation page binds to once
	// services are terminated.
	ErrorPagePort int `yaml:"error_page_port"`
	// DockerBin is the container CLI used for compose up/down.
	DockerBin string `yaml:"docker_bin"`
	LogLevel  string `yaml:"log_level"`
}

// DefaultAgent returns the agent defaults: hourly revalidation, 3 s
// heartbeat budget, the platform service directory.
func DefaultAgent() *Agent {
	return &Agent{
		InstallDir:       defaultInstallDir(),
		CheckInterval:    Duration(time.Hour),
		HeartbeatTimeout: Duration(3 * time.Second),
		ErrorPagePort:    3000,
		DockerBin:        "docker",
		LogLevel:         "INFO",
	}
}

// LoadAgent reads an agent configuration file. Unknown keys are rejected;
// absent keys keep their defaults.
func LoadAgent(path string) (*Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultAgent()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports structurally bad settings. ServerURL may be empty: a
// fully offline deployment never heartbeats.
func (a *Agent) Validate() error {
	if a.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if a.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive")
	}
	if a.ErrorPagePort <= 0 || a.ErrorPagePort > 65535 {
		return fmt.Errorf("error_page_port %d out of range", a.ErrorPagePort)
	}
	return nil
}

func defaultInstallDir() string {
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			return filepath.Join(pd, "warden")
		}
		return `C:\ProgramData\warden`
	}
	return "/var/lib/warden"
}

// Duration is a time.Duration that decodes from YAML scalars in
// time.ParseDuration syntax ("1h", "3s").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
