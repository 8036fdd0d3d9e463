package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Host maps a matrix OS label to an SSH-reachable machine.
type Host struct {
	OS      string `yaml:"os"`
	Name    string `yaml:"name"`
	IP      string `yaml:"ip"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
	Port    int    `yaml:"port"`
}

// AgentEndpoint maps a matrix OS label to a gridrun-agent base URL.
type AgentEndpoint struct {
	OS  string `yaml:"os"`
	URL string `yaml:"url"`
}

type Config struct {
	Executors struct {
		Default string `yaml:"default"`
		Local   struct {
			Shell string `yaml:"shell"`
			// Setup commands run before each job's command sequence.
			// {os} and {runtime} placeholders are expanded.
			Setup []string `yaml:"setup"`
			// KeepEnv names host environment variables passed through
			// into the scrubbed job environment.
			KeepEnv []string `yaml:"keep_env"`
		} `yaml:"local"`
		SSH struct {
			Hosts []Host   `yaml:"hosts"`
			Setup []string `yaml:"setup"`
			// Workspace is a local directory staged into each remote
			// job directory before setup runs.
			Workspace string `yaml:"workspace"`
		} `yaml:"ssh"`
		Agent struct {
			Endpoints []AgentEndpoint `yaml:"endpoints"`
			Token     string          `yaml:"token"`
			Setup     []string        `yaml:"setup"`
			Shell     string          `yaml:"shell"`
		} `yaml:"agent"`
	} `yaml:"executors"`
	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Defaults struct {
		Concurrency       int `yaml:"concurrency"`
		JobTimeoutSeconds int `yaml:"job_timeout_seconds"`
		Retries           int `yaml:"retries"`
		TimeoutSeconds    int `yaml:"timeout_seconds"`
	} `yaml:"defaults"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Telemetry struct {
		Enabled         bool `yaml:"enabled"`
		MonitoringPort  int  `yaml:"monitoring_port"`
		MetricsInterval int  `yaml:"metrics_interval"`
	} `yaml:"telemetry"`
}

// DefaultPath resolves $XDG_CONFIG_HOME/gridrun/config.yaml or
// ~/.config/gridrun/config.yaml.
func DefaultPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "gridrun", "config.yaml")
}

// Load reads YAML configuration from a path. If path is empty the default
// location is used; a missing file at the default location is not an error,
// the built-in defaults apply.
func Load(path string) (Config, error) {
	var cfg Config
	explicit := path != ""
	if path == "" {
		path = DefaultPath()
	}
	f, err := os.Open(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			applyDefaults(&cfg)
			mergeSecrets(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	mergeSecrets(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Executors.Default == "" {
		cfg.Executors.Default = "local"
	}
	if cfg.Executors.Local.Shell == "" {
		cfg.Executors.Local.Shell = "sh"
	}
	if cfg.Executors.Agent.Shell == "" {
		cfg.Executors.Agent.Shell = "sh"
	}
	if cfg.Defaults.Concurrency <= 0 {
		cfg.Defaults.Concurrency = 4
	}
	if cfg.Defaults.JobTimeoutSeconds <= 0 {
		cfg.Defaults.JobTimeoutSeconds = 1800
	}
	if cfg.Defaults.Retries < 0 {
		cfg.Defaults.Retries = 0
	}
	if cfg.Defaults.TimeoutSeconds <= 0 {
		cfg.Defaults.TimeoutSeconds = 30
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath()
	}
	if cfg.Telemetry.MetricsInterval <= 0 {
		cfg.Telemetry.MetricsInterval = 30
	}
}

func defaultStorePath() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "gridrun", "history.db")
}

// mergeSecrets pulls the agent token from secrets.env or the environment so
// it never has to live in YAML.
func mergeSecrets(cfg *Config) {
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("GRIDRUN_AGENT_TOKEN"); v != "" {
		secrets["GRIDRUN_AGENT_TOKEN"] = v
	}
	if t, ok := secrets["GRIDRUN_AGENT_TOKEN"]; ok && t != "" {
		cfg.Executors.Agent.Token = t
	}
}
