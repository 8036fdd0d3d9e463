package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const defaultConfigYAML = `executors:
  default: local
  local:
    shell: sh
    # setup:
    #   - "python{runtime} -m pip install flake8"
    # keep_env: [PATH_EXTRA]
  ssh:
    hosts: []
    # hosts:
    #   - os: ubuntu-latest
    #     name: runner-1
    #     ip: 192.0.2.10
    #     user: ci
    #     port: 22
  agent:
    endpoints: []
    # endpoints:
    #   - os: windows-latest
    #     url: https://runner-win.example.com:8088
defaults:
  concurrency: 4
  job_timeout_seconds: 1800
telemetry:
  enabled: false
`

// WriteDefaultConfig creates a commented starter config at path unless one
// already exists. Returns whether a file was written.
func WriteDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("stat config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0600); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}
