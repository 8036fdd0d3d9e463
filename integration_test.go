package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestFullWorkflow tests the complete end-to-end workflow
func TestFullWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tmpDir := t.TempDir()
	binDir := filepath.Join(tmpDir, "bin")
	if err := buildBinaries(binDir); err != nil {
		t.Fatalf("Failed to build binaries: %v", err)
	}
	gridrun := filepath.Join(binDir, "gridrun")
	agentBin := filepath.Join(binDir, "gridrun-agent")

	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(testConfig(tmpDir)), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Run("CLI_Commands", func(t *testing.T) {
		testCLICommands(t, gridrun, configPath)
	})

	t.Run("Run_Passes", func(t *testing.T) {
		testRunPasses(t, gridrun, configPath, tmpDir)
	})

	t.Run("Run_Fails_On_Strict", func(t *testing.T) {
		testRunFailsOnStrict(t, gridrun, configPath, tmpDir)
	})

	t.Run("Results", func(t *testing.T) {
		testResults(t, gridrun, configPath)
	})

	t.Run("Agent", func(t *testing.T) {
		testAgent(t, agentBin)
	})
}

func buildBinaries(binDir string) error {
	for _, pkg := range []string{"./cmd/gridrun", "./cmd/gridrun-agent"} {
		cmd := exec.Command("go", "build", "-o", binDir+string(os.PathSeparator), pkg)
		output, err := cmd.CombinedOutput()
		if err != nil {
			return fmt.Errorf("build %s failed: %v\nOutput: %s", pkg, err, output)
		}
	}
	return nil
}

func testConfig(tmpDir string) string {
	return fmt.Sprintf(`executors:
  default: local
  local:
    shell: sh
defaults:
  concurrency: 2
  job_timeout_seconds: 60
store:
  path: %s
telemetry:
  enabled: false
`, filepath.Join(tmpDir, "history.db"))
}

func testCLICommands(t *testing.T, gridrun, configPath string) {
	tests := []struct {
		name string
		args []string
	}{
		{"version", []string{"version"}},
		{"help", []string{"--help"}},
		{"executors", []string{"executors"}},
		{"plan", []string{"plan"}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			args := append([]string{"--config", configPath}, test.args...)
			cmd := exec.Command(gridrun, args...)
			output, err := cmd.CombinedOutput()
			if err != nil {
				t.Fatalf("Command %v failed: %v\nOutput: %s", test.args, err, output)
			}
			t.Logf("Command %v output: %s", test.args, output)
		})
	}
}

func writePlan(t *testing.T, tmpDir, name, content string) string {
	t.Helper()
	path := filepath.Join(tmpDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write plan: %v", err)
	}
	return path
}

func testRunPasses(t *testing.T, gridrun, configPath, tmpDir string) {
	// Advisory failure must not fail the run.
	plan := writePlan(t, tmpDir, "pass.yaml", `name: pass-check
matrix:
  os: [ubuntu-latest]
  runtimes: ["3.8", "3.9"]
commands:
  - name: strict-ok
    run: "true"
    fail_build: true
  - name: advisory-bad
    run: "exit 7"
`)
	cmd := exec.Command(gridrun, "--config", configPath, "run", "--plan", plan)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("Run should pass: %v\nOutput: %s", err, output)
	}
	if !strings.Contains(string(output), "run passed") {
		t.Fatalf("Missing pass summary: %s", output)
	}
}

func testRunFailsOnStrict(t *testing.T, gridrun, configPath, tmpDir string) {
	plan := writePlan(t, tmpDir, "fail.yaml", `name: fail-check
matrix:
  os: [ubuntu-latest]
  runtimes: ["3.8"]
commands:
  - name: strict-bad
    run: "exit 2"
    fail_build: true
  - name: never-runs
    run: "true"
`)
	cmd := exec.Command(gridrun, "--config", configPath, "run", "--plan", plan)
	output, err := cmd.CombinedOutput()
	if err == nil {
		t.Fatalf("Run should fail on strict check\nOutput: %s", output)
	}
	if !strings.Contains(string(output), "skipped") {
		t.Fatalf("Remaining command should be reported skipped: %s", output)
	}
}

func testResults(t *testing.T, gridrun, configPath string) {
	cmd := exec.Command(gridrun, "--config", configPath, "results")
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("Results failed: %v\nOutput: %s", err, output)
	}
	// Both earlier runs were recorded.
	if !strings.Contains(string(output), "pass-check") || !strings.Contains(string(output), "fail-check") {
		t.Fatalf("Expected recorded runs in listing: %s", output)
	}
}

func testAgent(t *testing.T, agentBin string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	agentCmd := exec.CommandContext(ctx, agentBin)
	agentCmd.Env = append(os.Environ(), "GRIDRUN_AGENT_ADDR=:18788")
	if err := agentCmd.Start(); err != nil {
		t.Fatalf("Failed to start agent: %v", err)
	}
	defer func() {
		if agentCmd.Process != nil {
			_ = agentCmd.Process.Kill()
		}
	}()

	var resp *http.Response
	var err error
	for i := 0; i < 20; i++ {
		resp, err = http.Get("http://127.0.0.1:18788/v0/heartbeat")
		if err == nil {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Heartbeat never answered: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Heartbeat status %d", resp.StatusCode)
	}
}
