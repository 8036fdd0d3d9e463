package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gridrun-dev/gridrun/internal/matrix"
)

func testEnv() matrix.Environment {
	return matrix.Environment{OS: "ubuntu-latest", Runtime: "3.8"}
}

func TestRunExitCodes(t *testing.T) {
	e := New("sh", nil, nil)
	s, err := e.Open(context.Background(), testEnv())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	res, err := s.Run(context.Background(), "true")
	if err != nil {
		t.Fatalf("run true: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}

	res, err = s.Run(context.Background(), "exit 3")
	if err != nil {
		t.Fatalf("non-zero exit must not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
}

func TestRunCapturesOutput(t *testing.T) {
	e := New("sh", nil, nil)
	s, err := e.Open(context.Background(), testEnv())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	res, err := s.Run(context.Background(), "echo hello; echo oops >&2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Output, "hello") || !strings.Contains(res.Output, "oops") {
		t.Fatalf("expected combined output, got %q", res.Output)
	}
}

func TestJobIsolation(t *testing.T) {
	e := New("sh", nil, nil)
	ctx := context.Background()

	s1, err := e.Open(ctx, testEnv())
	if err != nil {
		t.Fatalf("open s1: %v", err)
	}
	defer s1.Close()
	s2, err := e.Open(ctx, testEnv())
	if err != nil {
		t.Fatalf("open s2: %v", err)
	}
	defer s2.Close()

	if s1.WorkDir() == s2.WorkDir() {
		t.Fatalf("sessions share a working directory")
	}

	if _, err := s1.Run(ctx, "echo leak > marker"); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s2.WorkDir(), "marker")); !os.IsNotExist(err) {
		t.Fatalf("marker from one job visible in another")
	}
}

func TestScrubbedEnvironment(t *testing.T) {
	t.Setenv("GRIDRUN_TEST_LEAK", "should-not-appear")

	e := New("sh", nil, nil)
	s, err := e.Open(context.Background(), testEnv())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	res, err := s.Run(context.Background(), "echo os=$GRIDRUN_OS rt=$GRIDRUN_RUNTIME leak=$GRIDRUN_TEST_LEAK home=$HOME")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Output, "os=ubuntu-latest") || !strings.Contains(res.Output, "rt=3.8") {
		t.Fatalf("matrix coordinates missing from env: %q", res.Output)
	}
	if strings.Contains(res.Output, "should-not-appear") {
		t.Fatalf("host environment leaked into job: %q", res.Output)
	}
	if !strings.Contains(res.Output, "home="+s.WorkDir()) {
		t.Fatalf("HOME not pinned to job dir: %q", res.Output)
	}
}

func TestKeepEnvPassthrough(t *testing.T) {
	t.Setenv("GRIDRUN_TEST_KEEP", "kept")

	e := New("sh", nil, []string{"GRIDRUN_TEST_KEEP"})
	s, err := e.Open(context.Background(), testEnv())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	res, err := s.Run(context.Background(), "echo v=$GRIDRUN_TEST_KEEP")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Output, "v=kept") {
		t.Fatalf("keep_env variable missing: %q", res.Output)
	}
}

func TestSetupFailureIsProvisioningFailure(t *testing.T) {
	e := New("sh", []string{"exit 1"}, nil)
	if _, err := e.Open(context.Background(), testEnv()); err == nil {
		t.Fatalf("expected provisioning failure from failing setup")
	}
}

func TestSetupPlaceholders(t *testing.T) {
	e := New("sh", []string{"echo {os}-{runtime} > coords"}, nil)
	s, err := e.Open(context.Background(), testEnv())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	res, err := s.Run(context.Background(), "cat coords")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Output, "ubuntu-latest-3.8") {
		t.Fatalf("placeholders not expanded: %q", res.Output)
	}
}

func TestCloseRemovesWorkDir(t *testing.T) {
	e := New("sh", nil, nil)
	s, err := e.Open(context.Background(), testEnv())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	dir := s.WorkDir()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("job dir survived close")
	}
}
