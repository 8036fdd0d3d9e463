package local

import (
	"context"
	"fmt"
	"os"
	osexec "os/exec"
	"strings"
	"time"

	"github.com/gridrun-dev/gridrun/internal/exec"
	"github.com/gridrun-dev/gridrun/internal/matrix"
)

// Executor runs jobs on the local machine. Each job gets a throwaway working
// directory that doubles as HOME and a scrubbed environment, so one job's
// files and variables are never observable from another.
type Executor struct {
	Shell   string
	Setup   []string
	KeepEnv []string
}

func New(shell string, setup, keepEnv []string) *Executor {
	if shell == "" {
		shell = "sh"
	}
	return &Executor{Shell: shell, Setup: setup, KeepEnv: keepEnv}
}

func (e *Executor) Name() string { return "local" }

func (e *Executor) Open(ctx context.Context, env matrix.Environment) (exec.Session, error) {
	dir, err := os.MkdirTemp("", "gridrun-job-*")
	if err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}

	s := &session{
		shell: e.Shell,
		dir:   dir,
		env:   scrubbedEnv(dir, env, e.KeepEnv),
	}

	for _, raw := range e.Setup {
		cmd := ExpandPlaceholders(raw, env)
		res, err := s.Run(ctx, cmd)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("setup %q: %w", cmd, err)
		}
		if res.ExitCode != 0 {
			_ = s.Close()
			return nil, fmt.Errorf("setup %q exited %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Output))
		}
	}

	return s, nil
}

// ExpandPlaceholders substitutes {os} and {runtime} in a setup command.
func ExpandPlaceholders(command string, env matrix.Environment) string {
	command = strings.ReplaceAll(command, "{os}", env.OS)
	command = strings.ReplaceAll(command, "{runtime}", env.Runtime)
	return command
}

// scrubbedEnv builds the job environment: PATH and an explicit allowlist from
// the host, HOME pinned inside the job dir, plus the matrix coordinates.
func scrubbedEnv(dir string, env matrix.Environment, keep []string) []string {
	out := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"GRIDRUN_OS=" + env.OS,
		"GRIDRUN_RUNTIME=" + env.Runtime,
	}
	for _, name := range keep {
		if v, ok := os.LookupEnv(name); ok {
			out = append(out, name+"="+v)
		}
	}
	return out
}

type session struct {
	shell string
	dir   string
	env   []string
}

func (s *session) WorkDir() string { return s.dir }

func (s *session) Run(ctx context.Context, command string) (exec.Result, error) {
	start := time.Now()
	cmd := osexec.CommandContext(ctx, s.shell, "-c", command)
	cmd.Dir = s.dir
	cmd.Env = s.env

	out, err := cmd.CombinedOutput()
	res := exec.Result{Output: string(out), Duration: time.Since(start)}
	if err != nil {
		if exit, ok := err.(*osexec.ExitError); ok {
			res.ExitCode = exit.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, fmt.Errorf("run %q: %w", command, err)
	}
	return res, nil
}

func (s *session) Close() error {
	return os.RemoveAll(s.dir)
}
