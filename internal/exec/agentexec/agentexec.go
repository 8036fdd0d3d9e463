package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gridrun-dev/gridrun/internal/agent"
	"github.com/gridrun-dev/gridrun/internal/config"
	"github.com/gridrun-dev/gridrun/internal/exec"
	"github.com/gridrun-dev/gridrun/internal/exec/local"
	"github.com/gridrun-dev/gridrun/internal/matrix"
)

// Executor provisions job contexts on machines running gridrun-agent. Each
// matrix OS label maps to a configured endpoint; each job gets its own remote
// temp directory created through the agent's exec API.
type Executor struct {
	cfg    config.Config
	setup  []string
	client *RetryableHTTPClient
}

func New(cfg config.Config, extraSetup []string) *Executor {
	setup := append([]string{}, cfg.Executors.Agent.Setup...)
	setup = append(setup, extraSetup...)
	timeout := time.Duration(cfg.Defaults.TimeoutSeconds) * time.Second
	return &Executor{
		cfg:    cfg,
		setup:  setup,
		client: NewRetryableHTTPClient(timeout, 10),
	}
}

func (e *Executor) Name() string { return "agent" }

func (e *Executor) endpointFor(env matrix.Environment) (string, error) {
	for _, ep := range e.cfg.Executors.Agent.Endpoints {
		if ep.OS == env.OS {
			return strings.TrimSuffix(ep.URL, "/"), nil
		}
	}
	return "", fmt.Errorf("no agent endpoint configured for os %q", env.OS)
}

func (e *Executor) headers() map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if tok := e.cfg.Executors.Agent.Token; tok != "" {
		h["Authorization"] = "Bearer " + tok
	}
	return h
}

func (e *Executor) execRemote(ctx context.Context, base string, req agent.ExecRequest) (agent.ExecResponse, error) {
	var out agent.ExecResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("encode exec request: %w", err)
	}
	resp, err := e.client.Do(ctx, http.MethodPost, base+"/v0/exec", e.headers(), body)
	if err != nil {
		return out, fmt.Errorf("agent exec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("agent exec: status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode exec response: %w", err)
	}
	return out, nil
}

func (e *Executor) Open(ctx context.Context, env matrix.Environment) (exec.Session, error) {
	base, err := e.endpointFor(env)
	if err != nil {
		return nil, err
	}

	// Heartbeat first so a dead agent is a clean provisioning failure.
	resp, err := e.client.Do(ctx, http.MethodGet, base+"/v0/heartbeat", e.headers(), nil)
	if err != nil {
		return nil, fmt.Errorf("agent heartbeat: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent heartbeat: status %d", resp.StatusCode)
	}

	mk, err := e.execRemote(ctx, base, agent.ExecRequest{Command: "mktemp", Args: []string{"-d", "-t", "gridrun.XXXXXX"}})
	if err != nil {
		return nil, err
	}
	if mk.ExitCode != 0 {
		return nil, fmt.Errorf("create remote job dir: mktemp exited %d", mk.ExitCode)
	}
	dir := strings.TrimSpace(mk.Stdout)

	s := &session{executor: e, base: base, dir: dir, env: env}

	for _, raw := range e.setup {
		cmd := local.ExpandPlaceholders(raw, env)
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

type session struct {
	executor *Executor
	base     string
	dir      string
	env      matrix.Environment
}

func (s *session) WorkDir() string { return s.dir }

func (s *session) Run(ctx context.Context, command string) (exec.Result, error) {
	shell := s.executor.cfg.Executors.Agent.Shell
	if shell == "" {
		shell = "sh"
	}

	req := agent.ExecRequest{
		Command: shell,
		Args:    []string{"-c", command},
		WorkDir: s.dir,
		Env: []string{
			"GRIDRUN_OS=" + s.env.OS,
			"GRIDRUN_RUNTIME=" + s.env.Runtime,
		},
	}
	if deadline, ok := ctx.Deadline(); ok {
		if secs := int(time.Until(deadline).Seconds()); secs > 0 {
			req.Timeout = secs
		}
	}

	start := time.Now()
	resp, err := s.executor.execRemote(ctx, s.base, req)
	if err != nil {
		return exec.Result{}, err
	}
	return exec.Result{
		ExitCode: resp.ExitCode,
		Output:   resp.Stdout + resp.Stderr,
		Duration: time.Since(start),
	}, nil
}

func (s *session) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.executor.execRemote(ctx, s.base, agent.ExecRequest{Command: "rm", Args: []string{"-rf", s.dir}})
	return err
}
