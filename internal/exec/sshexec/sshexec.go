package sshexec

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/gridrun-dev/gridrun/internal/config"
	"github.com/gridrun-dev/gridrun/internal/exec"
	"github.com/gridrun-dev/gridrun/internal/exec/local"
	"github.com/gridrun-dev/gridrun/internal/matrix"
	gssh "github.com/gridrun-dev/gridrun/internal/ssh"
)

// Executor provisions job contexts on remote hosts over SSH. Each matrix OS
// label maps to a configured host; each job gets its own remote temp
// directory, torn down on Close, so jobs on the same host stay isolated.
type Executor struct {
	cfg   config.Config
	setup []string
}

func New(cfg config.Config, extraSetup []string) *Executor {
	setup := append([]string{}, cfg.Executors.SSH.Setup...)
	setup = append(setup, extraSetup...)
	return &Executor{cfg: cfg, setup: setup}
}

func (e *Executor) Name() string { return "ssh" }

func (e *Executor) hostFor(env matrix.Environment) (config.Host, error) {
	for _, h := range e.cfg.Executors.SSH.Hosts {
		if h.OS == env.OS {
			return h, nil
		}
	}
	return config.Host{}, fmt.Errorf("no ssh host configured for os %q", env.OS)
}

func (e *Executor) Open(ctx context.Context, env matrix.Environment) (exec.Session, error) {
	host, err := e.hostFor(env)
	if err != nil {
		return nil, err
	}

	keyPath := host.KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(e.cfg.SSH.KeyDir, "id_ed25519")
	}
	signer, err := gssh.LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	kh, err := gssh.LoadKnownHostsCallback(e.cfg.SSH.KnownHosts)
	if err != nil {
		return nil, err
	}

	port := host.Port
	if port == 0 {
		port = 22
	}
	client := &gssh.Client{
		Addr:       fmt.Sprintf("%s:%d", host.IP, port),
		User:       host.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    time.Duration(e.cfg.Defaults.TimeoutSeconds) * time.Second,
		Retries:    e.cfg.Defaults.Retries,
		Backoff:    500 * time.Millisecond,
	}
	cli, err := gssh.Dial(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", client.Addr, err)
	}

	out, code, err := gssh.Exec(ctx, cli, "mktemp -d -t gridrun.XXXXXX")
	if err != nil || code != 0 {
		_ = cli.Close()
		if err == nil {
			err = fmt.Errorf("mktemp exited %d", code)
		}
		return nil, fmt.Errorf("create remote job dir: %w", err)
	}
	dir := strings.TrimSpace(out)

	s := &session{cli: cli, dir: dir, env: env}

	if ws := e.cfg.Executors.SSH.Workspace; ws != "" {
		if err := gssh.PushDir(ctx, cli, ws, dir); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("stage workspace: %w", err)
		}
	}

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
	cli *xssh.Client
	dir string
	env matrix.Environment
}

func (s *session) WorkDir() string { return s.dir }

func (s *session) Run(ctx context.Context, command string) (exec.Result, error) {
	start := time.Now()
	wrapped := fmt.Sprintf("cd %s && GRIDRUN_OS=%s GRIDRUN_RUNTIME=%s sh -c %s",
		s.dir, shellQuote(s.env.OS), shellQuote(s.env.Runtime), shellQuote(command))
	out, code, err := gssh.Exec(ctx, s.cli, wrapped)
	res := exec.Result{ExitCode: code, Output: out, Duration: time.Since(start)}
	if err != nil {
		return res, err
	}
	return res, nil
}

func (s *session) Close() error {
	// Best-effort teardown of the remote job dir before dropping the link.
	_, _, err := gssh.Exec(context.Background(), s.cli, "rm -rf "+s.dir)
	if cerr := s.cli.Close(); err == nil {
		err = cerr
	}
	return err
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
