package runner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gridrun-dev/gridrun/internal/exec"
	"github.com/gridrun-dev/gridrun/internal/matrix"
	"github.com/gridrun-dev/gridrun/internal/telemetry"
)

// Command is one shell invocation in a job's sequence. FailBuild marks a
// strict check: a non-zero exit aborts the job. Advisory commands have their
// exit codes recorded and the job carries on.
type Command struct {
	Name      string
	Run       string
	FailBuild bool
}

// CommandResult records one command's outcome within a job. Skipped is set
// for commands never reached because an earlier strict command failed.
type CommandResult struct {
	Command  Command
	ExitCode int
	Output   string
	Duration time.Duration
	Skipped  bool
}

// JobResult is the per-job record. Invariant: Passed is false iff a FailBuild
// command exited non-zero or the job's context could not be provisioned.
type JobResult struct {
	Env      matrix.Environment
	Commands []CommandResult
	// Err holds a provisioning or transport failure; command-level failures
	// live in Commands, not here.
	Err      error
	Passed   bool
	Duration time.Duration
}

// Failed reports whether any job in the run failed. An empty run passes.
func Failed(results []JobResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

// Runner fans a command sequence out over matrix environments. Jobs are
// independent: each gets its own session from the executor, runs its commands
// strictly in order, and shares nothing with other jobs.
type Runner struct {
	executor    exec.Executor
	concurrency int
	jobTimeout  time.Duration
}

func New(executor exec.Executor, concurrency int, jobTimeout time.Duration) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{executor: executor, concurrency: concurrency, jobTimeout: jobTimeout}
}

// Run executes the command sequence once per environment with bounded
// concurrency. Results come back in environment order regardless of
// completion order. Cancelling ctx terminates in-flight jobs promptly.
func (r *Runner) Run(ctx context.Context, envs []matrix.Environment, commands []Command) []JobResult {
	results := make([]JobResult, len(envs))
	telemetry.GaugeGlobal("gridrun_matrix_jobs", float64(len(envs)), nil)

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for i, env := range envs {
		wg.Add(1)
		go func(i int, env matrix.Environment) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = r.runJob(ctx, env, commands)
		}(i, env)
	}

	wg.Wait()
	return results
}

func (r *Runner) runJob(ctx context.Context, env matrix.Environment, commands []Command) JobResult {
	start := time.Now()
	labels := map[string]string{"os": env.OS, "runtime": env.Runtime}
	telemetry.CounterGlobal("gridrun_jobs_started", 1, labels)

	result := JobResult{Env: env, Passed: true}

	// No commands: the job passes trivially, no context is provisioned.
	if len(commands) == 0 {
		result.Duration = time.Since(start)
		return result
	}

	if r.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.jobTimeout)
		defer cancel()
	}

	session, err := r.executor.Open(ctx, env)
	if err != nil {
		log.Warn().Str("env", env.String()).Err(err).Msg("provisioning failed")
		result.Err = err
		result.Passed = false
		result.Commands = skipAll(commands)
		result.Duration = time.Since(start)
		telemetry.CounterGlobal("gridrun_jobs_failed", 1, labels)
		return result
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			log.Debug().Str("env", env.String()).Err(cerr).Msg("session close")
		}
	}()

	aborted := false
	for _, cmd := range commands {
		if aborted {
			result.Commands = append(result.Commands, CommandResult{Command: cmd, Skipped: true})
			continue
		}

		log.Debug().Str("env", env.String()).Str("cmd", cmd.Run).Bool("strict", cmd.FailBuild).Msg("running command")
		res, err := session.Run(ctx, cmd.Run)
		if err != nil {
			// The context itself broke; nothing after this can run.
			result.Err = err
			result.Passed = false
			result.Commands = append(result.Commands, CommandResult{Command: cmd, Skipped: true})
			aborted = true
			continue
		}

		result.Commands = append(result.Commands, CommandResult{
			Command:  cmd,
			ExitCode: res.ExitCode,
			Output:   res.Output,
			Duration: res.Duration,
		})

		if res.ExitCode != 0 && cmd.FailBuild {
			log.Info().Str("env", env.String()).Str("cmd", cmd.Run).Int("exit", res.ExitCode).Msg("strict check failed")
			result.Passed = false
			aborted = true
		}
	}

	result.Duration = time.Since(start)
	telemetry.TimerGlobal("gridrun_job_duration", result.Duration, labels)
	if !result.Passed {
		telemetry.CounterGlobal("gridrun_jobs_failed", 1, labels)
	}
	return result
}

func skipAll(commands []Command) []CommandResult {
	out := make([]CommandResult, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, CommandResult{Command: cmd, Skipped: true})
	}
	return out
}
