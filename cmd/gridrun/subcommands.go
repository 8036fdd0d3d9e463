package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gridrun-dev/gridrun/internal/config"
	"github.com/gridrun-dev/gridrun/internal/exec"
	"github.com/gridrun-dev/gridrun/internal/exec/agentexec"
	"github.com/gridrun-dev/gridrun/internal/exec/local"
	"github.com/gridrun-dev/gridrun/internal/exec/sshexec"
	"github.com/gridrun-dev/gridrun/internal/matrix"
	"github.com/gridrun-dev/gridrun/internal/runner"
	gssh "github.com/gridrun-dev/gridrun/internal/ssh"
	"github.com/gridrun-dev/gridrun/internal/store"
	"github.com/gridrun-dev/gridrun/internal/telemetry"
	"github.com/gridrun-dev/gridrun/pkg/api"
)

// Resolve the executor registry. planSetup is the plan's setup sequence; it
// runs inside every job context after the executor's own configured setup.
func resolveExecutors(cmd *cobra.Command, planSetup []string) (*exec.Registry, config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, config.Config{}, err
	}
	localSetup := append(append([]string{}, cfg.Executors.Local.Setup...), planSetup...)
	reg := exec.NewRegistry()
	reg.Register(local.New(cfg.Executors.Local.Shell, localSetup, cfg.Executors.Local.KeepEnv))
	reg.Register(sshexec.New(cfg, planSetup))
	reg.Register(agentexec.New(cfg, planSetup))
	return reg, cfg, nil
}

func planCommands(p api.Plan) []runner.Command {
	cmds := make([]runner.Command, 0, len(p.Commands))
	for _, c := range p.Commands {
		cmds = append(cmds, runner.Command{Name: c.Name, Run: c.Run, FailBuild: c.FailBuild})
	}
	return cmds
}

// Run the matrix
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Expand the matrix and run every job",
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath, _ := cmd.Flags().GetString("plan")
			executorName, _ := cmd.Flags().GetString("executor")
			osFilter, _ := cmd.Flags().GetStringSlice("os")
			runtimeFilter, _ := cmd.Flags().GetStringSlice("runtime")
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			noRecord, _ := cmd.Flags().GetBool("no-record")

			plan, err := api.LoadPlan(planPath)
			if err != nil {
				return err
			}

			reg, cfg, err := resolveExecutors(cmd, plan.Setup)
			if err != nil {
				return err
			}
			if executorName == "" {
				executorName = cfg.Executors.Default
			}
			executor, err := reg.Get(executorName)
			if err != nil {
				return err
			}

			axes := matrix.Axes{OS: plan.Matrix.OS, Runtimes: plan.Matrix.Runtimes}
			if len(osFilter) > 0 {
				axes.OS = osFilter
			}
			if len(runtimeFilter) > 0 {
				axes.Runtimes = runtimeFilter
			}
			envs := matrix.Expand(axes)

			if concurrency <= 0 {
				concurrency = cfg.Defaults.Concurrency
			}
			jobTimeout := time.Duration(cfg.Defaults.JobTimeoutSeconds) * time.Second

			telemetry.InitGlobal(cfg.Telemetry.Enabled, time.Duration(cfg.Telemetry.MetricsInterval)*time.Second)
			defer func() { _ = telemetry.Shutdown() }()

			log.Info().
				Str("plan", plan.Name).
				Str("executor", executorName).
				Int("jobs", len(envs)).
				Int("concurrency", concurrency).
				Msg("starting run")

			started := time.Now()
			results := runner.New(executor, concurrency, jobTimeout).Run(cmd.Context(), envs, planCommands(plan))
			finished := time.Now()

			printResults(results)

			if !noRecord {
				if err := recordRun(cmd, cfg, plan.Name, executorName, started, finished, results); err != nil {
					log.Warn().Err(err).Msg("run history not recorded")
				}
			}

			if runner.Failed(results) {
				return fmt.Errorf("run failed: %d of %d jobs failed", countFailed(results), len(results))
			}
			fmt.Printf("run passed: %d jobs\n", len(results))
			return nil
		},
	}
	cmd.Flags().String("plan", "", "plan file (defaults to the built-in lint plan)")
	cmd.Flags().String("executor", "", "executor name (local, ssh, agent)")
	cmd.Flags().StringSlice("os", nil, "restrict the OS axis")
	cmd.Flags().StringSlice("runtime", nil, "restrict the runtime axis")
	cmd.Flags().Int("concurrency", 0, "max jobs in flight (defaults from config)")
	cmd.Flags().Bool("no-record", false, "skip writing run history")
	return cmd
}

func countFailed(results []runner.JobResult) int {
	n := 0
	for _, r := range results {
		if !r.Passed {
			n++
		}
	}
	return n
}

func printResults(results []runner.JobResult) {
	for _, r := range results {
		status := "pass"
		if !r.Passed {
			status = "FAIL"
		}
		fmt.Printf("%-30s %-4s %8s\n", r.Env.String(), status, r.Duration.Round(time.Millisecond))
		if r.Err != nil {
			fmt.Printf("  provisioning: %v\n", r.Err)
		}
		for _, cr := range r.Commands {
			switch {
			case cr.Skipped:
				fmt.Printf("  %-26s skipped\n", cr.Command.Name)
			case cr.ExitCode != 0 && cr.Command.FailBuild:
				fmt.Printf("  %-26s exit %d (strict)\n", cr.Command.Name, cr.ExitCode)
			case cr.ExitCode != 0:
				fmt.Printf("  %-26s exit %d (advisory)\n", cr.Command.Name, cr.ExitCode)
			}
		}
	}
}

func recordRun(cmd *cobra.Command, cfg config.Config, planName, executorName string, started, finished time.Time, results []runner.JobResult) error {
	s, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	status := api.RunSucceeded
	if runner.Failed(results) {
		status = api.RunFailed
	}
	run := store.Run{
		ID:         uuid.NewString(),
		Plan:       planName,
		Executor:   executorName,
		Status:     status,
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
	}

	jobs := make([]store.JobRecord, 0, len(results))
	for _, r := range results {
		job := store.JobRecord{
			OS:         r.Env.OS,
			Runtime:    r.Env.Runtime,
			Status:     api.RunSucceeded,
			DurationMS: r.Duration.Milliseconds(),
		}
		if !r.Passed {
			job.Status = api.RunFailed
		}
		if r.Err != nil {
			job.Error = r.Err.Error()
		}
		for i, cr := range r.Commands {
			job.Commands = append(job.Commands, store.CommandRecord{
				Seq:        i,
				Name:       cr.Command.Name,
				Command:    cr.Command.Run,
				ExitCode:   cr.ExitCode,
				FailBuild:  cr.Command.FailBuild,
				Skipped:    cr.Skipped,
				DurationMS: cr.Duration.Milliseconds(),
			})
		}
		jobs = append(jobs, job)
	}

	if err := s.RecordRun(cmd.Context(), run, jobs); err != nil {
		return err
	}
	fmt.Printf("recorded run %s\n", run.ID)
	return nil
}

// Show the expansion without running anything
func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the jobs a plan expands to",
		RunE: func(cmd *cobra.Command, args []string) error {
			planPath, _ := cmd.Flags().GetString("plan")
			plan, err := api.LoadPlan(planPath)
			if err != nil {
				return err
			}
			envs := matrix.Expand(matrix.Axes{OS: plan.Matrix.OS, Runtimes: plan.Matrix.Runtimes})
			fmt.Printf("plan: %s (%d jobs)\n", plan.Name, len(envs))
			for _, env := range envs {
				fmt.Printf("  %s\n", env)
			}
			for _, c := range plan.Commands {
				mode := "advisory"
				if c.FailBuild {
					mode = "strict"
				}
				fmt.Printf("  [%s] %s: %s\n", mode, c.Name, c.Run)
			}
			return nil
		},
	}
	cmd.Flags().String("plan", "", "plan file (defaults to the built-in lint plan)")
	return cmd
}

// Inspect run history
func newResultsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show recorded runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")
			limit, _ := cmd.Flags().GetInt("limit")
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			s, err := store.Open(cfg.Store.Path)
			if err != nil {
				return err
			}
			defer s.Close()

			if runID != "" {
				run, jobs, err := s.GetRun(cmd.Context(), runID)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %s  %s  %s\n", run.ID, run.Plan, run.Executor, run.Status)
				for _, job := range jobs {
					fmt.Printf("  %s/%s  %s  %dms\n", job.OS, job.Runtime, job.Status, job.DurationMS)
					if job.Error != "" {
						fmt.Printf("    provisioning: %s\n", job.Error)
					}
					for _, c := range job.Commands {
						switch {
						case c.Skipped:
							fmt.Printf("    %s: skipped\n", c.Name)
						default:
							fmt.Printf("    %s: exit %d\n", c.Name, c.ExitCode)
						}
					}
				}
				return nil
			}

			runs, err := s.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s  %s  %s  %s  %s\n",
					r.ID, r.Plan, r.Executor, r.Status, r.StartedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().String("run", "", "show one run in detail")
	cmd.Flags().Int("limit", 20, "max runs to list")
	return cmd
}

// Inspect configured executors
func newExecutorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "executors",
		Short: "Inspect configured executors",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, cfg, err := resolveExecutors(cmd, nil)
			if err != nil {
				return err
			}
			fmt.Printf("default: %s\n", cfg.Executors.Default)
			for _, name := range []string{"local", "ssh", "agent"} {
				if _, err := reg.Get(name); err == nil {
					fmt.Printf("registered: %s\n", name)
				}
			}
			return nil
		},
	}
}

// Initialize configuration and SSH material
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "gridrun initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = config.DefaultPath()
			}
			created, err := config.WriteDefaultConfig(cfgPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("wrote default config to %s\n", cfgPath)
			} else {
				fmt.Printf("config already exists at %s\n", cfgPath)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}

			keyDir := cfg.SSH.KeyDir
			if keyDir == "" {
				keyDir = filepath.Dir(cfgPath)
			}
			keyPath := filepath.Join(keyDir, "id_ed25519")
			if _, err := gssh.LoadPrivateKeySigner(keyPath); err != nil {
				pub, err := gssh.GenerateEd25519Keypair(keyPath)
				if err != nil {
					return fmt.Errorf("generate ssh key: %w", err)
				}
				fmt.Printf("generated %s\npublic key: %s\n", keyPath, strings.TrimSpace(pub))
			}

			knownHosts := cfg.SSH.KnownHosts
			if knownHosts == "" {
				knownHosts = filepath.Join(keyDir, "known_hosts")
			}
			if err := gssh.EnsureKnownHostsFile(knownHosts); err != nil {
				return err
			}
			fmt.Printf("known_hosts ready at %s\n", knownHosts)
			return nil
		},
	}
}

func hostByOS(cfg config.Config, osLabel string) (config.Host, error) {
	for _, h := range cfg.Executors.SSH.Hosts {
		if h.OS == osLabel {
			return h, nil
		}
	}
	return config.Host{}, fmt.Errorf("no ssh host configured for os %q", osLabel)
}

func sshClientFor(cfg config.Config, host config.Host) (*gssh.Client, error) {
	keyPath := host.KeyPath
	if keyPath == "" {
		keyPath = filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
	}
	signer, err := gssh.LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	kh, err := gssh.LoadKnownHostsCallback(cfg.SSH.KnownHosts)
	if err != nil {
		return nil, err
	}
	port := host.Port
	if port == 0 {
		port = 22
	}
	return &gssh.Client{
		Addr:       fmt.Sprintf("%s:%d", host.IP, port),
		User:       host.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    time.Duration(cfg.Defaults.TimeoutSeconds) * time.Second,
		Retries:    cfg.Defaults.Retries,
		Backoff:    500 * time.Millisecond,
	}, nil
}

// Verify SSH connectivity before a run
func newSSHCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ssh-check",
		Short: "Verify SSH connectivity to configured hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			osFilter, _ := cmd.Flags().GetString("os")
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			hosts := cfg.Executors.SSH.Hosts
			if osFilter != "" {
				h, err := hostByOS(cfg, osFilter)
				if err != nil {
					return err
				}
				hosts = []config.Host{h}
			}
			if len(hosts) == 0 {
				return fmt.Errorf("no ssh hosts configured")
			}
			unreachable := 0
			for _, h := range hosts {
				c, err := sshClientFor(cfg, h)
				if err != nil {
					return err
				}
				out, code, err := c.RunCommand(cmd.Context(), "uname -a")
				if err != nil {
					unreachable++
					fmt.Printf("%s\t%s\tunreachable: %v\n", h.OS, c.Addr, err)
					continue
				}
				fmt.Printf("%s\t%s\tok (exit %d) %s\n", h.OS, c.Addr, code, strings.TrimSpace(out))
			}
			if unreachable > 0 {
				return fmt.Errorf("%d of %d hosts unreachable", unreachable, len(hosts))
			}
			return nil
		},
	}
	cmd.Flags().String("os", "", "check only the host mapped to this matrix os")
	return cmd
}

// Copy files to/from an SSH host
func newCpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cp",
		Short: "Copy files to/from an SSH host using SFTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			osLabel, _ := cmd.Flags().GetString("os")
			push, _ := cmd.Flags().GetStringSlice("push")
			pull, _ := cmd.Flags().GetStringSlice("pull")
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			host, err := hostByOS(cfg, osLabel)
			if err != nil {
				return err
			}
			c, err := sshClientFor(cfg, host)
			if err != nil {
				return err
			}
			cli, err := gssh.Dial(cmd.Context(), c)
			if err != nil {
				return err
			}
			defer cli.Close()
			for _, spec := range push {
				parts := strings.SplitN(spec, ":", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --push spec: %s", spec)
				}
				if err := gssh.PushFile(cmd.Context(), cli, parts[0], parts[1]); err != nil {
					return err
				}
			}
			for _, spec := range pull {
				parts := strings.SplitN(spec, ":", 2)
				if len(parts) != 2 {
					return fmt.Errorf("invalid --pull spec: %s", spec)
				}
				if err := gssh.PullFile(cmd.Context(), cli, parts[0], parts[1]); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().String("os", "", "matrix os label of the target host")
	cmd.Flags().StringSlice("push", nil, "local:remote specs to upload via SFTP")
	cmd.Flags().StringSlice("pull", nil, "remote:local specs to download via SFTP")
	_ = cmd.MarkFlagRequired("os")
	return cmd
}

// Shell completion
func newCompletionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate shell completion scripts",
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := cmd.Root()
			switch args[0] {
			case "bash":
				return root.GenBashCompletion(cmd.OutOrStdout())
			case "zsh":
				return root.GenZshCompletion(cmd.OutOrStdout())
			case "fish":
				return root.GenFishCompletion(cmd.OutOrStdout(), true)
			case "powershell":
				return root.GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
			}
			return nil
		},
	}
}
