package api

// v0 contains public plan types for early SDK usage.

type CommandSpec struct {
	Name string `json:"name" yaml:"name"`
	Run  string `json:"run" yaml:"run"`
	// FailBuild marks a strict check: a non-zero exit fails the job.
	// Advisory commands leave it false; their exit codes are recorded only.
	FailBuild bool `json:"fail_build" yaml:"fail_build"`
}

type MatrixSpec struct {
	OS       []string `json:"os" yaml:"os"`
	Runtimes []string `json:"runtimes" yaml:"runtimes"`
}

type Plan struct {
	Name   string     `json:"name" yaml:"name"`
	Matrix MatrixSpec `json:"matrix" yaml:"matrix"`
	// Setup runs inside each job's execution context before the command
	// sequence. A setup failure is a provisioning failure for that job,
	// not a command failure.
	Setup    []string      `json:"setup" yaml:"setup"`
	Commands []CommandSpec `json:"commands" yaml:"commands"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// DefaultPlan returns the lint plan gridrun was built around: a strict
// syntax/undefined-name pass that fails the build and an advisory style pass
// that never does, fanned out over three OS targets and three interpreter
// versions.
func DefaultPlan() Plan {
	return Plan{
		Name: "lint",
		Matrix: MatrixSpec{
			OS:       []string{"ubuntu-latest", "macos-latest", "windows-latest"},
			Runtimes: []string{"3.6", "3.7", "3.8"},
		},
		Setup: []string{
			"python{runtime} -m pip install flake8",
		},
		Commands: []CommandSpec{
			{
				Name:      "lint-strict",
				Run:       "flake8 . --count --select=E9,F63,F7,F82 --show-source --statistics",
				FailBuild: true,
			},
			{
				Name:      "lint-advisory",
				Run:       "flake8 . --count --exit-zero --max-complexity=10 --max-line-length=127 --statistics",
				FailBuild: false,
			},
		},
	}
}
