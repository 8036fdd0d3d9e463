package exec

import (
	"context"
	"time"

	"github.com/gridrun-dev/gridrun/internal/matrix"
)

// Result is the outcome of one command inside a session. A non-zero exit code
// is not an error; an error means the context itself broke (provisioning,
// transport, teardown).
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Session is a provisioned execution context for a single job. Commands run
// sequentially inside it and share its working directory. Close tears the
// context down; nothing written inside it survives.
type Session interface {
	Run(ctx context.Context, command string) (Result, error)
	WorkDir() string
	Close() error
}

// Executor provisions isolated sessions for matrix environments.
type Executor interface {
	Name() string
	Open(ctx context.Context, env matrix.Environment) (Session, error)
}
