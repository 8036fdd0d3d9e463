package matrix

// Environment is one point in the expanded matrix: a target OS paired with a
// runtime version. Values are opaque labels; executors decide what they mean.
// Environments are immutable once constructed.
type Environment struct {
	OS      string
	Runtime string
}

func (e Environment) String() string { return e.OS + "/" + e.Runtime }

// Axes are the variation axes a run is expanded from.
type Axes struct {
	OS       []string
	Runtimes []string
}

// Expand returns the ordered cross product of the axes. OS varies slowest, so
// expansion order follows axis declaration order and is stable across runs.
// An empty axis yields an empty expansion.
func Expand(a Axes) []Environment {
	if len(a.OS) == 0 || len(a.Runtimes) == 0 {
		return nil
	}
	envs := make([]Environment, 0, len(a.OS)*len(a.Runtimes))
	for _, os := range a.OS {
		for _, rt := range a.Runtimes {
			envs = append(envs, Environment{OS: os, Runtime: rt})
		}
	}
	return envs
}
