package exec

import (
	"fmt"
)

type Registry struct {
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]Executor{}}
}

func (r *Registry) Register(e Executor) {
	r.executors[e.Name()] = e
}

func (r *Registry) Get(name string) (Executor, error) {
	e, ok := r.executors[name]
	if !ok {
		return nil, fmt.Errorf("executor not registered: %s", name)
	}
	return e, nil
}
