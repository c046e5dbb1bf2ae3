package dispatcher

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/edvin/orchestrator/internal/runtime"
)

// Workflow is deterministic workflow code: a pure function of the runtime
// scope and its input. Returning *runtime.ContinueAsNewError closes the run
// and starts a continuation.
type Workflow func(ctx *runtime.Context, input json.RawMessage) (json.RawMessage, error)

// Registry maps workflow type names to their implementations. Populated at
// worker startup, read-only afterwards from the poll loops.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

func (r *Registry) Register(workflowType string, wf Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[workflowType] = wf
}

func (r *Registry) Resolve(workflowType string) (Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[workflowType]
	return wf, ok
}

// Types returns the registered workflow type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.workflows))
	for t := range r.workflows {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
