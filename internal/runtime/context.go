package runtime

import (
	"encoding/json"
	"time"
)

// TimeProvider supplies time to workflow code. Workflow bodies must never
// read the wall clock directly; on replay the provider returns the recorded
// logical time, keeping time-based decisions deterministic.
type TimeProvider interface {
	Now() time.Time
}

// FixedTime is a TimeProvider pinned to one instant, typically the current
// task's event timestamp.
type FixedTime time.Time

func (t FixedTime) Now() time.Time { return time.Time(t) }

// Context is the ambient scope of one workflow task execution. It is not a
// context.Context: workflow code is deterministic and has no deadline — the
// dispatcher owns cancellation around it.
type Context struct {
	namespace   string
	workflowID  string
	runID       string
	taskQueue   string
	startedAt   time.Time
	replayCount int
	metadata    map[string]string
	clock       TimeProvider
	effects     *EffectStore
}

// ContextParams carries the immutable facts of one task execution.
type ContextParams struct {
	Namespace   string
	WorkflowID  string
	RunID       string
	TaskQueue   string
	StartedAt   time.Time
	ReplayCount int
	Metadata    map[string]string
	Clock       TimeProvider
	Effects     *EffectStore
}

func NewContext(p ContextParams) *Context {
	if p.Effects == nil {
		p.Effects = NewEffectStore()
	}
	if p.Clock == nil {
		p.Clock = FixedTime(p.StartedAt)
	}
	return &Context{
		namespace:   p.Namespace,
		workflowID:  p.WorkflowID,
		runID:       p.RunID,
		taskQueue:   p.TaskQueue,
		startedAt:   p.StartedAt,
		replayCount: p.ReplayCount,
		metadata:    p.Metadata,
		clock:       p.Clock,
		effects:     p.Effects,
	}
}

func (c *Context) Namespace() string    { return c.namespace }
func (c *Context) WorkflowID() string   { return c.workflowID }
func (c *Context) RunID() string        { return c.runID }
func (c *Context) TaskQueue() string    { return c.taskQueue }
func (c *Context) StartedAt() time.Time { return c.startedAt }

// ReplayCount is how many times this run's history has been replayed, zero on
// first execution.
func (c *Context) ReplayCount() int { return c.replayCount }

// Now returns the logical time. Identical across replays of the same task.
func (c *Context) Now() time.Time { return c.clock.Now() }

// Metadata returns a read-only execution attribute.
func (c *Context) Metadata(key string) (string, bool) {
	v, ok := c.metadata[key]
	return v, ok
}

// Capture runs producer at most once per effectID and returns the recorded
// result on every replay.
func (c *Context) Capture(effectID string, producer func() (json.RawMessage, error)) (json.RawMessage, error) {
	return c.effects.Capture(effectID, producer)
}

// RequireVersion gates versioned logic; see EffectStore.RequireVersion.
func (c *Context) RequireVersion(changeID string, minVersion, maxVersion int, initial func() int) (int, error) {
	return c.effects.RequireVersion(changeID, minVersion, maxVersion, initial)
}

// Effects exposes the underlying store so the dispatcher can collect newly
// recorded markers after the workflow returns.
func (c *Context) Effects() *EffectStore { return c.effects }

// ContinueAsNewError is returned by workflow code to close the current run
// and start a fresh one with the given input.
type ContinueAsNewError struct {
	Input json.RawMessage
}

func (e *ContinueAsNewError) Error() string { return "workflow continues as new" }

// NewContinueAsNewError requests a continuation with input as the new run's
// start argument.
func NewContinueAsNewError(input json.RawMessage) *ContinueAsNewError {
	return &ContinueAsNewError{Input: input}
}
