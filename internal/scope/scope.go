// Package scope implements the per-execution variable scope: a hierarchical
// key/value tree holding input parameters, prior step results, execution
// metadata, and loop bindings, resolved through {{dotted.path}} substitution.
package scope

import (
	"sync"
	"time"

	"github.com/mirelk/stepflow/pkg/schema"
)

// Namespace roots understood by the resolver.
const (
	nsWorkflow  = "workflow"
	nsSteps     = "steps"
	nsExecution = "execution"
	nsLoop      = "loop"
)

// LoopBinding carries the per-iteration variables of an active loop.
type LoopBinding struct {
	Item    any
	Index   int
	ItemVar string
}

// sharedData is the state common to a scope and all loop views derived
// from it. Step results and the log are written concurrently by parallel
// siblings, so every access goes through the mutex.
type sharedData struct {
	mu         sync.RWMutex
	parameters map[string]any
	steps      map[string]any
	execution  map[string]any
	log        []schema.LogEntry
}

// Scope is one view over an execution's variable tree. The base scope is
// created once per execution; loops derive child views that share the same
// underlying data but carry their own iteration binding, so concurrent
// loops never clobber each other's loop.item.
type Scope struct {
	data *sharedData
	loop *LoopBinding
}

// New creates the base scope for an execution. The parameters map becomes
// the workflow.parameters namespace; execution metadata (id, status,
// triggered_by, ...) becomes the execution namespace.
func New(parameters, execution map[string]any) *Scope {
	if parameters == nil {
		parameters = map[string]any{}
	}
	if execution == nil {
		execution = map[string]any{}
	}
	return &Scope{
		data: &sharedData{
			parameters: parameters,
			steps:      make(map[string]any),
			execution:  execution,
		},
	}
}

// WithLoop returns a child view bound to one loop iteration. The child
// shares parameters, step results, and the log with its parent.
func (s *Scope) WithLoop(item any, index int, itemVar string) *Scope {
	return &Scope{
		data: s.data,
		loop: &LoopBinding{Item: item, Index: index, ItemVar: itemVar},
	}
}

// SetStepResult stores a step's result under steps.<name>. Parallel
// siblings write distinct names, so last-write-wins per key is safe.
func (s *Scope) SetStepResult(name string, result any) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	s.data.steps[name] = result
}

// StepResult returns the stored result for a step, if any.
func (s *Scope) StepResult(name string) (any, bool) {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	v, ok := s.data.steps[name]
	return v, ok
}

// SetExecutionValue updates one key of the execution namespace (for
// example the live status).
func (s *Scope) SetExecutionValue(key string, value any) {
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	s.data.execution[key] = value
}

// AddLogEntry appends one line to the execution's append-only log.
func (s *Scope) AddLogEntry(level, message, stepName string, detail map[string]any) {
	entry := schema.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		StepName:  stepName,
		Detail:    detail,
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()
	s.data.log = append(s.data.log, entry)
}

// LogEntries returns a copy of the execution log in append order.
func (s *Scope) LogEntries() []schema.LogEntry {
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()
	out := make([]schema.LogEntry, len(s.data.log))
	copy(out, s.data.log)
	return out
}

// resolvePath resolves a full dotted path to its value. The entire lookup
// runs under one read lock so parallel siblings updating step results never
// race against a traversal. Stored values are replaced wholesale, never
// mutated in place, so the returned reference stays safe after the lock is
// released.
func (s *Scope) resolvePath(segments []string) (any, bool) {
	if len(segments) == 0 {
		return nil, false
	}

	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	root, ok := s.rootValue(segments[0])
	if !ok {
		return nil, false
	}
	return traverse(root, segments[1:])
}

// rootValue maps the first path segment to its namespace value. Callers
// must hold data.mu.
func (s *Scope) rootValue(segment string) (any, bool) {
	if s.loop != nil && s.loop.ItemVar != "" && segment == s.loop.ItemVar {
		return s.loop.Item, true
	}

	switch segment {
	case nsWorkflow:
		return map[string]any{"parameters": s.data.parameters}, true
	case nsSteps:
		return s.data.steps, true
	case nsExecution:
		return s.data.execution, true
	case nsLoop:
		if s.loop == nil {
			return nil, false
		}
		return map[string]any{"item": s.loop.Item, "index": s.loop.Index}, true
	}
	return nil, false
}
