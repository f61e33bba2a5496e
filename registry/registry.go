// Package registry holds the process-wide tables of workflows, steps, and
// codec classes. Registration happens once at load time through a Builder;
// Build freezes the tables and any later mutation is a bug, not a
// supported operation.
package registry

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/loomworks/loom/codec"
	"github.com/loomworks/loom/workflow"
)

// StepID composes the stable step identifier format:
// "step//" + sourceFileKey + "//" + functionKey.
func StepID(fileKey, funcKey string) string {
	return "step//" + fileKey + "//" + funcKey
}

// MethodStepID identifies an instance method step ("#method" suffix).
func MethodStepID(fileKey, funcKey, method string) string {
	return StepID(fileKey, funcKey) + "#" + method
}

// StaticStepID identifies a static member step ("." suffix).
func StaticStepID(fileKey, funcKey, member string) string {
	return StepID(fileKey, funcKey) + "." + member
}

// StepEntry is one registered step implementation.
type StepEntry struct {
	ID    string
	Fn    workflow.StepFunc
	Retry workflow.RetryPolicy
}

// WorkflowEntry is one registered workflow function.
type WorkflowEntry struct {
	ID string
	Fn workflow.Func
}

// StepOption configures a step registration.
type StepOption func(*StepEntry)

// WithRetryPolicy overrides any subset of the default retry parameters
// for this step.
func WithRetryPolicy(p workflow.RetryPolicy) StepOption {
	return func(e *StepEntry) { e.Retry = p }
}

// Builder collects registrations before the registry freezes.
type Builder struct {
	mu        sync.Mutex
	frozen    bool
	steps     map[string]*StepEntry
	workflows map[string]*WorkflowEntry
	classes   map[string]*codec.ClassCodec
	byType    map[reflect.Type]*codec.ClassCodec
	errs      []error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{
		steps:     make(map[string]*StepEntry),
		workflows: make(map[string]*WorkflowEntry),
		classes:   make(map[string]*codec.ClassCodec),
		byType:    make(map[reflect.Type]*codec.ClassCodec),
	}
}

// RegisterStep records a step implementation under its stable id.
func (b *Builder) RegisterStep(id string, fn workflow.StepFunc, opts ...StepOption) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.frozen:
		b.errs = append(b.errs, fmt.Errorf("register step %q after freeze", id))
	case id == "" || fn == nil:
		b.errs = append(b.errs, fmt.Errorf("register step: empty id or nil func"))
	case b.steps[id] != nil:
		b.errs = append(b.errs, fmt.Errorf("step %q registered twice", id))
	default:
		e := &StepEntry{ID: id, Fn: fn}
		for _, o := range opts {
			o(e)
		}
		b.steps[id] = e
	}
	return b
}

// RegisterWorkflow records a workflow function under its id.
func (b *Builder) RegisterWorkflow(id string, fn workflow.Func) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.frozen:
		b.errs = append(b.errs, fmt.Errorf("register workflow %q after freeze", id))
	case id == "" || fn == nil:
		b.errs = append(b.errs, fmt.Errorf("register workflow: empty id or nil func"))
	case b.workflows[id] != nil:
		b.errs = append(b.errs, fmt.Errorf("workflow %q registered twice", id))
	default:
		b.workflows[id] = &WorkflowEntry{ID: id, Fn: fn}
	}
	return b
}

// RegisterClass records a codec class identity.
func (b *Builder) RegisterClass(cc codec.ClassCodec) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.frozen:
		b.errs = append(b.errs, fmt.Errorf("register class %q after freeze", cc.ID))
	case cc.ID == "" || cc.Type == nil:
		b.errs = append(b.errs, fmt.Errorf("register class: empty id or nil type"))
	case b.classes[cc.ID] != nil:
		b.errs = append(b.errs, fmt.Errorf("class %q registered twice", cc.ID))
	default:
		c := cc
		b.classes[cc.ID] = &c
		b.byType[cc.Type] = &c
	}
	return b
}

// Build freezes the tables. Registration errors accumulated so far are
// reported here, all at once.
func (b *Builder) Build() (*Registry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("registry: %d registration error(s), first: %w", len(b.errs), b.errs[0])
	}
	b.frozen = true
	return &Registry{
		steps:     b.steps,
		workflows: b.workflows,
		classes:   b.classes,
		byType:    b.byType,
	}, nil
}

// Registry is the frozen, read-only table set.
type Registry struct {
	steps     map[string]*StepEntry
	workflows map[string]*WorkflowEntry
	classes   map[string]*codec.ClassCodec
	byType    map[reflect.Type]*codec.ClassCodec
}

// Step resolves a registered step by id.
func (r *Registry) Step(id string) (*StepEntry, bool) {
	e, ok := r.steps[id]
	return e, ok
}

// Workflow resolves a registered workflow by id.
func (r *Registry) Workflow(id string) (*WorkflowEntry, bool) {
	e, ok := r.workflows[id]
	return e, ok
}

// StepIDs returns the registered step ids, sorted.
func (r *Registry) StepIDs() []string {
	out := make([]string, 0, len(r.steps))
	for id := range r.steps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ClassByID implements codec.ClassTable.
func (r *Registry) ClassByID(id string) (*codec.ClassCodec, bool) {
	cc, ok := r.classes[id]
	return cc, ok
}

// ClassByType implements codec.ClassTable.
func (r *Registry) ClassByType(t reflect.Type) (*codec.ClassCodec, bool) {
	cc, ok := r.byType[t]
	return cc, ok
}
