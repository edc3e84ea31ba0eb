package messaging

import (
	"context"
	"sync"
)

// Stage names a group of tasks within the outbound or inbound chain
type Stage int

const (
	// StageOutboundLogical runs first on the outbound path (tracing, enrichment)
	StageOutboundLogical Stage = iota
	// StageTransportDispatch runs last on the outbound path, before the transport
	StageTransportDispatch
	// StageTransportReceived runs first on the inbound path
	StageTransportReceived
	// StageInboundLogical runs after StageTransportReceived
	StageInboundLogical
	// StageInvokeHandlers runs immediately around the handler
	StageInvokeHandlers
)

func (s Stage) String() string {
	switch s {
	case StageOutboundLogical:
		return "outboundLogicalMessageReceived"
	case StageTransportDispatch:
		return "transportDispatch"
	case StageTransportReceived:
		return "transportMessageReceived"
	case StageInboundLogical:
		return "inboundLogicalMessageReceived"
	case StageInvokeHandlers:
		return "invokeHandlers"
	default:
		return "unknown"
	}
}

var (
	outboundStages = []Stage{StageOutboundLogical, StageTransportDispatch}
	inboundStages  = []Stage{StageTransportReceived, StageInboundLogical, StageInvokeHandlers}
)

// Next continues the chain. It returns nil without running anything once the
// handler context asked for the pipeline to terminate.
type Next func(ctx context.Context) error

// Task is one middleware step in a pipeline stage
type Task interface {
	// Invoke processes the message and decides whether to call next
	Invoke(ctx context.Context, hc *HandlerContext, next Next) error

	// Name returns the task name for logging and debugging
	Name() string
}

// TaskFunc is a function adapter for Task
type TaskFunc struct {
	name string
	fn   func(ctx context.Context, hc *HandlerContext, next Next) error
}

// NewTaskFunc creates a new function-based task
func NewTaskFunc(name string, fn func(ctx context.Context, hc *HandlerContext, next Next) error) *TaskFunc {
	return &TaskFunc{name: name, fn: fn}
}

// Invoke implements Task
func (t *TaskFunc) Invoke(ctx context.Context, hc *HandlerContext, next Next) error {
	return t.fn(ctx, hc, next)
}

// Name implements Task
func (t *TaskFunc) Name() string {
	return t.name
}

// stageSet is the ordered task list for each stage of one transport
type stageSet map[Stage][]Task

// Pipeline holds the stage sets for every transport. Tasks added with Use
// apply to all transports and run before transport-specific ones.
type Pipeline struct {
	shared       stageSet
	perTransport map[string]stageSet
	mu           sync.RWMutex
}

// NewPipeline creates an empty pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		shared:       make(stageSet),
		perTransport: make(map[string]stageSet),
	}
}

// Use appends tasks to stage for every transport
func (p *Pipeline) Use(stage Stage, tasks ...Task) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shared[stage] = append(p.shared[stage], tasks...)
	return p
}

// UseFor appends tasks to stage for a single transport
func (p *Pipeline) UseFor(transport string, stage Stage, tasks ...Task) *Pipeline {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.perTransport[transport]
	if !ok {
		set = make(stageSet)
		p.perTransport[transport] = set
	}
	set[stage] = append(set[stage], tasks...)
	return p
}

// Outbound returns a snapshot of the outbound tasks for transport
func (p *Pipeline) Outbound(transport string) []Task {
	return p.collect(transport, outboundStages)
}

// Inbound returns a snapshot of the inbound tasks for transport
func (p *Pipeline) Inbound(transport string) []Task {
	return p.collect(transport, inboundStages)
}

func (p *Pipeline) collect(transport string, stages []Stage) []Task {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var tasks []Task
	set := p.perTransport[transport]
	for _, stage := range stages {
		tasks = append(tasks, p.shared[stage]...)
		tasks = append(tasks, set[stage]...)
	}
	return tasks
}

// terminalFunc is the sentinel task ending every chain. It never calls next.
type terminalFunc func(ctx context.Context, hc *HandlerContext) error

// execute runs tasks in order followed by terminal. Each task receives a Next
// that advances to the following index unless the context has been told to
// terminate the pipeline.
func execute(ctx context.Context, hc *HandlerContext, tasks []Task, terminal terminalFunc) error {
	var run func(ctx context.Context, index int) error
	run = func(ctx context.Context, index int) error {
		if index == len(tasks) {
			return terminal(ctx, hc)
		}
		return tasks[index].Invoke(ctx, hc, func(ctx context.Context) error {
			if hc.ShouldTerminatePipeline() {
				return nil
			}
			return run(ctx, index+1)
		})
	}
	return run(withHandlerContext(ctx, hc), 0)
}
