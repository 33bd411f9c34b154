package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"spimfuse/internal/ctxlog"
)

// Task is one unit of work in a task graph.
type Task struct {
	// Key uniquely identifies the task within one Execute call.
	Key string
	// Deps lists the keys of the tasks that must complete before this one.
	Deps []string
	// Run performs the work. It must not block on other tasks.
	Run func(ctx context.Context) error
}

// Scheduler executes a task graph and blocks until it reaches a terminal state.
type Scheduler interface {
	Execute(ctx context.Context, tasks []Task) error
}

// State is the execution state of a task.
type State int32

const (
	Pending State = iota
	Running
	Done
	Failed
)

// ErrSkipped is the cause recorded for tasks that never ran because an
// upstream task failed.
var ErrSkipped = errors.New("skipped due to upstream failure")

// Local runs tasks on a bounded pool of goroutines in the current process.
type Local struct {
	workers int
}

// NewLocal creates a Local scheduler. workers <= 0 uses runtime.NumCPU().
func NewLocal(workers int) *Local {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Local{workers: workers}
}

// Workers returns the size of the worker pool.
func (l *Local) Workers() int { return l.workers }

type taskNode struct {
	task       Task
	index      int
	deps       []*taskNode
	dependents []*taskNode
	depCount   atomic.Int32
	state      atomic.Int32
	err        error
	finishOnce sync.Once
}

type run struct {
	nodes []*taskNode
	ready chan *taskNode
	wg    sync.WaitGroup
}

// Execute runs tasks respecting their dependencies. The first task failure
// cancels the remaining work; its error is returned wrapped with the key of
// the failing task. A cancelled ctx stops execution between tasks.
func (l *Local) Execute(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return ctx.Err()
	}
	logger := ctxlog.FromContext(ctx)

	r, err := build(tasks)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.wg.Add(len(r.nodes))
	roots := 0
	for _, n := range r.nodes {
		if n.depCount.Load() == 0 {
			r.ready <- n
			roots++
		}
	}
	logger.Debug("starting task graph", "tasks", len(r.nodes), "roots", roots, "workers", l.workers)

	for i := 0; i < l.workers; i++ {
		go r.worker(runCtx, cancel)
	}
	r.wg.Wait()
	close(r.ready)

	var failed []string
	var rootCause error
	for _, n := range r.nodes {
		if State(n.state.Load()) != Failed || n.err == nil {
			continue
		}
		if errors.Is(n.err, ErrSkipped) || errors.Is(n.err, context.Canceled) || errors.Is(n.err, context.DeadlineExceeded) {
			continue
		}
		failed = append(failed, n.task.Key)
		if rootCause == nil {
			rootCause = n.err
		}
	}
	if rootCause != nil {
		logger.Debug("task graph failed", "failed", strings.Join(failed, ", "), "error", rootCause)
		return fmt.Errorf("task %s failed: %w", failed[0], rootCause)
	}
	return ctx.Err()
}

func build(tasks []Task) (*run, error) {
	r := &run{
		nodes: make([]*taskNode, len(tasks)),
		ready: make(chan *taskNode, len(tasks)),
	}
	byKey := make(map[string]*taskNode, len(tasks))
	for i, t := range tasks {
		if t.Run == nil {
			return nil, fmt.Errorf("task %q has no Run function", t.Key)
		}
		if _, dup := byKey[t.Key]; dup {
			return nil, fmt.Errorf("duplicate task key %q", t.Key)
		}
		n := &taskNode{task: t, index: i}
		r.nodes[i] = n
		byKey[t.Key] = n
	}
	for _, n := range r.nodes {
		for _, dk := range n.task.Deps {
			d, ok := byKey[dk]
			if !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", n.task.Key, dk)
			}
			if d == n {
				return nil, fmt.Errorf("self-referential dependency on %q", dk)
			}
			n.deps = append(n.deps, d)
			d.dependents = append(d.dependents, n)
		}
		n.depCount.Store(int32(len(n.deps)))
	}
	if err := detectCycles(r.nodes); err != nil {
		return nil, err
	}
	return r, nil
}

// detectCycles runs a three-colour depth-first search over the dependents.
func detectCycles(nodes []*taskNode) error {
	const (
		unvisited = iota
		visiting
		visited
	)
	color := make([]int, len(nodes))
	var visit func(n *taskNode) error
	visit = func(n *taskNode) error {
		switch color[n.index] {
		case visited:
			return nil
		case visiting:
			return fmt.Errorf("cycle detected involving task %q", n.task.Key)
		}
		color[n.index] = visiting
		for _, d := range n.dependents {
			if err := visit(d); err != nil {
				return err
			}
		}
		color[n.index] = visited
		return nil
	}
	for _, n := range nodes {
		if err := visit(n); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) finish(n *taskNode, state State, err error) bool {
	finished := false
	n.finishOnce.Do(func() {
		n.err = err
		n.state.Store(int32(state))
		finished = true
		r.wg.Done()
	})
	return finished
}

// skipDependents marks every downstream task as failed.
func (r *run) skipDependents(n *taskNode) {
	for _, d := range n.dependents {
		if r.finish(d, Failed, fmt.Errorf("%w of %q", ErrSkipped, n.task.Key)) {
			r.skipDependents(d)
		}
	}
}

func (r *run) worker(ctx context.Context, cancel context.CancelFunc) {
	for n := range r.ready {
		if err := ctx.Err(); err != nil {
			if r.finish(n, Failed, err) {
				r.skipDependents(n)
			}
			continue
		}

		n.state.Store(int32(Running))
		if err := runTask(ctx, n.task); err != nil {
			if r.finish(n, Failed, err) {
				cancel()
				r.skipDependents(n)
			}
			continue
		}

		for _, d := range n.dependents {
			if d.depCount.Add(-1) == 0 {
				r.ready <- d
			}
		}
		r.finish(n, Done, nil)
	}
}

func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %q panicked: %v", t.Key, p)
		}
	}()
	return t.Run(ctx)
}
