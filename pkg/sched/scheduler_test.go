package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteRespectsDependencies(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(key string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, key)
			return nil
		}
	}

	tasks := []Task{
		{Key: "c", Deps: []string{"a", "b"}, Run: record("c")},
		{Key: "a", Run: record("a")},
		{Key: "b", Deps: []string{"a"}, Run: record("b")},
		{Key: "d", Deps: []string{"c"}, Run: record("d")},
	}
	require.NoError(t, NewLocal(4).Execute(context.Background(), tasks))

	pos := make(map[string]int)
	for i, k := range order {
		pos[k] = i
	}
	require.Len(t, order, 4)
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
	assert.Less(t, pos["c"], pos["d"])
}

func TestExecuteSkipsDependentsOfFailedTask(t *testing.T) {
	boom := errors.New("boom")
	var ran atomic.Int32
	tasks := []Task{
		{Key: "a", Run: func(context.Context) error { return boom }},
		{Key: "b", Deps: []string{"a"}, Run: func(context.Context) error { ran.Add(1); return nil }},
		{Key: "c", Deps: []string{"b"}, Run: func(context.Context) error { ran.Add(1); return nil }},
	}
	err := NewLocal(2).Execute(context.Background(), tasks)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `task a failed`)
	assert.Equal(t, int32(0), ran.Load())
}

func TestExecuteRecoversPanics(t *testing.T) {
	tasks := []Task{{Key: "p", Run: func(context.Context) error { panic("bad chunk") }}}
	err := NewLocal(1).Execute(context.Background(), tasks)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad chunk")
}

func TestExecuteRejectsMalformedGraphs(t *testing.T) {
	noop := func(context.Context) error { return nil }
	cases := []struct {
		name  string
		tasks []Task
		want  string
	}{
		{"duplicate", []Task{{Key: "a", Run: noop}, {Key: "a", Run: noop}}, "duplicate"},
		{"unknown dep", []Task{{Key: "a", Deps: []string{"x"}, Run: noop}}, "unknown task"},
		{"self", []Task{{Key: "a", Deps: []string{"a"}, Run: noop}}, "self-referential"},
		{"cycle", []Task{{Key: "a", Deps: []string{"b"}, Run: noop}, {Key: "b", Deps: []string{"a"}, Run: noop}}, "cycle"},
		{"nil run", []Task{{Key: "a"}}, "no Run"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := NewLocal(1).Execute(context.Background(), tc.tasks)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestExecuteStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Int32
	tasks := []Task{{Key: "first", Run: func(context.Context) error {
		ran.Add(1)
		cancel()
		return nil
	}}}
	for i := 0; i < 50; i++ {
		tasks = append(tasks, Task{
			Key:  fmt.Sprintf("t%d", i),
			Deps: []string{"first"},
			Run:  func(context.Context) error { ran.Add(1); return nil },
		})
	}
	err := NewLocal(1).Execute(ctx, tasks)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), ran.Load())
}

func TestExecuteManyIndependentTasks(t *testing.T) {
	var sum atomic.Int64
	var tasks []Task
	for i := 1; i <= 200; i++ {
		v := int64(i)
		tasks = append(tasks, Task{Key: fmt.Sprint(i), Run: func(context.Context) error {
			sum.Add(v)
			return nil
		}})
	}
	require.NoError(t, NewLocal(8).Execute(context.Background(), tasks))
	assert.Equal(t, int64(200*201/2), sum.Load())
}
