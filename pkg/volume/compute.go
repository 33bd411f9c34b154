package volume

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"spimfuse/internal/ctxlog"
	"spimfuse/pkg/errs"
	"spimfuse/pkg/sched"
)

// entry is one slot of the per-call result table.
type entry struct {
	consumers atomic.Int32
	block     *Block
}

// plan is the expansion of a deferred graph into chunk tasks for one call.
type plan struct {
	mu      sync.Mutex
	entries map[string]*entry
	tasks   []sched.Task
}

func newPlan() *plan {
	return &plan{entries: make(map[string]*entry)}
}

// add plans the task computing chunk c of n and, recursively, every task it
// depends on. It returns the task key.
func (p *plan) add(n *node, c ChunkIndex, sink func(ctx context.Context, b *Block) error) string {
	key := n.key(c)
	if e, ok := p.entries[key]; ok {
		e.consumers.Add(1)
		return key
	}
	ds := n.deps(c)
	depKeys := make([]string, len(ds))
	for i, d := range ds {
		depKeys[i] = p.add(d.node, d.chunk, nil)
	}
	e := &entry{}
	if sink == nil {
		e.consumers.Store(1)
	}
	p.entries[key] = e
	p.tasks = append(p.tasks, sched.Task{
		Key:  key,
		Deps: uniq(depKeys),
		Run: func(ctx context.Context) error {
			in := make([]*Block, len(depKeys))
			for i, dk := range depKeys {
				in[i] = p.get(dk)
				if in[i] == nil {
					return fmt.Errorf("missing input %s for %s", dk, key)
				}
			}
			out, err := n.eval(ctx, c, in)
			if err != nil {
				return err
			}
			for _, dk := range depKeys {
				p.release(dk)
			}
			if sink != nil {
				return sink(ctx, out)
			}
			p.put(key, out)
			return nil
		},
	})
	return key
}

func (p *plan) get(key string) *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entries[key].block
}

func (p *plan) put(key string, b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[key].block = b
}

// release drops a result once its last consumer has read it, so that
// intermediate chunks do not accumulate in memory.
func (p *plan) release(key string) {
	e := p.entries[key]
	if e.consumers.Add(-1) == 0 {
		p.mu.Lock()
		e.block = nil
		p.mu.Unlock()
	}
}

func uniq(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}

// execute runs the chunks of v intersecting region, handing each computed
// root chunk to sink. sink is called concurrently for distinct chunks.
func (v *Volume) execute(ctx context.Context, ex sched.Scheduler, region Box, sink func(ctx context.Context, c ChunkIndex, b *Block) error) error {
	if ex == nil {
		return errs.Configuration("volume.Compute", "no scheduler")
	}
	roots := v.n.grid.ChunksIn(region)
	p := newPlan()
	for _, c := range roots {
		c := c
		p.add(v.n, c, func(ctx context.Context, b *Block) error { return sink(ctx, c, b) })
	}
	ctxlog.FromContext(ctx).Debug("computing volume", "op", v.n.op, "name", v.n.name,
		"chunks", len(roots), "tasks", len(p.tasks))
	return ex.Execute(ctx, p.tasks)
}

// Whole returns the box covering all of v.
func (v *Volume) Whole() Box { return BoxOf(v.n.grid.Shape) }

// Compute forces evaluation of region and materializes it in memory. The
// returned array's Origin is the physical position of region.Min. It blocks
// until every required chunk task has completed. On failure or cancellation
// the partial result is discarded.
func (v *Volume) Compute(ctx context.Context, ex sched.Scheduler, region Box) (*Array, error) {
	region = region.Intersect(v.Whole())
	if region.Empty() {
		return nil, errs.Configuration("volume.Compute", "region %s is outside volume %s", region, v.n.grid.Shape)
	}
	out := &Block{Box: region, Data: make([]float64, region.Shape().Size())}
	err := v.execute(ctx, ex, region, func(_ context.Context, _ ChunkIndex, b *Block) error {
		copyRegion(out, b, b.Box.Intersect(region))
		return nil
	})
	if err != nil {
		return nil, err
	}
	a := ArrayFrom(region.Shape(), out.Data)
	a.Spacing = v.n.spacing
	for d := 0; d < 3; d++ {
		a.Origin[d] = v.n.origin[d] + float64(region.Min[d])*v.n.spacing[d]
	}
	return a, nil
}

// ComputeAll is Compute over the whole volume.
func (v *Volume) ComputeAll(ctx context.Context, ex sched.Scheduler) (*Array, error) {
	return v.Compute(ctx, ex, v.Whole())
}

// Persist computes every chunk of v and writes it to w, whose metadata must
// describe the same grid. Each chunk is written as soon as it is ready.
func (v *Volume) Persist(ctx context.Context, ex sched.Scheduler, w ChunkWriter) error {
	if !w.Meta().Grid().SameLayout(v.n.grid) {
		m := w.Meta()
		return errs.Alignment("volume.Persist", "store has shape %s chunks %s, volume has shape %s chunks %s",
			m.Shape, m.Chunk, v.n.grid.Shape, v.n.grid.Chunk)
	}
	return v.execute(ctx, ex, v.Whole(), func(ctx context.Context, c ChunkIndex, b *Block) error {
		if err := w.WriteChunk(ctx, c, b.Data); err != nil {
			return fmt.Errorf("failed to write chunk %s: %w", c, err)
		}
		return nil
	})
}

// Reduce maps every chunk of v to a partial result and folds the partials
// with combine in row-major chunk order, so the result does not depend on
// the order in which chunk tasks ran.
func Reduce[T any](ctx context.Context, ex sched.Scheduler, v *Volume, mapFn func(b *Block) (T, error), combine func(acc, next T) T, zero T) (T, error) {
	return ReduceZip(ctx, ex, []*Volume{v}, func(_ ChunkIndex, in []*Block) (T, error) { return mapFn(in[0]) }, combine, zero)
}

// ReduceZip is Reduce over several aligned volumes: mapFn receives the
// blocks of every volume at the same chunk.
func ReduceZip[T any](ctx context.Context, ex sched.Scheduler, vs []*Volume, mapFn func(c ChunkIndex, in []*Block) (T, error), combine func(acc, next T) T, zero T) (T, error) {
	if len(vs) == 0 {
		return zero, errs.Configuration("volume.ReduceZip", "no volumes")
	}
	inputs, err := alignedInputs("volume.ReduceZip", vs[0], vs[1:])
	if err != nil {
		return zero, err
	}
	grid := vs[0].n.grid
	partials := make([]T, grid.NumChunks())
	n := newNode("reduce", "reduce", grid, vs[0].n.spacing, vs[0].n.origin, inputs)
	n.deps = func(c ChunkIndex) []dep {
		ds := make([]dep, len(inputs))
		for i, in := range inputs {
			ds[i] = dep{in, c}
		}
		return ds
	}
	n.eval = func(_ context.Context, c ChunkIndex, in []*Block) (*Block, error) {
		r, err := mapFn(c, in)
		if err != nil {
			return nil, err
		}
		partials[grid.Flat(c)] = r
		return in[0], nil
	}
	root := &Volume{n: n}
	err = root.execute(ctx, ex, root.Whole(), func(context.Context, ChunkIndex, *Block) error { return nil })
	if err != nil {
		return zero, err
	}
	acc := zero
	for _, r := range partials {
		acc = combine(acc, r)
	}
	return acc, nil
}
