package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"spimfuse/internal/ctxlog"
	"spimfuse/pkg/errs"
)

// Outcome is the result of one timepoint of a batch.
type Outcome struct {
	Timepoint int
	Result    *FusionResult
	Err       error
	Kind      errs.Kind
	Elapsed   time.Duration
}

// OK reports whether the timepoint succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// RunBatch runs every timepoint, at most Workers at a time. Timepoints do
// not share mutable state, and a failing or panicking timepoint does not
// stop the others. When any timepoint failed the returned error is a
// PartialPipelineFailure wrapping every failure in timepoint order; the
// outcome map is complete either way.
func (o *Orchestrator) RunBatch(ctx context.Context, tps []Timepoint) (map[int]Outcome, error) {
	const op = "pipeline.RunBatch"
	seen := make(map[int]bool, len(tps))
	for _, tp := range tps {
		if seen[tp.Index] {
			return nil, errs.Configuration(op, "duplicate timepoint %d", tp.Index)
		}
		seen[tp.Index] = true
	}

	log := ctxlog.FromContext(ctx)
	var mu sync.Mutex
	outcomes := make(map[int]Outcome, len(tps))
	// A plain Group never cancels siblings; Wait reports whether any
	// timepoint failed.
	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for _, tp := range tps {
		tp := tp
		g.Go(func() error {
			out := o.runOne(ctx, tp)
			if !out.OK() {
				log.Error("timepoint failed", "timepoint", tp.Index, "kind", out.Kind, "error", out.Err)
				o.recordFailure(ctx, out)
			}
			mu.Lock()
			outcomes[tp.Index] = out
			mu.Unlock()
			return out.Err
		})
	}
	if err := g.Wait(); err == nil {
		return outcomes, nil
	}

	var failed []string
	var causes []error
	for _, tp := range tps {
		if out := outcomes[tp.Index]; !out.OK() {
			failed = append(failed, fmt.Sprint(tp.Index))
			causes = append(causes, fmt.Errorf("timepoint %d: %w", tp.Index, out.Err))
		}
	}
	return outcomes, &errs.Error{
		Kind: errs.KindPartialPipelineFailure,
		Op:   op,
		Msg:  fmt.Sprintf("%d of %d timepoints failed: %s", len(failed), len(tps), strings.Join(failed, ", ")),
		Err:  errors.Join(causes...),
	}
}

// runOne runs a timepoint and turns panics into failures. The stack of a
// panic is logged, not carried in the error.
func (o *Orchestrator) runOne(ctx context.Context, tp Timepoint) (out Outcome) {
	start := time.Now()
	out.Timepoint = tp.Index
	defer func() {
		if r := recover(); r != nil {
			ctxlog.FromContext(ctx).Error("timepoint panicked", "timepoint", tp.Index, "panic", r, "stack", string(debug.Stack()))
			out.Result = nil
			out.Err = fmt.Errorf("panic in timepoint %d: %v", tp.Index, r)
		}
		out.Kind = errs.KindOf(out.Err)
		out.Elapsed = time.Since(start)
	}()
	out.Result, out.Err = o.RunTimepoint(ctx, tp)
	return out
}

func (o *Orchestrator) recordFailure(ctx context.Context, out Outcome) {
	p := Provenance{
		RunID:     uuid.New(),
		Timepoint: out.Timepoint,
		Status:    StatusFailed,
		Error:     out.Err.Error(),
		Method:    o.opts.Method.String(),
		Finished:  time.Now(),
	}
	if err := o.sink.Record(ctx, p); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to record failed run", "timepoint", out.Timepoint, "error", err)
	}
}

// Report writes the outcome table ordered by timepoint.
func Report(w io.Writer, outcomes map[int]Outcome) error {
	keys := make([]int, 0, len(outcomes))
	for k := range outcomes {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIMEPOINT\tSTATUS\tKIND\tELAPSED\tDETAIL")
	for _, k := range keys {
		o := outcomes[k]
		status, kind, detail := "ok", "-", ""
		if o.OK() {
			if o.Result != nil {
				detail = describeResult(o.Result.Provenance)
			}
		} else {
			status, kind = "failed", o.Kind.String()
			detail = firstLine(o.Err.Error())
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", k, status, kind, o.Elapsed.Round(time.Millisecond), detail)
	}
	return tw.Flush()
}

func describeResult(p Provenance) string {
	var parts []string
	for _, v := range p.Views[1:] {
		if v.Registration != nil {
			parts = append(parts, fmt.Sprintf("%s: %s cost=%.4g", v.Name, v.Registration.State, v.Registration.Cost))
		}
	}
	parts = append(parts, p.Method)
	return strings.Join(parts, "; ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
