// Package execctx carries per-step execution attributes through context.Context.
//
// An Info value is immutable: every With* helper returns a modified copy, so a
// value captured at fan-out time can be handed to parallel work without any
// branch observing another branch's changes.
package execctx

import (
	"context"
	"errors"
	"log/slog"
)

// Phase is the coarse lifecycle phase a piece of work belongs to.
type Phase string

const (
	PhasePlan      Phase = "plan"
	PhaseExecute   Phase = "execute"
	PhaseWait      Phase = "wait"
	PhaseSummarize Phase = "summarize"
)

// ErrRefineExhausted is returned by NextRefine once the bound is reached.
var ErrRefineExhausted = errors.New("refine attempts exhausted")

// Info is the execution context of one unit of work.
type Info struct {
	RunID         string
	OwnerID       string
	Phase         Phase
	Stage         string
	TodoID        string
	TodoSeq       int
	SubStep       int
	RefineAttempt int
	MaxRefine     int
	Debug         bool
}

type ctxKey struct{}

// With returns a child context carrying info.
func With(ctx context.Context, info Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// From returns the Info carried by ctx and whether one was present.
func From(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(ctxKey{}).(Info)
	return info, ok
}

// MustFrom returns the Info carried by ctx or the zero value.
func MustFrom(ctx context.Context) Info {
	info, _ := From(ctx)
	return info
}

// Fork captures the parent Info for parallel unit index. The returned context is
// independent of its siblings.
func Fork(ctx context.Context, index int) context.Context {
	info := MustFrom(ctx)
	return With(ctx, info.WithSubStep(index))
}

// NextRefine returns a context whose refine counter is one higher, or
// ErrRefineExhausted when MaxRefine would be exceeded.
func NextRefine(ctx context.Context) (context.Context, error) {
	info := MustFrom(ctx)
	if info.MaxRefine > 0 && info.RefineAttempt >= info.MaxRefine {
		return ctx, ErrRefineExhausted
	}
	info.RefineAttempt++
	return With(ctx, info), nil
}

// IsDebug reports whether the run owning ctx has debug mode on.
func IsDebug(ctx context.Context) bool {
	return MustFrom(ctx).Debug
}

func (i Info) WithPhase(p Phase) Info { i.Phase = p; return i }

func (i Info) WithStage(stage string) Info { i.Stage = stage; return i }

func (i Info) WithTodo(id string, seq int) Info {
	i.TodoID = id
	i.TodoSeq = seq
	i.SubStep = 0
	i.RefineAttempt = 0
	return i
}

func (i Info) WithSubStep(n int) Info { i.SubStep = n; return i }

// Attrs renders the non-empty attributes for slog.
func (i Info) Attrs() []any {
	attrs := []any{slog.String("run_id", i.RunID)}
	if i.OwnerID != "" {
		attrs = append(attrs, slog.String("owner_id", i.OwnerID))
	}
	if i.Phase != "" {
		attrs = append(attrs, slog.String("phase", string(i.Phase)))
	}
	if i.Stage != "" {
		attrs = append(attrs, slog.String("stage", i.Stage))
	}
	if i.TodoID != "" {
		attrs = append(attrs, slog.String("todo_id", i.TodoID), slog.Int("todo_seq", i.TodoSeq))
	}
	if i.SubStep > 0 {
		attrs = append(attrs, slog.Int("sub_step", i.SubStep))
	}
	if i.RefineAttempt > 0 {
		attrs = append(attrs, slog.Int("refine", i.RefineAttempt))
	}
	if i.Debug {
		attrs = append(attrs, slog.Bool("debug", true))
	}
	return attrs
}

// Logger returns base annotated with the Info carried by ctx.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	info, ok := From(ctx)
	if !ok {
		return base
	}
	return base.With(info.Attrs()...)
}
