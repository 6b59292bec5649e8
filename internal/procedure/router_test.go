package procedure

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClassifier struct {
	cl    Classification
	err   error
	delay time.Duration
	calls int
}

func (f *fakeClassifier) Classify(ctx context.Context, issueText string) (Classification, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return Classification{}, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.cl, f.err
}

func TestRouter_LabelOverrideBypassesClassifier(t *testing.T) {
	cl := &fakeClassifier{cl: Classification{Class: ClassBuilder}}
	r := NewRouter(NewRegistry(), cl, time.Second, false)

	d := r.Determine(context.Background(), "anything", ClassDebugger)
	if d.Source != "label" || d.PromptType != ClassDebugger {
		t.Errorf("decision = %+v", d)
	}
	if d.Procedure.Name != "debugger-full" {
		t.Errorf("procedure = %q", d.Procedure.Name)
	}
	if cl.calls != 0 {
		t.Error("classifier must not run when a label forces the prompt type")
	}
}

func TestRouter_ClassifierVerdict(t *testing.T) {
	cl := &fakeClassifier{cl: Classification{Class: ClassScoper, Reasoning: "vague request"}}
	r := NewRouter(NewRegistry(), cl, time.Second, false)

	d := r.Determine(context.Background(), "can we make things better?", "")
	if d.Source != "classifier" || d.PromptType != ClassScoper {
		t.Errorf("decision = %+v", d)
	}
	if d.Procedure.Name != "scoper-full" {
		t.Errorf("procedure = %q", d.Procedure.Name)
	}
	if d.Reasoning != "vague request" {
		t.Errorf("reasoning = %q", d.Reasoning)
	}
}

func TestRouter_ClassifierFailureFallsBack(t *testing.T) {
	cl := &fakeClassifier{err: errors.New("model unavailable")}
	r := NewRouter(NewRegistry(), cl, time.Second, false)

	d := r.Determine(context.Background(), "issue text", "")
	if d.Source != "fallback" || d.Procedure.Name != DefaultProcedure {
		t.Errorf("decision = %+v", d)
	}
	if d.PromptType != ClassBuilder {
		t.Errorf("prompt type = %q", d.PromptType)
	}
}

func TestRouter_ClassifierTimeoutFallsBack(t *testing.T) {
	cl := &fakeClassifier{cl: Classification{Class: ClassDebugger}, delay: time.Second}
	r := NewRouter(NewRegistry(), cl, 10*time.Millisecond, false)

	d := r.Determine(context.Background(), "issue text", "")
	if d.Source != "fallback" {
		t.Errorf("decision = %+v, want fallback on timeout", d)
	}
}

func TestRouter_NilClassifier(t *testing.T) {
	r := NewRouter(NewRegistry(), nil, time.Second, false)
	d := r.Determine(context.Background(), "issue text", "")
	if d.Source != "fallback" || d.Procedure.Name != DefaultProcedure {
		t.Errorf("decision = %+v", d)
	}
}

func TestRouter_ControlledMode(t *testing.T) {
	r := NewRouter(NewRegistry(), nil, time.Second, true)

	d := r.Determine(context.Background(), "issue text", ClassDebugger)
	if d.Procedure.Name != "debugger-full-controlled" {
		t.Errorf("procedure = %q, want controlled variant", d.Procedure.Name)
	}

	// No controlled variant exists for scoper-full; the base procedure is used.
	d = r.Determine(context.Background(), "issue text", ClassScoper)
	if d.Procedure.Name != "scoper-full" {
		t.Errorf("procedure = %q", d.Procedure.Name)
	}

	d = r.Determine(context.Background(), "issue text", "")
	if d.Procedure.Name != "builder-basic-controlled" {
		t.Errorf("fallback procedure = %q", d.Procedure.Name)
	}
}

func TestRouter_ResolveUnknownName(t *testing.T) {
	r := NewRouter(NewRegistry(), nil, time.Second, false)

	if p := r.Resolve("builder-full"); p == nil || p.Name != "builder-full" {
		t.Errorf("Resolve known = %+v", p)
	}
	if p := r.Resolve("removed-in-v2"); p == nil || p.Name != DefaultProcedure {
		t.Errorf("Resolve unknown = %+v, want default", p)
	}
}
