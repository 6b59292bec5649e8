package procedure

import (
	"context"
	"log/slog"
	"time"
)

// Decision is the routing outcome for a session.
type Decision struct {
	Procedure  *Procedure
	PromptType string // debugger | builder | scoper | orchestrator
	Source     string // "label", "classifier", or "fallback"
	Reasoning  string
}

// Router picks a procedure for incoming work. Classification is advisory:
// any failure or timeout degrades to the default procedure rather than
// blocking the session.
type Router struct {
	registry   *Registry
	classifier Classifier
	timeout    time.Duration
	controlled bool
}

// NewRouter builds a router. classifier may be nil, in which case every
// unlabeled issue takes the default procedure.
func NewRouter(registry *Registry, classifier Classifier, timeout time.Duration, controlled bool) *Router {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Router{registry: registry, classifier: classifier, timeout: timeout, controlled: controlled}
}

// Determine resolves the procedure for an issue. labelClass is the prompt
// type forced by a repository label mapping; when set the classifier is
// bypassed entirely.
func (r *Router) Determine(ctx context.Context, issueText, labelClass string) Decision {
	if labelClass != "" {
		name := r.applyMode(r.registry.ForClass(labelClass))
		if p, ok := r.registry.Get(name); ok {
			return Decision{Procedure: p, PromptType: labelClass, Source: "label"}
		}
	}

	if r.classifier != nil {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		cl, err := r.classifier.Classify(cctx, issueText)
		if err == nil {
			name := r.applyMode(r.registry.ForClass(cl.Class))
			if p, ok := r.registry.Get(name); ok {
				return Decision{Procedure: p, PromptType: cl.Class, Source: "classifier", Reasoning: cl.Reasoning}
			}
		} else {
			slog.Warn("issue classification failed, using default procedure", "error", err)
		}
	}

	p, _ := r.registry.Get(r.applyMode(DefaultProcedure))
	if p == nil {
		p, _ = r.registry.Get(DefaultProcedure)
	}
	return Decision{Procedure: p, PromptType: ClassBuilder, Source: "fallback"}
}

// Resolve returns a named procedure, degrading to the default when the name
// is unknown (state restored from an older version, for example).
func (r *Router) Resolve(name string) *Procedure {
	if p, ok := r.registry.Get(name); ok {
		return p
	}
	slog.Warn("unknown procedure in session state, using default", "procedure", name)
	p, _ := r.registry.Get(DefaultProcedure)
	return p
}

// Registry exposes the underlying procedure set.
func (r *Router) Registry() *Registry { return r.registry }

func (r *Router) applyMode(name string) string {
	if r.controlled {
		return r.registry.ControlledVariant(name)
	}
	return name
}
