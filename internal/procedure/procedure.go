// Package procedure defines the multi-phase execution plans for agent
// sessions and the classifier that picks one for an incoming issue.
package procedure

import (
	"github.com/nextlevelbuilder/cyrus/internal/session"
)

// Subroutine kinds with special orchestrator handling.
const (
	KindNormal         = "normal"
	KindSelectTemplate = "select-template" // output parsed as {template, reasoning}
)

// Subroutine is one phase of a procedure.
type Subroutine struct {
	Name        string
	Description string
	PromptPath  string // relative to the prompts directory
	MaxTurns    int    // 0 = assistant default
	Kind        string
}

// Procedure is an ordered list of subroutines.
type Procedure struct {
	Name        string
	Subroutines []Subroutine
}

// Prompt-type classifications.
const (
	ClassDebugger     = "debugger"
	ClassBuilder      = "builder"
	ClassScoper       = "scoper"
	ClassOrchestrator = "orchestrator"
)

// DefaultProcedure is the rule-based fallback when classification fails.
const DefaultProcedure = "builder-basic"

// controlledSuffix marks operator-supervised procedure variants.
const controlledSuffix = "-controlled"

// Registry holds the known procedures by name.
type Registry struct {
	byName map[string]*Procedure
}

// NewRegistry creates the built-in procedure set.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]*Procedure)}
	for _, p := range builtinProcedures() {
		r.byName[p.Name] = p
	}
	return r
}

// Get returns a procedure by name.
func (r *Registry) Get(name string) (*Procedure, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// ForClass returns the full procedure for a prompt-type classification.
func (r *Registry) ForClass(class string) string {
	switch class {
	case ClassDebugger:
		return "debugger-full"
	case ClassScoper:
		return "scoper-full"
	case ClassOrchestrator:
		return "orchestrator-full"
	case ClassBuilder:
		return "builder-full"
	default:
		return DefaultProcedure
	}
}

// ControlledVariant substitutes the "-controlled" variant when one is
// registered; otherwise the name is returned unchanged.
func (r *Registry) ControlledVariant(name string) string {
	if _, ok := r.byName[name+controlledSuffix]; ok {
		return name + controlledSuffix
	}
	return name
}

// InitializeState builds fresh procedure metadata for a session.
func InitializeState(p *Procedure) session.ProcedureState {
	return session.ProcedureState{Name: p.Name, CurrentIndex: 0}
}

// Current returns the subroutine the session is in, or nil when the
// procedure is exhausted or unset.
func (r *Registry) Current(state *session.ProcedureState) *Subroutine {
	if state == nil {
		return nil
	}
	p, ok := r.byName[state.Name]
	if !ok || state.CurrentIndex < 0 || state.CurrentIndex >= len(p.Subroutines) {
		return nil
	}
	return &p.Subroutines[state.CurrentIndex]
}

// Next returns the subroutine after the current one, or nil at the end.
func (r *Registry) Next(state *session.ProcedureState) *Subroutine {
	if state == nil {
		return nil
	}
	p, ok := r.byName[state.Name]
	if !ok || state.CurrentIndex+1 >= len(p.Subroutines) {
		return nil
	}
	return &p.Subroutines[state.CurrentIndex+1]
}

// Advance returns state moved to the next subroutine, recording the one just
// finished in the history. The index only ever moves forward.
func Advance(state session.ProcedureState, finished string) session.ProcedureState {
	state.SubroutineHistory = append(state.SubroutineHistory, finished)
	state.CurrentIndex++
	return state
}

func builtinProcedures() []*Procedure {
	return []*Procedure{
		{
			Name: "builder-basic",
			Subroutines: []Subroutine{
				{Name: "build", Description: "Implement the requested change", PromptPath: "subroutines/build.md", Kind: KindNormal},
			},
		},
		{
			Name: "builder-full",
			Subroutines: []Subroutine{
				{Name: "plan", Description: "Analyze the issue and plan the change", PromptPath: "subroutines/plan.md", MaxTurns: 15, Kind: KindNormal},
				{Name: "build", Description: "Implement the requested change", PromptPath: "subroutines/build.md", Kind: KindNormal},
				{Name: "select-template", Description: "Choose the response template", PromptPath: "subroutines/select-template.md", MaxTurns: 3, Kind: KindSelectTemplate},
				{Name: "summarize", Description: "Summarize the work for the thread reply", PromptPath: "subroutines/summarize.md", MaxTurns: 5, Kind: KindNormal},
			},
		},
		{
			Name: "debugger-full",
			Subroutines: []Subroutine{
				{Name: "reproduce", Description: "Reproduce the reported failure", PromptPath: "subroutines/reproduce.md", MaxTurns: 20, Kind: KindNormal},
				{Name: "diagnose", Description: "Isolate the root cause", PromptPath: "subroutines/diagnose.md", MaxTurns: 25, Kind: KindNormal},
				{Name: "fix", Description: "Fix and verify", PromptPath: "subroutines/fix.md", Kind: KindNormal},
				{Name: "select-template", Description: "Choose the response template", PromptPath: "subroutines/select-template.md", MaxTurns: 3, Kind: KindSelectTemplate},
				{Name: "summarize", Description: "Summarize findings and the fix", PromptPath: "subroutines/summarize.md", MaxTurns: 5, Kind: KindNormal},
			},
		},
		{
			Name: "scoper-full",
			Subroutines: []Subroutine{
				{Name: "research", Description: "Survey the codebase and constraints", PromptPath: "subroutines/research.md", MaxTurns: 20, Kind: KindNormal},
				{Name: "scope", Description: "Write the scoped plan", PromptPath: "subroutines/scope.md", MaxTurns: 15, Kind: KindNormal},
				{Name: "summarize", Description: "Summarize the scope for the thread reply", PromptPath: "subroutines/summarize.md", MaxTurns: 5, Kind: KindNormal},
			},
		},
		{
			Name: "orchestrator-full",
			Subroutines: []Subroutine{
				{Name: "decompose", Description: "Break the issue into child tasks", PromptPath: "subroutines/decompose.md", MaxTurns: 15, Kind: KindNormal},
				{Name: "delegate", Description: "Spawn and monitor child sessions", PromptPath: "subroutines/delegate.md", Kind: KindNormal},
				{Name: "integrate", Description: "Integrate child results and conclude", PromptPath: "subroutines/integrate.md", Kind: KindNormal},
			},
		},
		{
			Name: "builder-basic" + controlledSuffix,
			Subroutines: []Subroutine{
				{Name: "build", Description: "Implement with operator checkpoints", PromptPath: "subroutines/build-controlled.md", MaxTurns: 10, Kind: KindNormal},
			},
		},
		{
			Name: "debugger-full" + controlledSuffix,
			Subroutines: []Subroutine{
				{Name: "reproduce", Description: "Reproduce with operator checkpoints", PromptPath: "subroutines/reproduce.md", MaxTurns: 10, Kind: KindNormal},
				{Name: "diagnose", Description: "Diagnose with operator checkpoints", PromptPath: "subroutines/diagnose.md", MaxTurns: 10, Kind: KindNormal},
				{Name: "fix", Description: "Fix with operator checkpoints", PromptPath: "subroutines/fix.md", MaxTurns: 10, Kind: KindNormal},
			},
		},
	}
}
