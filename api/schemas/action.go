package schemas

import (
	"errors"
	"fmt"
)

// ActionKind names one variant of Action. The set is closed.
type ActionKind string

const (
	ActionClick        ActionKind = "CLICK"
	ActionFillInput    ActionKind = "FILL_INPUT"
	ActionFillForm     ActionKind = "FILL_FORM"
	ActionSelectOption ActionKind = "SELECT_OPTION"
	ActionSubmit       ActionKind = "SUBMIT"
)

// DefaultSubmitTarget is used by Submit actions that name no target.
const DefaultSubmitTarget = "form"

// ErrInvalidAction is wrapped by every Action validation failure.
var ErrInvalidAction = errors.New("invalid action")

// Action is a typed instruction to perform one interaction against the live
// document. Target is a loose descriptor subject to resolution, not a
// guaranteed-valid selector. Build values with the New* constructors.
type Action struct {
	Kind       ActionKind `json:"kind"`
	Target     string     `json:"target,omitempty"`
	Value      string     `json:"value,omitempty"`
	NextTarget string     `json:"next_target,omitempty"`
	NextValue  string     `json:"next_value,omitempty"`
	// AutoSubmit is only meaningful for FillForm.
	AutoSubmit bool `json:"auto_submit,omitempty"`
}

func NewClick(target string) Action {
	return Action{Kind: ActionClick, Target: target}
}

func NewFillInput(target, value string) Action {
	return Action{Kind: ActionFillInput, Target: target, Value: value}
}

func NewFillForm(target, value, nextTarget, nextValue string, autoSubmit bool) Action {
	return Action{
		Kind:       ActionFillForm,
		Target:     target,
		Value:      value,
		NextTarget: nextTarget,
		NextValue:  nextValue,
		AutoSubmit: autoSubmit,
	}
}

func NewSelectOption(target, value string) Action {
	return Action{Kind: ActionSelectOption, Target: target, Value: value}
}

// NewSubmit builds a Submit action, defaulting the target to the first form.
func NewSubmit(target string) Action {
	if target == "" {
		target = DefaultSubmitTarget
	}
	return Action{Kind: ActionSubmit, Target: target}
}

// Validate checks that the action is a known variant with its required fields.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionClick, ActionSubmit, ActionFillInput, ActionSelectOption:
		if a.Target == "" {
			return fmt.Errorf("%w: %s requires a target", ErrInvalidAction, a.Kind)
		}
	case ActionFillForm:
		if a.Target == "" && a.NextTarget == "" {
			return fmt.Errorf("%w: %s requires at least one target", ErrInvalidAction, a.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
	return nil
}

// String renders the action for logs.
func (a Action) String() string {
	switch a.Kind {
	case ActionFillForm:
		return fmt.Sprintf("%s(%q=%q, %q=%q, submit=%t)", a.Kind, a.Target, a.Value, a.NextTarget, a.NextValue, a.AutoSubmit)
	case ActionFillInput, ActionSelectOption:
		return fmt.Sprintf("%s(%q=%q)", a.Kind, a.Target, a.Value)
	default:
		return fmt.Sprintf("%s(%q)", a.Kind, a.Target)
	}
}

// DecisionSource records which oracle path produced a decision.
type DecisionSource string

const (
	SourceLLM       DecisionSource = "llm"
	SourceHeuristic DecisionSource = "heuristic"
)

// Decision is the oracle's answer for one step. A nil Action means no action.
type Decision struct {
	Action       *Action        `json:"action,omitempty"`
	Rationale    string         `json:"rationale"`
	Completed    bool           `json:"completed"`
	ResultsFound bool           `json:"results_found"`
	Results      []Result       `json:"results,omitempty"`
	Source       DecisionSource `json:"source"`
}
