package schemas

import (
	"context"
)

// -- LLM Interfaces --

// GenerationOptions provides parameters that control text generation, such as
// randomness (temperature) and output length.
type GenerationOptions struct {
	Temperature     float64 `json:"temperature"`       // Controls randomness. Lower is more deterministic.
	MaxOutputTokens int     `json:"max_output_tokens"` // Upper bound on generated tokens. Zero means provider default.
	ForceJSONFormat bool    `json:"force_json_format"` // If true, asks the model to emit JSON only.
	TopP            float64 `json:"top_p"`             // Nucleus sampling parameter.
	TopK            int     `json:"top_k"`             // Top-k sampling parameter.
}

// GenerationRequest encapsulates a complete request to the LLM.
type GenerationRequest struct {
	SystemPrompt string            `json:"system_prompt"`
	UserPrompt   string            `json:"user_prompt"`
	Options      GenerationOptions `json:"options"`
}

// LLMClient defines a standard interface for interacting with a Large Language
// Model, abstracting the specifics of the underlying provider.
type LLMClient interface {
	// Generate produces a text completion based on the provided request.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Close cleans up any resources held by the client.
	Close() error
}

// -- Decision Interface --

// Goal is what a session is searching for.
type Goal struct {
	// Identifier is the record key to look up, typically a 17 character VIN.
	Identifier string `json:"goal_identifier"`
	// Description is an optional free-text target, e.g. "front brake pads".
	Description string `json:"goal_description,omitempty"`
	// StepBudget overrides the configured step budget for this session when
	// positive.
	StepBudget int `json:"step_budget,omitempty"`
}

// Decider chooses the next action for a snapshot. Implementations never fail;
// any internal problem degrades to a best-effort decision.
type Decider interface {
	Decide(ctx context.Context, snapshot StructureSnapshot, goal Goal) Decision
}
