// Package oracle chooses the next action for a captured page. The primary
// path asks a language model; every failure degrades to the heuristic.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/llmutil"
)

// ErrUnavailable wraps every reason the model path could not produce a
// decision.
var ErrUnavailable = errors.New("decision oracle unavailable")

const (
	defaultRationale = "AI analysis completed"
	temperature      = 0.1
	maxOutputTokens  = 1000
)

// Options tune the model path.
type Options struct {
	// PromptBudget caps the rendered listing in bytes.
	PromptBudget int
	// RequestsPerMinute limits model calls. Zero disables limiting.
	RequestsPerMinute int
	// Timeout bounds one model call. Zero leaves the caller's deadline.
	Timeout time.Duration
}

// Oracle implements schemas.Decider over an LLM client with a heuristic
// fallback. A nil client makes it purely heuristic.
type Oracle struct {
	client    schemas.LLMClient
	heuristic *Heuristic
	limiter   *rate.Limiter
	opts      Options
	logger    *zap.Logger
}

var _ schemas.Decider = (*Oracle)(nil)

// New creates an Oracle.
func New(client schemas.LLMClient, heuristic *Heuristic, opts Options, logger *zap.Logger) *Oracle {
	o := &Oracle{
		client:    client,
		heuristic: heuristic,
		opts:      opts,
		logger:    logger.Named("oracle"),
	}
	if opts.RequestsPerMinute > 0 {
		o.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return o
}

// Decide never fails. Model problems are logged and answered heuristically.
func (o *Oracle) Decide(ctx context.Context, snapshot schemas.StructureSnapshot, goal schemas.Goal) schemas.Decision {
	if o.client == nil {
		return o.heuristic.Decide(snapshot, goal)
	}

	decision, err := o.askModel(ctx, snapshot, goal)
	if err != nil {
		o.logger.Warn("Falling back to heuristic decision.", zap.String("code", "OracleUnavailable"), zap.Error(err))
		return o.heuristic.Decide(snapshot, goal)
	}
	return decision
}

func (o *Oracle) askModel(ctx context.Context, snapshot schemas.StructureSnapshot, goal schemas.Goal) (schemas.Decision, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return schemas.Decision{}, fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
		}
	}

	apiCtx := ctx
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		apiCtx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	req := schemas.GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildUserPrompt(snapshot, goal, o.opts.PromptBudget),
		Options: schemas.GenerationOptions{
			Temperature:     temperature,
			MaxOutputTokens: maxOutputTokens,
			ForceJSONFormat: true,
		},
	}
	response, err := o.client.Generate(apiCtx, req)
	if err != nil {
		return schemas.Decision{}, fmt.Errorf("%w: generation failed: %v", ErrUnavailable, err)
	}
	decision, err := parseDecision(response)
	if err != nil {
		o.logger.Debug("Unusable model response.", zap.String("response", response))
		return schemas.Decision{}, err
	}
	o.logger.Debug("Model decision.", zap.String("rationale", decision.Rationale), zap.Bool("completed", decision.Completed))
	return decision, nil
}

type wireAction struct {
	Type       string `json:"type"`
	Target     string `json:"target"`
	Value      string `json:"value"`
	NextTarget string `json:"next_target"`
	NextValue  string `json:"next_value"`
	Submit     *bool  `json:"submit"`
}

type wireDecision struct {
	Action    *wireAction              `json:"action"`
	Reasoning string                   `json:"reasoning"`
	Completed bool                     `json:"completed"`
	Found     bool                     `json:"found"`
	Results   []map[string]interface{} `json:"results"`
	Parts     []map[string]interface{} `json:"parts"`
}

// parseDecision extracts and validates the first JSON object of a response.
func parseDecision(response string) (schemas.Decision, error) {
	w, err := llmutil.ParseJSONResponse[wireDecision](response)
	if err != nil {
		return schemas.Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	d := schemas.Decision{
		Rationale:    w.Reasoning,
		Completed:    w.Completed,
		ResultsFound: w.Found,
		Source:       schemas.SourceLLM,
	}
	if d.Rationale == "" {
		d.Rationale = defaultRationale
	}
	if w.Action != nil {
		a, err := w.Action.toAction()
		if err != nil {
			return schemas.Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		d.Action = &a
	}
	items := w.Results
	if len(items) == 0 {
		items = w.Parts
	}
	for _, item := range items {
		d.Results = append(d.Results, toResult(item))
	}
	return d, nil
}

func (w *wireAction) toAction() (schemas.Action, error) {
	var a schemas.Action
	switch strings.ToLower(strings.TrimSpace(w.Type)) {
	case "click":
		a = schemas.NewClick(w.Target)
	case "fill_input":
		a = schemas.NewFillInput(w.Target, w.Value)
	case "fill_form":
		submit := true
		if w.Submit != nil {
			submit = *w.Submit
		}
		a = schemas.NewFillForm(w.Target, w.Value, w.NextTarget, w.NextValue, submit)
	case "select", "select_option":
		a = schemas.NewSelectOption(w.Target, w.Value)
	case "submit":
		a = schemas.NewSubmit(w.Target)
	default:
		return schemas.Action{}, fmt.Errorf("%w: unknown action type %q", schemas.ErrInvalidAction, w.Type)
	}
	return a, a.Validate()
}

// toResult keeps "name" as the result name and stringifies the other fields.
func toResult(item map[string]interface{}) schemas.Result {
	r := schemas.Result{Attributes: make(map[string]string, len(item))}
	for k, v := range item {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		if k == "name" {
			r.Name = s
			continue
		}
		r.Attributes[k] = s
	}
	return r
}
