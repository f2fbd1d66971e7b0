package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/config"
	"github.com/xkilldash9x/partscout/internal/simplifier"
)

const testVIN = "1HGCM82633A004352"

type mockLLMClient struct {
	mock.Mock
}

func (m *mockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *mockLLMClient) Close() error { return nil }

func goal(description string) schemas.Goal {
	return schemas.Goal{Identifier: testVIN, Description: description}
}

func snapshotOf(elems ...schemas.ElementDescriptor) schemas.StructureSnapshot {
	for i := range elems {
		elems[i].Index = i
	}
	return schemas.StructureSnapshot{URL: "https://catalog.example/", Elements: elems}
}

func TestHeuristic_IdentifierEntry(t *testing.T) {
	h := NewHeuristic(config.CredentialsConfig{})
	d := h.Decide(snapshotOf(schemas.ElementDescriptor{Role: "input", Identifier: "vin"}), goal(""))

	require.NotNil(t, d.Action)
	assert.Equal(t, schemas.ActionFillInput, d.Action.Kind)
	assert.Contains(t, d.Action.Target, "vin")
	assert.Equal(t, testVIN, d.Action.Value)
	assert.False(t, d.Completed)
	assert.NotEmpty(t, d.Rationale)
	assert.Equal(t, schemas.SourceHeuristic, d.Source)
}

func TestHeuristic_IdentifierLocator(t *testing.T) {
	h := NewHeuristic(config.CredentialsConfig{})

	d := h.Decide(snapshotOf(schemas.ElementDescriptor{Role: "input", Name: "chassisNo"}), goal(""))
	require.NotNil(t, d.Action)
	assert.Equal(t, `input[name="chassisNo"]`, d.Action.Target)

	d = h.Decide(snapshotOf(schemas.ElementDescriptor{Role: "input", Placeholder: "Enter VIN"}), goal(""))
	require.NotNil(t, d.Action)
	assert.Equal(t, identifierFallback, d.Action.Target)
}

func TestHeuristic_Saturation(t *testing.T) {
	h := NewHeuristic(config.CredentialsConfig{})
	var elems []schemas.ElementDescriptor
	for _, name := range []string{"Brake part A", "Brake part B", "Axle component", "Filter part", "Pump part", "Hose component"} {
		elems = append(elems, schemas.ElementDescriptor{Role: "h3", VisibleText: name})
	}

	d := h.Decide(snapshotOf(elems...), goal(""))
	assert.Nil(t, d.Action)
	assert.True(t, d.ResultsFound)
	assert.True(t, d.Completed)
	require.Len(t, d.Results, 6)
	assert.Equal(t, "Brake part A", d.Results[0].Name)
	assert.Equal(t, "heuristic", d.Results[0].Attributes["source"])

	d = h.Decide(snapshotOf(elems[:5]...), goal(""))
	assert.True(t, d.ResultsFound)
	assert.False(t, d.Completed, "five results do not exceed the threshold")
}

func TestHeuristic_LoginForm(t *testing.T) {
	h := NewHeuristic(config.CredentialsConfig{Username: "alice", Password: "s3cret"})
	snap := snapshotOf(
		schemas.ElementDescriptor{Role: "form", Identifier: "login"},
		schemas.ElementDescriptor{Role: "input", InputKind: "text", Name: "username"},
		schemas.ElementDescriptor{Role: "input", InputKind: "password", Name: "Password"},
		schemas.ElementDescriptor{Role: "input", Identifier: "vin"},
	)

	d := h.Decide(snap, goal(""))
	require.NotNil(t, d.Action)
	assert.Equal(t, schemas.ActionFillForm, d.Action.Kind)
	assert.Equal(t, "alice", d.Action.Value)
	assert.Equal(t, loginPasswordSelector, d.Action.NextTarget)
	assert.Equal(t, "s3cret", d.Action.NextValue)
	assert.True(t, d.Action.AutoSubmit)
}

func TestHeuristic_Search(t *testing.T) {
	h := NewHeuristic(config.CredentialsConfig{})
	snap := snapshotOf(schemas.ElementDescriptor{Role: "input", Identifier: "q", Placeholder: "Search the catalog"})

	d := h.Decide(snap, goal("front brake pads"))
	require.NotNil(t, d.Action)
	assert.Equal(t, schemas.NewFillInput("#q", "front brake pads"), *d.Action)

	d = h.Decide(snap, goal(""))
	assert.Nil(t, d.Action, "search is skipped without a goal description")
	assert.True(t, d.Completed)
}

func TestHeuristic_NavigationLink(t *testing.T) {
	h := NewHeuristic(config.CredentialsConfig{})

	d := h.Decide(snapshotOf(schemas.ElementDescriptor{Role: "a", Identifier: "cat", LinkTarget: "/catalog", VisibleText: "Open Catalog"}), goal(""))
	require.NotNil(t, d.Action)
	assert.Equal(t, schemas.NewClick("#cat"), *d.Action)

	d = h.Decide(snapshotOf(
		schemas.ElementDescriptor{Role: "a", LinkTarget: "/help", VisibleText: "Help"},
		schemas.ElementDescriptor{Role: "a", LinkTarget: "/find", VisibleText: "Advanced search"},
	), goal(""))
	require.NotNil(t, d.Action)
	assert.Equal(t, `a[href="/find"]`, d.Action.Target)
}

func TestHeuristic_Nothing(t *testing.T) {
	h := NewHeuristic(config.CredentialsConfig{})
	d := h.Decide(snapshotOf(schemas.ElementDescriptor{Role: "h1", VisibleText: "Welcome"}), goal(""))
	assert.Nil(t, d.Action)
	assert.True(t, d.Completed)
	assert.False(t, d.ResultsFound)
	assert.Equal(t, "no actionable elements found", d.Rationale)
}

func TestOracle_FallbackEqualsHeuristic(t *testing.T) {
	snapshots := []schemas.StructureSnapshot{
		snapshotOf(schemas.ElementDescriptor{Role: "input", Identifier: "vin"}),
		snapshotOf(schemas.ElementDescriptor{Role: "h1", VisibleText: "Welcome"}),
		snapshotOf(schemas.ElementDescriptor{Role: "a", LinkTarget: "/catalog", VisibleText: "Catalog"}),
	}
	responses := []string{
		"I could not decide.",
		"```json\nnot json\n```",
		`{"action": {"type": "teleport", "target": "#x"}}`,
		`{"action": {"type": "click"}}`,
	}
	h := NewHeuristic(config.CredentialsConfig{Username: "u"})

	for _, snap := range snapshots {
		for _, resp := range responses {
			client := new(mockLLMClient)
			client.On("Generate", mock.Anything, mock.Anything).Return(resp, nil)
			o := New(client, h, Options{}, zaptest.NewLogger(t))

			got := o.Decide(context.Background(), snap, goal(""))
			assert.Equal(t, h.Decide(snap, goal("")), got, "response %q", resp)
		}
	}
}

func TestOracle_RemoteFailureFallsBack(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	client := new(mockLLMClient)
	client.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("429 too many requests"))
	h := NewHeuristic(config.CredentialsConfig{})
	o := New(client, h, Options{}, zap.New(core))

	snap := snapshotOf(schemas.ElementDescriptor{Role: "input", Identifier: "vin"})
	d := o.Decide(context.Background(), snap, goal(""))
	assert.Equal(t, schemas.SourceHeuristic, d.Source)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "OracleUnavailable", logs.All()[0].ContextMap()["code"])
}

func TestOracle_ModelDecision(t *testing.T) {
	client := new(mockLLMClient)
	client.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.Options.ForceJSONFormat && req.Options.MaxOutputTokens == 1000 && req.Options.Temperature == 0.1
	})).Return("Sure!\n```json\n"+`{"action": {"type": "fill_form", "target": "#user", "value": "u", "next_target": "#pw", "next_value": "p"}, "completed": false}`+"\n```", nil)
	o := New(client, NewHeuristic(config.CredentialsConfig{}), Options{}, zaptest.NewLogger(t))

	d := o.Decide(context.Background(), snapshotOf(), goal(""))
	require.NotNil(t, d.Action)
	assert.Equal(t, schemas.NewFillForm("#user", "u", "#pw", "p", true), *d.Action)
	assert.Equal(t, "AI analysis completed", d.Rationale)
	assert.Equal(t, schemas.SourceLLM, d.Source)
	client.AssertExpectations(t)
}

func TestOracle_ModelResults(t *testing.T) {
	client := new(mockLLMClient)
	client.On("Generate", mock.Anything, mock.Anything).Return(
		`{"action": null, "reasoning": "Found parts", "completed": true, "found": true, "parts": [{"name": "Brake Pad", "price": "50€"}, {"name": "Disc", "qty": 2}]}`, nil)
	o := New(client, NewHeuristic(config.CredentialsConfig{}), Options{}, zaptest.NewLogger(t))

	d := o.Decide(context.Background(), snapshotOf(), goal(""))
	assert.Nil(t, d.Action)
	assert.True(t, d.Completed)
	assert.True(t, d.ResultsFound)
	assert.Equal(t, []schemas.Result{
		{Name: "Brake Pad", Attributes: map[string]string{"price": "50€"}},
		{Name: "Disc", Attributes: map[string]string{"qty": "2"}},
	}, d.Results)
}

func TestParseDecision_ActionTypes(t *testing.T) {
	cases := map[string]schemas.Action{
		`{"action": {"type": "click", "target": "#a"}}`:                                              schemas.NewClick("#a"),
		`{"action": {"type": "fill_input", "target": "#a", "value": "v"}}`:                           schemas.NewFillInput("#a", "v"),
		`{"action": {"type": "select", "target": "#s", "value": "x"}}`:                               schemas.NewSelectOption("#s", "x"),
		`{"action": {"type": "SELECT_OPTION", "target": "#s", "value": "x"}}`:                        schemas.NewSelectOption("#s", "x"),
		`{"action": {"type": "submit"}}`:                                                             schemas.NewSubmit(""),
		`{"action": {"type": "fill_form", "next_target": "#p", "next_value": "p", "submit": false}}`: schemas.NewFillForm("", "", "#p", "p", false),
	}
	for raw, want := range cases {
		d, err := parseDecision(raw)
		require.NoError(t, err, raw)
		require.NotNil(t, d.Action, raw)
		assert.Equal(t, want, *d.Action, raw)
	}
}

func TestParseDecision_Rejects(t *testing.T) {
	for _, raw := range []string{
		"I could not decide.",
		`{"action": "click"}`,
		`{"completed": "yes"}`,
		`{"action": {"type": "hover", "target": "#a"}}`,
	} {
		_, err := parseDecision(raw)
		assert.ErrorIs(t, err, ErrUnavailable, raw)
	}
}

func TestOracle_NilClientIsHeuristic(t *testing.T) {
	h := NewHeuristic(config.CredentialsConfig{})
	o := New(nil, h, Options{}, zaptest.NewLogger(t))
	snap := snapshotOf(schemas.ElementDescriptor{Role: "input", Identifier: "vin"})
	assert.Equal(t, h.Decide(snap, goal("")), o.Decide(context.Background(), snap, goal("")))
}

func TestBuildUserPrompt(t *testing.T) {
	long := strings.Repeat("x", 200)
	var elems []schemas.ElementDescriptor
	for i := 0; i < 100; i++ {
		elems = append(elems, schemas.ElementDescriptor{Role: "a", VisibleText: long})
	}
	snap := snapshotOf(elems...)
	snap.Title = "Parts catalog"

	p := buildUserPrompt(snap, goal(""), 500)
	assert.Contains(t, p, "Current page URL: https://catalog.example/")
	assert.Contains(t, p, "Page title: Parts catalog")
	assert.Contains(t, p, "VIN number: "+testVIN)
	assert.Contains(t, p, "Looking for: any car part")
	assert.Contains(t, p, simplifier.TruncationMarker)
	assert.Contains(t, p, `"value": "`+testVIN+`"`)

	p = buildUserPrompt(snapshotOf(), goal("wiper blades"), 500)
	assert.Contains(t, p, "Looking for: wiper blades")
}
