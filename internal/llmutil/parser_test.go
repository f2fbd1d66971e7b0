package llmutil

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
		wantErr  bool
	}{
		{
			name:     "bare object",
			response: `{"completed": true}`,
			want:     `{"completed": true}`,
		},
		{
			name:     "markdown fence",
			response: "Here you go:\n```json\n{\"action\": null, \"reasoning\": \"done\"}\n```\nThanks",
			want:     `{"action": null, "reasoning": "done"}`,
		},
		{
			name:     "prose around object",
			response: `I think the next step is {"action": {"type": "click", "target": "#go"}} and then we wait.`,
			want:     `{"action": {"type": "click", "target": "#go"}}`,
		},
		{
			name:     "braces inside strings",
			response: `result: {"reasoning": "use selector a:has({x})", "completed": false}`,
			want:     `{"reasoning": "use selector a:has({x})", "completed": false}`,
		},
		{
			name:     "first of two objects",
			response: `{"a": 1} and {"b": 2}`,
			want:     `{"a": 1}`,
		},
		{
			name:     "skips malformed candidate",
			response: `{not json} {"found": true}`,
			want:     `{"found": true}`,
		},
		{
			name:     "prose only",
			response: "I could not find anything useful on this page.",
			wantErr:  true,
		},
		{
			name:     "unterminated",
			response: `{"action": {"type": "click"`,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSONObject(tt.response)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrNoJSONObject)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, got)
		})
	}
}

func TestParseJSONResponse(t *testing.T) {
	type reply struct {
		Completed bool   `json:"completed"`
		Reasoning string `json:"reasoning"`
	}

	got, err := ParseJSONResponse[reply]("```\n{\"completed\": true, \"reasoning\": \"found parts\"}\n```")
	require.NoError(t, err)
	assert.True(t, got.Completed)
	assert.Equal(t, "found parts", got.Reasoning)

	_, err = ParseJSONResponse[reply](`{"completed": "yes"}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal")
}

func FuzzExtractJSONObject(f *testing.F) {
	f.Add([]byte(`{"a": "}"}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		response, err := consumer.GetString()
		if err != nil {
			return
		}
		obj, err := ExtractJSONObject(response)
		if err != nil {
			return
		}
		if !json.Valid([]byte(obj)) {
			t.Fatalf("extracted invalid JSON %q from %q", obj, response)
		}
	})
}
