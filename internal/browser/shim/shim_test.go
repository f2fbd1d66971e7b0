package shim_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/xkilldash9x/partscout/internal/browser/shim"
)

func TestBuildPageScript(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Binding:        "__emit",
		HighlightClass: "hl",
		StyleID:        "hl-style",
		Interactive:    "form, input, button",
	}

	t.Run("should inject config into the embedded template", func(t *testing.T) {
		t.Parallel()
		script, err := BuildPageScript(Template(), cfg)
		require.NoError(t, err)
		assert.NotContains(t, script, ConfigPlaceholder)
		assert.Contains(t, script, `"binding":"__emit"`)
		assert.Contains(t, script, `"interactive":"form, input, button"`)
		assert.Contains(t, script, "MutationObserver")
	})

	t.Run("should replace only the first placeholder", func(t *testing.T) {
		t.Parallel()
		tmpl := "a=" + ConfigPlaceholder + ";b=" + ConfigPlaceholder
		script, err := BuildPageScript(tmpl, cfg)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(script, ConfigPlaceholder))
	})

	t.Run("should fail on an empty template", func(t *testing.T) {
		t.Parallel()
		_, err := BuildPageScript("", cfg)
		assert.EqualError(t, err, "template is empty")
	})

	t.Run("should fail without the placeholder", func(t *testing.T) {
		t.Parallel()
		_, err := BuildPageScript("(function(){})()", cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "placeholder")
	})

	t.Run("should require a binding name", func(t *testing.T) {
		t.Parallel()
		_, err := BuildPageScript(Template(), Config{})
		assert.EqualError(t, err, "binding name is required")
	})
}
