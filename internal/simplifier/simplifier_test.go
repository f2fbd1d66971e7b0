package simplifier

import (
	"strings"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/partscout/api/schemas"
)

const catalogPage = `<!DOCTYPE html>
<html>
<head>
  <title>  Parts   Catalog </title>
  <style>.hidden { display: none }</style>
  <script>var form = "<form id='fake'></form>";</script>
</head>
<body>
  <h1>Vehicle lookup</h1>
  <form id="lookup" class="search  form" action="/search">
    <input id="vin" name="vin" placeholder="Enter VIN" class="field">
    <input type="PASSWORD" name="pw">
    <select name="make"><option value="">Any</option><option value="bmw" selected>BMW</option></select>
    <textarea name="notes">  front
      axle </textarea>
    <button>Search <noscript>enable JS</noscript></button>
  </form>
  <div><a href="/catalog/brakes" class="nav">Brake   parts</a></div>
  <noscript><a href="/nojs">No JS</a></noscript>
  <template><input id="tpl"></template>
</body>
</html>`

func TestSimplify_CatalogPage(t *testing.T) {
	snap, err := Simplify(catalogPage, "https://parts.example/lookup")
	require.NoError(t, err)

	want := schemas.StructureSnapshot{
		URL:   "https://parts.example/lookup",
		Title: "Parts Catalog",
		Elements: []schemas.ElementDescriptor{
			{Index: 0, Role: "h1", VisibleText: "Vehicle lookup"},
			{Index: 1, Role: "form", Identifier: "lookup", Classification: "search form", VisibleText: "AnyBMW front axle Search"},
			{Index: 2, Role: "input", Identifier: "vin", Classification: "field", InputKind: "text", Name: "vin", Placeholder: "Enter VIN"},
			{Index: 3, Role: "input", InputKind: "password", Name: "pw"},
			{Index: 4, Role: "select", InputKind: "select-one", CurrentValue: "bmw", VisibleText: "AnyBMW", Name: "make"},
			{Index: 5, Role: "textarea", InputKind: "textarea", CurrentValue: "  front\n      axle ", VisibleText: "front axle", Name: "notes"},
			{Index: 6, Role: "button", InputKind: "submit", VisibleText: "Search"},
			{Index: 7, Role: "a", Classification: "nav", LinkTarget: "/catalog/brakes", VisibleText: "Brake parts"},
		},
	}
	if diff := cmp.Diff(want, snap); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestSimplify_Deterministic(t *testing.T) {
	first, err := Simplify(catalogPage, "https://parts.example")
	require.NoError(t, err)
	second, err := Simplify(catalogPage, "https://parts.example")
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(first, second))
	assert.Equal(t, Render(first, DefaultBudget), Render(second, DefaultBudget))
}

func TestSimplify_TruncatesVisibleText(t *testing.T) {
	long := strings.Repeat("é", 150)
	snap, err := Simplify(`<a href="#">`+long+`</a>`, "")
	require.NoError(t, err)
	require.Len(t, snap.Elements, 1)
	assert.Equal(t, strings.Repeat("é", MaxTextLength), snap.Elements[0].VisibleText)
}

func TestSimplify_EmptyDocument(t *testing.T) {
	snap, err := Simplify("", "about:blank")
	require.NoError(t, err)
	assert.Empty(t, snap.Elements)
	assert.Equal(t, "", Render(snap, DefaultBudget))
}

func TestLine(t *testing.T) {
	d := schemas.ElementDescriptor{Index: 2, Role: "input", Identifier: "vin", InputKind: "text", Name: "vin", VisibleText: `say "hi"`}
	assert.Equal(t, `[2] input id="vin" class="" type="text" href="" value="" text="say &quot;hi&quot;" name="vin"`, Line(d))
}

func TestRender_Budget(t *testing.T) {
	var elems []schemas.ElementDescriptor
	for i := 0; i < 200; i++ {
		elems = append(elems, schemas.ElementDescriptor{Index: i, Role: "a", LinkTarget: "/p", VisibleText: "brake pad set"})
	}
	snap := schemas.StructureSnapshot{Elements: elems}

	out := Render(snap, 500)
	assert.True(t, strings.HasSuffix(out, TruncationMarker))
	assert.Equal(t, 500, len(out))

	tiny := Render(snap, 5)
	assert.Equal(t, TruncationMarker, tiny)

	full := Render(snap, 1<<20)
	assert.False(t, strings.HasSuffix(full, TruncationMarker))
	assert.Equal(t, 200, strings.Count(full, "\n")+1)
}

func FuzzSimplify(f *testing.F) {
	f.Add([]byte(catalogPage))
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		raw, err := consumer.GetString()
		if err != nil {
			return
		}
		a, err := Simplify(raw, "")
		if err != nil {
			return
		}
		b, _ := Simplify(raw, "")
		if diff := cmp.Diff(a, b); diff != "" {
			t.Fatalf("non-deterministic snapshot: %s", diff)
		}
		for i, d := range a.Elements {
			if d.Index != i {
				t.Fatalf("index %d at position %d", d.Index, i)
			}
		}
	})
}
