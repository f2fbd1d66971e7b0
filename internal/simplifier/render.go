package simplifier

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/partscout/api/schemas"
)

var quoteEscaper = strings.NewReplacer(`"`, "&quot;", "\n", " ")

// Line renders one descriptor in listing form, e.g.
//
//	[3] input id="vin" class="field" type="text" href="" value="" text=""
func Line(d schemas.ElementDescriptor) string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(strconv.Itoa(d.Index))
	sb.WriteString("] ")
	sb.WriteString(d.Role)
	writeAttr(&sb, "id", d.Identifier, true)
	writeAttr(&sb, "class", d.Classification, true)
	writeAttr(&sb, "type", d.InputKind, true)
	writeAttr(&sb, "href", d.LinkTarget, true)
	writeAttr(&sb, "value", d.CurrentValue, true)
	writeAttr(&sb, "text", d.VisibleText, true)
	writeAttr(&sb, "name", d.Name, false)
	writeAttr(&sb, "placeholder", d.Placeholder, false)
	return sb.String()
}

func writeAttr(sb *strings.Builder, key, val string, always bool) {
	if val == "" && !always {
		return
	}
	sb.WriteString(" ")
	sb.WriteString(key)
	sb.WriteString(`="`)
	sb.WriteString(quoteEscaper.Replace(val))
	sb.WriteString(`"`)
}

// Render produces the listing for a snapshot, one descriptor per line. When
// the listing is longer than budget bytes it is cut so that, with
// TruncationMarker appended, the result is at most budget bytes. A budget
// shorter than the marker yields the marker alone. A budget <= 0 means
// DefaultBudget.
func Render(s schemas.StructureSnapshot, budget int) string {
	if budget <= 0 {
		budget = DefaultBudget
	}
	lines := make([]string, len(s.Elements))
	for i, d := range s.Elements {
		lines[i] = Line(d)
	}
	listing := strings.Join(lines, "\n")
	if len(listing) <= budget {
		return listing
	}
	cut := budget - len(TruncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(listing[cut]) {
		cut--
	}
	return listing[:cut] + TruncationMarker
}
