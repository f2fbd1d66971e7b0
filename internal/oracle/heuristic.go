package oracle

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/config"
	"github.com/xkilldash9x/partscout/internal/simplifier"
)

// SaturationThreshold is the number of extracted results above which the
// heuristic considers a search complete.
const SaturationThreshold = 5

const (
	loginUserSelector     = `input[type="text"], input[name="username"], input[name="email"]`
	loginPasswordSelector = `input[type="password"]`
	identifierFallback    = `input[placeholder*="VIN"], input[name*="vin"], input[id*="vin"]`
	searchFallback        = `input[type="search"], input[name*="search"], input[placeholder*="search"]`

	rationaleNothing = "no actionable elements found"
)

var (
	identifierKeywords = []string{"vin", "chassis"}
	resultKeywords     = []string{"part", "component"}
	navigationKeywords = []string{"catalog", "parts", "search"}
)

// Heuristic is the deterministic decision procedure used when no language
// model is configured or the model's answer is unusable.
type Heuristic struct {
	creds config.CredentialsConfig
}

// NewHeuristic creates a Heuristic that logs in with creds.
func NewHeuristic(creds config.CredentialsConfig) *Heuristic {
	return &Heuristic{creds: creds}
}

// Decide walks the fixed priority ladder: login form, identifier input,
// search input, result extraction, navigation link, nothing.
func (h *Heuristic) Decide(snapshot schemas.StructureSnapshot, goal schemas.Goal) schemas.Decision {
	lines := make([]string, len(snapshot.Elements))
	for i, d := range snapshot.Elements {
		lines[i] = strings.ToLower(simplifier.Line(d))
	}

	if anyContains(lines, "password") && anyContains(lines, "login") {
		action := schemas.NewFillForm(loginUserSelector, h.creds.Username, loginPasswordSelector, h.creds.Password, true)
		return heuristicDecision(&action, "Detected login form, attempting to log in")
	}

	if d, ok := findInput(snapshot.Elements, lines, identifierKeywords...); ok {
		action := schemas.NewFillInput(locator(d, identifierFallback), goal.Identifier)
		return heuristicDecision(&action, "Found VIN input field, entering VIN number")
	}

	if goal.Description != "" {
		if d, ok := findInput(snapshot.Elements, lines, "search"); ok {
			action := schemas.NewFillInput(locator(d, searchFallback), goal.Description)
			return heuristicDecision(&action, "Found search field, searching for specified part")
		}
	}

	if results := extractResults(snapshot.Elements); len(results) > 0 {
		return schemas.Decision{
			Rationale:    fmt.Sprintf("Found %d parts on this page", len(results)),
			Completed:    len(results) > SaturationThreshold,
			ResultsFound: true,
			Results:      results,
			Source:       schemas.SourceHeuristic,
		}
	}

	if d, ok := findNavigationLink(snapshot.Elements); ok {
		target := "#" + d.Identifier
		if d.Identifier == "" {
			target = fmt.Sprintf(`a[href="%s"]`, d.LinkTarget)
		}
		action := schemas.NewClick(target)
		return heuristicDecision(&action, "Navigating to: "+d.VisibleText)
	}

	return schemas.Decision{Rationale: rationaleNothing, Completed: true, Source: schemas.SourceHeuristic}
}

func heuristicDecision(a *schemas.Action, rationale string) schemas.Decision {
	return schemas.Decision{Action: a, Rationale: rationale, Source: schemas.SourceHeuristic}
}

func anyContains(lines []string, word string) bool {
	for _, l := range lines {
		if strings.Contains(l, word) {
			return true
		}
	}
	return false
}

func isTextEntry(d schemas.ElementDescriptor) bool {
	return d.Role == "input" || d.Role == "textarea"
}

// findInput returns the first text-entry descriptor whose rendered line
// mentions one of the keywords.
func findInput(elems []schemas.ElementDescriptor, lines []string, keywords ...string) (schemas.ElementDescriptor, bool) {
	for i, d := range elems {
		if !isTextEntry(d) {
			continue
		}
		for _, k := range keywords {
			if strings.Contains(lines[i], k) {
				return d, true
			}
		}
	}
	return schemas.ElementDescriptor{}, false
}

// locator builds the most specific selector the descriptor allows.
func locator(d schemas.ElementDescriptor, fallback string) string {
	switch {
	case d.Identifier != "":
		return "#" + d.Identifier
	case d.Name != "":
		return fmt.Sprintf(`%s[name="%s"]`, d.Role, d.Name)
	default:
		return fallback
	}
}

// extractResults collects descriptors whose text, id or class mentions a
// part or component. Form controls are skipped because their visible text is
// not a result name.
func extractResults(elems []schemas.ElementDescriptor) []schemas.Result {
	var out []schemas.Result
	for _, d := range elems {
		if d.VisibleText == "" || isTextEntry(d) || d.Role == "select" || d.Role == "form" {
			continue
		}
		hay := strings.ToLower(d.VisibleText + " " + d.Identifier + " " + d.Classification)
		for _, k := range resultKeywords {
			if strings.Contains(hay, k) {
				out = append(out, schemas.Result{
					Name:       d.VisibleText,
					Attributes: map[string]string{"source": string(schemas.SourceHeuristic)},
				})
				break
			}
		}
	}
	return out
}

func findNavigationLink(elems []schemas.ElementDescriptor) (schemas.ElementDescriptor, bool) {
	for _, d := range elems {
		if d.Role != "a" || d.LinkTarget == "" || d.VisibleText == "" {
			continue
		}
		text := strings.ToLower(d.VisibleText)
		for _, k := range navigationKeywords {
			if strings.Contains(text, k) {
				return d, true
			}
		}
	}
	return schemas.ElementDescriptor{}, false
}
