package oracle

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/simplifier"
)

// DefaultGoalDescription is used in prompts when a goal names no part.
const DefaultGoalDescription = "any car part"

const systemPrompt = `You are a web navigation assistant helping to find car parts in an online parts catalog.
You are shown a simplified listing of the interactive elements of the current page.
Decide the single next action that moves the search forward, or report the parts you found.
Your response must be only one JSON object.`

const actionVocabulary = `Respond with a JSON object containing:
- action: null or an object with type, target and value
- reasoning: brief explanation of your decision
- completed: boolean, true if the search is done
- found: boolean, true if parts were found on this page
- parts: array of part objects if found

Action types you can use:
- "fill_form": Fill a login form (target: selector, value: username, next_target: password field, next_value: password, submit: whether to click the submit button afterwards)
- "fill_input": Fill an input field (target: selector, value: text to enter)
- "select_option": Choose an option of a select element (target: selector, value: option value)
- "click": Click an element (target: selector)
- "submit": Submit a form (target: form selector)

Targets may be CSS selectors, tag[attr*="text"] patterns or tag:contains("text").

Examples:
Login form: {"action": {"type": "fill_form", "target": "input[name='username']", "value": "demo_user", "next_target": "input[type='password']", "next_value": "demo_password"}, "reasoning": "Found login form", "completed": false, "found": false}

VIN input: {"action": {"type": "fill_input", "target": "input[name='vin']", "value": "%s"}, "reasoning": "Found VIN input field", "completed": false, "found": false}

Found parts: {"action": null, "reasoning": "Found car parts on page", "completed": true, "found": true, "parts": [{"name": "Brake Pad", "price": "50€"}]}

Analyze the page and respond with appropriate JSON:`

// buildUserPrompt renders the page and goal into the request text. The
// listing is cut at budget bytes.
func buildUserPrompt(snapshot schemas.StructureSnapshot, goal schemas.Goal, budget int) string {
	description := goal.Description
	if description == "" {
		description = DefaultGoalDescription
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Current page URL: %s\n", snapshot.URL)
	if snapshot.Title != "" {
		fmt.Fprintf(&sb, "Page title: %s\n", snapshot.Title)
	}
	fmt.Fprintf(&sb, "VIN number: %s\n", goal.Identifier)
	fmt.Fprintf(&sb, "Looking for: %s\n\n", description)
	sb.WriteString("Here is the simplified structure of the current page:\n")
	sb.WriteString(simplifier.Render(snapshot, budget))
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, actionVocabulary, goal.Identifier)
	return sb.String()
}
