package agent

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xkilldash9x/partscout/api/schemas"
)

// ErrInvalidGoal is returned by NormalizeGoal.
var ErrInvalidGoal = errors.New("invalid goal")

// NormalizeGoal trims the goal and checks the identifier. A positive length
// requires the identifier to have exactly that many characters.
func NormalizeGoal(goal schemas.Goal, length int) (schemas.Goal, error) {
	goal.Identifier = strings.TrimSpace(goal.Identifier)
	goal.Description = strings.TrimSpace(goal.Description)
	if goal.Identifier == "" {
		return goal, fmt.Errorf("%w: a vehicle identifier is required", ErrInvalidGoal)
	}
	if goal.StepBudget < 0 {
		return goal, fmt.Errorf("%w: step budget must not be negative, got %d", ErrInvalidGoal, goal.StepBudget)
	}
	if n := utf8.RuneCountInString(goal.Identifier); length > 0 && n != length {
		return goal, fmt.Errorf("%w: vehicle identifier must be %d characters, got %d", ErrInvalidGoal, length, n)
	}
	return goal, nil
}
