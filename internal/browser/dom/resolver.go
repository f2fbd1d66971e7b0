package dom

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Rule identifies the resolution rule that produced a match.
type Rule int

const (
	RuleNone Rule = iota
	// RuleSelector is a direct selector match.
	RuleSelector
	// RuleAttributeContains is a case-insensitive tag[attr*="value"] scan.
	RuleAttributeContains
	// RuleTextContains is a :contains("text") scan.
	RuleTextContains
)

func (r Rule) String() string {
	switch r {
	case RuleSelector:
		return "selector"
	case RuleAttributeContains:
		return "attribute-contains"
	case RuleTextContains:
		return "text-contains"
	default:
		return "none"
	}
}

var (
	attrContainsRe = regexp.MustCompile(`^\s*([a-zA-Z][\w-]*|\*)?\s*\[\s*([^\s*=\]]+)\s*\*=\s*(?:"([^"]*)"|'([^']*)')\s*\]\s*$`)
	textContainsRe = regexp.MustCompile(`^\s*([a-zA-Z][\w-]*)?[^:]*:contains\(\s*(?:"([^"]+)"|'([^']+)')\s*\)`)
)

// hiddenTags never win a text match even when they hold the text.
var hiddenTags = map[string]bool{
	"html": true, "head": true, "title": true, "meta": true,
	"script": true, "style": true, "noscript": true, "template": true,
}

// attrClause is one tag[attr*="value"] clause of a descriptor.
type attrClause struct {
	tag, attr, value string
}

// Resolver maps target descriptors onto elements.
type Resolver struct {
	logger *zap.Logger
}

// NewResolver creates a Resolver.
func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logger.Named("resolver")}
}

// Resolve finds exactly one element for target. Rules are tried strictly in
// order (selector, attribute contains, text contains) and the first match
// wins. ErrTargetNotFound is returned when none match.
func (r *Resolver) Resolve(ctx context.Context, doc Document, target string) (Element, Rule, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, RuleNone, fmt.Errorf("%w: empty target", ErrTargetNotFound)
	}

	el, err := doc.QuerySelector(ctx, target)
	switch {
	case err == nil && el != nil:
		return el, RuleSelector, nil
	case err != nil && !errors.Is(err, ErrInvalidSelector):
		return nil, RuleNone, err
	case err != nil:
		r.logger.Debug("Descriptor is not a valid selector, trying fallbacks.", zap.String("target", target))
	}

	if clauses := parseAttrClauses(target); len(clauses) > 0 {
		el, err := r.resolveAttrContains(ctx, doc, clauses)
		if err != nil {
			return nil, RuleNone, err
		}
		if el != nil {
			return el, RuleAttributeContains, nil
		}
	}

	if tag, text, ok := parseTextContains(target); ok {
		el, err := r.resolveTextContains(ctx, doc, tag, text)
		if err != nil {
			return nil, RuleNone, err
		}
		if el != nil {
			return el, RuleTextContains, nil
		}
	}

	return nil, RuleNone, fmt.Errorf("%w: %s", ErrTargetNotFound, target)
}

func (r *Resolver) resolveAttrContains(ctx context.Context, doc Document, clauses []attrClause) (Element, error) {
	for _, c := range clauses {
		candidates, err := doc.QuerySelectorAll(ctx, c.tag)
		if err != nil {
			if errors.Is(err, ErrInvalidSelector) {
				continue
			}
			return nil, err
		}
		needle := strings.ToLower(c.value)
		for _, el := range candidates {
			if v, ok := el.Attribute(c.attr); ok && strings.Contains(strings.ToLower(v), needle) {
				return el, nil
			}
		}
	}
	return nil, nil
}

// resolveTextContains returns the first innermost element holding text. An
// element is innermost when no descendant also holds the text; since text
// containment is inherited by ancestors, that is the case exactly when the
// next candidate in document order is not deeper.
func (r *Resolver) resolveTextContains(ctx context.Context, doc Document, tag, text string) (Element, error) {
	candidates, err := doc.QueryByText(ctx, text)
	if err != nil {
		return nil, err
	}
	for i, el := range candidates {
		if i+1 < len(candidates) && candidates[i+1].Depth() > el.Depth() {
			continue
		}
		if hiddenTags[el.Tag()] {
			continue
		}
		if tag != "" && el.Tag() != tag {
			continue
		}
		return el, nil
	}
	return nil, nil
}

// splitGroup splits a selector group on top-level commas.
func splitGroup(s string) []string {
	var parts []string
	depth := 0
	var quote rune
	start := 0
	for i, c := range s {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[' || c == '(':
			depth++
		case c == ']' || c == ')':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func parseAttrClauses(target string) []attrClause {
	var clauses []attrClause
	for _, part := range splitGroup(target) {
		m := attrContainsRe.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		tag := strings.ToLower(m[1])
		if tag == "" {
			tag = "*"
		}
		value := m[3]
		if value == "" {
			value = m[4]
		}
		clauses = append(clauses, attrClause{tag: tag, attr: strings.ToLower(m[2]), value: value})
	}
	return clauses
}

func parseTextContains(target string) (tag, text string, ok bool) {
	m := textContainsRe.FindStringSubmatch(target)
	if m == nil {
		return "", "", false
	}
	text = m[2]
	if text == "" {
		text = m[3]
	}
	return strings.ToLower(m[1]), text, true
}
