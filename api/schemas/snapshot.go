package schemas

// ElementDescriptor describes one interactive or informational element of a
// captured document.
type ElementDescriptor struct {
	Index          int    `json:"index"`
	Role           string `json:"role"`
	Identifier     string `json:"identifier,omitempty"`
	Classification string `json:"classification,omitempty"`
	InputKind      string `json:"input_kind,omitempty"`
	LinkTarget     string `json:"link_target,omitempty"`
	CurrentValue   string `json:"current_value,omitempty"`
	VisibleText    string `json:"visible_text,omitempty"`
	Name           string `json:"name,omitempty"`
	Placeholder    string `json:"placeholder,omitempty"`
}

// StructureSnapshot is the compact view of a document handed to the oracle.
// It is never mutated after it is produced.
type StructureSnapshot struct {
	URL      string              `json:"url"`
	Title    string              `json:"title,omitempty"`
	Elements []ElementDescriptor `json:"elements"`
}

// PageCapture is the raw material a mediator captures from a live page.
type PageCapture struct {
	HTML  string `json:"html"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}
