// Package shim builds the script injected into every document the browser
// loads. The script exposes element handles to the Go side and reports added
// nodes through a runtime binding.
package shim

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
)

// ConfigPlaceholder is replaced in the template with the JSON configuration.
const ConfigPlaceholder = "/*{{PARTSCOUT_CONFIG}}*/"

// Global is the window property the script installs its API under.
const Global = "window.__partscout"

//go:embed page.js
var pageTemplate string

// Config is rendered into the script.
type Config struct {
	Binding        string `json:"binding"`
	HighlightClass string `json:"highlightClass"`
	StyleID        string `json:"styleId"`
	// Interactive is the selector used to flag added subtrees that contain
	// form controls.
	Interactive string `json:"interactive"`
}

// Template returns the embedded page script template.
func Template() string { return pageTemplate }

// BuildPageScript injects the configuration into template.
func BuildPageScript(template string, cfg Config) (string, error) {
	if template == "" {
		return "", fmt.Errorf("template is empty")
	}
	if !strings.Contains(template, ConfigPlaceholder) {
		return "", fmt.Errorf("template does not contain the required placeholder: %s", ConfigPlaceholder)
	}
	if cfg.Binding == "" {
		return "", fmt.Errorf("binding name is required")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode page script config: %w", err)
	}
	return strings.Replace(template, ConfigPlaceholder, string(raw), 1), nil
}
