// Package templates renders the per-tenant message templates (greeting,
// help) for outbound SMS.
package templates

import (
	"bytes"
	"fmt"
	"text/template"
)

// Renderer compiles template text with strict missing-key semantics, so a
// misconfigured tenant template fails loudly instead of texting literal
// placeholders to a caller.
type Renderer struct{}

// Render compiles and executes the provided template text.
func (Renderer) Render(name, tmpl string, data any) (string, error) {
	if tmpl == "" {
		return "", fmt.Errorf("templates: template text required")
	}
	t, err := template.New(name).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("templates: parse: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute: %w", err)
	}
	return buf.String(), nil
}
