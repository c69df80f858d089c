// Package sanitize cleans client-supplied change payloads and comment text
// before they are stored in a session.
package sanitize

import (
	"github.com/microcosm-cc/bluemonday"
)

/*
LEARNING: SANITIZE ON THE WAY IN

Change payloads are arbitrary JSON: a string of HTML for a text block, an
object of attributes for a section, arrays for lists. Every string leaf is
passed through bluemonday, keys are left alone, numbers and booleans pass
through. What lands in the change log is therefore safe to replay to every
other participant's browser.
*/

// Sanitizer applies bluemonday policies to payloads and text.
type Sanitizer struct {
	content *bluemonday.Policy
	text    *bluemonday.Policy
}

// New creates a sanitizer allowing user-generated-content markup in payloads
// and no markup at all in comment text.
func New() *Sanitizer {
	content := bluemonday.UGCPolicy()
	content.AllowAttrs("class", "style").Globally()
	content.AllowStyles("color", "background-color", "text-align", "font-size", "font-weight").Globally()

	return &Sanitizer{
		content: content,
		text:    bluemonday.StrictPolicy(),
	}
}

// Payload returns a sanitized copy of a decoded JSON value.
func (s *Sanitizer) Payload(v any) any {
	switch val := v.(type) {
	case string:
		return s.content.Sanitize(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.Payload(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.Payload(item)
		}
		return out
	default:
		return v
	}
}

// Text strips all markup from plain text such as comments.
func (s *Sanitizer) Text(text string) string {
	return s.text.Sanitize(text)
}
