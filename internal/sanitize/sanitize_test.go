package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizer_Payload(t *testing.T) {
	s := New()

	tests := []struct {
		name     string
		input    any
		expected any
	}{
		{"safe markup kept", "<p>Hello <b>world</b></p>", "<p>Hello <b>world</b></p>"},
		{"script dropped", "<script>alert(1)</script>hi", "hi"},
		{"number untouched", 42.0, 42.0},
		{"bool untouched", true, true},
		{"nil untouched", nil, nil},
		{
			"nested object",
			map[string]any{"html": "<i>ok</i><script>x()</script>", "level": 2.0},
			map[string]any{"html": "<i>ok</i>", "level": 2.0},
		},
		{
			"array",
			[]any{"<em>a</em>", map[string]any{"t": "<script></script>b"}},
			[]any{"<em>a</em>", map[string]any{"t": "b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, s.Payload(tt.input))
		})
	}
}

func TestSanitizer_PayloadDoesNotMutateInput(t *testing.T) {
	s := New()
	in := map[string]any{"html": "<script>x</script>y"}

	_ = s.Payload(in)

	assert.Equal(t, "<script>x</script>y", in["html"])
}

func TestSanitizer_Text(t *testing.T) {
	s := New()

	assert.Equal(t, "fix this", s.Text("fix <b>this</b>"))
	assert.Equal(t, "plain", s.Text("<script>evil()</script>plain"))
}
