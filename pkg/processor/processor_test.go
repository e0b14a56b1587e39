package processor_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/xhad/embedfill/pkg/processor"
)

func TestProcessor_Prepare(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{})

	tests := []struct {
		text string
		want string
	}{
		{"A movie about  people\n\tgoing to space.", "A movie about people going to space."},
		{"  padded  ", "padded"},
		{"bad \xff byte", "bad byte"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Prepare(tt.text))
		})
	}
}

func TestProcessor_PreserveLineBreaks(t *testing.T) {
	p := processor.NewWithConfig(processor.ProcessorConfig{PreserveLineBreaks: true})
	assert.Equal(t, "first line\nsecond line", p.Prepare("first   line\nsecond \t line\n"))
}

func TestProcessor_Truncate(t *testing.T) {
	text := "Two astronauts work together. Their shuttle is destroyed! They must survive in space."

	tests := []struct {
		maxChars int
		want     string
	}{
		{0, text},
		{len(text), text},
		{60, "Two astronauts work together. Their shuttle is destroyed!"},
		{35, "Two astronauts work together."},
		{10, "Two astron"},
	}

	for _, tt := range tests {
		p := processor.NewWithConfig(processor.ProcessorConfig{MaxChars: tt.maxChars})
		got := p.Prepare(text)
		assert.Equal(t, tt.want, got, "max %d", tt.maxChars)
		if tt.maxChars > 0 {
			assert.LessOrEqual(t, len([]rune(got)), tt.maxChars)
		}
	}
}
