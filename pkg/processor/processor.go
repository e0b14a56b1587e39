package processor

import (
	"strings"
	"unicode/utf8"
)

type ProcessorConfig struct {
	// MaxChars caps the prepared text. Longer text is cut at the last
	// sentence end that fits, or at a rune boundary if no sentence does.
	// Zero means no limit.
	MaxChars           int
	PreserveLineBreaks bool
}

// Processor turns stored document text into the exact string sent to the
// embedding model.
type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.MaxChars < 0 {
		config.MaxChars = 0
	}
	return Processor{
		config: config,
	}
}

func (p Processor) Prepare(text string) string {
	text = p.cleanText(text)
	if p.config.MaxChars > 0 && utf8.RuneCountInString(text) > p.config.MaxChars {
		text = p.truncate(text)
	}
	return text
}

func (p Processor) cleanText(text string) string {
	text = strings.ToValidUTF8(text, "")
	if p.config.PreserveLineBreaks {
		lines := strings.Split(text, "\n")
		for i, line := range lines {
			lines[i] = strings.Join(strings.Fields(line), " ")
		}
		return strings.TrimSpace(strings.Join(lines, "\n"))
	}

	// Replace runs of whitespace with single spaces
	return strings.Join(strings.Fields(text), " ")
}

func (p Processor) truncate(text string) string {
	var out strings.Builder
	n := 0
	for _, sentence := range splitIntoSentences(text) {
		size := utf8.RuneCountInString(sentence)
		sep := 0
		if out.Len() > 0 {
			sep = 1
		}
		if n+sep+size > p.config.MaxChars {
			break
		}
		if sep == 1 {
			out.WriteByte(' ')
		}
		out.WriteString(sentence)
		n += sep + size
	}
	if out.Len() > 0 {
		return out.String()
	}

	// First sentence alone is too long
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:p.config.MaxChars]))
}

func splitIntoSentences(text string) []string {
	sentenceEnders := []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}
	var sentences []string

	start := 0
	for i := 0; i < len(text); i++ {
		for _, ender := range sentenceEnders {
			if strings.HasPrefix(text[i:], ender) {
				end := i + 1
				if s := strings.TrimSpace(text[start:end]); s != "" {
					sentences = append(sentences, s)
				}
				start = end
				break
			}
		}
	}

	// Add any remaining text
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}

	return sentences
}
