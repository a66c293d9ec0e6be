// Package prompt implements deterministic prompt construction from a
// static template and a JSON-serializable input fragment, optionally
// preceded by a retrieved-evidence block.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/localforge/deliberate/core"
)

// Assembler builds prompts with no randomness and no environment lookup:
// the same template, input, and evidence always produce the same prompt.
type Assembler struct{}

// NewAssembler returns a ready-to-use Assembler. It holds no state.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assemble produces "<template>\n\n## Input\n\n<fenced JSON of input>".
// When evidence is non-empty, a "## Retrieved Evidence" block using
// [Source N] labels (1-based, in list order) is inserted before the
// input section; the same N labels the citation instructions agents
// embed in their own templates.
func (a *Assembler) Assemble(template string, input interface{}, evidence []core.SourceRecord) (string, error) {
	encoded, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal prompt input: %w", err)
	}

	var b strings.Builder
	b.WriteString(template)

	if len(evidence) > 0 {
		b.WriteString("\n\n## Retrieved Evidence\n\n")
		b.WriteString(formatEvidence(evidence))
	}

	b.WriteString("\n\n## Input\n\n```json\n")
	b.Write(encoded)
	b.WriteString("\n```")

	return b.String(), nil
}

func formatEvidence(sources []core.SourceRecord) string {
	blocks := make([]string, 0, len(sources))
	for i, s := range sources {
		text := s.Content
		if text == "" {
			text = s.Snippet
		}
		blocks = append(blocks, fmt.Sprintf("[Source %d] %s (%s)\n%s", i+1, s.Title, s.URL, text))
	}
	return strings.Join(blocks, "\n\n")
}
