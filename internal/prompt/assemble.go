package prompt

import (
	"fmt"
	"strings"

	"github.com/igolaizola/citychat/pkg/memory"
	"gopkg.in/yaml.v3"
)

// Assembler merges the system preamble, auxiliary context and the trimmed
// history into the payload sent to the model.
type Assembler struct {
	Heading string
}

func NewAssembler() *Assembler {
	return &Assembler{Heading: ContextHeading}
}

// Context serializes the auxiliary context as it appears in the system
// message. It returns an empty string for nil context.
func (a *Assembler) Context(aux any) (string, error) {
	var body string
	switch v := aux.(type) {
	case nil:
		return "", nil
	case string:
		body = v
	default:
		b, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("prompt: couldn't marshal context: %w", err)
		}
		body = string(b)
	}
	body = strings.TrimSpace(body)
	if body == "" || body == "{}" {
		return "", nil
	}
	if a.Heading == "" {
		return body, nil
	}
	return a.Heading + "\n" + body, nil
}

// Assemble returns one system message followed by the non system messages of
// the history in order. System messages found in the history are merged into
// the system message unless they repeat the preamble.
func (a *Assembler) Assemble(preamble string, aux any, history []memory.Message) ([]memory.Message, error) {
	var parts []string
	if p := strings.TrimSpace(preamble); p != "" {
		parts = append(parts, p)
	}
	ctx, err := a.Context(aux)
	if err != nil {
		return nil, err
	}
	if ctx != "" {
		parts = append(parts, ctx)
	}

	rest := make([]memory.Message, 0, len(history))
	for _, m := range history {
		if m.Role != memory.System {
			rest = append(rest, m)
			continue
		}
		c := strings.TrimSpace(m.Content)
		if c == "" || c == strings.TrimSpace(preamble) {
			continue
		}
		parts = append(parts, c)
	}

	if len(parts) == 0 {
		return rest, nil
	}
	out := make([]memory.Message, 0, len(rest)+1)
	out = append(out, memory.NewSystem(strings.Join(parts, "\n\n")))
	return append(out, rest...), nil
}
