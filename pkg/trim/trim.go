// Package trim reduces a conversation to a token budget at message
// granularity, keeping the most recent turns.
package trim

import (
	"errors"
	"fmt"
	"strings"

	"github.com/igolaizola/citychat/pkg/memory"
	"github.com/igolaizola/citychat/pkg/tokens"
)

type Strategy string

const (
	// Last keeps the most recent messages.
	Last Strategy = "last"
	// First keeps the oldest messages.
	First Strategy = "first"
)

var (
	ErrInvalidConfig  = errors.New("invalid trim config")
	ErrBudgetExceeded = errors.New("token budget exceeded")
)

// BudgetError is returned when the mandatory content doesn't fit the budget.
type BudgetError struct {
	Required  int
	MaxTokens int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%v: mandatory content needs %d tokens, max is %d", ErrBudgetExceeded, e.Required, e.MaxTokens)
}

func (e *BudgetError) Is(target error) bool {
	return target == ErrBudgetExceeded
}

type Config struct {
	MaxTokens     int         `yaml:"max-tokens"`
	Strategy      Strategy    `yaml:"strategy"`
	IncludeSystem bool        `yaml:"include-system"`
	AllowPartial  bool        `yaml:"allow-partial"`
	StartOn       memory.Role `yaml:"start-on"`
}

// Validate checks the config values.
func (c Config) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("trim: %w: max tokens must be positive, got %d", ErrInvalidConfig, c.MaxTokens)
	}
	switch c.Strategy {
	case "", Last, First:
	default:
		return fmt.Errorf("trim: %w: unknown strategy %q", ErrInvalidConfig, c.Strategy)
	}
	if c.StartOn != "" && !c.StartOn.Valid() {
		return fmt.Errorf("trim: %w: unknown start role %q", ErrInvalidConfig, c.StartOn)
	}
	return nil
}

// Trim returns the messages of the conversation that fit in the configured
// budget. The result is the pinned system message (if any) followed by a
// contiguous run of the conversation in chronological order.
func Trim(msgs []memory.Message, cfg Config, counter tokens.Counter) ([]memory.Message, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, fmt.Errorf("trim: %w: nil token counter", ErrInvalidConfig)
	}

	// Pin leading system message
	var pinned []memory.Message
	rest := msgs
	reserved := 0
	if cfg.IncludeSystem && len(msgs) > 0 && msgs[0].Role == memory.System {
		n, err := counter.Count(msgs[0])
		if err != nil {
			return nil, fmt.Errorf("trim: couldn't count tokens: %w", err)
		}
		if n > cfg.MaxTokens {
			return nil, &BudgetError{Required: n, MaxTokens: cfg.MaxTokens}
		}
		pinned = msgs[:1]
		rest = msgs[1:]
		reserved = n
	}
	budget := cfg.MaxTokens - reserved

	var kept []memory.Message
	var err error
	switch cfg.Strategy {
	case First:
		kept, err = keepFirst(rest, budget, cfg.AllowPartial, counter)
	default:
		kept, err = keepLast(rest, budget, cfg.AllowPartial, counter)
		if err == nil && cfg.StartOn != "" {
			kept = startOn(kept, cfg.StartOn)
		}
	}
	if err != nil {
		return nil, err
	}

	out := make([]memory.Message, 0, len(pinned)+len(kept))
	out = append(out, pinned...)
	out = append(out, kept...)
	return out, nil
}

func keepLast(msgs []memory.Message, budget int, partial bool, counter tokens.Counter) ([]memory.Message, error) {
	total := 0
	i := len(msgs)
	for i > 0 {
		n, err := counter.Count(msgs[i-1])
		if err != nil {
			return nil, fmt.Errorf("trim: couldn't count tokens: %w", err)
		}
		if total+n > budget {
			break
		}
		total += n
		i--
	}
	kept := append([]memory.Message{}, msgs[i:]...)
	if !partial || i == 0 {
		return kept, nil
	}
	part, ok, err := split(msgs[i-1], budget-total, counter, false)
	if err != nil || !ok {
		return kept, err
	}
	return append([]memory.Message{part}, kept...), nil
}

func keepFirst(msgs []memory.Message, budget int, partial bool, counter tokens.Counter) ([]memory.Message, error) {
	total := 0
	i := 0
	for ; i < len(msgs); i++ {
		n, err := counter.Count(msgs[i])
		if err != nil {
			return nil, fmt.Errorf("trim: couldn't count tokens: %w", err)
		}
		if total+n > budget {
			break
		}
		total += n
	}
	kept := append([]memory.Message{}, msgs[:i]...)
	if !partial || i == len(msgs) {
		return kept, nil
	}
	part, ok, err := split(msgs[i], budget-total, counter, true)
	if err != nil || !ok {
		return kept, err
	}
	return append(kept, part), nil
}

// split returns the largest part of the message content that fits in the
// budget. Content is split by lines, or by words for single line content.
// With head set the leading chunks are kept, otherwise the trailing ones.
func split(m memory.Message, budget int, counter tokens.Counter, head bool) (memory.Message, bool, error) {
	if budget <= 0 {
		return memory.Message{}, false, nil
	}
	chunks := strings.SplitAfter(m.Content, "\n")
	if len(chunks) < 2 {
		chunks = strings.SplitAfter(m.Content, " ")
	}
	for k := len(chunks) - 1; k > 0; k-- {
		var content string
		if head {
			content = strings.Join(chunks[:k], "")
		} else {
			content = strings.Join(chunks[len(chunks)-k:], "")
		}
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}
		part := memory.Message{Role: m.Role, Content: content}
		n, err := counter.Count(part)
		if err != nil {
			return memory.Message{}, false, fmt.Errorf("trim: couldn't count tokens: %w", err)
		}
		if n <= budget {
			return part, true, nil
		}
	}
	return memory.Message{}, false, nil
}

// startOn drops leading messages until the first one has the given role.
func startOn(msgs []memory.Message, role memory.Role) []memory.Message {
	for i, m := range msgs {
		if m.Role == role {
			return msgs[i:]
		}
	}
	return nil
}
