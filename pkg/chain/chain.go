// Package chain runs the question answering pipeline: the history is trimmed
// to the token budget, assembled with the system preamble and the auxiliary
// context, and sent to the model.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/igolaizola/citychat/internal/prompt"
	"github.com/igolaizola/citychat/pkg/memory"
	"github.com/igolaizola/citychat/pkg/tokens"
	"github.com/igolaizola/citychat/pkg/trim"
)

// ErrModelInvocation matches every error returned by the model.
var ErrModelInvocation = errors.New("model invocation failed")

// ModelError wraps a failure of the model invocation.
type ModelError struct {
	Err error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("chain: %v: %v", ErrModelInvocation, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

func (e *ModelError) Is(target error) bool { return target == ErrModelInvocation }

// Generator is the model invocation boundary.
type Generator interface {
	Generate(ctx context.Context, msgs []memory.Message) (string, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, msgs []memory.Message) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, msgs []memory.Message) (string, error) {
	return f(ctx, msgs)
}

// ContextSource provides the auxiliary context for a history.
type ContextSource interface {
	Context(history []memory.Message) (any, error)
}

// StaticContext always provides the same context.
type StaticContext struct{ Value any }

func (s StaticContext) Context([]memory.Message) (any, error) { return s.Value, nil }

type Config struct {
	Trim     trim.Config
	Preamble string
	// FoldContext counts the auxiliary context against the trim budget.
	// Otherwise the context is added after trimming and may exceed it.
	FoldContext bool
}

type Chain struct {
	cfg       Config
	counter   tokens.Counter
	assembler *prompt.Assembler
	source    ContextSource
	generator Generator
}

// New returns a chain. It holds no mutable state and is safe for concurrent
// use across conversations.
func New(cfg Config, counter tokens.Counter, source ContextSource, generator Generator) (*Chain, error) {
	if err := cfg.Trim.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, fmt.Errorf("chain: nil token counter")
	}
	if generator == nil {
		return nil, fmt.Errorf("chain: nil generator")
	}
	if source == nil {
		source = StaticContext{}
	}
	return &Chain{
		cfg:       cfg,
		counter:   counter,
		assembler: prompt.NewAssembler(),
		source:    source,
		generator: generator,
	}, nil
}

// Preamble returns the system preamble of the chain.
func (c *Chain) Preamble() string {
	return c.cfg.Preamble
}

// Prepare trims the history and assembles the payload for the model.
func (c *Chain) Prepare(history []memory.Message) ([]memory.Message, error) {
	aux, err := c.source.Context(history)
	if err != nil {
		return nil, fmt.Errorf("chain: couldn't get context: %w", err)
	}

	cfg := c.cfg.Trim
	auxTokens := 0
	if aux != nil {
		text, err := c.assembler.Context(aux)
		if err != nil {
			return nil, err
		}
		if text != "" {
			auxTokens, err = c.countText(text)
			if err != nil {
				return nil, fmt.Errorf("chain: couldn't count context tokens: %w", err)
			}
		}
	}
	if c.cfg.FoldContext {
		cfg.MaxTokens -= auxTokens
		if cfg.MaxTokens <= 0 {
			return nil, &trim.BudgetError{Required: auxTokens, MaxTokens: c.cfg.Trim.MaxTokens}
		}
	}

	trimmed, err := trim.Trim(history, cfg, c.counter)
	if err != nil {
		return nil, err
	}
	if dropped := len(history) - len(trimmed); dropped > 0 {
		log.Printf("chain: trimmed %d of %d messages", dropped, len(history))
	}

	payload, err := c.assembler.Assemble(c.cfg.Preamble, aux, trimmed)
	if err != nil {
		return nil, err
	}
	if !c.cfg.FoldContext && auxTokens > 0 {
		total, err := tokens.Sum(c.counter, payload)
		if err == nil && total > c.cfg.Trim.MaxTokens {
			log.Printf("chain: prompt has %d tokens, over the %d budget because of %d context tokens",
				total, c.cfg.Trim.MaxTokens, auxTokens)
		}
	}
	return payload, nil
}

// countText counts context text. It is merged into the system message, so
// the per message overhead is not charged when the counter can count text.
func (c *Chain) countText(text string) (int, error) {
	if tc, ok := c.counter.(tokens.TextCounter); ok {
		return tc.Text(text)
	}
	return c.counter.Count(memory.NewSystem(text))
}

// Invoke runs trim, assemble and generate for the history.
func (c *Chain) Invoke(ctx context.Context, history []memory.Message) (string, error) {
	payload, err := c.Prepare(history)
	if err != nil {
		return "", err
	}
	text, err := c.generator.Generate(ctx, payload)
	if err != nil {
		return "", &ModelError{Err: err}
	}
	return text, nil
}

// Ask answers a single question in a new conversation.
func (c *Chain) Ask(ctx context.Context, question string) (string, error) {
	history := []memory.Message{memory.NewHuman(question)}
	if c.cfg.Preamble != "" {
		history = append([]memory.Message{memory.NewSystem(c.cfg.Preamble)}, history...)
	}
	return c.Invoke(ctx, history)
}
