package tokens

import (
	"fmt"
	"unicode/utf8"

	"github.com/igolaizola/citychat/pkg/memory"
	"github.com/tiktoken-go/tokenizer"
)

// DefaultOverhead is the number of tokens added per message to account for
// the role and the chat format separators.
const DefaultOverhead = 4

// Counter returns the token cost of a message.
type Counter interface {
	Count(memory.Message) (int, error)
}

// CounterFunc adapts a function to the Counter interface.
type CounterFunc func(memory.Message) (int, error)

func (f CounterFunc) Count(m memory.Message) (int, error) { return f(m) }

// Sum returns the total cost of the messages.
func Sum(c Counter, msgs []memory.Message) (int, error) {
	total := 0
	for _, m := range msgs {
		n, err := c.Count(m)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Tiktoken counts tokens using a tiktoken encoding.
type Tiktoken struct {
	codec    tokenizer.Codec
	overhead int
}

// NewTiktoken returns a counter for the given encoding (e.g. "cl100k_base").
// Empty encoding defaults to cl100k_base.
func NewTiktoken(encoding string, overhead int) (*Tiktoken, error) {
	enc := tokenizer.Cl100kBase
	if encoding != "" {
		enc = tokenizer.Encoding(encoding)
	}
	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("tokens: couldn't get tokenizer %s: %w", enc, err)
	}
	if overhead < 0 {
		overhead = 0
	}
	return &Tiktoken{codec: codec, overhead: overhead}, nil
}

func (t *Tiktoken) Count(m memory.Message) (int, error) {
	n, err := t.Text(m.Content)
	if err != nil {
		return 0, err
	}
	return n + t.overhead, nil
}

// Text returns the number of tokens of a raw text.
func (t *Tiktoken) Text(text string) (int, error) {
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return 0, fmt.Errorf("tokens: couldn't encode text: %w", err)
	}
	return len(ids), nil
}

// DefaultCharsPerToken is the approximate ratio used by Estimator.
const DefaultCharsPerToken = 4.0

// Estimator approximates token counts from the rune count. It doesn't need any
// encoding data and never fails.
type Estimator struct {
	CharsPerToken float64
	Overhead      int
}

func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: DefaultCharsPerToken, Overhead: DefaultOverhead}
}

func (e *Estimator) Count(m memory.Message) (int, error) {
	n, _ := e.Text(m.Content)
	return n + e.Overhead, nil
}

func (e *Estimator) Text(text string) (int, error) {
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = DefaultCharsPerToken
	}
	runes := utf8.RuneCountInString(text)
	return int(float64(runes)/ratio + 0.5), nil
}

// TextCounter counts raw text, used for content that isn't a message.
type TextCounter interface {
	Text(string) (int, error)
}

// New returns a counter by name: "tiktoken" or "estimate".
func New(name, encoding string, overhead int) (Counter, error) {
	switch name {
	case "", "tiktoken":
		return NewTiktoken(encoding, overhead)
	case "estimate":
		e := NewEstimator()
		if overhead >= 0 {
			e.Overhead = overhead
		}
		return e, nil
	default:
		return nil, fmt.Errorf("tokens: unknown counter %q", name)
	}
}
