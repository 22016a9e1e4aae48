package groq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/PullRequestInc/go-gpt3"
	"github.com/igolaizola/citychat/internal/ratelimit"
	"github.com/igolaizola/citychat/pkg/memory"
)

const (
	DefaultBaseURL = "https://api.groq.com/openai/v1"
	DefaultModel   = "gemma2-9b-it"
)

// ErrNoChoices is returned when the API answers without any choice.
var ErrNoChoices = errors.New("groq: no choices")

type Config struct {
	Key       string
	BaseURL   string
	Model     string
	MaxTokens int
	Wait      time.Duration
	Timeout   time.Duration
}

// Client sends chat completion requests to the Groq API.
type Client struct {
	client    gpt3.Client
	rateLimit ratelimit.Lock
	model     string
	maxTokens int
}

// New returns a new Client. It is safe for concurrent use.
func New(cfg *Config) (*Client, error) {
	if cfg.Key == "" {
		return nil, fmt.Errorf("groq: missing api key")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	client := gpt3.NewClient(cfg.Key,
		gpt3.WithBaseURL(baseURL),
		gpt3.WithTimeout(timeout),
	)
	return &Client{
		client:    client,
		rateLimit: ratelimit.New(cfg.Wait),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Model returns the model used for completions.
func (c *Client) Model() string {
	return c.model
}

// Generate sends the messages and returns the generated text.
func (c *Client) Generate(ctx context.Context, msgs []memory.Message) (string, error) {
	unlock, err := c.rateLimit.Lock(ctx)
	if err != nil {
		return "", fmt.Errorf("groq: couldn't wait for rate limit: %w", err)
	}
	defer unlock()

	completion, err := c.client.ChatCompletion(ctx, gpt3.ChatCompletionRequest{
		Model:     c.model,
		Messages:  toRequest(msgs),
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("groq: couldn't generate completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrNoChoices
	}
	log.Printf("groq: request tokens %d (prompt %d, completion %d)",
		completion.Usage.TotalTokens, completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	return completion.Choices[0].Message.Content, nil
}

func toRequest(input []memory.Message) []gpt3.ChatCompletionRequestMessage {
	output := make([]gpt3.ChatCompletionRequestMessage, 0, len(input))
	for _, m := range input {
		output = append(output, gpt3.ChatCompletionRequestMessage{
			Role:    m.Role.API(),
			Content: m.Content,
		})
	}
	return output
}
