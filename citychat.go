package citychat

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/igolaizola/citychat/internal/cities"
	"github.com/igolaizola/citychat/internal/prompt"
	"github.com/igolaizola/citychat/internal/session"
	"github.com/igolaizola/citychat/pkg/chain"
	"github.com/igolaizola/citychat/pkg/groq"
	"github.com/igolaizola/citychat/pkg/memory"
	"github.com/igolaizola/citychat/pkg/tokens"
	"github.com/igolaizola/citychat/pkg/trim"
	"gopkg.in/yaml.v3"
)

// ErrMissingCredential is returned when no API key is configured.
var ErrMissingCredential = errors.New("citychat: missing groq api key, set GROQ_API_KEY or --groq-key")

// CredentialEnv is the environment variable read when no key is configured.
const CredentialEnv = "GROQ_API_KEY"

// DemoQuestions are the questions asked by the demo action.
var DemoQuestions = []string{
	"Qual é a população de São Paulo?",
	"Quais são os pontos turísticos de Fortaleza?",
	"Qual é a principal universidade de Recife?",
}

type Config struct {
	Model    string `yaml:"model"`
	Prompt   string `yaml:"prompt"`
	Language string `yaml:"language"`
	Question string `yaml:"question"`
	LogDir   string `yaml:"log-dir"`

	// Trim parameters
	MaxTokens     int    `yaml:"max-tokens"`
	Strategy      string `yaml:"strategy"`
	IncludeSystem bool   `yaml:"include-system"`
	AllowPartial  bool   `yaml:"allow-partial"`
	StartOn       string `yaml:"start-on"`
	FoldContext   bool   `yaml:"fold-context"`

	// Token counter parameters
	Counter       string `yaml:"counter"`
	Encoding      string `yaml:"encoding"`
	TokenOverhead int    `yaml:"token-overhead"`

	// Dataset parameters
	Cities    string `yaml:"cities"`
	City      string `yaml:"city"`
	Mentioned bool   `yaml:"mentioned"`
	Watch     bool   `yaml:"watch"`

	// Session parameters
	Session   string `yaml:"session"`
	SessionDB string `yaml:"session-db"`

	// Bulk parameters
	BulkInput  string `yaml:"bulk-input"`
	BulkOutput string `yaml:"bulk-output"`

	// Groq parameters
	GroqKey       string        `yaml:"groq-key"`
	GroqBaseURL   string        `yaml:"groq-base-url"`
	GroqWait      time.Duration `yaml:"groq-wait"`
	GroqTimeout   time.Duration `yaml:"groq-timeout"`
	GroqMaxTokens int           `yaml:"groq-max-tokens"`
}

// APIKey returns the configured key, falling back to the environment.
func (c *Config) APIKey() (string, error) {
	key := strings.TrimSpace(c.GroqKey)
	if key == "" {
		key = strings.TrimSpace(os.Getenv(CredentialEnv))
	}
	if key == "" {
		return "", ErrMissingCredential
	}
	return key, nil
}

// TrimConfig returns the trim configuration.
func (c *Config) TrimConfig() (trim.Config, error) {
	cfg := trim.Config{
		MaxTokens:     c.MaxTokens,
		Strategy:      trim.Strategy(c.Strategy),
		IncludeSystem: c.IncludeSystem,
		AllowPartial:  c.AllowPartial,
	}
	if c.StartOn != "" {
		role, err := memory.ParseRole(c.StartOn)
		if err != nil {
			return trim.Config{}, fmt.Errorf("citychat: %w: %v", trim.ErrInvalidConfig, err)
		}
		cfg.StartOn = role
	}
	if err := cfg.Validate(); err != nil {
		return trim.Config{}, err
	}
	return cfg, nil
}

func Run(ctx context.Context, action string, cfg *Config) error {
	switch action {
	case "demo", "ask", "chat", "bulk":
		// Fail before loading anything else
		if _, err := cfg.APIKey(); err != nil {
			return err
		}
	}
	switch action {
	case "demo":
		return Demo(ctx, cfg, os.Stdout)
	case "ask":
		return Ask(ctx, cfg, os.Stdout)
	case "chat":
		return Chat(ctx, cfg)
	case "bulk":
		return Bulk(ctx, cfg)
	case "cities":
		return Cities(cfg, os.Stdout)
	case "schema":
		return Schema(os.Stdout)
	case "sessions":
		return Sessions(ctx, cfg, os.Stdout)
	default:
		return fmt.Errorf("citychat: unknown action: %s", action)
	}
}

// newChain builds the chain with the given generator. Nil generator means
// the groq client, which requires the API key.
func newChain(cfg *Config, source chain.ContextSource, gen chain.Generator) (*chain.Chain, error) {
	trimCfg, err := cfg.TrimConfig()
	if err != nil {
		return nil, err
	}
	if gen == nil {
		key, err := cfg.APIKey()
		if err != nil {
			return nil, err
		}
		client, err := groq.New(&groq.Config{
			Key:       key,
			BaseURL:   cfg.GroqBaseURL,
			Model:     cfg.Model,
			MaxTokens: cfg.GroqMaxTokens,
			Wait:      cfg.GroqWait,
			Timeout:   cfg.GroqTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("citychat: couldn't create groq client: %w", err)
		}
		log.Printf("citychat: using groq model %s", client.Model())
		gen = client
	}
	counter, err := tokens.New(cfg.Counter, cfg.Encoding, cfg.TokenOverhead)
	if err != nil {
		return nil, fmt.Errorf("citychat: couldn't create token counter: %w", err)
	}
	preamble, err := preamble(cfg)
	if err != nil {
		return nil, err
	}
	return chain.New(chain.Config{
		Trim:        trimCfg,
		Preamble:    preamble,
		FoldContext: cfg.FoldContext,
	}, counter, source, gen)
}

func preamble(cfg *Config) (string, error) {
	if cfg.Prompt != "" {
		return prompt.Render(cfg.Prompt, prompt.Data{Language: cfg.Language})
	}
	return prompt.Preamble(cfg.Language)
}

// Demo asks the demo questions, each one in a new conversation.
func Demo(ctx context.Context, cfg *Config, w io.Writer) error {
	return demo(ctx, cfg, nil, w)
}

func demo(ctx context.Context, cfg *Config, gen chain.Generator, w io.Writer) error {
	source, err := cities.NewSource(cfg.Cities, cfg.Mentioned)
	if err != nil {
		return err
	}
	ch, err := newChain(cfg, source, gen)
	if err != nil {
		return err
	}
	for _, q := range DemoQuestions {
		log.Println(q)
		answer, err := ch.Ask(ctx, q)
		if err != nil {
			return fmt.Errorf("citychat: couldn't answer %q: %w", q, err)
		}
		fmt.Fprintln(w, "Resposta final:", answer)
	}
	return nil
}

// Ask answers a single question.
func Ask(ctx context.Context, cfg *Config, w io.Writer) error {
	return ask(ctx, cfg, nil, w)
}

func ask(ctx context.Context, cfg *Config, gen chain.Generator, w io.Writer) error {
	if strings.TrimSpace(cfg.Question) == "" {
		return fmt.Errorf("citychat: question is required")
	}
	source, err := cities.NewSource(cfg.Cities, cfg.Mentioned)
	if err != nil {
		return err
	}
	ch, err := newChain(cfg, source, gen)
	if err != nil {
		return err
	}
	answer, err := ch.Ask(ctx, cfg.Question)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, answer)
	return nil
}

// Chat runs an interactive chat session on stdin and stdout.
func Chat(ctx context.Context, cfg *Config) error {
	return chat(ctx, cfg, nil, os.Stdin, os.Stdout)
}

func chat(ctx context.Context, cfg *Config, gen chain.Generator, in io.Reader, out io.Writer) error {
	source, err := cities.NewSource(cfg.Cities, cfg.Mentioned)
	if err != nil {
		return err
	}
	if cfg.Watch {
		if err := source.Watch(ctx); err != nil {
			return err
		}
	}
	ch, err := newChain(cfg, source, gen)
	if err != nil {
		return err
	}

	store, err := session.Open(cfg.SessionDB)
	if err != nil {
		return err
	}
	defer store.Close()
	id := cfg.Session
	if id == "" {
		id = session.NewID()
	}
	mem, err := store.Memory(ctx, id)
	if err != nil {
		return err
	}
	if len(mem.Messages()) == 0 && ch.Preamble() != "" {
		if err := mem.Add(memory.NewSystem(ch.Preamble())); err != nil {
			return err
		}
	}
	log.Printf("citychat: session %s (%d messages)", id, len(mem.Messages()))

	conn := ch.Chat(ctx, mem)
	defer conn.Close()

	logger, err := openTranscript(conn, cfg.LogDir, id)
	if err != nil {
		return fmt.Errorf("citychat: couldn't open transcript: %w", err)
	}
	defer logger.Close()

	copied := make(chan error, 1)
	go func() {
		_, err := io.Copy(out, logger)
		copied <- err
	}()
	read := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if _, err := logger.Write(scanner.Bytes()); err != nil {
				read <- err
				return
			}
		}
		if err := scanner.Err(); err != nil {
			read <- err
			return
		}
		read <- conn.CloseWrite()
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-copied:
		return err
	case err := <-read:
		if err != nil {
			return fmt.Errorf("citychat: couldn't send message: %w", err)
		}
	}
	// Wait for the pending answers
	select {
	case <-ctx.Done():
		return nil
	case err := <-copied:
		return err
	}
}

type BulkOutput [][]inOut

type inOut struct {
	In  string `json:"in"`
	Out string `json:"out"`
}

// Bulk answers groups of questions from a file. Each group is a conversation.
func Bulk(ctx context.Context, cfg *Config) error {
	return bulk(ctx, cfg, nil)
}

func bulk(ctx context.Context, cfg *Config, gen chain.Generator) error {
	if cfg.BulkInput == "" {
		return fmt.Errorf("citychat: bulk input is required")
	}
	if cfg.BulkOutput == "" {
		return fmt.Errorf("citychat: bulk output is required")
	}
	inputs, err := readBulk(cfg.BulkInput)
	if err != nil {
		return err
	}

	source, err := cities.NewSource(cfg.Cities, cfg.Mentioned)
	if err != nil {
		return err
	}
	ch, err := newChain(cfg, source, gen)
	if err != nil {
		return err
	}
	store, err := session.Open(cfg.SessionDB)
	if err != nil {
		return err
	}
	defer store.Close()

	var output BulkOutput
	for _, prompts := range inputs {
		if ctx.Err() != nil {
			break
		}
		id := session.NewID()
		mem, err := store.Memory(ctx, id)
		if err != nil {
			return err
		}
		if ch.Preamble() != "" {
			if err := mem.Add(memory.NewSystem(ch.Preamble())); err != nil {
				return err
			}
		}
		var msgs []inOut
		for _, prmpt := range prompts {
			log.Println(prmpt)
			recv, err := ch.Turn(ctx, mem, prmpt)
			if err != nil {
				return fmt.Errorf("citychat: couldn't answer %q: %w", prmpt, err)
			}
			log.Println(recv)
			msgs = append(msgs, inOut{In: prmpt, Out: recv})
		}
		output = append(output, msgs)
	}

	b, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("citychat: couldn't marshal output: %w", err)
	}
	// Create output directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(cfg.BulkOutput), 0755); err != nil {
		return fmt.Errorf("citychat: couldn't create output directory: %w", err)
	}
	if err := os.WriteFile(cfg.BulkOutput, b, 0644); err != nil {
		return fmt.Errorf("citychat: couldn't write output: %w", err)
	}
	return nil
}

// readBulk reads groups of questions. JSON files contain an array of strings
// or arrays of strings; other files separate groups by blank lines.
func readBulk(path string) ([][]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("citychat: couldn't read bulk input file: %w", err)
	}
	var inputs [][]string

	if filepath.Ext(path) == ".json" {
		var list []any
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, fmt.Errorf("citychat: couldn't unmarshal bulk input file: %w", err)
		}
		for _, elem := range list {
			// Check if input is a string or an array of strings
			switch vv := elem.(type) {
			case string:
				if vv == "" {
					continue
				}
				inputs = append(inputs, []string{vv})
			case []any:
				var group []string
				for _, v := range vv {
					s, ok := v.(string)
					if !ok {
						return nil, fmt.Errorf("citychat: bulk input file must contain strings or arrays of strings")
					}
					if s == "" {
						continue
					}
					group = append(group, s)
				}
				if len(group) == 0 {
					continue
				}
				inputs = append(inputs, group)
			default:
				return nil, fmt.Errorf("citychat: bulk input file must contain strings or arrays of strings")
			}
		}
	} else {
		text := strings.ReplaceAll(string(b), "\r\n", "\n")
		for _, elem := range strings.Split(text, "\n\n") {
			var group []string
			for _, s := range strings.Split(elem, "\n") {
				if s = strings.TrimSpace(s); s != "" {
					group = append(group, s)
				}
			}
			if len(group) > 0 {
				inputs = append(inputs, group)
			}
		}
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("citychat: no inputs found in bulk input file")
	}
	return inputs, nil
}

// Cities prints the dataset in its file format, or a single city when one is
// configured.
func Cities(cfg *Config, w io.Writer) error {
	d, err := cities.Load(cfg.Cities)
	if err != nil {
		return err
	}
	if cfg.City != "" {
		c, ok := d.Lookup(cfg.City)
		if !ok {
			return fmt.Errorf("citychat: unknown city %q", cfg.City)
		}
		d = cities.Dataset{c.Name: c}
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(d.File()); err != nil {
		return fmt.Errorf("citychat: couldn't encode dataset: %w", err)
	}
	return enc.Close()
}

// Schema prints the JSON schema of dataset files.
func Schema(w io.Writer) error {
	b, err := cities.Schema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// Sessions prints the stored session ids.
func Sessions(ctx context.Context, cfg *Config, w io.Writer) error {
	if cfg.SessionDB == "" {
		return fmt.Errorf("citychat: session db is required")
	}
	store, err := session.Open(cfg.SessionDB)
	if err != nil {
		return err
	}
	defer store.Close()
	ids, err := store.List(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(w, id)
	}
	return nil
}

// transcript records the chat exchanges that pass through it. Each session
// has its own file, so resumed sessions keep appending to it.
type transcript struct {
	io.ReadWriter
	lck  sync.Mutex
	file *os.File
}

func openTranscript(rw io.ReadWriter, dir, id string) (*transcript, error) {
	t := &transcript{ReadWriter: rw}
	if dir == "" {
		return t, nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, filepath.Base(id)+".log"), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	t.file = f
	return t, nil
}

func (t *transcript) record(role memory.Role, text string) {
	if t.file == nil {
		return
	}
	t.lck.Lock()
	defer t.lck.Unlock()
	now := time.Now().Format(time.RFC3339)
	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		if line == "" {
			continue
		}
		if _, err := fmt.Fprintf(t.file, "%s [%s] %s\n", now, role, line); err != nil {
			log.Printf("citychat: couldn't write transcript: %v", err)
			return
		}
	}
}

func (t *transcript) Read(b []byte) (int, error) {
	n, err := t.ReadWriter.Read(b)
	t.record(memory.Assistant, string(b[:n]))
	return n, err
}

func (t *transcript) Write(b []byte) (int, error) {
	n, err := t.ReadWriter.Write(b)
	if err == nil {
		t.record(memory.Human, string(b[:n]))
	}
	return n, err
}

func (t *transcript) Close() error {
	if t.file == nil {
		return nil
	}
	return t.file.Close()
}
