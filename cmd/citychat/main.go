package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"time"

	"github.com/igolaizola/citychat"
	"github.com/igolaizola/citychat/pkg/groq"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
	"github.com/peterbourgon/ff/v3/ffyaml"
)

// Build flags
var Version = ""
var Commit = ""
var Date = ""

func main() {
	// Create signal based context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// Launch command
	cmd := newCommand()
	if err := cmd.ParseAndRun(ctx, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func newCommand() *ffcli.Command {
	fs := flag.NewFlagSet("citychat", flag.ExitOnError)

	return &ffcli.Command{
		ShortUsage: "citychat [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(ctx context.Context, args []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newRunCommand("demo", "ask the example questions about brazilian cities"),
			newRunCommand("ask", "ask a single question"),
			newRunCommand("chat", "chat interactively using stdin and stdout"),
			newRunCommand("bulk", "answer groups of questions from a file"),
			newRunCommand("cities", "print the city dataset"),
			newRunCommand("sessions", "list stored chat sessions"),
			newSchemaCommand(),
			newVersionCommand(),
		},
	}
}

func newRunCommand(action, help string) *ffcli.Command {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	_ = fs.String("config", "citychat.yaml", "config file (optional)")

	cfg := &citychat.Config{}
	fs.StringVar(&cfg.Model, "model", groq.DefaultModel, "model")
	fs.StringVar(&cfg.Prompt, "prompt", "", "system preamble template to use instead of the default one (optional)")
	fs.StringVar(&cfg.Language, "language", "Português", "answer language, empty to not set it (optional)")
	fs.StringVar(&cfg.Question, "question", "", "question to ask (ask)")
	fs.StringVar(&cfg.LogDir, "log", "", "chat transcript directory (optional)")

	// Trim
	fs.IntVar(&cfg.MaxTokens, "max-tokens", 45, "token budget for the conversation history")
	fs.StringVar(&cfg.Strategy, "strategy", "last", "trim strategy (last, first)")
	fs.BoolVar(&cfg.IncludeSystem, "include-system", true, "always keep the system message")
	fs.BoolVar(&cfg.AllowPartial, "allow-partial", false, "allow keeping part of a message")
	fs.StringVar(&cfg.StartOn, "start-on", "human", "role of the first kept message, empty to disable (human, assistant, system)")
	fs.BoolVar(&cfg.FoldContext, "fold-context", false, "count the city data against the token budget")

	// Tokens
	fs.StringVar(&cfg.Counter, "counter", "tiktoken", "token counter (tiktoken, estimate)")
	fs.StringVar(&cfg.Encoding, "encoding", "cl100k_base", "tiktoken encoding")
	fs.IntVar(&cfg.TokenOverhead, "token-overhead", 4, "tokens added per message")

	// Cities
	fs.StringVar(&cfg.Cities, "cities", "", "city dataset file (yaml, json, jsonc, toml), built-in if empty (optional)")
	fs.StringVar(&cfg.City, "city", "", "only print this city (cities)")
	fs.BoolVar(&cfg.Mentioned, "mentioned", false, "only send the cities mentioned in the question")
	fs.BoolVar(&cfg.Watch, "watch", false, "reload the city dataset file when it changes (chat)")

	// Sessions
	fs.StringVar(&cfg.Session, "session", "", "session id to resume (chat)")
	fs.StringVar(&cfg.SessionDB, "session-db", "", "sqlite file to store sessions, in memory if empty (optional)")

	// Bulk
	fs.StringVar(&cfg.BulkInput, "bulk-input", "", "bulk input file, json or blank line separated text (bulk)")
	fs.StringVar(&cfg.BulkOutput, "bulk-output", "", "bulk output json file (bulk)")

	// Groq
	fs.StringVar(&cfg.GroqKey, "groq-key", "", "groq api key, falls back to "+citychat.CredentialEnv)
	fs.StringVar(&cfg.GroqBaseURL, "groq-base-url", groq.DefaultBaseURL, "groq api base url")
	fs.DurationVar(&cfg.GroqWait, "groq-wait", 0, "wait between groq requests (optional)")
	fs.DurationVar(&cfg.GroqTimeout, "groq-timeout", 2*time.Minute, "groq request timeout")
	fs.IntVar(&cfg.GroqMaxTokens, "groq-max-tokens", 1024, "max tokens of each answer")

	return &ffcli.Command{
		Name:       action,
		ShortUsage: fmt.Sprintf("citychat %s [flags] [question]", action),
		Options: []ff.Option{
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ffyaml.Parser),
			ff.WithAllowMissingConfigFile(true),
			ff.WithEnvVarPrefix("CITYCHAT"),
		},
		ShortHelp: help,
		FlagSet:   fs,
		Exec: func(ctx context.Context, args []string) error {
			if cfg.Question == "" && len(args) > 0 {
				cfg.Question = strings.Join(args, " ")
			}
			return citychat.Run(ctx, action, cfg)
		},
	}
}

func newSchemaCommand() *ffcli.Command {
	return &ffcli.Command{
		Name:       "schema",
		ShortUsage: "citychat schema",
		ShortHelp:  "print the json schema of city dataset files",
		Exec: func(ctx context.Context, args []string) error {
			return citychat.Schema(os.Stdout)
		},
	}
}

func newVersionCommand() *ffcli.Command {
	return &ffcli.Command{
		Name:       "version",
		ShortUsage: "citychat version",
		ShortHelp:  "print version",
		Exec: func(ctx context.Context, args []string) error {
			v := Version
			if v == "" {
				if buildInfo, ok := debug.ReadBuildInfo(); ok {
					v = buildInfo.Main.Version
				}
			}
			if v == "" {
				v = "dev"
			}
			versionFields := []string{v}
			if Commit != "" {
				versionFields = append(versionFields, Commit)
			}
			if Date != "" {
				versionFields = append(versionFields, Date)
			}
			fmt.Println(strings.Join(versionFields, " "))
			return nil
		},
	}
}
