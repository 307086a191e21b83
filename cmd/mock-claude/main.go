// Package main implements a mock claude binary that speaks the stream-json
// protocol on stdout. It accepts the same invocation the agent runner builds
// for the real CLI and emits protocol-faithful NDJSON, so sessions can be
// developed and tested without an Anthropic account or the real binary.
//
// The response is chosen from the prompt: prompts starting with a slash
// command (/error, /slow, /interrupt, ...) trigger the matching built-in
// scenario, and a fixture file named by MOCK_CLAUDE_SCENARIOS can map prompt
// substrings to scripted step sequences.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
)

func main() {
	opts := parseArgs(os.Args[1:])
	if opts.prompt == "" {
		fmt.Fprintln(os.Stderr, "mock-claude: missing -p prompt")
		os.Exit(2)
	}
	if opts.sessionID == "" {
		opts.sessionID = uuid.New().String()
	}

	// The runner interrupts a turn by signalling the process. Cancel the
	// context so in-flight delays cut short and an interrupt result goes out.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var fixtures *ScenarioFile
	if path := os.Getenv("MOCK_CLAUDE_SCENARIOS"); path != "" {
		loaded, err := LoadScenarios(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mock-claude: %v\n", err)
			os.Exit(2)
		}
		fixtures = loaded
	}

	em := newEmitter(os.Stdout, opts)
	if err := runScenario(ctx, em, opts, fixtures); err != nil {
		fmt.Fprintf(os.Stderr, "mock-claude: %v\n", err)
		os.Exit(1)
	}
}

// options mirrors the subset of real CLI flags the agent runner passes.
type options struct {
	prompt    string
	sessionID string
	resume    bool
	model     string
	partials  bool
}

// parseArgs accepts the runner's invocation shape. Flags that only matter to
// the real CLI are declared but ignored.
func parseArgs(args []string) options {
	fs := flag.NewFlagSet("mock-claude", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := options{model: "mock-sonnet"}
	var resumeID string
	fs.StringVar(&opts.prompt, "p", "", "prompt text")
	fs.StringVar(&opts.sessionID, "session-id", "", "session id for a new conversation")
	fs.StringVar(&resumeID, "resume", "", "session id of the conversation to resume")
	fs.StringVar(&opts.model, "model", opts.model, "model name echoed in output")
	fs.Bool("verbose", false, "accepted for compatibility")
	fs.BoolVar(&opts.partials, "include-partial-messages", false, "emit stream_event records")
	fs.String("output-format", "stream-json", "accepted for compatibility; only stream-json is produced")
	fs.String("append-system-prompt", "", "accepted for compatibility")

	_ = fs.Parse(args)

	if resumeID != "" {
		opts.sessionID = resumeID
		opts.resume = true
	}
	return opts
}
