package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ScenarioFile is a yaml fixture mapping prompt substrings to scripted
// responses. The first scenario whose match is contained in the prompt wins.
//
//	scenarios:
//	  - match: "deploy"
//	    steps:
//	      - kind: thinking
//	        text: "Checking the deployment target..."
//	      - kind: tool
//	        tool: Bash
//	        input: {command: "kubectl get pods"}
//	        result: "web-7f9 Running"
//	      - kind: text
//	        text: "All pods are healthy."
type ScenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Scenario is one scripted response.
type Scenario struct {
	Match string `yaml:"match"`
	Steps []Step `yaml:"steps"`
}

// Step is one action inside a scenario. Kind selects which fields apply.
type Step struct {
	// Kind is one of text, thinking, tool, sleep, error.
	Kind string `yaml:"kind"`

	// Text is the message body for text and thinking steps, and the error
	// message for error steps.
	Text string `yaml:"text,omitempty"`

	// Tool steps.
	Tool   string         `yaml:"tool,omitempty"`
	Input  map[string]any `yaml:"input,omitempty"`
	Result string         `yaml:"result,omitempty"`

	// Duration applies to sleep steps.
	Duration Duration `yaml:"duration,omitempty"`
}

// Duration decodes yaml strings like "2s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LoadScenarios reads and validates a scenario fixture file.
func LoadScenarios(path string) (*ScenarioFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	var sf ScenarioFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("failed to parse scenario file %s: %w", path, err)
	}
	for i, sc := range sf.Scenarios {
		if sc.Match == "" {
			return nil, fmt.Errorf("scenario %d in %s has no match", i, path)
		}
		for j, st := range sc.Steps {
			switch st.Kind {
			case "text", "thinking", "tool", "sleep", "error":
			default:
				return nil, fmt.Errorf("scenario %q step %d has unknown kind %q", sc.Match, j, st.Kind)
			}
		}
	}
	return &sf, nil
}

// find returns the first scenario whose match is a substring of the prompt.
func (sf *ScenarioFile) find(prompt string) *Scenario {
	if sf == nil {
		return nil
	}
	for i := range sf.Scenarios {
		if strings.Contains(prompt, sf.Scenarios[i].Match) {
			return &sf.Scenarios[i]
		}
	}
	return nil
}

// runScenario selects and plays the response for one invocation. Every path
// opens with the system init record and closes with exactly one result.
func runScenario(ctx context.Context, em *emitter, opts options, fixtures *ScenarioFile) error {
	em.systemInit()

	if sc := fixtures.find(opts.prompt); sc != nil {
		return playSteps(ctx, em, sc.Steps)
	}

	cmd, arg := splitCommand(opts.prompt)
	switch cmd {
	case "/error":
		if arg == "" {
			arg = "simulated agent failure"
		}
		em.errorResult("error_during_execution", arg)
		return nil

	case "/slow":
		d := 10 * time.Second
		if arg != "" {
			parsed, err := time.ParseDuration(arg)
			if err != nil {
				em.errorResult("error_during_execution", "bad /slow duration: "+arg)
				return nil
			}
			d = parsed
		}
		if !em.pause(ctx, d) {
			em.errorResult("error_during_execution", "Interrupted by user")
			return nil
		}
		if !em.assistantText(ctx, fmt.Sprintf("Done after waiting %s.", d)) {
			em.errorResult("error_during_execution", "Interrupted by user")
			return nil
		}
		em.successResult("slow response finished")
		return nil

	case "/interrupt":
		// Blocks until the runner signals the process, then reports the
		// interrupt the way the real CLI does.
		<-ctx.Done()
		em.errorResult("error_during_execution", "Interrupted by user")
		return nil

	case "/tools":
		return playSteps(ctx, em, []Step{
			{Kind: "thinking", Text: "Looking at the workspace before answering..."},
			{Kind: "tool", Tool: "Bash", Input: map[string]any{"command": "ls -la"}, Result: "total 12\n-rw-r--r-- README.md"},
			{Kind: "tool", Tool: "Read", Input: map[string]any{"file_path": "README.md"}, Result: "# workspace\n"},
			{Kind: "text", Text: "The workspace contains a README and nothing else yet."},
		})
	}

	// Default: echo the prompt back with a short preamble.
	return playSteps(ctx, em, []Step{
		{Kind: "thinking", Text: "Processing the request..."},
		{Kind: "text", Text: "Mock response to: " + opts.prompt},
	})
}

// playSteps executes scripted steps. An interrupt mid-sequence emits an
// error result so the output file always ends with a result record.
func playSteps(ctx context.Context, em *emitter, steps []Step) error {
	for _, st := range steps {
		if !em.pause(ctx, 0) {
			em.errorResult("error_during_execution", "Interrupted by user")
			return nil
		}
		switch st.Kind {
		case "thinking":
			em.assistantThinking(st.Text)
		case "text":
			if !em.assistantText(ctx, st.Text) {
				em.errorResult("error_during_execution", "Interrupted by user")
				return nil
			}
		case "tool":
			if !em.toolUse(ctx, st.Tool, st.Input, st.Result) {
				em.errorResult("error_during_execution", "Interrupted by user")
				return nil
			}
		case "sleep":
			if !em.pause(ctx, time.Duration(st.Duration)) {
				em.errorResult("error_during_execution", "Interrupted by user")
				return nil
			}
		case "error":
			em.errorResult("error_during_execution", st.Text)
			return nil
		}
	}
	em.successResult("mock turn complete")
	return nil
}

// splitCommand separates a leading slash command from its argument.
func splitCommand(prompt string) (cmd, arg string) {
	trimmed := strings.TrimSpace(prompt)
	if !strings.HasPrefix(trimmed, "/") {
		return "", trimmed
	}
	parts := strings.SplitN(trimmed, " ", 2)
	cmd = parts[0]
	if len(parts) == 2 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}
