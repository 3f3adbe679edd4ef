// Package swarm decomposes a task description into a dependency graph of
// subtasks via an LLM call, then executes that graph level by level,
// fanning each level out across the router.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/llm"
	coreerrors "github.com/ngoclaw/orchestrator-core/pkg/errors"
)

const defaultDecomposePrompt = `Break the following task into 2-6 independent or dependent subtasks.
Return ONLY a JSON array, no prose, no markdown fences. Each entry must have:
  "description" (string, required)
  "capability" (string, optional, default "reasoning")
  "mode" (string, optional, default "inline")
  "depends_on" (array of integers, optional, default []; indices of entries this one depends on, must be less than its own index)

Task: %s`

// Subtask is one parsed decomposition entry.
type Subtask struct {
	Description string
	Capability  string
	Mode        string
	DependsOn   []int
}

type rawSubtask struct {
	Description string `json:"description"`
	Capability  string `json:"capability"`
	Mode        string `json:"mode"`
	DependsOn   []int  `json:"depends_on"`
}

// DecomposeOpts parameterizes Decompose.
type DecomposeOpts struct {
	Strategy        string
	Caller          string
	DecomposePrompt string // template with a single %s placeholder for the task description
}

// Decomposer turns a task description into a validated subtask list by
// asking the router for a JSON plan.
type Decomposer struct {
	router *llm.Router
}

// NewDecomposer binds a Decomposer to router.
func NewDecomposer(router *llm.Router) *Decomposer {
	return &Decomposer{router: router}
}

// Decompose calls the router with a fixed reasoning/balanced strategy and
// parses the response into a validated subtask list.
func (d *Decomposer) Decompose(ctx context.Context, taskDescription string, opts DecomposeOpts) ([]Subtask, error) {
	template := opts.DecomposePrompt
	if template == "" {
		template = defaultDecomposePrompt
	}
	prompt := fmt.Sprintf(template, taskDescription)

	res, err := d.router.RoutedLlm(ctx, prompt, llm.RoutedOpts{
		Strategy:   "balanced",
		Capability: "reasoning",
		Caller:     opts.Caller,
	})
	if err != nil {
		return nil, err
	}

	return ParseSubtasks(res.Text)
}

// ParseSubtasks extracts and validates a subtask array from raw model
// output: strips fenced code blocks, locates the outermost [ ... ], parses
// it as JSON, defaults optional fields, and validates dependency indices.
func ParseSubtasks(raw string) ([]Subtask, error) {
	text := stripFence(strings.TrimSpace(raw))

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, coreerrors.NewDecompositionError("no JSON array found in decomposition output")
	}

	var parsed []rawSubtask
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, coreerrors.NewDecompositionError("failed to parse decomposition JSON: " + err.Error())
	}
	if len(parsed) == 0 {
		return nil, coreerrors.NewDecompositionError("decomposition returned an empty array")
	}

	subtasks := make([]Subtask, len(parsed))
	for i, entry := range parsed {
		if strings.TrimSpace(entry.Description) == "" {
			return nil, coreerrors.NewDecompositionError(fmt.Sprintf("entry %d is missing a description", i))
		}

		capability := entry.Capability
		if capability == "" {
			capability = "reasoning"
		}
		mode := entry.Mode
		if mode == "" {
			mode = "inline"
		}

		for _, dep := range entry.DependsOn {
			if dep < 0 || dep >= len(parsed) || dep >= i {
				return nil, coreerrors.NewDecompositionError(
					fmt.Sprintf("entry %d has an invalid dependency index %d", i, dep))
			}
		}

		dependsOn := entry.DependsOn
		if dependsOn == nil {
			dependsOn = []int{}
		}

		subtasks[i] = Subtask{
			Description: entry.Description,
			Capability:  capability,
			Mode:        mode,
			DependsOn:   dependsOn,
		}
	}

	return subtasks, nil
}

// stripFence removes a single surrounding ```[lang]\n ... \n``` fence if
// present, otherwise returns text unchanged.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) < 2 {
		return text
	}
	body := lines[1]
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}
