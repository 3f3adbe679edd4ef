package swarm

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/hooks"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/interaction"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/llm"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/queue"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/registry"
)

// scriptedProvider returns a caller-supplied reply per invocation, and can
// be made to fail the first N calls for a given prompt substring to
// exercise the retry path.
type scriptedProvider struct {
	mu        sync.Mutex
	reply     func(prompt string) (string, error)
	callCount int
}

func (s *scriptedProvider) Name() string { return "anthropic" }

func (s *scriptedProvider) Invoke(ctx context.Context, model, prompt string, timeout time.Duration, caller string, skipLog bool) (*llm.Result, error) {
	s.mu.Lock()
	s.callCount++
	s.mu.Unlock()
	text, err := s.reply(prompt)
	if err != nil {
		return nil, err
	}
	return &llm.Result{Text: text, Provider: "anthropic"}, nil
}

func newTestRouter(t *testing.T, provider *scriptedProvider) *llm.Router {
	t.Helper()
	reg := registry.New(nil)
	store, err := interaction.Open(filepath.Join(t.TempDir(), "interactions.db"), 100, reg, zap.NewNop())
	if err != nil {
		t.Fatalf("interaction.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	r := llm.NewRouter(reg, store, zap.NewNop())
	r.RegisterProvider(provider)
	return r
}

func newTestExecutor(t *testing.T, provider *scriptedProvider) (*Executor, *queue.TaskStore) {
	t.Helper()
	db, err := queue.Open(queue.DBConfig{Type: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	bus := hooks.NewBus(zap.NewNop(), 100)
	t.Cleanup(bus.Close)

	taskStore := queue.NewTaskStore(db, bus)
	router := newTestRouter(t, provider)
	decomposer := NewDecomposer(router)

	return NewExecutor(taskStore, decomposer, router, bus, zap.NewNop()), taskStore
}

func TestComputeLevelsLinearChain(t *testing.T) {
	subtasks := []Subtask{
		{Description: "a"},
		{Description: "b", DependsOn: []int{0}},
		{Description: "c", DependsOn: []int{1}},
	}
	levels, err := computeLevels(subtasks)
	if err != nil {
		t.Fatalf("computeLevels: %v", err)
	}
	if len(levels) != 3 || levels[0][0] != 0 || levels[1][0] != 1 || levels[2][0] != 2 {
		t.Errorf("expected 3 singleton levels in order, got %+v", levels)
	}
}

func TestComputeLevelsParallelFanOut(t *testing.T) {
	subtasks := []Subtask{
		{Description: "root"},
		{Description: "left", DependsOn: []int{0}},
		{Description: "right", DependsOn: []int{0}},
		{Description: "join", DependsOn: []int{1, 2}},
	}
	levels, err := computeLevels(subtasks)
	if err != nil {
		t.Fatalf("computeLevels: %v", err)
	}
	if len(levels) != 3 {
		t.Fatalf("expected 3 levels, got %d: %+v", len(levels), levels)
	}
	if len(levels[1]) != 2 {
		t.Errorf("expected level 1 to fan out to 2 tasks, got %+v", levels[1])
	}
}

func TestBuildPromptWithoutDependencies(t *testing.T) {
	subtasks := []Subtask{{Description: "solo task"}}
	prompt := buildPrompt(subtasks, []string{""}, 0, defaultMaxContextChars)
	if prompt != "solo task" {
		t.Errorf("expected bare description, got %q", prompt)
	}
}

func TestBuildPromptConcatenatesDependencyResults(t *testing.T) {
	subtasks := []Subtask{
		{Description: "fetch"},
		{Description: "summarize", DependsOn: []int{0}},
	}
	results := []string{"raw data", ""}
	prompt := buildPrompt(subtasks, results, 1, defaultMaxContextChars)
	if !strings.Contains(prompt, "fetch: raw data") || !strings.Contains(prompt, "Now: summarize") {
		t.Errorf("unexpected prompt: %q", prompt)
	}
}

func TestBuildPromptTruncatesLongDependencyResult(t *testing.T) {
	subtasks := []Subtask{
		{Description: "fetch"},
		{Description: "summarize", DependsOn: []int{0}},
	}
	results := []string{strings.Repeat("x", 2000), ""}
	prompt := buildPrompt(subtasks, results, 1, defaultMaxContextChars)
	if !strings.Contains(prompt, "...(truncated)") {
		t.Error("expected the oversized dependency result to be truncated")
	}
}

func TestIsTransientMatchesKnownPatterns(t *testing.T) {
	cases := []struct {
		msg       string
		transient bool
	}{
		{"connection timeout", true},
		{"ETIMEDOUT", true},
		{"rate limit exceeded", true},
		{"rate-limit exceeded", true},
		{"HTTP 429", true},
		{"HTTP 503", true},
		{"ECONNRESET", true},
		{"invalid api key", false},
		{"model not found", false},
	}
	for _, c := range cases {
		if got := isTransient(fmt.Errorf(c.msg)); got != c.transient {
			t.Errorf("isTransient(%q) = %v, want %v", c.msg, got, c.transient)
		}
	}
}

func TestExecuteDecomposedHappyPath(t *testing.T) {
	provider := &scriptedProvider{
		reply: func(prompt string) (string, error) {
			if strings.Contains(prompt, "Break the following task") {
				return `[{"description": "step one"}, {"description": "step two", "depends_on": [0]}]`, nil
			}
			if strings.Contains(prompt, "Synthesize") {
				return "final synthesis", nil
			}
			return "subtask result for: " + prompt, nil
		},
	}
	exec, taskStore := newTestExecutor(t, provider)

	result, err := exec.ExecuteDecomposed(context.Background(), "build a feature", ExecuteOpts{})
	if err != nil {
		t.Fatalf("ExecuteDecomposed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got errors: %+v", result.Errors)
	}
	if result.Synthesis != "final synthesis" {
		t.Errorf("expected synthesis text, got %q", result.Synthesis)
	}
	if len(result.Results) != 2 || result.Results[0] == "" || result.Results[1] == "" {
		t.Errorf("expected both subtask results populated, got %+v", result.Results)
	}

	complete, err := taskStore.IsSwarmComplete(result.SwarmID)
	if err != nil {
		t.Fatalf("IsSwarmComplete: %v", err)
	}
	if !complete {
		t.Error("expected the swarm to be fully complete")
	}
}

func TestExecuteDecomposedPropagatesDependencyFailure(t *testing.T) {
	provider := &scriptedProvider{
		reply: func(prompt string) (string, error) {
			if strings.Contains(prompt, "Break the following task") {
				return `[{"description": "risky step"}, {"description": "depends on risky", "depends_on": [0]}]`, nil
			}
			if strings.Contains(prompt, "risky step") && !strings.Contains(prompt, "Now: depends") {
				return "", fmt.Errorf("permanent failure: invalid request")
			}
			return "should not run", nil
		},
	}
	exec, _ := newTestExecutor(t, provider)

	result, err := exec.ExecuteDecomposed(context.Background(), "risky task", ExecuteOpts{})
	if err != nil {
		t.Fatalf("ExecuteDecomposed: %v", err)
	}
	if result.Success {
		t.Fatal("expected overall failure")
	}
	if result.Errors[0] == "" {
		t.Error("expected the first subtask to record its failure")
	}
	if result.Errors[1] != "Dependency subtask 0 failed" {
		t.Errorf("expected dependent subtask to fail with dependency message, got %q", result.Errors[1])
	}
}

func TestExecuteDecomposedRetriesTransientErrors(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	provider := &scriptedProvider{
		reply: func(prompt string) (string, error) {
			if strings.Contains(prompt, "Break the following task") {
				return `[{"description": "flaky step"}]`, nil
			}
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 2 {
				return "", fmt.Errorf("503 service unavailable")
			}
			return "recovered", nil
		},
	}
	exec, _ := newTestExecutor(t, provider)

	result, err := exec.ExecuteDecomposed(context.Background(), "flaky task", ExecuteOpts{})
	if err != nil {
		t.Fatalf("ExecuteDecomposed: %v", err)
	}
	if !result.Success || result.Results[0] != "recovered" {
		t.Errorf("expected eventual success after retry, got %+v", result)
	}
}
