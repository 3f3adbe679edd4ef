package swarm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/hooks"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/llm"
	"github.com/ngoclaw/orchestrator-core/internal/infrastructure/queue"
	coreerrors "github.com/ngoclaw/orchestrator-core/pkg/errors"
)

const (
	defaultMaxRetries      = 2
	defaultMaxContextChars = 4000
	defaultMaxDepChars     = 1000
	defaultSynthesisPrompt = "Synthesize the following subtask results into a coherent final answer:\n\n%s"
)

var transientErrorPattern = regexp.MustCompile(`(?i)timeout|etimedout|rate.?limit|429|503|econnreset`)

// ExecuteOpts parameterizes ExecuteDecomposed.
type ExecuteOpts struct {
	DefaultStrategy string
	Caller          string
	DecomposePrompt string
	MaxRetries      int    // default 2
	MaxContextChars int    // default 4000
	Synthesize      *bool  // default true
	SynthesisPrompt string // template with a single %s placeholder, default provided
}

// ExecuteResult is the aggregate outcome of a decomposed run.
type ExecuteResult struct {
	SwarmID   string
	Success   bool
	Results   []string
	Errors    []string
	Synthesis string
}

// Executor decomposes a task description into a swarm and runs it level by
// level, synthesizing a final answer from the per-subtask results.
type Executor struct {
	tasks      *queue.TaskStore
	decomposer *Decomposer
	router     *llm.Router
	hooks      *hooks.Bus
	logger     *zap.Logger
}

// NewExecutor wires an Executor to its collaborators.
func NewExecutor(tasks *queue.TaskStore, decomposer *Decomposer, router *llm.Router, bus *hooks.Bus, logger *zap.Logger) *Executor {
	return &Executor{
		tasks:      tasks,
		decomposer: decomposer,
		router:     router,
		hooks:      bus,
		logger:     logger.With(zap.String("component", "swarm-executor")),
	}
}

// ExecuteDecomposed decomposes taskDescription, enqueues it as a swarm,
// runs every subtask in topological-level order, and synthesizes a final
// answer from the results.
func (e *Executor) ExecuteDecomposed(ctx context.Context, taskDescription string, opts ExecuteOpts) (*ExecuteResult, error) {
	subtasks, err := e.decomposer.Decompose(ctx, taskDescription, DecomposeOpts{
		Strategy:        opts.DefaultStrategy,
		Caller:          opts.Caller,
		DecomposePrompt: opts.DecomposePrompt,
	})
	if err != nil {
		return nil, err
	}

	specs := make([]queue.TaskSpec, len(subtasks))
	for i, st := range subtasks {
		specs[i] = queue.TaskSpec{
			Description: st.Description,
			Strategy:    opts.DefaultStrategy,
			Mode:        st.Mode,
			Metadata: queue.TaskMetadata{
				DependsOn:  st.DependsOn,
				Capability: st.Capability,
			},
		}
	}

	swarmID, taskIDs, err := e.tasks.CreateSwarm("", specs)
	if err != nil {
		return nil, err
	}

	levels, cycleErr := computeLevels(subtasks)

	results := make([]string, len(subtasks))
	errs := make([]string, len(subtasks))
	allSuccess := true

	if cycleErr != nil {
		for i := range subtasks {
			if results[i] == "" && errs[i] == "" {
				msg := "Unresolvable dependency cycle"
				errs[i] = msg
				allSuccess = false
				_ = e.tasks.FailTask(taskIDs[i], msg)
				e.emitSubtaskError(swarmID, i, msg)
			}
		}
	} else {
		for _, level := range levels {
			var wg sync.WaitGroup
			for _, i := range level {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					e.runSubtask(ctx, swarmID, taskIDs[i], i, subtasks, results, errs, opts)
				}(i)
			}
			wg.Wait()
		}
		for _, msg := range errs {
			if msg != "" {
				allSuccess = false
				break
			}
		}
	}

	result := &ExecuteResult{
		SwarmID: swarmID,
		Success: allSuccess,
		Results: results,
		Errors:  errs,
	}

	synthesize := opts.Synthesize == nil || *opts.Synthesize
	if synthesize && hasAnySuccess(results) {
		result.Synthesis = e.synthesize(ctx, subtasks, results, errs, opts)
	}

	return result, nil
}

// computeLevels assigns each subtask index to the earliest level at which
// all of its dependencies are already assigned, by repeated passes over the
// remaining set. Returns an error if a pass makes no progress with work
// remaining (a dependency cycle the decomposer's own validation should have
// already rejected).
func computeLevels(subtasks []Subtask) ([][]int, error) {
	levelOf := make(map[int]int, len(subtasks))
	var levels [][]int

	assigned := 0
	for level := 0; assigned < len(subtasks); level++ {
		var ready []int
		for i, st := range subtasks {
			if _, done := levelOf[i]; done {
				continue
			}
			if allDepsAssigned(st.DependsOn, levelOf) {
				ready = append(ready, i)
			}
		}
		if len(ready) == 0 {
			return levels, coreerrors.NewUnresolvableCycle("dependency graph has no valid topological order")
		}
		for _, i := range ready {
			levelOf[i] = level
		}
		levels = append(levels, ready)
		assigned += len(ready)
	}

	return levels, nil
}

func allDepsAssigned(dependsOn []int, levelOf map[int]int) bool {
	for _, dep := range dependsOn {
		if _, ok := levelOf[dep]; !ok {
			return false
		}
	}
	return true
}

func (e *Executor) runSubtask(ctx context.Context, swarmID, taskID string, i int, subtasks []Subtask, results, errs []string, opts ExecuteOpts) {
	for _, dep := range subtasks[i].DependsOn {
		if errs[dep] != "" {
			msg := fmt.Sprintf("Dependency subtask %d failed", dep)
			errs[i] = msg
			_ = e.tasks.FailTask(taskID, msg)
			e.emitSubtaskError(swarmID, i, msg)
			return
		}
	}

	prompt := buildPrompt(subtasks, results, i, maxContextChars(opts))

	agentID := fmt.Sprintf("decomposer-%d", i)
	claimed, err := e.tasks.ClaimTaskByID(taskID, agentID)
	if err != nil || claimed == nil {
		msg := "failed to claim subtask"
		if err != nil {
			msg = err.Error()
		}
		errs[i] = msg
		e.emitSubtaskError(swarmID, i, msg)
		return
	}
	if err := e.tasks.MarkRunning(taskID); err != nil {
		errs[i] = err.Error()
		e.emitSubtaskError(swarmID, i, err.Error())
		return
	}

	effectiveStrategy := opts.DefaultStrategy
	if effectiveStrategy == "" {
		effectiveStrategy = "balanced"
	}

	text, err := e.invokeWithRetry(ctx, prompt, llm.RoutedOpts{
		Strategy:   effectiveStrategy,
		Capability: subtasks[i].Capability,
		Caller:     opts.Caller,
	}, maxRetries(opts))
	if err != nil {
		errs[i] = err.Error()
		_ = e.tasks.FailTask(taskID, err.Error())
		e.emitSubtaskError(swarmID, i, err.Error())
		return
	}

	results[i] = text
	if err := e.tasks.CompleteTask(taskID, text); err != nil {
		errs[i] = err.Error()
		e.emitSubtaskError(swarmID, i, err.Error())
		return
	}
	e.emitSubtaskComplete(swarmID, i, text)
}

// invokeWithRetry runs one routed LLM call, retrying up to maxRetries
// additional times on a transient error with 1000*2^attempt ms backoff.
// Non-transient errors stop the retry loop immediately.
func (e *Executor) invokeWithRetry(ctx context.Context, prompt string, opts llm.RoutedOpts, maxRetries int) (string, error) {
	b := backoff.WithMaxRetries(&fixedExponentialBackoff{}, uint64(maxRetries))

	var text string
	operation := func() error {
		res, err := e.router.RoutedLlm(ctx, prompt, opts)
		if err != nil {
			if isTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		text = res.Text
		return nil
	}

	if err := backoff.Retry(operation, b); err != nil {
		return "", unwrapPermanent(err)
	}
	return text, nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func isTransient(err error) bool {
	return transientErrorPattern.MatchString(err.Error())
}

// fixedExponentialBackoff implements backoff.BackOff with exactly the
// 1000*2^attempt ms schedule the subtask retry policy specifies.
type fixedExponentialBackoff struct {
	attempt int
}

func (b *fixedExponentialBackoff) NextBackOff() time.Duration {
	d := time.Duration(1000*(1<<uint(b.attempt))) * time.Millisecond
	b.attempt++
	return d
}

func (b *fixedExponentialBackoff) Reset() {
	b.attempt = 0
}

// buildPrompt concatenates each dependency's result (prefixed by its
// description, each truncated to 1000 chars), truncates that prefix to
// maxContextChars, then appends "Now: <description>".
func buildPrompt(subtasks []Subtask, results []string, i int, maxContextChars int) string {
	var segments []string
	for _, dep := range subtasks[i].DependsOn {
		segments = append(segments, fmt.Sprintf("%s: %s", subtasks[dep].Description, truncate(results[dep], defaultMaxDepChars)))
	}

	prefix := truncate(strings.Join(segments, "\n\n"), maxContextChars)
	if prefix == "" {
		return subtasks[i].Description
	}
	return fmt.Sprintf("%s\n\nNow: %s", prefix, subtasks[i].Description)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	suffix := "...(truncated)"
	if limit <= len(suffix) {
		return s[:limit]
	}
	return s[:limit-len(suffix)] + suffix
}

func maxContextChars(opts ExecuteOpts) int {
	if opts.MaxContextChars > 0 {
		return opts.MaxContextChars
	}
	return defaultMaxContextChars
}

func maxRetries(opts ExecuteOpts) int {
	if opts.MaxRetries > 0 {
		return opts.MaxRetries
	}
	return defaultMaxRetries
}

func hasAnySuccess(results []string) bool {
	for _, r := range results {
		if r != "" {
			return true
		}
	}
	return false
}

// synthesize combines every successful subtask result into a final answer
// via a balanced-strategy router call, falling back to raw concatenation on
// failure.
func (e *Executor) synthesize(ctx context.Context, subtasks []Subtask, results, errs []string, opts ExecuteOpts) string {
	var entries []string
	for i, st := range subtasks {
		if errs[i] != "" {
			continue
		}
		entries = append(entries, fmt.Sprintf("[%s]: %s", st.Description, results[i]))
	}
	raw := strings.Join(entries, "\n\n---\n\n")

	template := opts.SynthesisPrompt
	if template == "" {
		template = defaultSynthesisPrompt
	} else if strings.Contains(template, "{{results}}") {
		template = strings.ReplaceAll(template, "{{results}}", "%s")
	}
	prompt := fmt.Sprintf(template, raw)

	res, err := e.router.RoutedLlm(ctx, prompt, llm.RoutedOpts{Strategy: "balanced", Caller: opts.Caller})
	if err != nil {
		e.logger.Warn("synthesis call failed, falling back to raw concatenation", zap.Error(err))
		return raw
	}
	return res.Text
}

func (e *Executor) emitSubtaskComplete(swarmID string, i int, result string) {
	if e.hooks == nil {
		return
	}
	e.hooks.Publish(hooks.Event{
		Type:         hooks.EventSubtaskComplete,
		SwarmID:      swarmID,
		SubtaskIndex: i,
		Result:       result,
	})
}

func (e *Executor) emitSubtaskError(swarmID string, i int, msg string) {
	if e.hooks == nil {
		return
	}
	e.hooks.Publish(hooks.Event{
		Type:         hooks.EventSubtaskError,
		SwarmID:      swarmID,
		SubtaskIndex: i,
		Err:          msg,
	})
}
