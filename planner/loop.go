package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marionette-agent/marionette/guardrail"
	"github.com/marionette-agent/marionette/provider"
	"github.com/marionette-agent/marionette/task"
	"github.com/marionette-agent/marionette/tool"
	"github.com/marionette-agent/marionette/tool/host"
)

const maxObservationLen = 8000

// Resolution is the user's answer to a pending confirmation.
type Resolution int

const (
	// ResolutionConfirm approves the pending action.
	ResolutionConfirm Resolution = iota
	// ResolutionReject declines it; planning resumes with the rejection
	// recorded as an observation.
	ResolutionReject
	// ResolutionRedirect declines it and substitutes a new instruction.
	ResolutionRedirect
)

// ConfirmResult carries the user's resolution of a confirmation gate.
type ConfirmResult struct {
	Resolution  Resolution
	Instruction string // for ResolutionRedirect
}

// EventKind identifies a loop lifecycle event.
type EventKind string

const (
	EventStep         EventKind = "step"
	EventConfirmation EventKind = "confirmation_required"
	EventFinished     EventKind = "finished"
)

// Event is emitted at loop suspension points so the command surface can
// relay progress to the user.
type Event struct {
	Kind   EventKind
	TaskID string
	Owner  string
	Step   *task.Step
	Prompt string // human-readable confirmation prompt
	Status task.Status
}

// Config bounds one loop run.
type Config struct {
	MaxIterations   int
	RateLimit       time.Duration // minimum gap between oracle calls
	ToolTimeout     time.Duration
	ConfirmTimeout  time.Duration // 0 waits indefinitely
	MaxRepeatedCall int           // identical calls tolerated before aborting
	SystemPrompt    string        // optional override
}

// Deps are the collaborators a loop needs.
type Deps struct {
	Oracle   provider.Provider
	Tools    *tool.Snapshot
	Guard    *guardrail.Engine
	Redactor *guardrail.Redactor
	Store    task.Store
	Logger   *slog.Logger
	OnEvent  func(Event) // optional, called synchronously
}

// Loop runs the reason-act cycle for a single task. One Loop serves one
// task; the tool snapshot it binds at construction never changes underneath
// it even if the registry reloads.
type Loop struct {
	cfg  Config
	deps Deps

	confirmCh chan ConfirmResult
}

// New creates a Loop for one task run.
func New(cfg Config, deps Deps) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.MaxRepeatedCall <= 0 {
		cfg.MaxRepeatedCall = 3
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 60 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg,
		deps:      deps,
		confirmCh: make(chan ConfirmResult, 1),
	}
}

// ResolveConfirmation delivers the user's answer to a pending confirmation.
// It reports false if no confirmation slot was free (none pending, or one
// already answered).
func (l *Loop) ResolveConfirmation(res ConfirmResult) bool {
	select {
	case l.confirmCh <- res:
		return true
	default:
		return false
	}
}

// Run drives the task to a terminal status. It blocks until the task
// completes, fails, or the context is cancelled (which records the task as
// stopped). Every iteration is persisted as a step before the next begins.
func (l *Loop) Run(ctx context.Context, t *task.Task) {
	now := time.Now().UTC()
	t.Status = task.StatusPlanning
	t.StartedAt = &now
	l.update(t)

	messages := []provider.Message{
		{Role: provider.RoleSystem, Content: l.systemPrompt()},
		{Role: provider.RoleUser, Content: "Goal: " + t.Goal},
	}

	repeats := map[string]int{}
	var lastOracleCall time.Time

	for i := 0; i < l.cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			l.finish(ctx, t, task.StatusStopped, "", "cancelled by user")
			return
		}

		if !l.rateLimit(ctx, lastOracleCall) {
			l.finish(ctx, t, task.StatusStopped, "", "cancelled by user")
			return
		}
		lastOracleCall = time.Now()

		resp, err := l.deps.Oracle.Chat(ctx, messages, l.deps.Tools.Defs())
		if err != nil {
			if ctx.Err() != nil {
				l.finish(ctx, t, task.StatusStopped, "", "cancelled by user")
				return
			}
			l.recordStep(t, task.Step{
				Observation: l.redact(fmt.Sprintf("oracle error: %v", err)),
				ErrorClass:  task.ErrorOracleFailure,
			})
			l.finish(ctx, t, task.StatusFailed, "", fmt.Sprintf("oracle error: %v", err))
			return
		}

		parsed, err := Parse(resp)
		if err != nil {
			l.recordStep(t, task.Step{
				Thought:     strings.TrimSpace(resp.Content),
				Observation: fmt.Sprintf("unparseable response: %v", err),
				ErrorClass:  task.ErrorPlannerParse,
			})
			messages = append(messages,
				provider.Message{Role: provider.RoleAssistant, Content: resp.Content},
				provider.Message{Role: provider.RoleUser, Content: "Your response could not be parsed. Reply with a single JSON tool call, a DONE: line, or a NEED_SKILL: line."},
			)
			continue
		}

		switch parsed.Outcome {
		case OutcomeDone:
			answer := l.redact(parsed.FinalAnswer)
			l.recordStep(t, task.Step{Thought: answer, Observation: "goal reported complete"})
			l.finish(ctx, t, task.StatusCompleted, answer, "")
			return

		case OutcomeNeedSkill:
			suggestion := l.redact(parsed.Suggestion)
			l.recordStep(t, task.Step{Thought: suggestion, Observation: "capability gap reported"})
			l.finish(ctx, t, task.StatusCompleted,
				"No available tool can do this. Suggested skill: "+suggestion, "")
			return
		}

		action := parsed.Action
		sig := callSignature(action)
		repeats[sig]++
		if repeats[sig] > l.cfg.MaxRepeatedCall {
			l.recordStep(t, task.Step{
				Thought:    action.Thought,
				ToolName:   action.ToolName,
				Args:       action.Args,
				ErrorClass: task.ErrorIterationLimit,
			})
			l.finish(ctx, t, task.StatusFailed, "",
				fmt.Sprintf("tool %s called identically %d times; aborting loop", action.ToolName, repeats[sig]))
			return
		}

		t.Status = task.StatusExecuting
		l.update(t)

		observation, stop := l.performAction(ctx, t, action, &messages)
		if stop {
			return
		}
		messages = append(messages,
			provider.Message{Role: provider.RoleAssistant, Content: assistantEcho(resp, action)},
			provider.Message{Role: provider.RoleUser, Content: "Observation: " + observation},
		)
	}

	l.finish(ctx, t, task.StatusFailed, "",
		fmt.Sprintf("iteration limit of %d reached without completing the goal", l.cfg.MaxIterations))
}

// performAction authorizes and executes one proposed action, recording the
// step. It returns the observation to feed back and whether the loop must
// stop because a terminal status was reached.
func (l *Loop) performAction(ctx context.Context, t *task.Task, action *Action, messages *[]provider.Message) (string, bool) {
	step := task.Step{
		Thought:  action.Thought,
		ToolName: action.ToolName,
		Args:     action.Args,
	}

	tl, ok := l.deps.Tools.Resolve(action.ToolName)
	if !ok {
		step.Observation = fmt.Sprintf("unknown tool %q", action.ToolName)
		step.ErrorClass = task.ErrorToolResolution
		l.recordStep(t, step)
		return step.Observation, false
	}

	verdict := l.deps.Guard.Authorize(guardrail.Request{
		User: t.Owner,
		Tool: tl,
		Args: action.Args,
	})
	step.Verdict = verdict.Decision.String()

	switch verdict.Decision {
	case guardrail.DecisionDeny:
		step.Observation = "denied: " + verdict.Reason
		step.ErrorClass = task.ErrorPolicyViolation
		l.recordStep(t, step)
		return step.Observation, false

	case guardrail.DecisionConfirm:
		res, cancelled := l.awaitConfirmation(ctx, t, tl, action)
		if cancelled {
			step.Observation = "cancelled while awaiting confirmation"
			step.ErrorClass = task.ErrorUserCancelled
			l.recordStep(t, step)
			l.finish(ctx, t, task.StatusStopped, "", "cancelled by user")
			return "", true
		}
		switch res.Resolution {
		case ResolutionReject:
			step.Observation = "user rejected the action"
			step.ErrorClass = task.ErrorPolicyViolation
			l.recordStep(t, step)
			t.Status = task.StatusPlanning
			l.update(t)
			return step.Observation, false
		case ResolutionRedirect:
			step.Observation = "user redirected: " + res.Instruction
			l.recordStep(t, step)
			t.Status = task.StatusPlanning
			l.update(t)
			*messages = append(*messages,
				provider.Message{Role: provider.RoleUser, Content: "New instruction from the user: " + res.Instruction})
			return step.Observation, false
		}
		t.Status = task.StatusExecuting
		l.update(t)
	}

	execCtx, cancel := context.WithTimeout(host.WithTaskID(ctx, t.ID), l.cfg.ToolTimeout)
	result, err := tl.Execute(execCtx, action.Args)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			step.Observation = "cancelled during execution"
			step.ErrorClass = task.ErrorUserCancelled
			l.recordStep(t, step)
			l.finish(ctx, t, task.StatusStopped, "", "cancelled by user")
			return "", true
		}
		step.Observation = l.redact(fmt.Sprintf("tool error: %v", err))
		step.ErrorClass = task.ErrorToolExecution
		l.recordStep(t, step)
		return step.Observation, false
	}

	step.Observation = l.redact(renderResult(result))
	l.recordStep(t, step)
	return step.Observation, false
}

// awaitConfirmation parks the task until the user resolves the gate, the
// confirmation times out (treated as a rejection) or the context is
// cancelled.
func (l *Loop) awaitConfirmation(ctx context.Context, t *task.Task, tl tool.Tool, action *Action) (ConfirmResult, bool) {
	t.Status = task.StatusAwaitingConfirmation
	l.update(t)

	// Drain a stale answer from a previous gate.
	select {
	case <-l.confirmCh:
	default:
	}

	prompt := confirmationPrompt(tl, action)
	l.emit(Event{
		Kind:   EventConfirmation,
		TaskID: t.ID,
		Owner:  t.Owner,
		Prompt: prompt,
		Status: t.Status,
	})
	l.deps.Logger.Info("awaiting confirmation", "task", t.ID, "tool", tl.Name())

	var expiry <-chan time.Time
	if l.cfg.ConfirmTimeout > 0 {
		timer := time.NewTimer(l.cfg.ConfirmTimeout)
		defer timer.Stop()
		expiry = timer.C
	}

	select {
	case <-ctx.Done():
		return ConfirmResult{}, true
	case <-expiry:
		return ConfirmResult{Resolution: ResolutionReject}, false
	case res := <-l.confirmCh:
		return res, false
	}
}

func (l *Loop) rateLimit(ctx context.Context, last time.Time) bool {
	if l.cfg.RateLimit <= 0 || last.IsZero() {
		return true
	}
	wait := l.cfg.RateLimit - time.Since(last)
	if wait <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

func (l *Loop) recordStep(t *task.Task, step task.Step) {
	now := time.Now().UTC()
	if step.StartedAt.IsZero() {
		step.StartedAt = now
	}
	step.FinishedAt = now
	step.Index = len(t.Steps)
	t.Steps = append(t.Steps, step)
	if err := l.deps.Store.AppendStep(t.ID, step); err != nil {
		l.deps.Logger.Error("persist step", "task", t.ID, "index", step.Index, "error", err)
	}
	l.emit(Event{Kind: EventStep, TaskID: t.ID, Owner: t.Owner, Step: &step, Status: t.Status})
}

func (l *Loop) finish(_ context.Context, t *task.Task, status task.Status, result, errMsg string) {
	now := time.Now().UTC()
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.CompletedAt = &now
	l.update(t)
	l.deps.Logger.Info("task finished", "task", t.ID, "status", status)
	l.emit(Event{Kind: EventFinished, TaskID: t.ID, Owner: t.Owner, Status: status})
}

func (l *Loop) update(t *task.Task) {
	if err := l.deps.Store.Update(t); err != nil {
		l.deps.Logger.Error("persist task", "task", t.ID, "error", err)
	}
}

func (l *Loop) emit(ev Event) {
	if l.deps.OnEvent != nil {
		l.deps.OnEvent(ev)
	}
}

func (l *Loop) redact(text string) string {
	if l.deps.Redactor == nil {
		return text
	}
	return l.deps.Redactor.Redact(text)
}

func (l *Loop) systemPrompt() string {
	if l.cfg.SystemPrompt != "" {
		return l.cfg.SystemPrompt
	}
	var b strings.Builder
	b.WriteString("You control a computer through tools. Work step by step toward the user's goal.\n")
	b.WriteString("Respond with exactly one of:\n")
	b.WriteString(`  - a tool call as JSON: {"tool": "<name>", "arguments": {...}}` + "\n")
	b.WriteString("  - DONE: <final answer> when the goal is achieved\n")
	b.WriteString("  - NEED_SKILL: <description> when no available tool can advance the goal\n\n")
	b.WriteString("Available tools:\n")
	for _, def := range l.deps.Tools.Defs() {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
	}
	return b.String()
}

func callSignature(a *Action) string {
	args, _ := json.Marshal(a.Args)
	return a.ToolName + "|" + string(args)
}

func confirmationPrompt(tl tool.Tool, action *Action) string {
	args, _ := json.Marshal(action.Args)
	return fmt.Sprintf("About to run %s with %s. Reply yes to proceed, no to cancel, or give a new instruction.",
		tl.Name(), string(args))
}

func assistantEcho(resp *provider.Response, action *Action) string {
	if strings.TrimSpace(resp.Content) != "" {
		return resp.Content
	}
	args, _ := json.Marshal(action.Args)
	return fmt.Sprintf(`{"tool": %q, "arguments": %s}`, action.ToolName, string(args))
}

func renderResult(result any) string {
	var text string
	switch v := result.(type) {
	case string:
		text = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprintf("%v", v)
		} else {
			text = string(data)
		}
	}
	if len(text) > maxObservationLen {
		text = text[:maxObservationLen] + "... (truncated)"
	}
	return text
}
