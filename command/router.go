// Package command implements the text command surface: task control verbs
// (auto, stop, status, result, logs, yes, no) plus direct pass-through
// commands that invoke single tools under the same guardrails the planning
// loop uses.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/marionette-agent/marionette/guardrail"
	"github.com/marionette-agent/marionette/planner"
	"github.com/marionette-agent/marionette/session"
	"github.com/marionette-agent/marionette/task"
	"github.com/marionette-agent/marionette/tool"
)

const passthroughTimeout = 60 * time.Second

// Router dispatches one user utterance to the session manager or a tool.
type Router struct {
	Manager  *session.Manager
	Registry *tool.Registry
	Guard    *guardrail.Engine
	Redactor *guardrail.Redactor
	Logger   *slog.Logger
}

// Handle processes one line of user input and returns the reply text.
// Unrecognized input redirects a pending confirmation if one is open,
// otherwise it starts a task with the input as the goal.
func (r *Router) Handle(ctx context.Context, user, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return r.help(), nil
	}
	verb, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "help":
		return r.help(), nil
	case "auto":
		return r.startTask(ctx, user, rest)
	case "stop":
		if err := r.Manager.Stop(user); err != nil {
			return "", err
		}
		return "Task stopped.", nil
	case "status":
		return r.status(user)
	case "result":
		res, err := r.Manager.LastResult(user)
		if err != nil {
			return "", err
		}
		return res, nil
	case "logs":
		limit := 10
		if rest != "" {
			if n, err := strconv.Atoi(rest); err == nil && n > 0 {
				limit = n
			}
		}
		return r.logs(user, limit)
	case "yes":
		err := r.Manager.ResolveConfirmation(user, planner.ConfirmResult{Resolution: planner.ResolutionConfirm})
		if err != nil {
			return "", err
		}
		return "Confirmed.", nil
	case "no":
		err := r.Manager.ResolveConfirmation(user, planner.ConfirmResult{Resolution: planner.ResolutionReject})
		if err != nil {
			return "", err
		}
		return "Rejected.", nil
	case "other":
		if rest == "" {
			return "", fmt.Errorf("usage: other <instruction>")
		}
		err := r.Manager.ResolveConfirmation(user, planner.ConfirmResult{
			Resolution:  planner.ResolutionRedirect,
			Instruction: rest,
		})
		if err != nil {
			return "", err
		}
		return "Redirected the pending action.", nil

	case "shell":
		if rest == "" {
			return "", fmt.Errorf("usage: shell <command>")
		}
		return r.invoke(ctx, user, "run_shell", map[string]any{"command": rest})
	case "ps":
		args := map[string]any{}
		if rest != "" {
			args["filter"] = rest
		}
		return r.invoke(ctx, user, "list_processes", args)
	case "kill":
		pid, err := strconv.Atoi(rest)
		if err != nil {
			return "", fmt.Errorf("usage: kill <pid>")
		}
		return r.invoke(ctx, user, "kill_process", map[string]any{"pid": float64(pid)})
	case "ls":
		args := map[string]any{}
		if rest != "" {
			args["path"] = rest
		}
		return r.invoke(ctx, user, "list_dir", args)
	case "cat":
		if rest == "" {
			return "", fmt.Errorf("usage: cat <path>")
		}
		return r.invoke(ctx, user, "read_file", map[string]any{"path": rest})
	case "write":
		path, content, ok := strings.Cut(rest, " ")
		if !ok {
			return "", fmt.Errorf("usage: write <path> <content>")
		}
		return r.invoke(ctx, user, "write_file", map[string]any{"path": path, "content": content})
	case "search":
		if rest == "" {
			return "", fmt.Errorf("usage: search <text>")
		}
		return r.invoke(ctx, user, "search_files", map[string]any{"query": rest})
	case "open":
		if rest == "" {
			return "", fmt.Errorf("usage: open <app>")
		}
		return r.invoke(ctx, user, "open_app", map[string]any{"name": rest})
	case "close":
		if rest == "" {
			return "", fmt.Errorf("usage: close <app>")
		}
		return r.invoke(ctx, user, "close_app", map[string]any{"name": rest})
	case "apps":
		return r.invoke(ctx, user, "list_apps", map[string]any{})
	case "info":
		return r.invoke(ctx, user, "system_info", map[string]any{})
	case "fetch":
		if rest == "" {
			return "", fmt.Errorf("usage: fetch <url>")
		}
		return r.invoke(ctx, user, "fetch_url", map[string]any{"url": rest})
	}

	// Free text: redirect a pending confirmation, otherwise start a task.
	err := r.Manager.ResolveConfirmation(user, planner.ConfirmResult{
		Resolution:  planner.ResolutionRedirect,
		Instruction: input,
	})
	switch {
	case err == nil:
		return "Redirected the pending action.", nil
	case errors.Is(err, session.ErrNoActiveTask):
		return r.startTask(ctx, user, input)
	case errors.Is(err, session.ErrNotAwaitingConfirmation):
		return "", session.ErrTaskActive
	default:
		return "", err
	}
}

func (r *Router) startTask(ctx context.Context, user, goal string) (string, error) {
	if goal == "" {
		return "", fmt.Errorf("usage: auto <goal>")
	}
	t, err := r.Manager.Start(ctx, user, goal)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s started: %s", t.ID, goal), nil
}

func (r *Router) status(user string) (string, error) {
	t, err := r.Manager.Status(user)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\nGoal: %s\nSteps: %d", t.ID, t.Status, t.Goal, len(t.Steps))
	if len(t.Steps) > 0 {
		last := t.Steps[len(t.Steps)-1]
		if last.ToolName != "" {
			fmt.Fprintf(&b, "\nLast action: %s (%s)", last.ToolName, last.Verdict)
		}
	}
	if t.Status == task.StatusAwaitingConfirmation {
		b.WriteString("\nAwaiting your confirmation: reply yes, no, or a new instruction.")
	}
	if t.Error != "" {
		fmt.Fprintf(&b, "\nError: %s", t.Error)
	}
	return b.String(), nil
}

func (r *Router) logs(user string, limit int) (string, error) {
	steps, err := r.Manager.RecentLogs(user, limit)
	if err != nil {
		return "", err
	}
	if len(steps) == 0 {
		return "No steps recorded yet.", nil
	}
	var b strings.Builder
	for _, st := range steps {
		line := fmt.Sprintf("[%s] #%d", st.StartedAt.Format("15:04:05"), st.Index)
		if st.ToolName != "" {
			line += " " + st.ToolName
		}
		if st.Verdict != "" {
			line += " (" + st.Verdict + ")"
		}
		if st.ErrorClass != task.ErrorNone {
			line += " !" + string(st.ErrorClass)
		}
		if st.Observation != "" {
			obs := st.Observation
			if len(obs) > 120 {
				obs = obs[:120] + "..."
			}
			line += ": " + obs
		}
		b.WriteString(line + "\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// invoke runs one tool directly. The invocation passes the same guardrail
// checks the planning loop applies; a confirm verdict proceeds because the
// typed command is itself the user's explicit approval.
func (r *Router) invoke(ctx context.Context, user, toolName string, args map[string]any) (string, error) {
	tl, ok := r.Registry.Resolve(toolName)
	if !ok {
		return "", fmt.Errorf("tool %q is not available", toolName)
	}

	verdict := r.Guard.Authorize(guardrail.Request{User: user, Tool: tl, Args: args})
	if verdict.Decision == guardrail.DecisionDeny {
		return "", fmt.Errorf("denied: %s", verdict.Reason)
	}

	execCtx, cancel := context.WithTimeout(ctx, passthroughTimeout)
	defer cancel()

	result, err := tl.Execute(execCtx, args)
	if err != nil {
		return "", fmt.Errorf("%s: %w", toolName, err)
	}

	out := renderResult(result)
	if r.Redactor != nil {
		out = r.Redactor.Redact(out)
	}
	return out, nil
}

func renderResult(result any) string {
	switch v := result.(type) {
	case string:
		return v
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func (r *Router) help() string {
	return strings.TrimSpace(`
Commands:
  auto <goal>      start an autonomous task
  stop             stop the running task
  status           show the current task
  result           show the last finished task's result
  logs [n]         show recent steps
  yes / no         answer a pending confirmation
  other <instruction>  redirect a pending confirmation
  shell <command>  run a shell command
  ps [filter]      list processes
  kill <pid>       terminate a process
  ls [path]        list workspace files
  cat <path>       read a workspace file
  write <path> <content>  write a workspace file
  search <text>    search workspace files
  open <app> / close <app> / apps
  fetch <url>      fetch a web page
  info             show system info
Anything else starts a task, or redirects a pending confirmation.`)
}
