// Package planner drives the reason-act loop for one task: it asks the
// reasoning oracle what to do next, authorizes the proposed action through
// the guardrail engine, executes it and feeds the observation back, until
// the oracle declares the goal done or a limit is hit.
package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marionette-agent/marionette/provider"
)

// Outcome classifies a parsed oracle response.
type Outcome int

const (
	// OutcomeAction proposes a tool invocation.
	OutcomeAction Outcome = iota
	// OutcomeDone carries the final answer.
	OutcomeDone
	// OutcomeNeedSkill reports that no available tool can advance the goal.
	OutcomeNeedSkill
)

// Action is one proposed tool invocation.
type Action struct {
	Thought  string
	ToolName string
	Args     map[string]any
}

// Parsed is the structured form of one oracle response.
type Parsed struct {
	Outcome     Outcome
	Action      *Action
	FinalAnswer string
	Suggestion  string // for OutcomeNeedSkill
}

const (
	donePrefix      = "DONE:"
	needSkillPrefix = "NEED_SKILL:"
)

// Parse interprets an oracle response. Structured tool calls take priority;
// otherwise the text grammar applies: a DONE: line carries the final answer,
// a NEED_SKILL: line reports a capability gap, and a JSON object with a
// "tool" key proposes an action. Anything else is a parse error the caller
// records as an observation.
func Parse(resp *provider.Response) (*Parsed, error) {
	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0]
		return &Parsed{
			Outcome: OutcomeAction,
			Action: &Action{
				Thought:  strings.TrimSpace(resp.Content),
				ToolName: tc.Name,
				Args:     tc.Arguments,
			},
		}, nil
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil, fmt.Errorf("empty response")
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if answer, ok := strings.CutPrefix(line, donePrefix); ok {
			return &Parsed{Outcome: OutcomeDone, FinalAnswer: strings.TrimSpace(answer)}, nil
		}
		if suggestion, ok := strings.CutPrefix(line, needSkillPrefix); ok {
			return &Parsed{Outcome: OutcomeNeedSkill, Suggestion: strings.TrimSpace(suggestion)}, nil
		}
	}

	raw, start, ok := extractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("no tool call, DONE or NEED_SKILL in response")
	}

	var call struct {
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(raw), &call); err != nil {
		return nil, fmt.Errorf("malformed tool call JSON: %w", err)
	}
	if call.Tool == "" {
		return nil, fmt.Errorf("tool call JSON has no \"tool\" key")
	}

	return &Parsed{
		Outcome: OutcomeAction,
		Action: &Action{
			Thought:  strings.TrimSpace(text[:start]),
			ToolName: call.Tool,
			Args:     call.Arguments,
		},
	}, nil
}

// extractJSONObject finds the first balanced JSON object in text, honoring
// string literals and escapes. It returns the object, its start offset and
// whether one was found.
func extractJSONObject(text string) (string, int, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", 0, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], start, true
			}
		}
	}
	return "", 0, false
}
