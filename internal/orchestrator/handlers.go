package orchestrator

import (
	"context"

	"github.com/aristath/elisa/internal/events"
)

// Permission types reported by classifyToolCall.
const (
	PermissionFileWrite = "file_write"
	PermissionCommand   = "command"
	PermissionNetwork   = "network"
)

// MakeOutputHandler returns the handler that streams agent output as
// agent_output events and feeds the narrator's accumulator.
func (e *TaskExecutor) MakeOutputHandler(state *ExecutionState, agentName string) OutputHandler {
	return func(taskID, content string) {
		e.emit(events.AgentOutput{ID: taskID, AgentName: agentName, Content: content})

		if e.deps.Narrator == nil {
			return
		}
		e.deps.Narrator.AccumulateOutput(taskID, content, agentName, state.Goal, func(n Narration) {
			e.emit(events.NarratorMessage{ID: taskID, From: narratorName, Text: n.Text, Mood: n.Mood})
		})
	}
}

// MakeQuestionHandler returns the handler for agent questions. Tool calls the
// permission policy can decide are answered immediately; everything else is
// escalated as a user_question and waits for an answer through
// state.Questions.Resolve.
func (e *TaskExecutor) MakeQuestionHandler(state *ExecutionState, taskID string) QuestionHandler {
	return func(ctx context.Context, askingTaskID string, payload map[string]any) (map[string]any, error) {
		if askingTaskID == "" {
			askingTaskID = taskID
		}

		if policy := e.deps.Policy; policy != nil {
			if permType, target, ok := classifyToolCall(payload); ok {
				d := policy.Evaluate(permType, target, askingTaskID, state.Workspace)
				if d.PermissionType == "" {
					d.PermissionType = permType
				}

				switch d.Decision {
				case DecisionApproved:
					e.emitPermission(askingTaskID, d)
					return map[string]any{"approved": true}, nil
				case DecisionDenied:
					e.emitPermission(askingTaskID, d)
					return map[string]any{"denied": true, "reason": d.Reason}, nil
				}
			}
		}

		return state.Questions.Ask(ctx, askingTaskID, func() {
			e.emit(events.UserQuestion{ID: askingTaskID, Questions: payload})
		})
	}
}

func (e *TaskExecutor) emitPermission(taskID string, d PermissionDecision) {
	e.emit(events.PermissionAutoResolved{
		ID:             taskID,
		PermissionType: d.PermissionType,
		Decision:       d.Decision,
		Reason:         d.Reason,
	})
}

// classifyToolCall maps a tool-call payload ({"tool_name": ..., "tool_input":
// {...}}) to a permission type and its target. ok is false when the payload is
// not a recognized tool call.
func classifyToolCall(payload map[string]any) (permType, target string, ok bool) {
	name, _ := payload["tool_name"].(string)
	if name == "" {
		return "", "", false
	}
	input, _ := payload["tool_input"].(map[string]any)

	switch name {
	case "Write", "Edit", "MultiEdit":
		return PermissionFileWrite, stringField(input, "file_path"), true
	case "NotebookEdit":
		return PermissionFileWrite, stringField(input, "notebook_path"), true
	case "Bash":
		return PermissionCommand, stringField(input, "command"), true
	case "WebFetch":
		return PermissionNetwork, stringField(input, "url"), true
	case "WebSearch":
		return PermissionNetwork, stringField(input, "query"), true
	}
	return "", "", false
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
