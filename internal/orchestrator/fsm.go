package orchestrator

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

// FSM states for one inbound message.
type FSMState stateless.State

var (
	StateIdle               FSMState = "Idle"
	StateAwaitingCompletion FSMState = "AwaitingCompletion"
	StateAwaitingTool       FSMState = "AwaitingTool"
	StateReplying           FSMState = "Replying"
)

// FSM triggers.
type FSMTrigger stateless.Trigger

var (
	TriggerMessageReceived FSMTrigger = "MessageReceived"
	TriggerCompletionText  FSMTrigger = "CompletionReturnedText"
	TriggerCompletionTools FSMTrigger = "CompletionRequestedTools"
	TriggerToolsCompleted  FSMTrigger = "ToolsCompleted"
	TriggerFailed          FSMTrigger = "Failed"
)

// ToolLoopError reports a tool-call chain that exceeded the configured
// depth limit. The turn ends with a fallback reply.
type ToolLoopError struct {
	Limit int
}

func (e *ToolLoopError) Error() string {
	return fmt.Sprintf("tool loop exceeded depth limit %d", e.Limit)
}
