package lifecycle

import "fmt"

// Action is a checkpoint instruction from the workflow engine.
type Action string

const (
	// ActionPause waits for the lead's reply.
	ActionPause Action = "pause"
	// ActionContinue keeps the flow running.
	ActionContinue Action = "continue"
	// ActionFinish ends the conversation.
	ActionFinish Action = "finish"
)

// ParseAction validates s.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionPause, ActionContinue, ActionFinish:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}
