package harnessports

import (
	"fmt"
	"time"
)

// Role identifies who authored a turn. The set is closed.
type Role int

const (
	RoleHuman Role = iota + 1
	RoleAssistant
	RoleTool
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleHuman:
		return "human"
	case RoleAssistant:
		return "assistant"
	case RoleTool:
		return "tool"
	case RoleSystem:
		return "system"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleHuman, RoleAssistant, RoleTool, RoleSystem:
		return true
	default:
		return false
	}
}

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	switch s {
	case "human":
		return RoleHuman, nil
	case "assistant":
		return RoleAssistant, nil
	case "tool":
		return RoleTool, nil
	case "system":
		return RoleSystem, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", r)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ToolCall is a model-requested invocation parsed out of free-form output.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Turn is one message of a conversation.
type Turn struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// PendingCall is set on an assistant turn awaiting retrieval.
	PendingCall *ToolCall `json:"pending_call,omitempty"`
	// CallID links a tool turn to the assistant turn that requested it.
	CallID    string    `json:"call_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
