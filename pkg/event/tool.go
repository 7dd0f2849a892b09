package event

import (
	"fmt"
	"strings"
)

// ActionType identifies an external side effect requested through the tool
// gateway.
type ActionType string

const (
	ActionRunCmd    ActionType = "RUN_CMD"
	ActionWriteFile ActionType = "WRITE_FILE"
	ActionReadFile  ActionType = "READ_FILE"
	ActionGitCommit ActionType = "GIT_COMMIT"
	ActionGitDiff   ActionType = "GIT_DIFF"
	// ActionOpenPR is accepted by the policy layer but intentionally not
	// implemented by the gateway.
	ActionOpenPR ActionType = "OPEN_PR"
)

// ParseActionType validates an action-type token.
func ParseActionType(s string) (ActionType, error) {
	switch ActionType(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionRunCmd:
		return ActionRunCmd, nil
	case ActionWriteFile:
		return ActionWriteFile, nil
	case ActionReadFile:
		return ActionReadFile, nil
	case ActionGitCommit:
		return ActionGitCommit, nil
	case ActionGitDiff:
		return ActionGitDiff, nil
	case ActionOpenPR:
		return ActionOpenPR, nil
	default:
		return "", fmt.Errorf("unknown tool action type %q", s)
	}
}

// Mutating reports whether the action requires chief authorization.
func (a ActionType) Mutating() bool {
	switch a {
	case ActionRunCmd, ActionWriteFile, ActionGitCommit, ActionOpenPR:
		return true
	default:
		return false
	}
}

// ToolRequest describes one gateway invocation.
type ToolRequest struct {
	AgentID       string         `json:"agent_id"`
	ActionType    ActionType     `json:"action_type"`
	WorkingDir    string         `json:"working_dir"`
	Payload       map[string]any `json:"payload"`
	AuthorizedBy  string         `json:"authorized_by,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// ToolResult is the outcome of a gateway invocation. AuditEventID references
// the tool_audit row written for this call.
type ToolResult struct {
	Allowed       bool       `json:"allowed"`
	ActionType    ActionType `json:"action_type"`
	AgentID       string     `json:"agent_id"`
	WorkingDir    string     `json:"working_dir"`
	Stdout        string     `json:"stdout,omitempty"`
	Stderr        string     `json:"stderr,omitempty"`
	ReturnCode    *int       `json:"return_code,omitempty"`
	Error         string     `json:"error,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	AuditEventID  int64      `json:"audit_event_id,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

// CoerceToolRequest accepts a typed request or the loose map form carried in
// TOOL_REQUEST event payloads.
func CoerceToolRequest(raw any) (*ToolRequest, error) {
	switch v := raw.(type) {
	case *ToolRequest:
		return v, nil
	case ToolRequest:
		return &v, nil
	case map[string]any:
		actionRaw, _ := v["action_type"].(string)
		action, err := ParseActionType(actionRaw)
		if err != nil {
			return nil, fmt.Errorf("tool request requires action_type: %w", err)
		}
		req := &ToolRequest{ActionType: action}
		req.AgentID, _ = v["agent_id"].(string)
		req.WorkingDir, _ = v["working_dir"].(string)
		if p, ok := v["payload"].(map[string]any); ok {
			req.Payload = clonePayload(p)
		} else {
			req.Payload = map[string]any{}
		}
		req.AuthorizedBy, _ = v["authorized_by"].(string)
		req.CorrelationID, _ = v["correlation_id"].(string)
		return req, nil
	default:
		return nil, fmt.Errorf("unsupported tool request type %T", raw)
	}
}
