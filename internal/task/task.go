// Package task holds the durable task model shared by the engine, the
// persistence layer, and the operator API.
package task

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusDelegated Status = "delegated"
	StatusCompleted Status = "completed"
)

// Spec describes a task to start, either from an operator request or from a
// delegation handoff.
type Spec struct {
	ID       string `json:"id,omitempty"`
	RootID   string `json:"root_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`
	Mode     string `json:"mode,omitempty"`
	Text     string `json:"text"`
}

// HistoryItem is the durable projection of a task used for listing and
// resuming. It outlives the live task object.
type HistoryItem struct {
	ID                 string    `json:"id"`
	RootID             string    `json:"root_id,omitempty"`
	ParentID           string    `json:"parent_id,omitempty"`
	Mode               string    `json:"mode,omitempty"`
	Status             Status    `json:"status"`
	ChildIDs           []string  `json:"child_ids,omitempty"`
	AwaitingChildID    string    `json:"awaiting_child_id,omitempty"`
	DelegatedToID      string    `json:"delegated_to_id,omitempty"`
	CompletedByChildID string    `json:"completed_by_child_id,omitempty"`
	CompletionResult   string    `json:"completion_result,omitempty"`
	// CompletionResultSummary is the result of the most recently completed
	// child, persisted on the parent when it resumes.
	CompletionResultSummary string `json:"completion_result_summary,omitempty"`
	TokensIn           int64     `json:"tokens_in"`
	TokensOut          int64     `json:"tokens_out"`
	Cost               float64   `json:"cost"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// HasChild reports whether childID is already recorded on the item.
func (h *HistoryItem) HasChild(childID string) bool {
	for _, id := range h.ChildIDs {
		if id == childID {
			return true
		}
	}
	return false
}

// AddChild appends childID if not already present.
func (h *HistoryItem) AddChild(childID string) {
	if childID == "" || h.HasChild(childID) {
		return
	}
	h.ChildIDs = append(h.ChildIDs, childID)
}

func IsTerminalStatus(status Status) bool {
	return status == StatusCompleted
}
