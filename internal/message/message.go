// Package message defines the conversation data model shared by the
// transcript and request logs: messages, their content blocks, and the
// condense tags that control effective-history visibility.
package message

import (
	"encoding/json"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a task's request log. Ts is unix milliseconds and
// must be strictly increasing and unique within a log. A message tagged
// CondenseParent is hidden from effective history while a summary message
// with a matching CondenseID exists.
type Message struct {
	Role           Role    `json:"role"`
	Ts             int64   `json:"ts"`
	Blocks         []Block `json:"-"`
	CondenseParent string  `json:"condense_parent,omitempty"`
	IsSummary      bool    `json:"is_summary,omitempty"`
	CondenseID     string  `json:"condense_id,omitempty"`
}

type messageJSON struct {
	Role           Role              `json:"role"`
	Ts             int64             `json:"ts"`
	Blocks         []json.RawMessage `json:"blocks"`
	CondenseParent string            `json:"condense_parent,omitempty"`
	IsSummary      bool              `json:"is_summary,omitempty"`
	CondenseID     string            `json:"condense_id,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		Role:           m.Role,
		Ts:             m.Ts,
		CondenseParent: m.CondenseParent,
		IsSummary:      m.IsSummary,
		CondenseID:     m.CondenseID,
	}
	for _, block := range m.Blocks {
		data, err := MarshalBlock(block)
		if err != nil {
			return nil, err
		}
		out.Blocks = append(out.Blocks, data)
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if err := validateRole(raw.Role); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Ts = raw.Ts
	m.CondenseParent = raw.CondenseParent
	m.IsSummary = raw.IsSummary
	m.CondenseID = raw.CondenseID
	m.Blocks = nil
	for _, blockData := range raw.Blocks {
		block, err := UnmarshalBlock(blockData)
		if err != nil {
			return err
		}
		m.Blocks = append(m.Blocks, block)
	}
	return nil
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var out string
	for _, block := range m.Blocks {
		if text, ok := block.(Text); ok {
			out += text.Text
		}
	}
	return out
}

// ToolUses returns the completed tool-use blocks of the message.
func (m Message) ToolUses() []ToolUse {
	var out []ToolUse
	for _, block := range m.Blocks {
		if use, ok := block.(ToolUse); ok && !use.Partial {
			out = append(out, use)
		}
	}
	return out
}

// ToolResults returns the tool-result blocks of the message.
func (m Message) ToolResults() []ToolResult {
	var out []ToolResult
	for _, block := range m.Blocks {
		if res, ok := block.(ToolResult); ok {
			out = append(out, res)
		}
	}
	return out
}

// HasContent reports whether the message carries at least one block that a
// provider would accept as content.
func (m Message) HasContent() bool {
	return len(m.Blocks) > 0
}

func UserText(ts int64, text string) Message {
	return Message{Role: RoleUser, Ts: ts, Blocks: []Block{Text{Text: text}}}
}

func validateRole(role Role) error {
	switch role {
	case RoleUser, RoleAssistant:
		return nil
	default:
		return fmt.Errorf("unknown message role %q", role)
	}
}
