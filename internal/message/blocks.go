package message

import (
	"encoding/json"
	"fmt"
)

// Block is a closed union of message content variants. Persistence uses a
// "type" discriminator; unknown discriminators are rejected on decode.
type Block interface {
	blockType() string
}

// Text is plain narration from the operator or the model.
type Text struct {
	Text string `json:"text"`
}

// ToolUse is a model request to invoke a tool. Partial marks an in-progress
// block still accumulating streamed arguments.
type ToolUse struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input,omitempty"`
	Partial bool            `json:"partial,omitempty"`
}

// ToolResult answers exactly one ToolUse, matched by ToolUseID.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Reasoning carries model reasoning captured for replay. Encrypted marks
// provider-side opaque payloads; Redacted marks reasoning the task is
// configured to strip from subsequent requests.
type Reasoning struct {
	Text      string `json:"text"`
	Encrypted bool   `json:"encrypted,omitempty"`
	Redacted  bool   `json:"redacted,omitempty"`
}

// Signature preserves provider continuation metadata so a later resume can
// reconstruct provider-side state.
type Signature struct {
	Signature  string `json:"signature,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
}

func (Text) blockType() string       { return "text" }
func (ToolUse) blockType() string    { return "tool_use" }
func (ToolResult) blockType() string { return "tool_result" }
func (Reasoning) blockType() string  { return "reasoning" }
func (Signature) blockType() string  { return "signature" }

type blockEnvelope struct {
	Type string `json:"type"`
}

func MarshalBlock(block Block) (json.RawMessage, error) {
	if block == nil {
		return nil, fmt.Errorf("nil content block")
	}
	body, err := json.Marshal(block)
	if err != nil {
		return nil, fmt.Errorf("encode %s block: %w", block.blockType(), err)
	}
	// Splice the discriminator into the object.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("reencode %s block: %w", block.blockType(), err)
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", block.blockType()))
	return json.Marshal(fields)
}

func UnmarshalBlock(data json.RawMessage) (Block, error) {
	var env blockEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode block envelope: %w", err)
	}
	switch env.Type {
	case "text":
		var block Text
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, fmt.Errorf("decode text block: %w", err)
		}
		return block, nil
	case "tool_use":
		var block ToolUse
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, fmt.Errorf("decode tool_use block: %w", err)
		}
		return block, nil
	case "tool_result":
		var block ToolResult
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, fmt.Errorf("decode tool_result block: %w", err)
		}
		return block, nil
	case "reasoning":
		var block Reasoning
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, fmt.Errorf("decode reasoning block: %w", err)
		}
		return block, nil
	case "signature":
		var block Signature
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, fmt.Errorf("decode signature block: %w", err)
		}
		return block, nil
	default:
		return nil, fmt.Errorf("unknown content block type %q", env.Type)
	}
}
