package loop

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flitsinc/agentcore/internal/message"
)

// The legacy protocol has the model emit tool invocations as XML-ish markup
// inside its text instead of native tool-call chunks:
//
//	<exec><command>go test ./...</command></exec>
//
// One invocation per turn; parameters are the child tags. The parser is
// deliberately forgiving about surrounding narration and strict about tag
// pairing.

type markupCall struct {
	Name string
	Args json.RawMessage
	// Narration is the text outside the invocation markup.
	Narration string
}

// parseMarkup extracts the first recognized tool invocation from text. ok is
// false when no known tool tag is present.
func parseMarkup(text string, toolNames map[string]struct{}) (markupCall, bool, error) {
	rest := text
	offset := 0
	for {
		start := strings.Index(rest, "<")
		if start < 0 {
			return markupCall{}, false, nil
		}
		end := strings.Index(rest[start:], ">")
		if end < 0 {
			return markupCall{}, false, nil
		}
		name := rest[start+1 : start+end]
		if isTagName(name) {
			if _, known := toolNames[name]; known {
				call, tail, err := parseInvocation(rest[start:], name)
				if err != nil {
					return markupCall{}, false, err
				}
				call.Narration = strings.TrimSpace(text[:offset+start] + tail)
				return call, true, nil
			}
		}
		rest = rest[start+1:]
		offset += start + 1
	}
}

// parseInvocation parses <name>...</name> at the start of s, returning the
// call and the text after the closing tag.
func parseInvocation(s, name string) (markupCall, string, error) {
	open := "<" + name + ">"
	closing := "</" + name + ">"
	if !strings.HasPrefix(s, open) {
		return markupCall{}, "", fmt.Errorf("malformed %s invocation", name)
	}
	body := s[len(open):]
	closeAt := strings.Index(body, closing)
	if closeAt < 0 {
		return markupCall{}, "", fmt.Errorf("unclosed %s invocation", name)
	}
	inner := body[:closeAt]
	tail := body[closeAt+len(closing):]

	params, err := parseParams(inner)
	if err != nil {
		return markupCall{}, "", fmt.Errorf("parse %s parameters: %w", name, err)
	}
	args, err := json.Marshal(params)
	if err != nil {
		return markupCall{}, "", err
	}
	return markupCall{Name: name, Args: args}, tail, nil
}

// parseParams reads the flat child tags of an invocation body into a string
// map. Text between parameters is ignored.
func parseParams(body string) (map[string]string, error) {
	params := map[string]string{}
	rest := body
	for {
		start := strings.Index(rest, "<")
		if start < 0 {
			return params, nil
		}
		end := strings.Index(rest[start:], ">")
		if end < 0 {
			return params, nil
		}
		name := rest[start+1 : start+end]
		if !isTagName(name) {
			rest = rest[start+1:]
			continue
		}
		closing := "</" + name + ">"
		valueStart := start + end + 1
		closeAt := strings.Index(rest[valueStart:], closing)
		if closeAt < 0 {
			return nil, fmt.Errorf("unclosed parameter %q", name)
		}
		params[name] = strings.TrimSpace(rest[valueStart : valueStart+closeAt])
		rest = rest[valueStart+closeAt+len(closing):]
	}
}

func isTagName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return false
	}
	return true
}

// markupToolUse converts a parsed invocation into a tool-use block with a
// synthetic id. The legacy protocol has no provider-issued ids, so results
// are matched by position within the turn.
func markupToolUse(taskID string, turn int, call markupCall) message.ToolUse {
	return message.ToolUse{
		ID:    fmt.Sprintf("%s-turn%d-%s", taskID, turn, call.Name),
		Name:  call.Name,
		Input: call.Args,
	}
}
