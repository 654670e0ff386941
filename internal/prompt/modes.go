package prompt

import "fmt"

// Personas for the built-in operating modes. Unknown modes fall back to the
// code persona.
var personas = map[string]string{
	"code": "You are an expert software engineer. You read, write, and refactor code, " +
		"run commands to verify your work, and keep changes minimal and correct.",
	"design": "You are a software architect. You break problems down, weigh trade-offs, " +
		"and produce concrete plans another engineer can execute without guessing.",
	"tester": "You are a meticulous test engineer. You probe edge cases, write focused " +
		"tests, and report exactly what you verified and what still is not covered.",
}

const coreRules = `Rules:
- Work in small verifiable steps. Use one tool at a time and read its result before continuing.
- When the task needs work outside your mode, delegate it with new_task instead of doing it badly yourself.
- Ask the user with ask_followup_question only when you genuinely cannot proceed without them.
- When the task is done, present the outcome with attempt_completion. The result must stand on its own without questions.`

const legacyToolRules = `Tool invocation:
- Invoke a tool by emitting XML-style markup in your reply, one invocation per reply:
  <tool_name><param>value</param></tool_name>
- Everything outside the markup is narration shown to the user.
- Available tools and parameters are listed below; parameter values are plain text.`

// ForMode builds the system prompt for a mode. legacy switches on the
// markup tool-invocation instructions used with providers that lack native
// tool calls.
func ForMode(mode string, legacy bool) string {
	persona, ok := personas[mode]
	if !ok {
		persona = personas["code"]
	}

	b := NewBuilder()
	b.Add(Section{ID: "persona", Priority: 100, Content: persona})
	b.Add(Section{ID: "mode", Priority: 90, Content: fmt.Sprintf("Current mode: %s.", displayMode(mode))})
	b.Add(Section{ID: "rules", Priority: 50, Content: coreRules})
	if legacy {
		b.Add(Section{ID: "legacy-tools", Priority: 40, Content: legacyToolRules})
	}
	return b.Build()
}

func displayMode(mode string) string {
	if mode == "" {
		return "code"
	}
	return mode
}
