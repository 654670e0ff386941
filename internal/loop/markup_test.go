package loop

import (
	"encoding/json"
	"testing"
)

var testToolNames = map[string]struct{}{
	"exec":               {},
	"attempt_completion": {},
}

func TestParseMarkupExtractsInvocation(t *testing.T) {
	text := "Let me check the tests.\n<exec><command>go test ./...</command><cwd>/src</cwd></exec>"
	call, ok, err := parseMarkup(text, testToolNames)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !ok {
		t.Fatal("invocation not found")
	}
	if call.Name != "exec" {
		t.Fatalf("name = %q", call.Name)
	}
	var params map[string]string
	if err := json.Unmarshal(call.Args, &params); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if params["command"] != "go test ./..." || params["cwd"] != "/src" {
		t.Fatalf("unexpected params %v", params)
	}
	if call.Narration != "Let me check the tests." {
		t.Fatalf("narration = %q", call.Narration)
	}
}

func TestParseMarkupIgnoresUnknownTags(t *testing.T) {
	text := "Values are <b>bold</b> here, nothing to run."
	_, ok, err := parseMarkup(text, testToolNames)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ok {
		t.Fatal("unknown tag treated as invocation")
	}
}

func TestParseMarkupUnclosedInvocation(t *testing.T) {
	text := "<exec><command>ls</command>"
	if _, _, err := parseMarkup(text, testToolNames); err == nil {
		t.Fatal("expected error for unclosed invocation")
	}
}

func TestParseMarkupNoMarkup(t *testing.T) {
	_, ok, err := parseMarkup("just prose", testToolNames)
	if err != nil || ok {
		t.Fatalf("ok=%v err=%v, want no invocation", ok, err)
	}
}
