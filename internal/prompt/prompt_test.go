package prompt

import (
	"strings"
	"testing"
)

func TestBuilderOrdersByPriority(t *testing.T) {
	b := NewBuilder()
	b.Add(Section{ID: "z", Priority: 10, Content: "low"})
	b.Add(Section{ID: "a", Priority: 90, Content: "high"})
	b.Add(Section{ID: "m", Priority: 10, Content: "also-low"})
	b.Add(Section{ID: "empty", Priority: 100, Content: "   "})

	got := b.Build()
	want := "high\n\nalso-low\n\nlow"
	if got != want {
		t.Fatalf("Build() = %q, want %q", got, want)
	}
}

func TestForModeFallsBackToCode(t *testing.T) {
	got := ForMode("no-such-mode", false)
	if !strings.Contains(got, "software engineer") {
		t.Fatalf("unknown mode did not fall back to code persona:\n%s", got)
	}
}

func TestForModeLegacyIncludesMarkupRules(t *testing.T) {
	legacy := ForMode("code", true)
	if !strings.Contains(legacy, "XML-style markup") {
		t.Fatal("legacy prompt missing markup instructions")
	}
	native := ForMode("code", false)
	if strings.Contains(native, "XML-style markup") {
		t.Fatal("native prompt leaked markup instructions")
	}
}
