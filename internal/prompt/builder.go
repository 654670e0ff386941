// Package prompt assembles the per-mode system prompt from prioritized
// sections.
package prompt

import (
	"sort"
	"strings"
)

type Section struct {
	ID       string
	Priority int
	Content  string
}

type Builder struct {
	sections []Section
}

func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) Add(section Section) {
	if strings.TrimSpace(section.Content) == "" {
		return
	}
	b.sections = append(b.sections, section)
}

// Build joins the sections highest priority first; equal priorities keep a
// stable id order.
func (b *Builder) Build() string {
	if len(b.sections) == 0 {
		return ""
	}
	sections := make([]Section, len(b.sections))
	copy(sections, b.sections)
	sort.SliceStable(sections, func(i, j int) bool {
		if sections[i].Priority == sections[j].Priority {
			return sections[i].ID < sections[j].ID
		}
		return sections[i].Priority > sections[j].Priority
	})

	var sb strings.Builder
	for i, section := range sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(section.Content)
	}
	return sb.String()
}
