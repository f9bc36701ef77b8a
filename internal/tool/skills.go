package tool

import (
	"context"
	"fmt"
	"strings"
)

// SkillEntry is the part of a skill the load_skill tool returns.
type SkillEntry struct {
	Name        string
	Description string
	Tools       []string
	Content     string
}

// SkillCatalog looks skills up by name. The skill package implements it.
type SkillCatalog interface {
	GetSkill(name string) (*SkillEntry, bool)
	SkillNames() []string
}

// LoadSkillTool returns a skill's instructions so an agent can pick one up
// mid-ticket. When Registry is set, tools the skill names that are not
// registered are flagged.
type LoadSkillTool struct {
	Catalog  SkillCatalog
	Registry *Registry
}

func (t *LoadSkillTool) Name() string { return "load_skill" }
func (t *LoadSkillTool) Description() string {
	return "Load a skill's full instructions by name."
}
func (t *LoadSkillTool) Parameters() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "description": "Skill name"},
		},
	}
}

func (t *LoadSkillTool) Execute(_ context.Context, _ Execution, params map[string]any) (string, error) {
	name := strings.TrimSpace(getString(params, "name"))
	if name == "" {
		return "Error: 'name' parameter is required", nil
	}

	entry, ok := t.Catalog.GetSkill(name)
	if !ok {
		names := t.Catalog.SkillNames()
		if len(names) == 0 {
			return "No skills are installed.", nil
		}
		return fmt.Sprintf("Skill %q not found. Available: %s", name, strings.Join(names, ", ")), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s", entry.Name, strings.TrimSpace(entry.Content))
	if len(entry.Tools) > 0 {
		tools := make([]string, len(entry.Tools))
		for i, name := range entry.Tools {
			tools[i] = name
			if t.Registry != nil && !t.Registry.Has(name) {
				tools[i] += " (not available)"
			}
		}
		fmt.Fprintf(&b, "\n\nTools: %s", strings.Join(tools, ", "))
	}
	return b.String(), nil
}
