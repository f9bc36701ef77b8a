// Package prompt compiles the system message for a ticket run.
//
// The system message is layered: the global system prompt file, then the
// agent's skill, then the agent's own prompt rendered with the ticket
// params. Task context and params are appended as JSON blocks.
package prompt

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/h1v3-io/agentdesk/internal/skill"
)

// SkillSource looks up skills by name.
type SkillSource interface {
	Get(name string) (*skill.Skill, bool)
}

// Compiler builds system messages.
type Compiler struct {
	// SystemPromptFile is read on every compile so edits apply to new
	// sessions without a restart. Empty disables the global section.
	SystemPromptFile string
	Skills           SkillSource
	Logger           *slog.Logger
}

func (c *Compiler) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *Compiler) systemPrompt() string {
	if c.SystemPromptFile == "" {
		return ""
	}
	data, err := os.ReadFile(c.SystemPromptFile)
	if err != nil {
		c.logger().Warn("system prompt file not readable", "path", c.SystemPromptFile, "error", err)
		return ""
	}
	return string(data)
}

// Compile merges the system prompt, the named skill and the agent prompt.
// Empty sections are omitted; sections are separated by blank lines.
func (c *Compiler) Compile(skillName, agentPrompt string, params map[string]any) string {
	var parts []string

	if sp := strings.TrimSpace(c.systemPrompt()); sp != "" {
		parts = append(parts, sp)
	}

	if skillName != "" {
		if s, ok := c.lookupSkill(skillName); ok {
			parts = append(parts, "--- Skill: "+s.Name+" ---", strings.TrimSpace(s.Content))
		} else {
			c.logger().Warn("skill not found", "skill", skillName)
		}
	}

	if rendered := strings.TrimSpace(c.Render(agentPrompt, params)); rendered != "" {
		parts = append(parts, "--- Specific Instructions ---", rendered)
	}

	return strings.Join(parts, "\n\n")
}

// SystemMessage is Compile plus the task context and parameter blocks.
func (c *Compiler) SystemMessage(skillName, agentPrompt string, params, taskContext map[string]any) string {
	var b strings.Builder
	b.WriteString(c.Compile(skillName, agentPrompt, params))
	if len(taskContext) > 0 {
		b.WriteString("\n\n## Task Context\n```json\n")
		b.WriteString(indentJSON(taskContext))
		b.WriteString("\n```")
	}
	if len(params) > 0 {
		b.WriteString("\n\n## Task Parameters\n```json\n")
		b.WriteString(indentJSON(params))
		b.WriteString("\n```")
	}
	return b.String()
}

// Render executes the agent prompt as a text/template with params as data.
// Any parse or execution error, including a reference to a missing param,
// returns the raw prompt.
func (c *Compiler) Render(agentPrompt string, params map[string]any) string {
	if agentPrompt == "" {
		return ""
	}
	tmpl, err := template.New("agent").Option("missingkey=error").Parse(agentPrompt)
	if err != nil {
		c.logger().Error("failed to parse agent prompt", "error", err)
		return agentPrompt
	}
	if params == nil {
		params = map[string]any{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		c.logger().Error("failed to render agent prompt", "error", err)
		return agentPrompt
	}
	return buf.String()
}

// EffectiveTools is the sorted union of the skill's tools and the agent's
// declared tools.
func (c *Compiler) EffectiveTools(skillName string, agentTools []string) []string {
	set := make(map[string]struct{})
	if skillName != "" {
		if s, ok := c.lookupSkill(skillName); ok {
			for _, t := range s.Tools {
				set[t] = struct{}{}
			}
		}
	}
	for _, t := range agentTools {
		set[t] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Compiler) lookupSkill(name string) (*skill.Skill, bool) {
	if c.Skills == nil {
		return nil, false
	}
	return c.Skills.Get(name)
}

func indentJSON(v map[string]any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
