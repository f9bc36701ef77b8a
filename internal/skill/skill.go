// Package skill loads reusable prompt fragments ("skills") from Markdown
// files with YAML frontmatter.
package skill

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/h1v3-io/agentdesk/internal/tool"
)

// Skill is one loaded skill definition.
type Skill struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tools       []string `json:"tools"`
	Content     string   `json:"content,omitempty"`
	Path        string   `json:"-"`
}

type frontmatter struct {
	Name        *string `yaml:"name"`
	Description *string `yaml:"description"`
	Tools       any     `yaml:"tools"`
}

var errNoFrontmatter = errors.New("missing frontmatter")

// Loader holds the skills found in one directory, keyed by name.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
}

// Load scans dir for *.md skill files. A missing directory yields an empty
// loader. Files that fail to parse are logged and skipped.
func Load(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{dir: dir, logger: logger, skills: make(map[string]*Skill)}
	l.Reload()
	return l
}

// Reload rescans the skill directory.
func (l *Loader) Reload() {
	skills := make(map[string]*Skill)
	defer func() {
		l.mu.Lock()
		l.skills = skills
		l.mu.Unlock()
	}()

	if l.dir == "" {
		return
	}
	paths, err := filepath.Glob(filepath.Join(l.dir, "*.md"))
	if err != nil || len(paths) == 0 {
		if _, statErr := os.Stat(l.dir); statErr != nil {
			l.logger.Warn("skill directory does not exist", "dir", l.dir)
		}
		return
	}
	for _, path := range paths {
		s, err := ParseFile(path)
		if err != nil {
			l.logger.Warn("skipping skill file", "file", filepath.Base(path), "error", err)
			continue
		}
		skills[s.Name] = s
	}
}

// ParseFile reads and parses one skill file.
func ParseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skill: read %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("skill: %s: %w", filepath.Base(path), err)
	}
	s.Path = path
	return s, nil
}

// Parse parses skill source: a "---" delimited YAML frontmatter block with
// name, description and tools, followed by the Markdown body.
func Parse(data []byte) (*Skill, error) {
	if !bytes.HasPrefix(data, []byte("---")) {
		return nil, errNoFrontmatter
	}
	parts := strings.SplitN(string(data), "---", 3)
	if len(parts) < 3 {
		return nil, errors.New("invalid frontmatter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(parts[1]), &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}
	switch {
	case fm.Name == nil:
		return nil, errors.New("missing required field 'name'")
	case fm.Description == nil:
		return nil, errors.New("missing required field 'description'")
	case fm.Tools == nil:
		return nil, errors.New("missing required field 'tools'")
	}

	s := &Skill{
		Name:        *fm.Name,
		Description: *fm.Description,
		Tools:       []string{},
		Content:     strings.TrimSpace(parts[2]),
	}
	// A non-list tools value is accepted and treated as no tools.
	if list, ok := fm.Tools.([]any); ok {
		for _, v := range list {
			if name, ok := v.(string); ok {
				s.Tools = append(s.Tools, name)
			}
		}
	}
	return s, nil
}

// List returns all skills sorted by name.
func (l *Loader) List() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns a skill by name.
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// GetSkill adapts a skill for the load_skill tool.
func (l *Loader) GetSkill(name string) (*tool.SkillEntry, bool) {
	s, ok := l.Get(name)
	if !ok {
		return nil, false
	}
	return &tool.SkillEntry{
		Name:        s.Name,
		Description: s.Description,
		Tools:       s.Tools,
		Content:     s.Content,
	}, true
}

// SkillNames returns the loaded skill names in order.
func (l *Loader) SkillNames() []string {
	skills := l.List()
	names := make([]string, len(skills))
	for i, s := range skills {
		names[i] = s.Name
	}
	return names
}

// Summary lists available skills as Markdown bullets.
func (l *Loader) Summary() string {
	skills := l.List()
	if len(skills) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Available Skills\n\n")
	for _, s := range skills {
		fmt.Fprintf(&b, "- **%s**: %s\n", s.Name, s.Description)
	}
	return b.String()
}
