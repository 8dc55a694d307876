// Package skills loads skill folders from disk and activates them into live
// tasks. A skill folder carries a markdown file with YAML front matter
// (name, description, optional allowed-tools) and optionally a sibling YAML
// file declaring tools.
package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
)

const (
	skillFileName = "SKILL.md"
	toolsFileName = "tools.yaml"
)

// CatalogEntry is the lightweight record kept for every discovered skill.
// The markdown body and tool declarations are loaded on activation.
type CatalogEntry struct {
	Name         string
	Description  string
	Path         string
	HasTools     bool
	AllowedTools []string
}

// Catalog holds the discovered skills, keyed by name. Duplicate names
// resolve to the first occurrence in scan order.
type Catalog struct {
	entries map[string]CatalogEntry
	order   []string
}

// StringOrList accepts a YAML scalar or sequence and normalizes to a slice.
type StringOrList []string

func (s *StringOrList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		if single != "" {
			*s = []string{single}
		}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*s = list
		return nil
	default:
		return fmt.Errorf("allowed-tools must be a string or a list")
	}
}

// frontMatter is the YAML header of a skill's markdown file.
type frontMatter struct {
	Name         string       `yaml:"name"`
	Description  string       `yaml:"description"`
	AllowedTools StringOrList `yaml:"allowed-tools"`
}

// Scan builds the catalog from the configured skill paths. Each direct child
// directory of a path is considered a skill folder; when autoDiscover is set
// the walk is recursive. Folders without valid front matter are skipped with
// a warning.
func Scan(cfg config.SkillsConfig, log *logger.Logger) *Catalog {
	log = log.WithComponent("skills")
	catalog := &Catalog{entries: make(map[string]CatalogEntry)}

	for _, root := range cfg.Paths {
		if cfg.AutoDiscover {
			scanRecursive(root, catalog, log)
			continue
		}
		children, err := os.ReadDir(root)
		if err != nil {
			log.Warn("Skipping unreadable skill path", zap.String("path", root), zap.Error(err))
			continue
		}
		for _, child := range children {
			if !child.IsDir() {
				continue
			}
			tryAddSkill(filepath.Join(root, child.Name()), catalog, log)
		}
	}

	log.Info("Skill catalog loaded", zap.Int("skills", len(catalog.order)))
	return catalog
}

func scanRecursive(root string, catalog *Catalog, log *logger.Logger) {
	_ = filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			log.Warn("Skipping unreadable skill path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if path == root {
			return nil
		}
		tryAddSkill(path, catalog, log)
		return nil
	})
}

// tryAddSkill loads a folder's front matter and records the catalog entry.
// Folders without a skill markdown file are silently ignored; invalid front
// matter is skipped with a warning.
func tryAddSkill(dir string, catalog *Catalog, log *logger.Logger) {
	markdownPath := findSkillFile(dir)
	if markdownPath == "" {
		return
	}

	content, err := os.ReadFile(markdownPath)
	if err != nil {
		log.Warn("Skipping unreadable skill file", zap.String("path", markdownPath), zap.Error(err))
		return
	}

	header, _, err := splitFrontMatter(string(content))
	if err != nil {
		log.Warn("Skipping skill with invalid front matter", zap.String("path", markdownPath), zap.Error(err))
		return
	}

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
		log.Warn("Skipping skill with invalid front matter", zap.String("path", markdownPath), zap.Error(err))
		return
	}
	if fm.Name == "" || fm.Description == "" {
		log.Warn("Skipping skill missing name or description", zap.String("path", markdownPath))
		return
	}

	if _, exists := catalog.entries[fm.Name]; exists {
		log.Warn("Ignoring duplicate skill name",
			zap.String("skill", fm.Name),
			zap.String("path", dir))
		return
	}

	_, toolsErr := os.Stat(filepath.Join(dir, toolsFileName))
	catalog.entries[fm.Name] = CatalogEntry{
		Name:         fm.Name,
		Description:  fm.Description,
		Path:         dir,
		HasTools:     toolsErr == nil,
		AllowedTools: fm.AllowedTools,
	}
	catalog.order = append(catalog.order, fm.Name)
}

// findSkillFile returns the skill markdown path inside dir: SKILL.md when
// present, otherwise the alphabetically first .md file.
func findSkillFile(dir string) string {
	preferred := filepath.Join(dir, skillFileName)
	if _, err := os.Stat(preferred); err == nil {
		return preferred
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0])
}

// splitFrontMatter separates the YAML header from the markdown body. The
// header is delimited by "---" lines at the top of the file.
func splitFrontMatter(content string) (header, body string, err error) {
	trimmed := strings.TrimLeft(content, "\uFEFF\n\r")
	if !strings.HasPrefix(trimmed, "---") {
		return "", "", fmt.Errorf("missing front matter delimiter")
	}
	rest := strings.TrimPrefix(trimmed, "---")
	rest = strings.TrimPrefix(rest, "\r\n")
	rest = strings.TrimPrefix(rest, "\n")

	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", "", fmt.Errorf("unterminated front matter")
	}
	header = rest[:end]
	body = rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\r\n")
	body = strings.TrimPrefix(body, "\n")
	return header, body, nil
}

// Get returns the catalog entry for a skill name.
func (c *Catalog) Get(name string) (CatalogEntry, bool) {
	entry, ok := c.entries[name]
	return entry, ok
}

// List returns catalog entries in scan order.
func (c *Catalog) List() []CatalogEntry {
	out := make([]CatalogEntry, 0, len(c.order))
	for _, name := range c.order {
		out = append(out, c.entries[name])
	}
	return out
}

// Len returns the number of catalogued skills.
func (c *Catalog) Len() int { return len(c.order) }

// SystemPromptSection renders the catalog listing included in the agent's
// system prompt.
func (c *Catalog) SystemPromptSection() string {
	if len(c.order) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Available Skills\n\n")
	b.WriteString("Call activate_skill(skill_name) to load a skill before using it.\n\n")
	for _, name := range c.order {
		entry := c.entries[name]
		fmt.Fprintf(&b, "- %s: %s\n", entry.Name, entry.Description)
	}
	return b.String()
}
