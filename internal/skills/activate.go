package skills

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/agentmesh/internal/taskctx"
)

// Activation statuses.
const (
	StatusSuccess          = "success"
	StatusAlreadyActivated = "already_activated"
)

// ActivateToolName is the public name of the built-in activation tool.
const ActivateToolName = "activate_skill"

// Tool is a resolved tool descriptor exposed to the model after activation.
type Tool struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty" yaml:"input_schema"`
}

// toolsFile is the sibling YAML document declaring a skill's tools.
type toolsFile struct {
	Tools []Tool `yaml:"tools"`
}

// ActivatedSkill is the full on-demand record of a loaded skill.
type ActivatedSkill struct {
	Name  string
	Body  string
	Tools []Tool
}

// ActivationResult reports the outcome of an activate_skill call.
type ActivationResult struct {
	Status string          `json:"status"`
	Skill  *ActivatedSkill `json:"-"`
}

// Activate loads the named skill into the task. The markdown body is read in
// full and the sibling tool declarations are resolved into tools whose
// public names carry the skill suffix. A second activation of the same skill
// within one task returns already_activated without reloading.
func Activate(catalog *Catalog, task *taskctx.TaskContext, skillName string) (ActivationResult, error) {
	entry, ok := catalog.Get(skillName)
	if !ok {
		return ActivationResult{}, fmt.Errorf("skill %q not found", skillName)
	}

	if !task.ActivateSkill(skillName) {
		return ActivationResult{Status: StatusAlreadyActivated}, nil
	}

	markdownPath := findSkillFile(entry.Path)
	content, err := os.ReadFile(markdownPath)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("failed to read skill %q: %w", skillName, err)
	}
	_, body, err := splitFrontMatter(string(content))
	if err != nil {
		return ActivationResult{}, fmt.Errorf("failed to parse skill %q: %w", skillName, err)
	}

	skill := &ActivatedSkill{Name: skillName, Body: body}
	if entry.HasTools {
		tools, err := loadTools(entry.Path, skillName)
		if err != nil {
			return ActivationResult{}, err
		}
		skill.Tools = tools
	}

	return ActivationResult{Status: StatusSuccess, Skill: skill}, nil
}

// loadTools parses the sibling tools file and namespaces each tool with the
// skill it came from.
func loadTools(dir, skillName string) ([]Tool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, toolsFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read tools for skill %q: %w", skillName, err)
	}
	var doc toolsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse tools for skill %q: %w", skillName, err)
	}

	tools := make([]Tool, 0, len(doc.Tools))
	for _, tool := range doc.Tools {
		if tool.Name == "" {
			continue
		}
		tools = append(tools, Tool{
			Name:        fmt.Sprintf("%s_%s", tool.Name, skillName),
			Description: fmt.Sprintf("Loaded by skill %s: %s", skillName, tool.Description),
			InputSchema: tool.InputSchema,
		})
	}
	return tools, nil
}
