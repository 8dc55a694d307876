package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/taskctx"
)

func writeSkill(t *testing.T, root, folder, markdown string) string {
	t.Helper()
	dir := filepath.Join(root, folder)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(markdown), 0o644))
	return dir
}

const searchSkill = `---
name: web-search
description: Search the web for current information.
allowed-tools:
  - search
  - fetch
---
# Web Search

Use the search tool, then fetch the most promising result.
`

const mathSkill = `---
name: math
description: Evaluate arithmetic expressions.
allowed-tools: calc
---
Body of the math skill.
`

func TestScanCatalog(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "search", searchSkill)
	writeSkill(t, root, "math", mathSkill)
	// Folders without a markdown skill file are ignored.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))

	catalog := Scan(config.SkillsConfig{Paths: []string{root}}, logger.Default())
	assert.Equal(t, 2, catalog.Len())

	entry, ok := catalog.Get("web-search")
	require.True(t, ok)
	assert.Equal(t, "Search the web for current information.", entry.Description)
	assert.Equal(t, []string{"search", "fetch"}, []string(entry.AllowedTools))
	assert.False(t, entry.HasTools)

	entry, ok = catalog.Get("math")
	require.True(t, ok)
	assert.Equal(t, []string{"calc"}, []string(entry.AllowedTools))
}

func TestScanSkipsInvalidFrontMatter(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "no-header", "# Just markdown, no front matter\n")
	writeSkill(t, root, "no-name", "---\ndescription: missing the name\n---\nbody\n")
	writeSkill(t, root, "ok", mathSkill)

	catalog := Scan(config.SkillsConfig{Paths: []string{root}}, logger.Default())
	assert.Equal(t, 1, catalog.Len())
	_, ok := catalog.Get("math")
	assert.True(t, ok)
}

func TestScanDuplicateNamesFirstWins(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "a-first", "---\nname: dup\ndescription: first copy\n---\nfirst body\n")
	writeSkill(t, root, "b-second", "---\nname: dup\ndescription: second copy\n---\nsecond body\n")

	catalog := Scan(config.SkillsConfig{Paths: []string{root}}, logger.Default())
	assert.Equal(t, 1, catalog.Len())
	entry, ok := catalog.Get("dup")
	require.True(t, ok)
	assert.Equal(t, "first copy", entry.Description)
}

func TestScanAutoDiscoverRecursive(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, filepath.Join("nested", "deeper", "math"), mathSkill)

	flat := Scan(config.SkillsConfig{Paths: []string{root}}, logger.Default())
	assert.Equal(t, 0, flat.Len())

	deep := Scan(config.SkillsConfig{Paths: []string{root}, AutoDiscover: true}, logger.Default())
	assert.Equal(t, 1, deep.Len())
}

func TestFindSkillFileFallback(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "alt")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zz.md"), []byte(mathSkill), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aa.md"), []byte("---\nname: alt\ndescription: alt skill\n---\nalt body\n"), 0o644))

	// No SKILL.md: the alphabetically first markdown file is used.
	catalog := Scan(config.SkillsConfig{Paths: []string{root}}, logger.Default())
	_, ok := catalog.Get("alt")
	assert.True(t, ok)
}

func TestSystemPromptSection(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "math", mathSkill)

	catalog := Scan(config.SkillsConfig{Paths: []string{root}}, logger.Default())
	section := catalog.SystemPromptSection()
	assert.Contains(t, section, "## Available Skills")
	assert.Contains(t, section, "- math: Evaluate arithmetic expressions.")

	empty := Scan(config.SkillsConfig{}, logger.Default())
	assert.Empty(t, empty.SystemPromptSection())
}

func TestActivateLoadsBodyAndTools(t *testing.T) {
	root := t.TempDir()
	dir := writeSkill(t, root, "search", searchSkill)
	toolsYAML := `tools:
  - name: search
    description: Run a web search.
    input_schema:
      type: object
      properties:
        query:
          type: string
  - name: fetch
    description: Fetch a URL.
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tools.yaml"), []byte(toolsYAML), 0o644))

	catalog := Scan(config.SkillsConfig{Paths: []string{root}}, logger.Default())
	task := taskctx.New("task-1")

	result, err := Activate(catalog, task, "web-search")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	require.NotNil(t, result.Skill)
	assert.Contains(t, result.Skill.Body, "Use the search tool")

	require.Len(t, result.Skill.Tools, 2)
	assert.Equal(t, "search_web-search", result.Skill.Tools[0].Name)
	assert.Contains(t, result.Skill.Tools[0].Description, "Loaded by skill web-search")
	assert.Equal(t, "object", result.Skill.Tools[0].InputSchema["type"])
}

func TestActivateTwiceReturnsAlreadyActivated(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "math", mathSkill)

	catalog := Scan(config.SkillsConfig{Paths: []string{root}}, logger.Default())
	task := taskctx.New("task-1")

	first, err := Activate(catalog, task, "math")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, first.Status)

	second, err := Activate(catalog, task, "math")
	require.NoError(t, err)
	assert.Equal(t, StatusAlreadyActivated, second.Status)
	assert.Nil(t, second.Skill)
}

func TestActivateUnknownSkill(t *testing.T) {
	catalog := Scan(config.SkillsConfig{}, logger.Default())
	task := taskctx.New("task-1")

	_, err := Activate(catalog, task, "ghost")
	require.Error(t, err)
}
