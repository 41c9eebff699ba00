// Package project loads and validates the project manifest (§6): the
// project.yaml document naming the project, its teams and roles, and which
// workflow definitions apply, plus the on-disk directory layout a project
// root must provide before a FileStore can be opened against it.
package project

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Team names a group of agents sharing throttle limits and gate role
// eligibility.
type Team struct {
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// Manifest is the parsed contents of <root>/project.yaml's project-identity
// section (the throttle/poll/lease tunables live in internal/config.Config;
// this is the team/role/workflow topology instead).
type Manifest struct {
	Name      string   `yaml:"name"`
	Teams     []Team   `yaml:"teams"`
	Workflows []string `yaml:"workflows"`
}

// workflowsDir, notifyRulesFile and manifestFile name the fixed on-disk locations relative to a
// project root, matching the layout NewFileStore expects alongside it.
const (
	workflowsDir    = "workflows"
	notifyRulesFile = "notify-rules.yaml"
	manifestFile    = "project.yaml"
)

// LoadManifest reads and validates <root>/project.yaml's project-identity
// section. A project.yaml with no "name" is rejected: every project must
// be addressable by name in logs and events.
func LoadManifest(root string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(root, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("project: read %s: %w", manifestFile, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("project: parse %s: %w", manifestFile, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("project: %s is missing a name", manifestFile)
	}
	return &m, nil
}

// RoleSet returns every role named across the manifest's teams, deduplicated,
// for validating a workflow's GateDef.Roles against what the project
// actually staffs.
func (m *Manifest) RoleSet() map[string]bool {
	roles := map[string]bool{}
	for _, t := range m.Teams {
		for _, r := range t.Roles {
			roles[r] = true
		}
	}
	return roles
}

// TeamNames returns every team name in the manifest, in manifest order.
func (m *Manifest) TeamNames() []string {
	names := make([]string, 0, len(m.Teams))
	for _, t := range m.Teams {
		names = append(names, t.Name)
	}
	return names
}

// WorkflowsDir returns the directory a project's workflow YAML files live
// in, <root>/workflows/<name>.yaml each.
func WorkflowsDir(root string) string { return filepath.Join(root, workflowsDir) }

// WorkflowPath returns the path to a single named workflow definition.
func WorkflowPath(root, name string) string {
	return filepath.Join(WorkflowsDir(root), name+".yaml")
}

// NotifyRulesPath returns the default location of the notification rule set,
// <root>/notify-rules.yaml, unless overridden by config.
func NotifyRulesPath(root string) string { return filepath.Join(root, notifyRulesFile) }

// Init scaffolds a brand-new project root: project.yaml, an empty
// workflows/ directory, and a starter notify-rules.yaml, without touching
// the tasks/events/artifacts/state layout (task.NewFileStore owns
// that). It refuses to overwrite an existing project.yaml.
func Init(root, name string) error {
	manifestPath := filepath.Join(root, manifestFile)
	if _, err := os.Stat(manifestPath); err == nil {
		return fmt.Errorf("project: %s already exists", manifestPath)
	}
	if err := os.MkdirAll(WorkflowsDir(root), 0o755); err != nil {
		return fmt.Errorf("project: create workflows dir: %w", err)
	}

	m := Manifest{Name: name, Teams: []Team{{Name: "default", Roles: []string{"engineer", "reviewer"}}}}
	raw, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("project: marshal manifest: %w", err)
	}
	if err := os.WriteFile(manifestPath, raw, 0o644); err != nil {
		return fmt.Errorf("project: write %s: %w", manifestFile, err)
	}

	rulesPath := NotifyRulesPath(root)
	if _, err := os.Stat(rulesPath); os.IsNotExist(err) {
		starter := "rules: []\n"
		if err := os.WriteFile(rulesPath, []byte(starter), 0o644); err != nil {
			return fmt.Errorf("project: write %s: %w", notifyRulesFile, err)
		}
	}
	return nil
}
