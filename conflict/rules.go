package conflict

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Severity indicates how serious a rule violation is.
type Severity int

const (
	SeverityWarn Severity = iota
	SeverityFatal
)

// String returns the string representation of severity
func (s Severity) String() string {
	switch s {
	case SeverityWarn:
		return "WARN"
	case SeverityFatal:
		return "FATAL"
	default:
		return "Unknown"
	}
}

// UnmarshalYAML parses a severity from its declaration document form.
func (s *Severity) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch raw {
	case "WARN", "warn":
		*s = SeverityWarn
	case "FATAL", "fatal":
		*s = SeverityFatal
	default:
		return fmt.Errorf("unknown severity %q", raw)
	}
	return nil
}

// Action is what a rule demands when its path patterns are touched.
type Action int

const (
	ActionAllow Action = iota
	ActionMutex
	ActionForbid
)

// String returns the string representation of the action
func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "ALLOW"
	case ActionMutex:
		return "MUTEX"
	case ActionForbid:
		return "FORBID"
	default:
		return "Unknown"
	}
}

// UnmarshalYAML parses an action from its declaration document form.
func (a *Action) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch raw {
	case "ALLOW", "allow":
		*a = ActionAllow
	case "MUTEX", "mutex":
		*a = ActionMutex
	case "FORBID", "forbid":
		*a = ActionForbid
	default:
		return fmt.Errorf("unknown action %q", raw)
	}
	return nil
}

// Rule is a declarative conflict policy. Rules are read-only to the detector
// and must not change for the duration of a planning decision.
type Rule struct {
	Name         string   `yaml:"name"`
	Severity     Severity `yaml:"severity"`
	Action       Action   `yaml:"action"`
	PathPatterns []string `yaml:"path_patterns"`
}

// Group is a named unit of work requesting execution.
type Group struct {
	ID            string   `yaml:"id"`
	DeclaredPaths []string `yaml:"declared_paths"`
	MaxConcurrent int      `yaml:"max_concurrent"`
}

// Declarations is the static configuration document listing groups and
// conflict rules for a phase. It is consumed, never produced, by this core.
type Declarations struct {
	Groups []Group `yaml:"groups"`
	Rules  []Rule  `yaml:"rules"`
}

// LoadDeclarations reads a groups/rules document. Reload only between planning
// cycles, never mid-plan.
func LoadDeclarations(path string) (*Declarations, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read declarations file: %w", err)
	}

	var decls Declarations
	if err := yaml.Unmarshal(data, &decls); err != nil {
		return nil, fmt.Errorf("failed to parse declarations file: %w", err)
	}

	seen := make(map[string]bool)
	for _, g := range decls.Groups {
		if g.ID == "" {
			return nil, fmt.Errorf("group with empty id in %s", path)
		}
		if seen[g.ID] {
			return nil, fmt.Errorf("duplicate group id %q in %s", g.ID, path)
		}
		seen[g.ID] = true
	}
	for _, r := range decls.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rule with empty name in %s", path)
		}
	}

	return &decls, nil
}

// GroupByID returns the declared group with the given id, if any.
func (d *Declarations) GroupByID(id string) (Group, bool) {
	for _, g := range d.Groups {
		if g.ID == id {
			return g, true
		}
	}
	return Group{}, false
}
