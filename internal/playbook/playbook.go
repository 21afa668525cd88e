package playbook

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sentinelops/sentinel-core/internal/models"
)

// StepTemplate is one step of a playbook before it is bound to a concrete
// anomaly. Target and Namespace may be left empty and filled in by the
// planner at plan creation time.
type StepTemplate struct {
	Name        string            `yaml:"name"`
	ActionType  models.ActionType `yaml:"action_type"`
	Target      string            `yaml:"target"`
	Namespace   string            `yaml:"namespace"`
	Parameters  map[string]any    `yaml:"parameters"`
	CanRollback bool              `yaml:"can_rollback"`
}

// Playbook is an ordered remediation recipe for one action type, optionally
// scoped to a set of metric categories.
type Playbook struct {
	Name        string                  `yaml:"name"`
	Description string                  `yaml:"description"`
	ActionType  models.ActionType       `yaml:"action_type"`
	Categories  []models.MetricCategory `yaml:"categories"`
	Steps       []StepTemplate          `yaml:"steps"`
}

func (p *Playbook) validate() error {
	if p.Name == "" {
		return fmt.Errorf("playbook requires a name")
	}
	if !p.ActionType.Valid() {
		return fmt.Errorf("playbook %s: unknown action type %q", p.Name, p.ActionType)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("playbook %s: no steps", p.Name)
	}
	for i, step := range p.Steps {
		if !step.ActionType.Valid() {
			return fmt.Errorf("playbook %s: step %d has unknown action type %q", p.Name, i, step.ActionType)
		}
	}
	for _, c := range p.Categories {
		if !c.Valid() {
			return fmt.Errorf("playbook %s: unknown category %q", p.Name, c)
		}
	}
	return nil
}

// matches reports whether the playbook applies to a category. An empty
// category list matches everything.
func (p *Playbook) matches(category models.MetricCategory) bool {
	if len(p.Categories) == 0 {
		return true
	}
	for _, c := range p.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Library holds loaded playbooks and answers selection queries. Reload swaps
// the whole set atomically.
type Library struct {
	dir    string
	logger *slog.Logger

	mu        sync.RWMutex
	playbooks []*Playbook
}

// NewLibrary loads playbooks from every .yaml/.yml file under dir.
func NewLibrary(dir string, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	lib := &Library{dir: dir, logger: logger}
	if err := lib.Reload(); err != nil {
		return nil, err
	}
	return lib, nil
}

// Reload re-reads the playbook directory. On any parse or validation error
// the previous set is kept.
func (l *Library) Reload() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read playbook dir: %w", err)
	}

	loaded := make([]*Playbook, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read playbook %s: %w", path, err)
		}
		var pb Playbook
		if err := yaml.Unmarshal(data, &pb); err != nil {
			return fmt.Errorf("parse playbook %s: %w", path, err)
		}
		if err := pb.validate(); err != nil {
			return fmt.Errorf("invalid playbook %s: %w", path, err)
		}
		loaded = append(loaded, &pb)
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Name < loaded[j].Name })

	l.mu.Lock()
	l.playbooks = loaded
	l.mu.Unlock()

	l.logger.Info("playbooks loaded", "dir", l.dir, "count", len(loaded))
	return nil
}

// Match selects the playbook for an action type and category. Playbooks
// scoped to the category win over catch-all playbooks for the same action.
func (l *Library) Match(category models.MetricCategory, action models.ActionType) (*Playbook, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var fallback *Playbook
	for _, pb := range l.playbooks {
		if pb.ActionType != action || !pb.matches(category) {
			continue
		}
		if len(pb.Categories) > 0 {
			return pb, true
		}
		if fallback == nil {
			fallback = pb
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// All returns the loaded playbooks sorted by name.
func (l *Library) All() []*Playbook {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*Playbook(nil), l.playbooks...)
}
