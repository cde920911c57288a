package decomposer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"dev.helix.conductor/internal/models"
)

// reloadDebounce coalesces bursts of filesystem events into one reload.
const reloadDebounce = 500 * time.Millisecond

// fileTemplate is the YAML document shape. Step dependencies reference
// earlier steps by name.
type fileTemplate struct {
	Name        string     `yaml:"name"`
	TaskType    string     `yaml:"task_type"`
	Description string     `yaml:"description"`
	Steps       []fileStep `yaml:"steps"`
}

type fileStep struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	DependsOn    []string `yaml:"depends_on"`
	Tools        []string `yaml:"tools"`
	Capabilities []string `yaml:"capabilities"`
}

// FileStore serves workflow templates from a directory of YAML files and
// hot-reloads on filesystem changes. Invalid files are skipped with a log,
// never fatal.
type FileStore struct {
	dir string
	log *logrus.Logger

	mu     sync.RWMutex
	byName map[string]*models.WorkflowTemplate
	byType map[models.TaskType][]*models.WorkflowTemplate
}

// NewFileStore builds a store over dir; call Load before first use.
func NewFileStore(dir string, log *logrus.Logger) *FileStore {
	return &FileStore{
		dir:    dir,
		log:    log,
		byName: make(map[string]*models.WorkflowTemplate),
		byType: make(map[models.TaskType][]*models.WorkflowTemplate),
	}
}

// Load parses every .yaml/.yml file in the directory and swaps the registry
// atomically.
func (f *FileStore) Load() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("reading template dir: %w", err)
	}

	byName := make(map[string]*models.WorkflowTemplate)
	byType := make(map[models.TaskType][]*models.WorkflowTemplate)
	for _, entry := range entries {
		if entry.IsDir() || !isTemplateFile(entry.Name()) {
			continue
		}
		tpl, err := parseTemplateFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			f.log.WithError(err).WithField("file", entry.Name()).Warn("skipping invalid template file")
			continue
		}
		if _, dup := byName[tpl.Name]; dup {
			f.log.WithField("template", tpl.Name).Warn("duplicate template name, keeping first")
			continue
		}
		byName[tpl.Name] = tpl
		byType[tpl.TaskType] = append(byType[tpl.TaskType], tpl)
	}
	for _, tpls := range byType {
		sort.Slice(tpls, func(i, j int) bool { return tpls[i].Name < tpls[j].Name })
	}

	f.mu.Lock()
	f.byName = byName
	f.byType = byType
	f.mu.Unlock()

	f.log.WithFields(logrus.Fields{"dir": f.dir, "templates": len(byName)}).Info("workflow template files loaded")
	return nil
}

// Watch reloads the directory on filesystem events until ctx is cancelled.
func (f *FileStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting template watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(f.dir); err != nil {
		return fmt.Errorf("watching template dir: %w", err)
	}

	var reload *time.Timer
	defer func() {
		if reload != nil {
			reload.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isTemplateFile(event.Name) {
				continue
			}
			if reload != nil {
				reload.Stop()
			}
			reload = time.AfterFunc(reloadDebounce, func() {
				if err := f.Load(); err != nil {
					f.log.WithError(err).Warn("template reload failed")
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.log.WithError(err).Error("template watcher error")
		}
	}
}

// BestForTaskType returns the lexicographically first file template for the
// task type.
func (f *FileStore) BestForTaskType(taskType models.TaskType) (*models.WorkflowTemplate, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tpls := f.byType[taskType]
	if len(tpls) == 0 {
		return nil, false
	}
	return tpls[0], true
}

// GetByName looks one template up by name.
func (f *FileStore) GetByName(name string) (*models.WorkflowTemplate, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tpl, ok := f.byName[name]
	return tpl, ok
}

// All lists every loaded file template, sorted by name.
func (f *FileStore) All() []*models.WorkflowTemplate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]*models.WorkflowTemplate, 0, len(f.byName))
	for _, tpl := range f.byName {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func isTemplateFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func parseTemplateFile(path string) (*models.WorkflowTemplate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc fileTemplate
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing yaml: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("template has no name")
	}
	if !models.ValidTaskType(models.TaskType(doc.TaskType)) {
		return nil, fmt.Errorf("unknown task_type %q", doc.TaskType)
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("template %q has no steps", doc.Name)
	}

	positionByName := make(map[string]int, len(doc.Steps))
	for i, step := range doc.Steps {
		if step.Name == "" {
			return nil, fmt.Errorf("step %d has no name", i)
		}
		if _, dup := positionByName[step.Name]; dup {
			return nil, fmt.Errorf("duplicate step name %q", step.Name)
		}
		positionByName[step.Name] = i
	}

	tpl := &models.WorkflowTemplate{
		Name:        doc.Name,
		TaskType:    models.TaskType(doc.TaskType),
		Description: doc.Description,
	}
	for i, step := range doc.Steps {
		deps := make([]int, 0, len(step.DependsOn))
		for _, depName := range step.DependsOn {
			pos, ok := positionByName[depName]
			if !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", step.Name, depName)
			}
			deps = append(deps, pos)
		}
		tpl.Steps = append(tpl.Steps, models.TemplateStep{
			Position:             i,
			Name:                 step.Name,
			SubtaskType:          models.SubtaskType(step.Type),
			DependsOn:            deps,
			RecommendedTools:     step.Tools,
			RequiredCapabilities: step.Capabilities,
		})
	}
	if err := ValidateSteps(tpl.Steps); err != nil {
		return nil, err
	}
	return tpl, nil
}
