package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StepTemplate describes one unit of simulated work within a task timeline.
type StepTemplate struct {
	Name          string `yaml:"name" json:"name"`
	AvgDurationMS int64  `yaml:"avg_duration_ms" json:"avg_duration_ms"`
}

// Task is an immutable background-task definition. Definitions are owned by
// the registry file; the engine treats them as read-only input.
type Task struct {
	Handler    string         `json:"handler"`
	Name       string         `json:"name"`
	RetryLimit int            `json:"retry_limit"`
	Timeout    time.Duration  `json:"timeout"`
	Steps      []StepTemplate `json:"steps"`
}

// UnmarshalYAML decodes a task definition, parsing the timeout from a
// duration string such as "30s".
func (t *Task) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Handler    string         `yaml:"handler"`
		Name       string         `yaml:"name"`
		RetryLimit int            `yaml:"retry_limit"`
		Timeout    string         `yaml:"timeout"`
		Steps      []StepTemplate `yaml:"steps"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	timeout, err := time.ParseDuration(raw.Timeout)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", raw.Timeout, err)
	}

	t.Handler = raw.Handler
	t.Name = raw.Name
	t.RetryLimit = raw.RetryLimit
	t.Timeout = timeout
	t.Steps = raw.Steps
	return nil
}

// TotalAvgDuration sums the average durations of all step templates.
func (t Task) TotalAvgDuration() time.Duration {
	var total int64
	for _, s := range t.Steps {
		total += s.AvgDurationMS
	}
	return time.Duration(total) * time.Millisecond
}

// Registry holds the loaded task definitions keyed by handler name.
type Registry struct {
	tasks map[string]Task
}

type registryFile struct {
	Tasks []Task `yaml:"tasks"`
}

// Load reads and validates a registry YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(data)
}

// Parse builds a Registry from raw YAML bytes.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if len(file.Tasks) == 0 {
		return nil, errors.New("registry defines no tasks")
	}

	tasks := make(map[string]Task, len(file.Tasks))
	for i, task := range file.Tasks {
		if err := validateTask(task); err != nil {
			return nil, fmt.Errorf("task %d (%q): %w", i, task.Handler, err)
		}
		if _, exists := tasks[task.Handler]; exists {
			return nil, fmt.Errorf("duplicate task handler %q", task.Handler)
		}
		tasks[task.Handler] = task
	}

	return &Registry{tasks: tasks}, nil
}

// New builds a Registry directly from task definitions. Used by tests and by
// embedded deployments that do not read a registry file.
func New(tasks ...Task) (*Registry, error) {
	if len(tasks) == 0 {
		return nil, errors.New("no tasks provided")
	}
	byHandler := make(map[string]Task, len(tasks))
	for _, task := range tasks {
		if err := validateTask(task); err != nil {
			return nil, fmt.Errorf("task %q: %w", task.Handler, err)
		}
		if _, exists := byHandler[task.Handler]; exists {
			return nil, fmt.Errorf("duplicate task handler %q", task.Handler)
		}
		byHandler[task.Handler] = task
	}
	return &Registry{tasks: byHandler}, nil
}

// Get returns the task registered under handler.
func (r *Registry) Get(handler string) (Task, bool) {
	task, ok := r.tasks[handler]
	return task, ok
}

// List returns all tasks ordered by handler name.
func (r *Registry) List() []Task {
	out := make([]Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handler < out[j].Handler })
	return out
}

func validateTask(task Task) error {
	if strings.TrimSpace(task.Handler) == "" {
		return errors.New("handler is required")
	}
	if strings.TrimSpace(task.Name) == "" {
		return errors.New("name is required")
	}
	if task.RetryLimit < 0 {
		return errors.New("retry_limit must be non-negative")
	}
	if task.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if len(task.Steps) == 0 {
		return errors.New("at least one step is required")
	}
	for i, step := range task.Steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if step.AvgDurationMS <= 0 {
			return fmt.Errorf("step %d: avg_duration_ms must be positive", i)
		}
	}
	return nil
}
