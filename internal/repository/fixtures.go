package repository

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Fixtures is the seed data of the memory driver.
type Fixtures struct {
	Users []*User `yaml:"users"`
	Tasks []*Task `yaml:"tasks"`
}

// LoadFixtures reads users and tasks from a YAML file. Tasks without a status
// start in todo.
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures file %s: %w", path, err)
	}

	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures file %s: %w", path, err)
	}

	users := make(map[string]bool, len(f.Users))
	for i, u := range f.Users {
		if u == nil || u.ID == "" {
			return nil, fmt.Errorf("fixtures: users[%d] has no id", i)
		}
		if users[u.ID] {
			return nil, fmt.Errorf("fixtures: duplicate user %s", u.ID)
		}
		users[u.ID] = true
	}
	for i, t := range f.Tasks {
		if t == nil || t.ID == "" {
			return nil, fmt.Errorf("fixtures: tasks[%d] has no id", i)
		}
		if t.Status == "" {
			t.Status = TaskStatusTodo
		}
	}
	return &f, nil
}
