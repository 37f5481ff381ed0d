// Package skills provides named knowledge snippets that can be injected
// into an agent's system prompt at invocation time.
package skills

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Skill is one injectable snippet: a name, a one-line description, and the
// content the agent receives.
type Skill struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Content     string `json:"content" yaml:"content"`
}

// Library holds skills by name. Lookups by unknown name are silently
// skipped by callers; the library itself only reports presence.
type Library struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{skills: make(map[string]Skill)}
}

// Add registers or replaces a skill.
func (l *Library) Add(s Skill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.skills[s.Name] = s
}

// Get returns a skill by name.
func (l *Library) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// Names returns all skill names, sorted.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.skills))
	for n := range l.skills {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Resolve maps requested names to skills, preserving request order and
// dropping names the library does not hold.
func (l *Library) Resolve(names []string) []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Skill, 0, len(names))
	for _, n := range names {
		if s, ok := l.skills[n]; ok {
			out = append(out, s)
		}
	}
	return out
}

// LoadDir populates the library from every .md file in a directory. Files
// open with an optional header of "name:" and "description:" lines; the
// remainder is the content. The filename (without extension) is the
// fallback name.
func (l *Library) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		skill := parseSkill(string(data))
		if skill.Name == "" {
			skill.Name = strings.TrimSuffix(entry.Name(), ".md")
		}
		l.Add(skill)
	}
	return nil
}

func parseSkill(text string) Skill {
	var s Skill
	scanner := bufio.NewScanner(strings.NewReader(text))
	var body []string
	inHeader := true
	for scanner.Scan() {
		line := scanner.Text()
		if inHeader {
			switch {
			case strings.HasPrefix(line, "name:"):
				s.Name = strings.TrimSpace(strings.TrimPrefix(line, "name:"))
				continue
			case strings.HasPrefix(line, "description:"):
				s.Description = strings.TrimSpace(strings.TrimPrefix(line, "description:"))
				continue
			case strings.TrimSpace(line) == "":
				if s.Name != "" || s.Description != "" {
					inHeader = false
					continue
				}
			default:
				inHeader = false
			}
		}
		body = append(body, line)
	}
	s.Content = strings.TrimSpace(strings.Join(body, "\n"))
	return s
}
