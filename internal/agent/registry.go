// Package agent hosts the streaming LLM session and the agent runtime: one
// user→assistant turn with interleaved tool execution, and the end-to-end
// execution of a named agent against a session.
package agent

import (
	"sync"

	"github.com/maestrolabs/maestro/pkg/models"
)

// Registry holds agent descriptors by name.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewRegistry creates an empty agent registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*models.Agent)}
}

// Register adds or replaces an agent descriptor.
func (r *Registry) Register(agent *models.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.Name] = agent.Clone()
}

// Get returns a copy of the named agent.
func (r *Registry) Get(name string) (*models.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[name]
	if !ok {
		return nil, false
	}
	return agent.Clone(), true
}

// Names returns the registered agent names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	return names
}
