package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// AgentRole describes one agent in the role registry.
type AgentRole struct {
	Name             string   `yaml:"name"`
	Role             string   `yaml:"role"`
	Tags             []string `yaml:"tags,omitempty"`
	NeverRoute       []string `yaml:"never_route,omitempty"`
	ProtectedDomains []string `yaml:"protected_domains,omitempty"`
	WipCap           int      `yaml:"wip_cap,omitempty"`
	Lane             string   `yaml:"lane,omitempty"`
}

// LaneConfig groups agents under a ready-floor contract.
type LaneConfig struct {
	Name       string   `yaml:"name"`
	ReadyFloor int      `yaml:"ready_floor"`
	Agents     []string `yaml:"agents"`
}

// rolesFile is the on-disk shape of the registry.
type rolesFile struct {
	Agents          []AgentRole  `yaml:"agents"`
	Lanes           []LaneConfig `yaml:"lanes,omitempty"`
	DefaultReviewer string       `yaml:"default_reviewer,omitempty"`
	EscalationAgent string       `yaml:"escalation_agent,omitempty"`
	DefaultWipCap   int          `yaml:"default_wip_cap,omitempty"`
}

// defaultWipCap applies when neither the agent nor the file sets one.
const defaultWipCap = 2

// Registry is the live agent role registry. Safe for concurrent use;
// Watch reloads it when the backing file changes.
type Registry struct {
	path string

	mu              sync.RWMutex
	agents          map[string]AgentRole
	order           []string
	lanes           []LaneConfig
	defaultReviewer string
	escalationAgent string
	wipCapDefault   int
}

// LoadRegistry reads the role registry from path. A missing file yields
// an empty registry rather than an error, so the server can start before
// the operator writes one.
func LoadRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, agents: make(map[string]AgentRole), wipCapDefault: defaultWipCap}
	if err := r.reload(); err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return err
	}
	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("roles %s: %w", r.path, err)
	}
	agents := make(map[string]AgentRole, len(f.Agents))
	order := make([]string, 0, len(f.Agents))
	for _, a := range f.Agents {
		name := strings.ToLower(a.Name)
		if name == "" {
			continue
		}
		a.Name = name
		agents[name] = a
		order = append(order, name)
	}
	capDefault := f.DefaultWipCap
	if capDefault <= 0 {
		capDefault = defaultWipCap
	}

	r.mu.Lock()
	r.agents = agents
	r.order = order
	r.lanes = f.Lanes
	r.defaultReviewer = strings.ToLower(f.DefaultReviewer)
	r.escalationAgent = strings.ToLower(f.EscalationAgent)
	r.wipCapDefault = capDefault
	r.mu.Unlock()
	return nil
}

// Watch reloads the registry whenever the backing file is written.
// Returns when ctx is cancelled. If fsnotify fails to initialize the
// registry simply stays at its last loaded state.
func (r *Registry) Watch(ctx context.Context, logger *log.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("Roles: fsnotify init failed (%v), hot reload disabled", err)
		return
	}
	defer watcher.Close()

	dir := filepath.Dir(r.path)
	name := filepath.Base(r.path)
	if err := watcher.Add(dir); err != nil {
		logger.Printf("Roles: watch %s failed (%v), hot reload disabled", dir, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.reload(); err != nil {
				logger.Printf("Roles: reload failed: %v", err)
				continue
			}
			logger.Printf("Roles: reloaded %d agent(s) from %s", len(r.Names()), r.path)
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Get returns the role for an agent name (case-insensitive).
func (r *Registry) Get(name string) (AgentRole, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[strings.ToLower(name)]
	return a, ok
}

// Names returns registered agent names in file order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Agents returns all roles in file order.
func (r *Registry) Agents() []AgentRole {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentRole, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.agents[n])
	}
	return out
}

// WipCap returns the doing-cap for an agent, falling back to the
// registry default.
func (r *Registry) WipCap(name string) int {
	if a, ok := r.Get(name); ok && a.WipCap > 0 {
		return a.WipCap
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.wipCapDefault
}

// Lanes returns the configured lanes.
func (r *Registry) Lanes() []LaneConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]LaneConfig(nil), r.lanes...)
}

// DefaultReviewer returns the configured fallback reviewer, or "".
func (r *Registry) DefaultReviewer() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultReviewer
}

// EscalationAgent returns the configured escalation target, or "".
func (r *Registry) EscalationAgent() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.escalationAgent
}

// SetAgents replaces the registry contents. Tests use this instead of a
// backing file.
func (r *Registry) SetAgents(agents []AgentRole, lanes []LaneConfig, defaultReviewer, escalation string) {
	m := make(map[string]AgentRole, len(agents))
	order := make([]string, 0, len(agents))
	for _, a := range agents {
		a.Name = strings.ToLower(a.Name)
		m[a.Name] = a
		order = append(order, a.Name)
	}
	r.mu.Lock()
	r.agents = m
	r.order = order
	r.lanes = lanes
	r.defaultReviewer = strings.ToLower(defaultReviewer)
	r.escalationAgent = strings.ToLower(escalation)
	r.mu.Unlock()
}

// NewTestRegistry builds an in-memory registry for tests.
func NewTestRegistry(agents ...AgentRole) *Registry {
	r := &Registry{agents: make(map[string]AgentRole), wipCapDefault: defaultWipCap}
	r.SetAgents(agents, nil, "", "")
	return r
}
