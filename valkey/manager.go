package valkey

import (
	"sync"

	"s7link/config"
)

// hooks are the callbacks shared by every publisher of a Manager. They are
// applied when a publisher joins and again whenever one of them changes.
type hooks struct {
	write     func(plcName, tagName string, value interface{}) error
	validate  func(plcName, tagName string) bool
	onConnect func()
}

func (h *hooks) apply(p *Publisher) {
	p.SetWriteHandler(h.write)
	p.SetWriteValidator(h.validate)
	p.SetOnConnectCallback(h.onConnect)
}

// Manager keeps the configured Valkey servers by name, in the order they
// were added.
type Manager struct {
	mu        sync.RWMutex
	namespace string
	hooks     hooks
	byName    map[string]*Publisher
	order     []string
}

// NewManager creates a Manager whose publishers root their keys at namespace.
func NewManager(namespace string) *Manager {
	return &Manager{
		namespace: namespace,
		byName:    make(map[string]*Publisher),
	}
}

// LoadFromConfig adds one publisher per configured server.
func (m *Manager) LoadFromConfig(configs []config.ValkeyConfig) {
	for i := range configs {
		m.Add(&configs[i])
	}
}

// Add registers a publisher for cfg. A publisher already registered under
// the same name is stopped and replaced in place.
func (m *Manager) Add(cfg *config.ValkeyConfig) *Publisher {
	pub := NewPublisher(cfg, m.namespace)

	m.mu.Lock()
	m.hooks.apply(pub)
	old := m.byName[cfg.Name]
	if old == nil {
		m.order = append(m.order, cfg.Name)
	}
	m.byName[cfg.Name] = pub
	m.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	return pub
}

// Remove stops and drops the publisher called name.
func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	pub, ok := m.byName[name]
	if ok {
		delete(m.byName, name)
		for i, n := range m.order {
			if n == name {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if ok {
		pub.Stop()
	}
	return ok
}

// Get returns the publisher called name, or nil.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byName[name]
}

// List returns the publishers in the order they were added.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Publisher, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.byName[name])
	}
	return out
}

// running returns the publishers that currently hold a connection.
func (m *Manager) running() []*Publisher {
	var out []*Publisher
	for _, pub := range m.List() {
		if pub.IsRunning() {
			out = append(out, pub)
		}
	}
	return out
}

// StartAll starts the enabled publishers and returns how many came up.
// Connecting happens outside the lock.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if !pub.config.Enabled {
			continue
		}
		if err := pub.Start(); err != nil {
			debugLog("Failed to start Valkey %s: %v", pub.config.Name, err)
			continue
		}
		debugLog("Started Valkey %s at %s", pub.config.Name, pub.Address())
		started++
	}
	return started
}

// StopAll stops every publisher.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// AnyRunning reports whether at least one publisher is connected.
func (m *Manager) AnyRunning() bool {
	return len(m.running()) > 0
}

// Publish stores a tag value on every connected server.
func (m *Manager) Publish(plcName, tagName, address, typeName string, value interface{}, writable bool) {
	for _, pub := range m.running() {
		if err := pub.Publish(plcName, tagName, address, typeName, value, writable); err != nil {
			debugLog("Valkey publish error (%s): %v", pub.config.Name, err)
		}
	}
}

// PublishHealth stores PLC health on every connected server.
func (m *Manager) PublishHealth(plcName string, online bool, status, errMsg string) {
	for _, pub := range m.running() {
		if err := pub.PublishHealth(plcName, online, status, errMsg); err != nil {
			debugLog("Valkey health publish error (%s): %v", pub.config.Name, err)
		}
	}
}

// setHooks changes the shared callbacks and pushes them to every publisher.
func (m *Manager) setHooks(change func(h *hooks)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	change(&m.hooks)
	for _, pub := range m.byName {
		m.hooks.apply(pub)
	}
}

// SetWriteHandler sets the function that performs write-back requests.
func (m *Manager) SetWriteHandler(handler func(plcName, tagName string, value interface{}) error) {
	m.setHooks(func(h *hooks) { h.write = handler })
}

// SetWriteValidator sets the check that decides whether a tag accepts writes.
func (m *Manager) SetWriteValidator(validator func(plcName, tagName string) bool) {
	m.setHooks(func(h *hooks) { h.validate = validator })
}

// SetOnConnectCallback sets the callback run after a server connects, used
// to republish the cached values.
func (m *Manager) SetOnConnectCallback(callback func()) {
	m.setHooks(func(h *hooks) { h.onConnect = callback })
}
