// Package config handles configuration persistence for the s7link gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"s7link/s7"
)

// ConfigListenerID is a unique identifier for a config change listener.
type ConfigListenerID string

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // Instance namespace for topic/key isolation
	PLCs      []PLCConfig    `yaml:"plcs"`
	Web       WebConfig      `yaml:"web"`
	MQTT      []MQTTConfig   `yaml:"mqtt"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	PollRate  time.Duration  `yaml:"poll_rate"`
	EventLog  string         `yaml:"event_log,omitempty"` // Lifecycle event log path, empty = off

	// dataMu protects all config fields against concurrent access.
	// Callers that modify config should Lock(), modify, then call UnlockAndSave().
	dataMu sync.Mutex `yaml:"-"`

	changeListeners map[ConfigListenerID]func() `yaml:"-"`
	listenersMu     sync.RWMutex                `yaml:"-"`
	listenerCounter uint64                      `yaml:"-"`
}

// PLCConfig describes one S7 connection and the tags polled on it.
// Pointer fields distinguish "not set" (nil = engine default) from an
// explicit zero or false.
type PLCConfig struct {
	Name           string            `yaml:"name"`
	Address        string            `yaml:"address"` // host or host:port
	Enabled        bool              `yaml:"enabled"`
	Rack           int               `yaml:"rack"`
	Slot           int               `yaml:"slot"`
	LocalTSAP      uint16            `yaml:"local_tsap,omitempty"`  // Used with RemoteTSAP instead of rack/slot
	RemoteTSAP     uint16            `yaml:"remote_tsap,omitempty"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout,omitempty"`
	RequestTimeout time.Duration     `yaml:"request_timeout,omitempty"`
	Optimize       *bool             `yaml:"optimize,omitempty"`
	AutoReconnect  *bool             `yaml:"auto_reconnect,omitempty"`
	MaxGap         *int              `yaml:"max_gap,omitempty"`
	MaxParallel    int               `yaml:"max_parallel,omitempty"`
	MaxPDU         int               `yaml:"max_pdu,omitempty"`
	PollRate       time.Duration     `yaml:"poll_rate,omitempty"` // Overrides Config.PollRate
	Translations   map[string]string `yaml:"translations,omitempty"`
	Tags           []TagConfig       `yaml:"tags"`
}

// TagConfig selects one tag for polling. Name is either an S7 address or
// a key of PLCConfig.Translations.
type TagConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Writable bool   `yaml:"writable,omitempty"`
}

// WebConfig holds the REST API server configuration.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	Selector string `yaml:"selector,omitempty"` // Optional sub-namespace
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name            string        `yaml:"name"`
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"` // host:port
	Password        string        `yaml:"password,omitempty"`
	Database        int           `yaml:"database"`
	Selector        string        `yaml:"selector,omitempty"`
	UseTLS          bool          `yaml:"use_tls,omitempty"`
	KeyTTL          time.Duration `yaml:"key_ttl,omitempty"`          // 0 = no expiry
	PublishChanges  bool          `yaml:"publish_changes,omitempty"`  // Publish to Pub/Sub on changes
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"` // Consume the write-back queue
}

// KafkaConfig holds Kafka cluster configuration for YAML persistence.
// The kafka package has its own Config with non-pointer fields for
// runtime use; cmd converts when starting the producers.
type KafkaConfig struct {
	Name          string        `yaml:"name"`
	Enabled       bool          `yaml:"enabled"`
	Brokers       []string      `yaml:"brokers"`
	UseTLS        bool          `yaml:"use_tls,omitempty"`
	TLSSkipVerify bool          `yaml:"tls_skip_verify,omitempty"`
	SASLMechanism string        `yaml:"sasl_mechanism,omitempty"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	RequiredAcks  int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries    int           `yaml:"max_retries,omitempty"`
	RetryBackoff  time.Duration `yaml:"retry_backoff,omitempty"`

	PublishChanges   bool   `yaml:"publish_changes,omitempty"`
	Selector         string `yaml:"selector,omitempty"`
	AutoCreateTopics *bool  `yaml:"auto_create_topics,omitempty"` // default true

	// Write-back consumer
	EnableWriteback bool          `yaml:"enable_writeback,omitempty"`
	ConsumerGroup   string        `yaml:"consumer_group,omitempty"` // default <namespace>-writeback
	WriteMaxAge     time.Duration `yaml:"write_max_age,omitempty"`  // default 2s
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "s7link",
		PLCs:      []PLCConfig{},
		PollRate:  time.Second,
		Web: WebConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
		},
		MQTT:   []MQTTConfig{},
		Valkey: []ValkeyConfig{},
		Kafka:  []KafkaConfig{},
	}
}

// DefaultMQTTConfig returns an MQTT entry pointing at a local broker.
func DefaultMQTTConfig(name string) MQTTConfig {
	return MQTTConfig{
		Name:     name,
		Broker:   "localhost",
		Port:     1883,
		ClientID: "s7link-" + name,
	}
}

// DefaultValkeyConfig returns a Valkey entry pointing at a local server.
func DefaultValkeyConfig(name string) ValkeyConfig {
	return ValkeyConfig{
		Name:           name,
		Address:        "localhost:6379",
		PublishChanges: true,
	}
}

// DefaultKafkaConfig returns a Kafka entry pointing at a local broker.
func DefaultKafkaConfig(name string) KafkaConfig {
	return KafkaConfig{
		Name:           name,
		Brokers:        []string{"localhost:9092"},
		RequiredAcks:   -1,
		MaxRetries:     3,
		RetryBackoff:   100 * time.Millisecond,
		PublishChanges: true,
	}
}

// ClientOptions translates the connection settings into engine options.
// Unset fields keep the engine defaults.
func (p *PLCConfig) ClientOptions() []s7.Option {
	opts := []s7.Option{
		s7.WithName(p.Name),
		s7.WithRackSlot(p.Rack, p.Slot),
	}
	if p.LocalTSAP != 0 || p.RemoteTSAP != 0 {
		opts = append(opts, s7.WithTSAP(p.LocalTSAP, p.RemoteTSAP))
	}
	if p.ConnectTimeout > 0 {
		opts = append(opts, s7.WithConnectTimeout(p.ConnectTimeout))
	}
	if p.RequestTimeout > 0 {
		opts = append(opts, s7.WithRequestTimeout(p.RequestTimeout))
	}
	if p.Optimize != nil {
		opts = append(opts, s7.WithOptimize(*p.Optimize))
	}
	if p.AutoReconnect != nil {
		opts = append(opts, s7.WithAutoReconnect(*p.AutoReconnect))
	}
	if p.MaxGap != nil {
		opts = append(opts, s7.WithMaxGap(*p.MaxGap))
	}
	if p.MaxParallel > 0 {
		opts = append(opts, s7.WithMaxParallel(p.MaxParallel))
	}
	if p.MaxPDU > 0 {
		opts = append(opts, s7.WithMaxPDU(p.MaxPDU))
	}
	return opts
}

// EnabledTags returns the names of the tags selected for polling.
func (p *PLCConfig) EnabledTags() []string {
	var out []string
	for _, t := range p.Tags {
		if t.Enabled {
			out = append(out, t.Name)
		}
	}
	return out
}

// FindTag returns the tag config with the given name, or nil if not found.
func (p *PLCConfig) FindTag(name string) *TagConfig {
	for i := range p.Tags {
		if p.Tags[i].Name == name {
			return &p.Tags[i]
		}
	}
	return nil
}

// IsWritable reports whether writes to the named tag are allowed.
func (p *PLCConfig) IsWritable(name string) bool {
	t := p.FindTag(name)
	return t != nil && t.Writable
}

// Validate checks one PLC entry. Tag addresses are resolved through the
// translations and must parse as S7 addresses.
func (p *PLCConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("plc: name is required")
	}
	if p.Address == "" {
		return fmt.Errorf("plc %s: address is required", p.Name)
	}
	if p.Rack < 0 || p.Rack > 7 || p.Slot < 0 || p.Slot > 31 {
		return fmt.Errorf("plc %s: rack %d slot %d out of range", p.Name, p.Rack, p.Slot)
	}
	if (p.LocalTSAP == 0) != (p.RemoteTSAP == 0) {
		return fmt.Errorf("plc %s: local_tsap and remote_tsap must be set together", p.Name)
	}
	for alias, raw := range p.Translations {
		if raw == "" {
			return fmt.Errorf("plc %s: translation for %q is empty", p.Name, alias)
		}
	}
	for _, t := range p.Tags {
		raw := t.Name
		if tr, ok := p.Translations[t.Name]; ok {
			raw = tr
		}
		if !s7.ValidateAddress(raw) {
			return fmt.Errorf("plc %s: invalid tag address %q", p.Name, raw)
		}
	}
	return nil
}

// FindMQTT returns the MQTT config with the given name, or nil if not found.
func (c *Config) FindMQTT(name string) *MQTTConfig {
	for i := range c.MQTT {
		if c.MQTT[i].Name == name {
			return &c.MQTT[i]
		}
	}
	return nil
}

// AddMQTT adds a new MQTT configuration.
func (c *Config) AddMQTT(mqtt MQTTConfig) {
	c.MQTT = append(c.MQTT, mqtt)
}

// RemoveMQTT removes an MQTT config by name.
func (c *Config) RemoveMQTT(name string) bool {
	for i, m := range c.MQTT {
		if m.Name == name {
			c.MQTT = append(c.MQTT[:i], c.MQTT[i+1:]...)
			return true
		}
	}
	return false
}

// FindValkey returns the Valkey config with the given name, or nil if not found.
func (c *Config) FindValkey(name string) *ValkeyConfig {
	for i := range c.Valkey {
		if c.Valkey[i].Name == name {
			return &c.Valkey[i]
		}
	}
	return nil
}

// AddValkey adds a new Valkey configuration.
func (c *Config) AddValkey(valkey ValkeyConfig) {
	c.Valkey = append(c.Valkey, valkey)
}

// RemoveValkey removes a Valkey config by name.
func (c *Config) RemoveValkey(name string) bool {
	for i, v := range c.Valkey {
		if v.Name == name {
			c.Valkey = append(c.Valkey[:i], c.Valkey[i+1:]...)
			return true
		}
	}
	return false
}

// FindKafka returns the Kafka config with the given name, or nil if not found.
func (c *Config) FindKafka(name string) *KafkaConfig {
	for i := range c.Kafka {
		if c.Kafka[i].Name == name {
			return &c.Kafka[i]
		}
	}
	return nil
}

// AddKafka adds a new Kafka configuration.
func (c *Config) AddKafka(kafka KafkaConfig) {
	c.Kafka = append(c.Kafka, kafka)
}

// RemoveKafka removes a Kafka config by name.
func (c *Config) RemoveKafka(name string) bool {
	for i, k := range c.Kafka {
		if k.Name == name {
			c.Kafka = append(c.Kafka[:i], c.Kafka[i+1:]...)
			return true
		}
	}
	return false
}

// FindPLC returns the PLC config with the given name, or nil if not found.
func (c *Config) FindPLC(name string) *PLCConfig {
	for i := range c.PLCs {
		if c.PLCs[i].Name == name {
			return &c.PLCs[i]
		}
	}
	return nil
}

// AddPLC adds a new PLC configuration.
func (c *Config) AddPLC(plc PLCConfig) {
	c.PLCs = append(c.PLCs, plc)
}

// RemovePLC removes a PLC by name.
func (c *Config) RemovePLC(name string) bool {
	for i, plc := range c.PLCs {
		if plc.Name == name {
			c.PLCs = append(c.PLCs[:i], c.PLCs[i+1:]...)
			return true
		}
	}
	return false
}

// UpdatePLC replaces an existing PLC configuration.
func (c *Config) UpdatePLC(name string, updated PLCConfig) bool {
	for i, plc := range c.PLCs {
		if plc.Name == name {
			c.PLCs[i] = updated
			return true
		}
	}
	return false
}

// DefaultPath returns the default configuration file path (~/.s7link/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".s7link", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults, which are written back so the user has something to edit.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg.Save(path) // Best-effort
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = time.Second
	}
	return cfg, nil
}

// AddOnChangeListener registers a callback to be called when the config is saved.
// Returns an ID that can be used to remove the listener later.
func (c *Config) AddOnChangeListener(cb func()) ConfigListenerID {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	if c.changeListeners == nil {
		c.changeListeners = make(map[ConfigListenerID]func())
	}

	id := ConfigListenerID(fmt.Sprintf("listener-%d", atomic.AddUint64(&c.listenerCounter, 1)))
	c.changeListeners[id] = cb
	return id
}

// RemoveOnChangeListener removes a previously registered listener.
func (c *Config) RemoveOnChangeListener(id ConfigListenerID) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()

	delete(c.changeListeners, id)
}

func (c *Config) notifyChangeListeners() {
	c.listenersMu.RLock()
	listeners := make([]func(), 0, len(c.changeListeners))
	for _, cb := range c.changeListeners {
		listeners = append(listeners, cb)
	}
	c.listenersMu.RUnlock()

	// Outside the lock; listeners may reload the config
	for _, cb := range listeners {
		go cb()
	}
}

// Lock acquires the config data mutex for exclusive access.
// Use this before modifying config fields, then call UnlockAndSave.
func (c *Config) Lock() { c.dataMu.Lock() }

// Unlock releases the config data mutex without saving.
func (c *Config) Unlock() { c.dataMu.Unlock() }

// Save acquires the lock, marshals, writes, and notifies.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	return c.saveLocked(path)
}

// UnlockAndSave marshals, releases the lock, writes, and notifies.
// The caller must already hold the lock via Lock().
func (c *Config) UnlockAndSave(path string) error {
	return c.saveLocked(path)
}

// saveLocked marshals (lock held), unlocks, then writes through a temp
// file and rename so readers never see a partial file.
func (c *Config) saveLocked(path string) error {
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()

	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	c.notifyChangeListeners()
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, and underscores")
	}
	seen := make(map[string]bool)
	for i := range c.PLCs {
		p := &c.PLCs[i]
		if seen[p.Name] {
			return fmt.Errorf("duplicate plc name %q", p.Name)
		}
		seen[p.Name] = true
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
