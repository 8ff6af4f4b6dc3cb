package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TagMessage is the JSON structure produced for tag changes.
type TagMessage struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// HealthMessage is the JSON structure produced for PLC health.
type HealthMessage struct {
	PLC       string `json:"plc"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string // empty for messages that skip change tracking
	value    interface{}
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 10

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// Manager manages producers and write-back consumers for all clusters.
type Manager struct {
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	mu         sync.RWMutex
	lastValues map[string]interface{} // cluster/plc/tag -> last produced value
	lastMu     sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator

	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// NewManager creates a new Kafka manager and starts its publish workers.
func NewManager() *Manager {
	m := &Manager{
		producers:    make(map[string]*Producer),
		consumers:    make(map[string]*Consumer),
		lastValues:   make(map[string]interface{}),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
	m.startWorkers()
	return m
}

func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	queue := m.publishQueue
	stop := m.stopChan
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(queue, stop)
	}
}

func (m *Manager) publishWorker(queue <-chan publishJob, stop <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := job.producer.ProduceWithRetry(ctx, job.topic, job.key, job.payload)
			cancel()
			if err != nil {
				logKafka("Failed to publish %s: %v", string(job.key), err)
				continue
			}
			if job.cacheKey != "" {
				m.updateLastValue(job.cacheKey, job.value)
			}
		}
	}
}

func (m *Manager) enqueue(job publishJob) {
	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()

	select {
	case queue <- job:
	default:
		logKafka("Publish queue full, dropping message for %s", string(job.key))
	}
}

func (m *Manager) updateLastValue(key string, value interface{}) {
	m.lastMu.Lock()
	m.lastValues[key] = value
	m.lastMu.Unlock()
}

func (m *Manager) shouldPublish(cacheKey string, value interface{}, force bool) bool {
	m.lastMu.RLock()
	lastValue, exists := m.lastValues[cacheKey]
	m.lastMu.RUnlock()
	return !exists || force || fmt.Sprintf("%v", lastValue) != fmt.Sprintf("%v", value)
}

// AddCluster adds a cluster. A name already present is ignored.
func (m *Manager) AddCluster(config *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.producers[config.Name]; exists {
		return
	}
	m.producers[config.Name] = NewProducer(config)
}

// RemoveCluster stops a cluster's consumer and closes its producer.
func (m *Manager) RemoveCluster(name string) {
	m.mu.Lock()
	producer := m.producers[name]
	consumer := m.consumers[name]
	delete(m.producers, name)
	delete(m.consumers, name)
	m.mu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
	if producer != nil {
		producer.Disconnect()
	}
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.producers[name]
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.producers))
	for name := range m.producers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) producerList() []*Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	producers := make([]*Producer, 0, len(m.producers))
	for _, p := range m.producers {
		producers = append(producers, p)
	}
	return producers
}

// Connect connects to the named cluster and starts its write-back consumer
// when enabled.
func (m *Manager) Connect(name string) error {
	producer := m.GetProducer(name)
	if producer == nil {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}
	if err := producer.Connect(); err != nil {
		return err
	}
	if !producer.config.EnableWriteback {
		return nil
	}

	m.mu.Lock()
	consumer, exists := m.consumers[name]
	if !exists {
		consumer = NewConsumer(producer.config, producer)
		consumer.SetWriteHandler(m.writeHandler)
		consumer.SetWriteValidator(m.writeValidator)
		m.consumers[name] = consumer
	}
	m.mu.Unlock()
	return consumer.Start()
}

// Disconnect disconnects from the named cluster.
func (m *Manager) Disconnect(name string) {
	m.mu.RLock()
	producer := m.producers[name]
	consumer := m.consumers[name]
	m.mu.RUnlock()

	if consumer != nil {
		consumer.Stop()
	}
	if producer != nil {
		producer.Disconnect()
	}
}

// ConnectEnabled connects to all enabled clusters in the background.
func (m *Manager) ConnectEnabled() {
	for _, p := range m.producerList() {
		if p.config.Enabled {
			go func(name string) {
				if err := m.Connect(name); err != nil {
					logKafka("Failed to connect %s: %v", name, err)
				}
			}(p.config.Name)
		}
	}
}

// StopAll stops the publish workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	wasStarted := m.started
	oldStopChan := m.stopChan
	if wasStarted {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if wasStarted {
		close(oldStopChan)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	}

	for _, name := range m.ListClusters() {
		m.Disconnect(name)
	}
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	producer := m.GetProducer(name)
	if producer == nil {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}
	return producer.GetStatus(), producer.GetError()
}

// LoadFromConfigs adds every cluster configuration.
func (m *Manager) LoadFromConfigs(configs []Config) {
	for i := range configs {
		m.AddCluster(&configs[i])
	}
}

// SetWriteHandler sets the write handler for write-back consumers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	for _, c := range m.consumers {
		c.SetWriteHandler(handler)
	}
	m.mu.Unlock()
}

// SetWriteValidator sets the write validator for write-back consumers.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.mu.Lock()
	m.writeValidator = validator
	for _, c := range m.consumers {
		c.SetWriteValidator(validator)
	}
	m.mu.Unlock()
}

// Publish queues a tag value for every connected cluster with
// PublishChanges set, unless the value is unchanged and force is false.
// Messages are keyed <plc>.<tag> so a tag's updates stay ordered.
func (m *Manager) Publish(plcName, tagName, address, typeName string, value interface{}, writable, force bool) {
	m.startWorkers()

	for _, p := range m.producerList() {
		if p.GetStatus() != StatusConnected || !p.config.PublishChanges || p.config.Topic == "" {
			continue
		}

		cacheKey := fmt.Sprintf("%s/%s/%s", p.config.Name, plcName, tagName)
		if !m.shouldPublish(cacheKey, value, force) {
			continue
		}

		payload, err := json.Marshal(TagMessage{
			PLC:       plcName,
			Tag:       tagName,
			Address:   address,
			Value:     value,
			Type:      typeName,
			Writable:  writable,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			continue
		}

		m.enqueue(publishJob{
			producer: p,
			topic:    p.config.Topic,
			key:      []byte(plcName + "." + tagName),
			payload:  payload,
			cacheKey: cacheKey,
			value:    value,
		})
	}
}

// PublishHealth queues a PLC health message for every publishing cluster.
func (m *Manager) PublishHealth(plcName string, online bool, status, errMsg string) {
	m.startWorkers()

	for _, p := range m.producerList() {
		if p.GetStatus() != StatusConnected || !p.config.PublishChanges || p.config.Topic == "" {
			continue
		}

		payload, err := json.Marshal(HealthMessage{
			PLC:       plcName,
			Online:    online,
			Status:    status,
			Error:     errMsg,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			continue
		}

		m.enqueue(publishJob{
			producer: p,
			topic:    p.config.HealthTopic(),
			key:      []byte(plcName),
			payload:  payload,
		})
	}
}

// AnyPublishing returns true if any connected cluster publishes changes.
func (m *Manager) AnyPublishing() bool {
	for _, p := range m.producerList() {
		if p.GetStatus() == StatusConnected && p.config.PublishChanges && p.config.Topic != "" {
			return true
		}
	}
	return false
}

// ClearLastValues clears the change tracking cache, forcing a full republish.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]interface{})
	m.lastMu.Unlock()
}
