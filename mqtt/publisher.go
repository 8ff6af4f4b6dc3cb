// Package mqtt publishes tag values to MQTT brokers and accepts write-back
// requests for writable tags.
package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"s7link/config"
	"s7link/logging"
)

func logMQTT(format string, args ...interface{}) {
	logging.DebugLog("mqtt", format, args...)
}

// writeJob represents a pending write operation.
type writeJob struct {
	client         pahomqtt.Client
	plcName        string
	tagName        string
	value          interface{}
	convertedValue interface{}
	err            error // set for requests rejected before reaching the handler
	handler        WriteHandler
}

// MaxWriteWorkers is the maximum number of concurrent write goroutines per publisher.
const MaxWriteWorkers = 5

// MaxWriteQueueSize is the maximum number of pending write jobs per publisher.
const MaxWriteQueueSize = 100

// Publisher handles one broker connection. Tag values are published
// retained at qos 1; write requests arrive on <root>/<plc>/write/<tag>.
type Publisher struct {
	config    *config.MQTTConfig
	namespace string
	client    pahomqtt.Client
	running   bool
	mu        sync.RWMutex

	// Last published values, keyed plc/tag
	lastValues map[string]interface{}
	lastMu     sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator
	tagTypeLookup  TagTypeLookup
	plcNames       []string

	writeQueue chan writeJob
	wg         sync.WaitGroup
	stopChan   chan struct{}
}

// TagMessage is the JSON structure published for each tag.
type TagMessage struct {
	Topic     string      `json:"topic"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Writable  bool        `json:"writable"`
	Timestamp string      `json:"timestamp"`
}

// WriteRequest is the JSON payload of a write request. A bare JSON value
// is accepted as well.
type WriteRequest struct {
	Value interface{} `json:"value"`
}

// WriteResponse is published to <root>/<plc>/write/<tag>/response.
type WriteResponse struct {
	Topic     string      `json:"topic"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// WriteHandler performs a write request and returns its error.
type WriteHandler func(plcName, tagName string, value interface{}) error

// TagTypeLookup returns the S7 type name of a tag, such as "INT" or
// "REAL[4]". It returns "" when the type is unknown.
type TagTypeLookup func(plcName, tagName string) string

// WriteValidator reports whether a tag exists and accepts writes.
type WriteValidator func(plcName, tagName string) bool

// NewPublisher creates a publisher for a single broker. The namespace and
// the broker's selector form the root topic.
func NewPublisher(cfg *config.MQTTConfig, namespace string) *Publisher {
	return &Publisher{
		config:     cfg,
		namespace:  namespace,
		lastValues: make(map[string]interface{}),
		writeQueue: make(chan writeJob, MaxWriteQueueSize),
		stopChan:   make(chan struct{}),
	}
}

// Name returns the publisher's name.
func (p *Publisher) Name() string {
	return p.config.Name
}

// RootTopic returns the namespace, joined with the selector when set.
func (p *Publisher) RootTopic() string {
	if p.config.Selector != "" {
		return p.namespace + "/" + p.config.Selector
	}
	return p.namespace
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Start connects to the broker and subscribes to the write topics.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.Address())
	if p.config.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetClientID(p.config.ClientID)
	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	// Subscriptions are lost on a clean-session reconnect.
	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		if p.IsRunning() {
			p.subscribeWriteTopics()
		}
	})

	client := pahomqtt.NewClient(opts)
	logMQTT("Connecting to broker %s", p.Address())

	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		logMQTT("Connection to %s timed out", p.Address())
		return fmt.Errorf("connection timeout")
	}
	if token.Error() != nil {
		logMQTT("Connection to %s failed: %v", p.Address(), token.Error())
		return token.Error()
	}
	logMQTT("Connected to broker %s", p.Address())

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		client.Disconnect(100)
		return nil
	}
	p.client = client
	p.running = true
	p.mu.Unlock()

	// Force a full republish after reconnecting
	p.lastMu.Lock()
	p.lastValues = make(map[string]interface{})
	p.lastMu.Unlock()

	p.startWriteWorkers()
	p.subscribeWriteTopics()
	return nil
}

func (p *Publisher) startWriteWorkers() {
	p.mu.RLock()
	queue := p.writeQueue
	stop := p.stopChan
	p.mu.RUnlock()

	for i := 0; i < MaxWriteWorkers; i++ {
		p.wg.Add(1)
		go p.writeWorker(queue, stop)
	}
}

func (p *Publisher) writeWorker(queue <-chan writeJob, stop <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			writeErr := job.err
			if writeErr == nil {
				if job.handler == nil {
					writeErr = fmt.Errorf("no write handler configured")
				} else {
					logMQTT("Executing write: %s/%s = %v", job.plcName, job.tagName, job.convertedValue)
					writeErr = job.handler(job.plcName, job.tagName, job.convertedValue)
					if writeErr != nil {
						logMQTT("Write %s/%s failed: %v", job.plcName, job.tagName, writeErr)
					}
				}
			}
			p.publishWriteResponse(job.client, job.plcName, job.tagName, job.value, writeErr)
		}
	}
}

// Stop disconnects from the broker.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running || p.client == nil {
		p.mu.Unlock()
		return
	}
	p.running = false
	client := p.client
	p.client = nil

	oldStopChan := p.stopChan
	p.stopChan = make(chan struct{})
	p.writeQueue = make(chan writeJob, MaxWriteQueueSize)
	p.mu.Unlock()

	close(oldStopChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logMQTT("Timeout waiting for write workers to stop")
	}

	client.Disconnect(500)
	logMQTT("Disconnected from %s", p.Address())
}

// BuildTopic returns the value topic of a tag.
func (p *Publisher) BuildTopic(plcName, tagName string) string {
	return fmt.Sprintf("%s/%s/tags/%s", p.RootTopic(), plcName, tagName)
}

// WriteTopic returns the subscription filter for write requests to a PLC.
func (p *Publisher) WriteTopic(plcName string) string {
	return fmt.Sprintf("%s/%s/write/+", p.RootTopic(), plcName)
}

// Publish sends a tag value if it differs from the last one published.
func (p *Publisher) Publish(plcName, tagName, address, typeName string, value interface{}, writable, force bool) bool {
	p.mu.RLock()
	running := p.running
	client := p.client
	p.mu.RUnlock()

	if !running || client == nil {
		return false
	}

	cacheKey := plcName + "/" + tagName
	if !p.shouldPublish(cacheKey, value, force) {
		return false
	}

	payload, err := json.Marshal(TagMessage{
		Topic:     p.RootTopic(),
		PLC:       plcName,
		Tag:       tagName,
		Address:   address,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false
	}

	token := client.Publish(p.BuildTopic(plcName, tagName), 1, true, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return false
	}
	if token.Error() != nil {
		logMQTT("Publish %s failed: %v", cacheKey, token.Error())
		return false
	}

	p.lastMu.Lock()
	p.lastValues[cacheKey] = value
	p.lastMu.Unlock()
	return true
}

func (p *Publisher) shouldPublish(cacheKey string, value interface{}, force bool) bool {
	p.lastMu.RLock()
	lastValue, exists := p.lastValues[cacheKey]
	p.lastMu.RUnlock()
	return !exists || force || fmt.Sprintf("%v", lastValue) != fmt.Sprintf("%v", value)
}

// Address returns the broker URL.
func (p *Publisher) Address() string {
	if p.config.UseTLS {
		return fmt.Sprintf("ssl://%s:%d", p.config.Broker, p.config.Port)
	}
	return fmt.Sprintf("tcp://%s:%d", p.config.Broker, p.config.Port)
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.MQTTConfig {
	return p.config
}

// SetWriteHandler sets the callback for handling write requests.
func (p *Publisher) SetWriteHandler(handler WriteHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator WriteValidator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetTagTypeLookup sets the callback for looking up tag types.
func (p *Publisher) SetTagTypeLookup(lookup TagTypeLookup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tagTypeLookup = lookup
}

// SetPLCNames sets the PLC names to subscribe for write requests.
func (p *Publisher) SetPLCNames(names []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plcNames = names
}

func (p *Publisher) subscribeWriteTopics() {
	p.mu.RLock()
	client := p.client
	plcNames := p.plcNames
	p.mu.RUnlock()

	if client == nil || len(plcNames) == 0 {
		return
	}

	for _, plcName := range plcNames {
		topic := p.WriteTopic(plcName)
		token := client.Subscribe(topic, 1, p.handleWriteMessage)
		if !token.WaitTimeout(2 * time.Second) {
			logMQTT("Subscribe timeout for %s", topic)
			continue
		}
		if token.Error() != nil {
			logMQTT("Subscribe error for %s: %v", topic, token.Error())
			continue
		}
		logMQTT("Subscribed to %s", topic)
	}
}

// parseWriteTopic splits <root>/<plc>/write/<tag> into its PLC and tag.
func parseWriteTopic(rootTopic, topic string) (plcName, tagName string, ok bool) {
	rest, found := strings.CutPrefix(topic, rootTopic+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "write" || parts[0] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}

// parseWritePayload accepts {"value": v} or a bare JSON value.
func parseWritePayload(payload []byte) (interface{}, error) {
	var raw interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	if obj, ok := raw.(map[string]interface{}); ok {
		v, ok := obj["value"]
		if !ok {
			return nil, fmt.Errorf("missing value field")
		}
		return v, nil
	}
	return raw, nil
}

// convertValueForType converts a decoded JSON value to the Go type the S7
// encoder expects for typeName. Array and unknown types pass through.
func convertValueForType(value interface{}, typeName string) (interface{}, error) {
	base := typeName
	if strings.HasPrefix(typeName, "STRING[") && strings.Count(typeName, "[") == 1 {
		base = "STRING"
	} else if strings.Contains(typeName, "[") {
		return value, nil
	}

	var (
		numVal   float64
		isNumber bool
	)
	switch v := value.(type) {
	case float64:
		numVal, isNumber = v, true
	case bool, string:
	default:
		return nil, fmt.Errorf("unsupported value type: %T", value)
	}

	intIn := func(lo, hi float64) (float64, error) {
		if !isNumber {
			return 0, fmt.Errorf("cannot convert %T to %s", value, base)
		}
		if numVal < lo || numVal > hi || numVal != math.Trunc(numVal) {
			return 0, fmt.Errorf("value %v out of range for %s (%.0f to %.0f)", numVal, base, lo, hi)
		}
		return numVal, nil
	}

	switch base {
	case "BOOL":
		switch v := value.(type) {
		case bool:
			return v, nil
		case float64:
			return v != 0, nil
		}
		return nil, fmt.Errorf("cannot convert %T to BOOL", value)
	case "BYTE":
		n, err := intIn(0, math.MaxUint8)
		return uint8(n), err
	case "WORD":
		n, err := intIn(0, math.MaxUint16)
		return uint16(n), err
	case "DWORD":
		n, err := intIn(0, math.MaxUint32)
		return uint32(n), err
	case "INT", "TIMER", "COUNTER":
		n, err := intIn(math.MinInt16, math.MaxInt16)
		return int16(n), err
	case "DINT":
		n, err := intIn(math.MinInt32, math.MaxInt32)
		return int32(n), err
	case "REAL":
		if !isNumber {
			return nil, fmt.Errorf("cannot convert %T to REAL", value)
		}
		return float32(numVal), nil
	case "CHAR", "STRING":
		if s, ok := value.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("cannot convert %T to %s", value, typeName)
	default:
		return value, nil
	}
}

func (p *Publisher) handleWriteMessage(client pahomqtt.Client, msg pahomqtt.Message) {
	logMQTT("Write request on %s: %s", msg.Topic(), string(msg.Payload()))

	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	typeLookup := p.tagTypeLookup
	queue := p.writeQueue
	p.mu.RUnlock()

	plcName, tagName, ok := parseWriteTopic(p.RootTopic(), msg.Topic())
	if !ok {
		logMQTT("Ignoring message on unexpected topic %s", msg.Topic())
		return
	}

	job := writeJob{client: client, plcName: plcName, tagName: tagName, handler: handler}

	value, err := parseWritePayload(msg.Payload())
	job.value = value
	switch {
	case err != nil:
		job.err = err
	case validator != nil && !validator(plcName, tagName):
		job.err = fmt.Errorf("tag not writable: %s/%s", plcName, tagName)
	default:
		job.convertedValue = value
		if typeLookup != nil {
			if typeName := typeLookup(plcName, tagName); typeName != "" {
				job.convertedValue, job.err = convertValueForType(value, typeName)
			}
		}
	}

	select {
	case queue <- job:
	default:
		logMQTT("Write queue full, rejecting write for %s/%s", plcName, tagName)
		go p.publishWriteResponse(client, plcName, tagName, value, fmt.Errorf("write queue full, try again later"))
	}
}

func (p *Publisher) publishWriteResponse(client pahomqtt.Client, plcName, tagName string, value interface{}, err error) {
	resp := WriteResponse{
		Topic:     p.RootTopic(),
		PLC:       plcName,
		Tag:       tagName,
		Value:     value,
		Success:   err == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		resp.Error = err.Error()
	}

	payload, _ := json.Marshal(resp)
	responseTopic := fmt.Sprintf("%s/%s/write/%s/response", p.RootTopic(), plcName, tagName)
	token := client.Publish(responseTopic, 1, false, payload)
	token.WaitTimeout(2 * time.Second)
}

// Manager manages multiple MQTT publishers.
type Manager struct {
	publishers     map[string]*Publisher
	mu             sync.RWMutex
	writeHandler   WriteHandler
	writeValidator WriteValidator
	tagTypeLookup  TagTypeLookup
	plcNames       []string
}

// NewManager creates a new MQTT manager.
func NewManager() *Manager {
	return &Manager{
		publishers: make(map[string]*Publisher),
	}
}

// Add adds a publisher and applies the manager's callbacks to it.
func (m *Manager) Add(pub *Publisher) {
	m.mu.Lock()
	m.publishers[pub.Name()] = pub
	handler := m.writeHandler
	validator := m.writeValidator
	typeLookup := m.tagTypeLookup
	plcNames := m.plcNames
	m.mu.Unlock()

	if handler != nil {
		pub.SetWriteHandler(handler)
	}
	if validator != nil {
		pub.SetWriteValidator(validator)
	}
	if typeLookup != nil {
		pub.SetTagTypeLookup(typeLookup)
	}
	if len(plcNames) > 0 {
		pub.SetPLCNames(plcNames)
	}
}

// Remove stops and removes a publisher by name.
func (m *Manager) Remove(name string) {
	m.mu.Lock()
	pub, exists := m.publishers[name]
	if exists {
		delete(m.publishers, name)
	}
	m.mu.Unlock()

	if exists {
		pub.Stop()
	}
}

// Get returns a publisher by name.
func (m *Manager) Get(name string) *Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publishers[name]
}

// List returns all publishers.
func (m *Manager) List() []*Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Publisher, 0, len(m.publishers))
	for _, pub := range m.publishers {
		result = append(result, pub)
	}
	return result
}

// StartAll starts every enabled publisher and returns how many started.
func (m *Manager) StartAll() int {
	started := 0
	for _, pub := range m.List() {
		if pub.config.Enabled && !pub.IsRunning() {
			if err := pub.Start(); err != nil {
				logMQTT("Failed to start %s: %v", pub.Name(), err)
				continue
			}
			logMQTT("Started %s (%s)", pub.Name(), pub.Address())
			started++
		}
	}
	return started
}

// StopAll stops all publishers.
func (m *Manager) StopAll() {
	for _, pub := range m.List() {
		pub.Stop()
	}
}

// Publish sends a value to all running publishers.
func (m *Manager) Publish(plcName, tagName, address, typeName string, value interface{}, writable, force bool) {
	for _, pub := range m.List() {
		if pub.IsRunning() {
			pub.Publish(plcName, tagName, address, typeName, value, writable, force)
		}
	}
}

// AnyRunning returns true if any publisher is running.
func (m *Manager) AnyRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, pub := range m.publishers {
		if pub.IsRunning() {
			return true
		}
	}
	return false
}

// LoadFromConfig creates publishers from configuration.
func (m *Manager) LoadFromConfig(cfgs []config.MQTTConfig, namespace string) {
	for i := range cfgs {
		m.Add(NewPublisher(&cfgs[i], namespace))
	}
}

// SetWriteHandler sets the write handler for all publishers.
func (m *Manager) SetWriteHandler(handler WriteHandler) {
	m.mu.Lock()
	m.writeHandler = handler
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteHandler(handler)
	}
}

// SetWriteValidator sets the write validator for all publishers.
func (m *Manager) SetWriteValidator(validator WriteValidator) {
	m.mu.Lock()
	m.writeValidator = validator
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetWriteValidator(validator)
	}
}

// SetTagTypeLookup sets the tag type lookup for all publishers.
func (m *Manager) SetTagTypeLookup(lookup TagTypeLookup) {
	m.mu.Lock()
	m.tagTypeLookup = lookup
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetTagTypeLookup(lookup)
	}
}

// SetPLCNames sets the PLC names for write subscriptions on all publishers.
func (m *Manager) SetPLCNames(names []string) {
	m.mu.Lock()
	m.plcNames = names
	m.mu.Unlock()

	for _, pub := range m.List() {
		pub.SetPLCNames(names)
	}
}

// UpdateWriteSubscriptions resubscribes running publishers after PLCs are
// added or removed.
func (m *Manager) UpdateWriteSubscriptions() {
	m.mu.RLock()
	plcNames := m.plcNames
	m.mu.RUnlock()

	for _, pub := range m.List() {
		pub.SetPLCNames(plcNames)
		if pub.IsRunning() {
			pub.subscribeWriteTopics()
		}
	}
}
