// Package valkey stores tag values in Valkey/Redis and serves a write-back
// queue for writable tags.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"s7link/config"
	"s7link/logging"
)

func debugLog(format string, args ...interface{}) {
	logging.DebugLog("valkey", format, args...)
}

// joinKey joins key segments with colons, dropping empty segments and
// stray colons so keys never contain "::".
func joinKey(segments ...string) string {
	var parts []string
	for _, s := range segments {
		s = strings.Trim(s, ":")
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ":")
}

// TagMessage is the JSON value stored under <factory>:<plc>:tags:<tag>.
type TagMessage struct {
	Factory   string      `json:"factory"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type"`
	Writable  bool        `json:"writable"`
	Timestamp time.Time   `json:"timestamp"`
}

// WriteRequest is an entry of the <factory>:writes list.
type WriteRequest struct {
	PLC   string      `json:"plc"`
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is published on <factory>:write:responses.
type WriteResponse struct {
	Factory   string      `json:"factory"`
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HealthMessage is the JSON value stored under <factory>:<plc>:health.
type HealthMessage struct {
	Factory   string    `json:"factory"`
	PLC       string    `json:"plc"`
	Online    bool      `json:"online"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher handles publishing tag values to a Valkey server.
type Publisher struct {
	config    *config.ValkeyConfig
	namespace string
	client    *redis.Client
	running   bool
	mu        sync.RWMutex

	writeHandler      func(plcName, tagName string, value interface{}) error
	writeValidator    func(plcName, tagName string) bool
	onConnectCallback func()

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPublisher creates a new Valkey publisher. Keys are rooted at the
// namespace, joined with the selector when set.
func NewPublisher(cfg *config.ValkeyConfig, namespace string) *Publisher {
	return &Publisher{
		config:    cfg,
		namespace: namespace,
		stopChan:  make(chan struct{}),
	}
}

// Factory returns the key prefix.
func (p *Publisher) Factory() string {
	return joinKey(p.namespace, p.config.Selector)
}

// TagKey returns the key holding a tag value.
func (p *Publisher) TagKey(plcName, tagName string) string {
	return joinKey(p.Factory(), plcName, "tags", tagName)
}

// Start connects to the Valkey server.
func (p *Publisher) Start() error {
	p.mu.RLock()
	if p.running {
		p.mu.RUnlock()
		return nil
	}
	p.mu.RUnlock()

	opts := &redis.Options{
		Addr:         p.config.Address,
		Password:     p.config.Password,
		DB:           p.config.Database,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	}
	if p.config.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)
	debugLog("Connecting to Valkey at %s (DB: %d, TLS: %v)", p.config.Address, p.config.Database, p.config.UseTLS)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		debugLog("Valkey connection failed: %v", err)
		client.Close()
		return fmt.Errorf("failed to connect to Valkey at %s: %w", p.config.Address, err)
	}
	debugLog("Connected to Valkey at %s", p.config.Address)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		client.Close()
		return nil
	}
	p.client = client
	p.running = true
	p.stopChan = make(chan struct{})

	if p.config.EnableWriteback {
		p.wg.Add(1)
		go p.writebackListener(client, p.stopChan)
	}
	if p.onConnectCallback != nil {
		go p.onConnectCallback()
	}
	return nil
}

// Stop disconnects from the Valkey server.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	client := p.client
	p.client = nil
	p.mu.Unlock()

	// The listener wakes up at least once a second from BLPop.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
	}

	if client != nil {
		return client.Close()
	}
	return nil
}

// IsRunning returns whether the publisher is connected.
func (p *Publisher) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Config returns the publisher's configuration.
func (p *Publisher) Config() *config.ValkeyConfig {
	return p.config
}

// Address returns the server address.
func (p *Publisher) Address() string {
	scheme := "redis"
	if p.config.UseTLS {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s", scheme, p.config.Address)
}

func (p *Publisher) activeClient() *redis.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil
	}
	return p.client
}

// Publish stores a tag value and, when PublishChanges is set, announces it
// on <factory>:<plc>:changes and <factory>:_all:changes.
func (p *Publisher) Publish(plcName, tagName, address, typeName string, value interface{}, writable bool) error {
	client := p.activeClient()
	if client == nil {
		return nil
	}

	data, err := json.Marshal(TagMessage{
		Factory:   p.Factory(),
		PLC:       plcName,
		Tag:       tagName,
		Address:   address,
		Value:     value,
		Type:      typeName,
		Writable:  writable,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal tag value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Set(ctx, p.TagKey(plcName, tagName), data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	if p.config.PublishChanges {
		pipe := client.Pipeline()
		pipe.Publish(ctx, joinKey(p.Factory(), plcName, "changes"), data)
		pipe.Publish(ctx, joinKey(p.Factory(), "_all", "changes"), data)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to publish change: %w", err)
		}
	}
	return nil
}

// PublishHealth stores a PLC's connection status under <factory>:<plc>:health.
func (p *Publisher) PublishHealth(plcName string, online bool, status, errMsg string) error {
	client := p.activeClient()
	if client == nil {
		return nil
	}

	data, err := json.Marshal(HealthMessage{
		Factory:   p.Factory(),
		PLC:       plcName,
		Online:    online,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := joinKey(p.Factory(), plcName, "health")
	if err := client.Set(ctx, key, data, p.config.KeyTTL).Err(); err != nil {
		return fmt.Errorf("failed to set health key: %w", err)
	}
	if p.config.PublishChanges {
		client.Publish(ctx, key, data)
	}
	return nil
}

// SetWriteHandler sets the callback for processing write requests.
func (p *Publisher) SetWriteHandler(handler func(plcName, tagName string, value interface{}) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (p *Publisher) SetWriteValidator(validator func(plcName, tagName string) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeValidator = validator
}

// SetOnConnectCallback sets the callback invoked after connection is established.
func (p *Publisher) SetOnConnectCallback(callback func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectCallback = callback
}

// writebackListener pops write requests from <factory>:writes.
func (p *Publisher) writebackListener(client *redis.Client, stop <-chan struct{}) {
	defer p.wg.Done()

	queueKey := joinKey(p.Factory(), "writes")
	responseChannel := joinKey(p.Factory(), "write", "responses")

	for {
		select {
		case <-stop:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		result, err := client.BLPop(ctx, time.Second, queueKey).Result()
		cancel()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				debugLog("Valkey write queue error: %v", err)
				select {
				case <-stop:
					return
				case <-time.After(time.Second):
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		resp := p.handleWriteRequest([]byte(result[1]))
		data, _ := json.Marshal(resp)
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		client.Publish(ctx, responseChannel, data)
		cancel()
	}
}

// handleWriteRequest decodes and executes one queued write.
func (p *Publisher) handleWriteRequest(payload []byte) WriteResponse {
	p.mu.RLock()
	handler := p.writeHandler
	validator := p.writeValidator
	p.mu.RUnlock()

	resp := WriteResponse{Factory: p.Factory(), Timestamp: time.Now().UTC()}

	var req WriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		resp.Error = fmt.Sprintf("invalid write request: %v", err)
		debugLog("Failed to parse write request: %v", err)
		return resp
	}
	resp.PLC, resp.Tag, resp.Value = req.PLC, req.Tag, req.Value

	switch {
	case req.PLC == "" || req.Tag == "":
		resp.Error = "plc and tag are required"
	case validator != nil && !validator(req.PLC, req.Tag):
		resp.Error = "tag is not writable"
	case handler == nil:
		resp.Error = "no write handler configured"
	default:
		if err := handler(req.PLC, req.Tag, req.Value); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Success = true
		}
	}

	debugLog("Valkey write %s:%s = %v -> success=%v", req.PLC, req.Tag, req.Value, resp.Success)
	return resp
}
