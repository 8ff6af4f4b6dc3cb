package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// WriteBackBatchInterval is how often pending write requests are executed.
const WriteBackBatchInterval = 250 * time.Millisecond

// WriteRequest is the JSON structure of a write-back request.
type WriteRequest struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	RequestID string      `json:"request_id,omitempty"`
}

// WriteResponse is produced to the response topic for every request.
type WriteResponse struct {
	PLC          string      `json:"plc"`
	Tag          string      `json:"tag"`
	Value        interface{} `json:"value"`
	RequestID    string      `json:"request_id,omitempty"`
	Success      bool        `json:"success"`
	Error        string      `json:"error,omitempty"`
	Skipped      bool        `json:"skipped,omitempty"`      // request older than WriteMaxAge
	Deduplicated bool        `json:"deduplicated,omitempty"` // replaced by a newer request for the tag
	Timestamp    time.Time   `json:"timestamp"`
}

// WriteHandler performs a write request and returns its error.
type WriteHandler func(plcName, tagName string, value interface{}) error

// WriteValidator reports whether a tag exists and accepts writes.
type WriteValidator func(plcName, tagName string) bool

type pendingWrite struct {
	request     WriteRequest
	messageTime time.Time
	offset      int64
}

// writeBatch collects requests between executions. The latest request for
// a plc.tag key wins; earlier ones are answered as deduplicated.
type writeBatch struct {
	pending   map[string]pendingWrite
	discarded []pendingWrite
}

func newWriteBatch() *writeBatch {
	return &writeBatch{pending: make(map[string]pendingWrite)}
}

func (b *writeBatch) add(key string, pw pendingWrite) {
	if key == "" {
		key = pw.request.PLC + "." + pw.request.Tag
	}
	if existing, ok := b.pending[key]; ok {
		b.discarded = append(b.discarded, existing)
	}
	b.pending[key] = pw
}

func (b *writeBatch) empty() bool {
	return len(b.pending) == 0 && len(b.discarded) == 0
}

// Consumer reads write requests from <topic>.writes and answers on
// <topic>.writes.responses.
type Consumer struct {
	config   *Config
	producer *Producer
	reader   *kafka.Reader
	running  bool
	mu       sync.RWMutex

	writeHandler   WriteHandler
	writeValidator WriteValidator

	// respond delivers a response; sendResponse unless replaced in tests.
	respond func(WriteResponse)

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a write-back consumer that answers through producer.
func NewConsumer(config *Config, producer *Producer) *Consumer {
	c := &Consumer{
		config:   config,
		producer: producer,
		stopChan: make(chan struct{}),
	}
	c.respond = c.sendResponse
	return c
}

// SetWriteHandler sets the callback for processing write requests.
func (c *Consumer) SetWriteHandler(handler WriteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHandler = handler
}

// SetWriteValidator sets the callback for validating write requests.
func (c *Consumer) SetWriteValidator(validator WriteValidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeValidator = validator
}

// Start begins consuming write requests.
func (c *Consumer) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	dialer, err := newDialer(c.config)
	if err != nil {
		return err
	}

	topic := c.config.WriteTopic()
	group := c.config.GetConsumerGroup()
	logKafka("[Consumer] Starting for topic '%s' with group '%s'", topic, group)

	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.config.Brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        100 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: time.Second,
		Dialer:         dialer,
	})
	c.running = true
	c.stopChan = make(chan struct{})

	c.wg.Add(1)
	go c.consumeLoop(c.reader, c.stopChan)
	return nil
}

// Stop stops the consumer after executing any pending requests.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopChan)
	reader := c.reader
	c.reader = nil
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		logKafka("[Consumer] Stop timeout")
	}

	reader.Close()
}

// IsRunning returns whether the consumer is running.
func (c *Consumer) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Consumer) consumeLoop(reader *kafka.Reader, stop <-chan struct{}) {
	defer c.wg.Done()

	messages := make(chan kafka.Message)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		defer close(messages)
		for {
			msg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logKafka("[Consumer] Fetch error: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(WriteBackBatchInterval)
	defer ticker.Stop()

	batch := newWriteBatch()
	for {
		select {
		case <-stop:
			if !batch.empty() {
				c.processBatch(batch, time.Now())
			}
			return

		case <-ticker.C:
			if !batch.empty() {
				c.processBatch(batch, time.Now())
				batch = newWriteBatch()
			}

		case msg, ok := <-messages:
			if !ok {
				return
			}
			var req WriteRequest
			if err := json.Unmarshal(msg.Value, &req); err != nil {
				logKafka("[Consumer] Skipping malformed request at offset %d: %v", msg.Offset, err)
			} else {
				batch.add(string(msg.Key), pendingWrite{request: req, messageTime: msg.Time, offset: msg.Offset})
			}
			c.commitMessage(reader, msg)
		}
	}
}

// processBatch answers superseded requests, skips expired ones and
// executes the rest.
func (c *Consumer) processBatch(batch *writeBatch, now time.Time) {
	c.mu.RLock()
	handler := c.writeHandler
	validator := c.writeValidator
	respond := c.respond
	c.mu.RUnlock()

	maxAge := c.config.GetWriteMaxAge()

	for _, pw := range batch.discarded {
		req := pw.request
		respond(WriteResponse{
			PLC:          req.PLC,
			Tag:          req.Tag,
			Value:        req.Value,
			RequestID:    req.RequestID,
			Error:        "request superseded by newer write to same tag",
			Deduplicated: true,
			Timestamp:    now,
		})
	}

	var succeeded, failed, skipped int
	for _, pw := range batch.pending {
		req := pw.request
		resp := WriteResponse{
			PLC:       req.PLC,
			Tag:       req.Tag,
			Value:     req.Value,
			RequestID: req.RequestID,
			Timestamp: now,
		}

		if age := now.Sub(pw.messageTime); age > maxAge {
			resp.Error = fmt.Sprintf("request expired (age: %v, max: %v)", age.Round(time.Millisecond), maxAge)
			resp.Skipped = true
			skipped++
			respond(resp)
			continue
		}

		var err error
		switch {
		case validator != nil && !validator(req.PLC, req.Tag):
			err = fmt.Errorf("tag is not writable")
		case handler == nil:
			err = fmt.Errorf("no write handler configured")
		default:
			err = handler(req.PLC, req.Tag, req.Value)
		}
		if err != nil {
			resp.Error = err.Error()
			failed++
		} else {
			resp.Success = true
			succeeded++
		}
		respond(resp)
	}

	logKafka("[Consumer] Batch complete: %d succeeded, %d failed, %d expired, %d deduplicated",
		succeeded, failed, skipped, len(batch.discarded))
}

func (c *Consumer) sendResponse(resp WriteResponse) {
	if c.producer == nil || c.producer.GetStatus() != StatusConnected {
		logKafka("[Consumer] Cannot send response: producer not connected")
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		logKafka("[Consumer] Failed to marshal response: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := []byte(resp.PLC + "." + resp.Tag)
	if err := c.producer.Produce(ctx, c.config.WriteResponseTopic(), key, payload); err != nil {
		logKafka("[Consumer] Failed to publish response: %v", err)
	}
}

func (c *Consumer) commitMessage(reader *kafka.Reader, msg kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := reader.CommitMessages(ctx, msg); err != nil {
		logKafka("[Consumer] Failed to commit message: %v", err)
	}
}
