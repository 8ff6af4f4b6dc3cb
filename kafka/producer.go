package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"s7link/logging"
)

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

// ConnectionStatus represents the state of a Kafka connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "Disconnected"
	case StatusConnecting:
		return "Connecting"
	case StatusConnected:
		return "Connected"
	case StatusError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Producer writes messages to one Kafka cluster, one writer per topic.
type Producer struct {
	config  *Config
	writers map[string]*kafka.Writer
	status  ConnectionStatus
	lastErr error
	mu      sync.RWMutex

	messagesSent  int64
	messagesError int64
	lastSendTime  time.Time
}

// NewProducer creates a new Kafka producer.
func NewProducer(config *Config) *Producer {
	return &Producer{
		config:  config,
		writers: make(map[string]*kafka.Writer),
		status:  StatusDisconnected,
	}
}

// Config returns the producer's configuration.
func (p *Producer) Config() *Config {
	return p.config
}

// GetStatus returns the current connection status.
func (p *Producer) GetStatus() ConnectionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// GetError returns the last error.
func (p *Producer) GetError() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastErr
}

// GetStats returns producer statistics.
func (p *Producer) GetStats() (sent, errors int64, lastSend time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messagesSent, p.messagesError, p.lastSendTime
}

func (p *Producer) setStatus(status ConnectionStatus, err error) {
	p.mu.Lock()
	p.status = status
	p.lastErr = err
	p.mu.Unlock()
}

// Connect verifies that at least one broker answers a controller lookup.
func (p *Producer) Connect() error {
	p.setStatus(StatusConnecting, nil)
	name := p.config.Name
	logKafka("CONNECT %s: connecting to brokers %v", name, p.config.Brokers)

	dialer, err := p.createDialer()
	if err != nil {
		p.setStatus(StatusError, err)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for _, broker := range p.config.Brokers {
		conn, err := dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Controller()
		conn.Close()
		if err != nil {
			lastErr = err
			continue
		}

		p.setStatus(StatusConnected, nil)
		logKafka("CONNECT %s: connected via %s", name, broker)
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no brokers configured")
	}
	err = fmt.Errorf("failed to connect: %w", lastErr)
	p.setStatus(StatusError, err)
	logKafka("CONNECT %s: FAILED - %v", name, lastErr)
	return err
}

// Disconnect closes all writers.
func (p *Producer) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()

	logKafka("DISCONNECT %s: closing %d topic writers", p.config.Name, len(p.writers))
	for topic, writer := range p.writers {
		writer.Close()
		delete(p.writers, topic)
	}
	p.status = StatusDisconnected
	p.lastErr = nil
}

// Produce sends one message synchronously and returns once it is
// acknowledged per RequiredAcks.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte) error {
	start := time.Now()

	writer, err := p.getWriter(topic)
	if err != nil {
		return err
	}

	err = writer.WriteMessages(ctx, kafka.Message{Key: key, Value: value, Time: time.Now()})
	if err != nil {
		p.mu.Lock()
		p.messagesError++
		p.lastErr = err
		p.mu.Unlock()
		if strings.Contains(err.Error(), "Unknown Topic") {
			logKafka("TOPIC %s: topic '%s' not found on broker", p.config.Name, topic)
		}
		logKafka("PRODUCE %s: FAILED topic '%s' after %v: %v", p.config.Name, topic, time.Since(start), err)
		return fmt.Errorf("kafka produce failed: %w", err)
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		logKafka("PRODUCE %s: topic '%s' took %v", p.config.Name, topic, d)
	}

	p.mu.Lock()
	p.messagesSent++
	p.lastSendTime = time.Now()
	p.lastErr = nil
	p.mu.Unlock()
	return nil
}

// ProduceWithRetry retries Produce with linear backoff.
func (p *Producer) ProduceWithRetry(ctx context.Context, topic string, key, value []byte) error {
	maxRetries := p.config.MaxRetries
	backoff := p.config.RetryBackoff

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		err := p.Produce(ctx, topic, key, value)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("kafka produce failed after %d attempts: %w", maxRetries+1, lastErr)
}

func (p *Producer) getWriter(topic string) (*kafka.Writer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.status != StatusConnected {
		return nil, fmt.Errorf("kafka cluster '%s' not connected", p.config.Name)
	}
	if writer, exists := p.writers[topic]; exists {
		return writer, nil
	}

	transport, err := p.createTransport()
	if err != nil {
		return nil, err
	}

	// Topics are created by the broker on first produce when allowed.
	writer := &kafka.Writer{
		Addr:      kafka.TCP(p.config.Brokers...),
		Topic:     topic,
		Balancer:  &kafka.Hash{},
		Transport: transport,

		RequiredAcks: kafka.RequiredAcks(p.config.RequiredAcks),
		MaxAttempts:  p.config.MaxRetries,

		BatchSize:    100,
		BatchBytes:   1048576,
		BatchTimeout: 10 * time.Millisecond,

		AllowAutoTopicCreation: p.config.AutoCreateTopics,
	}

	p.writers[topic] = writer
	logKafka("TOPIC %s: created writer for topic '%s' (auto-create=%v)", p.config.Name, topic, p.config.AutoCreateTopics)
	return writer, nil
}

func (p *Producer) createDialer() (*kafka.Dialer, error) {
	return newDialer(p.config)
}

func (p *Producer) createTransport() (*kafka.Transport, error) {
	mechanism, err := p.config.saslMechanism()
	if err != nil {
		return nil, fmt.Errorf("sasl: %w", err)
	}
	return &kafka.Transport{
		DialTimeout: 10 * time.Second,
		TLS:         p.config.GetTLSConfig(),
		SASL:        mechanism,
	}, nil
}

// newDialer creates a dialer with the cluster's TLS and SASL settings.
func newDialer(cfg *Config) (*kafka.Dialer, error) {
	mechanism, err := cfg.saslMechanism()
	if err != nil {
		return nil, fmt.Errorf("sasl: %w", err)
	}
	return &kafka.Dialer{
		Timeout:       10 * time.Second,
		DualStack:     true,
		TLS:           cfg.GetTLSConfig(),
		SASLMechanism: mechanism,
	}, nil
}
