// Package kafka produces tag change messages to Kafka clusters and
// consumes write-back requests.
package kafka

import (
	"crypto/tls"
	"strings"
	"time"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"s7link/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// DefaultWriteMaxAge is how old a write request may be before it is skipped.
const DefaultWriteMaxAge = 2 * time.Second

// Config holds the runtime configuration for one Kafka cluster.
type Config struct {
	Name          string
	Enabled       bool
	Brokers       []string
	UseTLS        bool
	TLSSkipVerify bool
	SASLMechanism SASLMechanism
	Username      string
	Password      string

	RequiredAcks     int // -1=all, 0=none, 1=leader only
	MaxRetries       int
	RetryBackoff     time.Duration
	AutoCreateTopics bool

	PublishChanges bool
	Topic          string // tag change topic; health goes to Topic + ".health"

	EnableWriteback bool
	ConsumerGroup   string
	WriteMaxAge     time.Duration
}

// DefaultConfig returns a Kafka configuration with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		Brokers:          []string{"localhost:9092"},
		RequiredAcks:     -1,
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		AutoCreateTopics: true,
		WriteMaxAge:      DefaultWriteMaxAge,
	}
}

// FromConfig converts a persisted cluster entry. The topic is the
// namespace, joined with the selector by a dot when one is set.
func FromConfig(c *config.KafkaConfig, namespace string) Config {
	cfg := DefaultConfig(c.Name)
	cfg.Enabled = c.Enabled
	if len(c.Brokers) > 0 {
		cfg.Brokers = c.Brokers
	}
	cfg.UseTLS = c.UseTLS
	cfg.TLSSkipVerify = c.TLSSkipVerify
	cfg.SASLMechanism = SASLMechanism(strings.ToUpper(c.SASLMechanism))
	cfg.Username = c.Username
	cfg.Password = c.Password
	if c.RequiredAcks != 0 {
		cfg.RequiredAcks = c.RequiredAcks
	}
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.RetryBackoff > 0 {
		cfg.RetryBackoff = c.RetryBackoff
	}
	if c.AutoCreateTopics != nil {
		cfg.AutoCreateTopics = *c.AutoCreateTopics
	}
	cfg.PublishChanges = c.PublishChanges
	cfg.Topic = namespace
	if c.Selector != "" {
		cfg.Topic = namespace + "." + c.Selector
	}
	cfg.EnableWriteback = c.EnableWriteback
	cfg.ConsumerGroup = c.ConsumerGroup
	if c.WriteMaxAge > 0 {
		cfg.WriteMaxAge = c.WriteMaxAge
	}
	return cfg
}

// HealthTopic returns the topic for PLC health messages.
func (c *Config) HealthTopic() string {
	return c.Topic + ".health"
}

// WriteTopic returns the topic consumed for write-back requests.
func (c *Config) WriteTopic() string {
	return c.Topic + ".writes"
}

// WriteResponseTopic returns the topic write results are produced to.
func (c *Config) WriteResponseTopic() string {
	return c.Topic + ".writes.responses"
}

// GetConsumerGroup returns the write-back consumer group.
func (c *Config) GetConsumerGroup() string {
	if c.ConsumerGroup != "" {
		return c.ConsumerGroup
	}
	return strings.ReplaceAll(c.Topic, ".", "-") + "-writeback"
}

// GetWriteMaxAge returns the write request expiry.
func (c *Config) GetWriteMaxAge() time.Duration {
	if c.WriteMaxAge > 0 {
		return c.WriteMaxAge
	}
	return DefaultWriteMaxAge
}

// GetTLSConfig returns a TLS configuration if TLS is enabled.
func (c *Config) GetTLSConfig() *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}

// saslMechanism returns the configured SASL mechanism, or nil without
// credentials.
func (c *Config) saslMechanism() (sasl.Mechanism, error) {
	if c.Username == "" {
		return nil, nil
	}

	switch c.SASLMechanism {
	case SASLPlain:
		return plain.Mechanism{Username: c.Username, Password: c.Password}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, c.Username, c.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, c.Username, c.Password)
	default:
		return nil, nil
	}
}
