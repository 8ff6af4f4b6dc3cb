package s7

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Client is an asynchronous S7 connection. A single run loop goroutine
// owns the socket, the connection state and all in-flight requests;
// the methods below talk to it over channels and are safe for concurrent use.
type Client struct {
	address string
	opts    options

	in     chan interface{}
	quit   chan struct{}
	events chan Event

	state    atomic.Int32
	pduSize  atomic.Int32
	parallel atomic.Int32

	closeOnce sync.Once

	mu           sync.RWMutex
	translations map[string]string
	tags         []*Address
}

// options holds configuration options for NewClient.
type options struct {
	port           int
	rack           int
	slot           int
	localTSAP      uint16
	remoteTSAP     uint16
	useTSAP        bool
	connectTimeout time.Duration
	requestTimeout time.Duration
	optimize       bool
	autoReconnect  bool
	maxGap         int
	maxParallel    int
	maxPDU         int
	name           string
	dialer         Dialer
}

func defaultOptions() options {
	return options{
		port:           defaultS7Port,
		rack:           0,
		slot:           1,
		connectTimeout: 5 * time.Second,
		requestTimeout: 1500 * time.Millisecond,
		optimize:       true,
		autoReconnect:  true,
		maxGap:         10,
		maxParallel:    8,
		maxPDU:         960,
		dialer:         &net.Dialer{},
	}
}

// Option is a functional option for NewClient.
type Option func(*options)

// WithPort sets the TCP port used when the host carries none. Default 102.
func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

// WithRackSlot configures the rack and slot numbers for the PLC.
// Default is rack 0, slot 1. S7-1200/1500 usually need slot 0 or 1,
// S7-300/400 the slot where the CPU is placed (often 2).
func WithRackSlot(rack, slot int) Option {
	return func(o *options) {
		o.rack = rack
		o.slot = slot
		o.useTSAP = false
	}
}

// WithTSAP uses an explicit local/remote TSAP pair instead of rack and slot.
func WithTSAP(local, remote uint16) Option {
	return func(o *options) {
		o.localTSAP = local
		o.remoteTSAP = remote
		o.useTSAP = true
	}
}

// WithConnectTimeout bounds the TCP dial and the PDU negotiation.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithRequestTimeout bounds every packet and the ISO connection confirm.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithOptimize enables or disables coalescing of neighbouring reads.
func WithOptimize(on bool) Option {
	return func(o *options) { o.optimize = on }
}

// WithAutoReconnect enables or disables reconnecting after a connection loss.
func WithAutoReconnect(on bool) Option {
	return func(o *options) { o.autoReconnect = on }
}

// WithMaxGap sets how many unused bytes may sit between two coalesced reads.
func WithMaxGap(n int) Option {
	return func(o *options) { o.maxGap = n }
}

// WithMaxParallel sets the number of parallel jobs requested from the PLC.
func WithMaxParallel(n int) Option {
	return func(o *options) { o.maxParallel = n }
}

// WithMaxPDU sets the PDU size requested from the PLC.
func WithMaxPDU(n int) Option {
	return func(o *options) { o.maxPDU = n }
}

// WithName labels the client in debug logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// NewClient creates a client for the PLC at host ("10.0.0.1" or
// "10.0.0.1:102"). It does not connect; call Connect or use Dial.
func NewClient(host string, opts ...Option) *Client {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxParallel < 1 {
		cfg.maxParallel = 1
	}
	if cfg.maxGap < 0 {
		cfg.maxGap = 0
	}

	c := &Client{
		address:      hostPort(host, cfg.port),
		in:           make(chan interface{}, 16),
		quit:         make(chan struct{}),
		events:       make(chan Event, eventBufferSize),
		translations: make(map[string]string),
	}
	if cfg.name == "" {
		cfg.name = c.address
	}
	c.opts = cfg
	c.pduSize.Store(int32(cfg.maxPDU))
	c.parallel.Store(int32(cfg.maxParallel))

	go newMachine(c).run()
	return c
}

// Dial creates a client and waits until it is operational or ctx ends.
func Dial(ctx context.Context, host string, opts ...Option) (*Client, error) {
	c := NewClient(host, opts...)
	c.Connect()
	if err := c.WaitConnected(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("Dial: %w", err)
	}
	return c, nil
}

// post hands an event to the run loop. It returns false once the client is closed.
func (c *Client) post(ev interface{}) bool {
	select {
	case c.in <- ev:
		return true
	case <-c.quit:
		return false
	}
}

// Connect starts connecting in the background. Progress is reported on
// Events; WaitConnected blocks until the handshake completes.
func (c *Client) Connect() {
	c.post(connectCmd{})
}

// WaitConnected blocks until the client is operational.
func (c *Client) WaitConnected(ctx context.Context) error {
	ch := make(chan struct{})
	if !c.post(waitCmd{ch: ch}) {
		return ErrClosed
	}
	select {
	case <-ch:
		return nil
	case <-c.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the lifecycle event stream. Events are dropped when the
// buffer is full.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// IsConnected returns true if the client is operational.
func (c *Client) IsConnected() bool {
	return c.State() == StateOperational
}

// Address returns the host:port the client dials.
func (c *Client) Address() string {
	return c.address
}

// PDUSize returns the negotiated PDU size, or the requested one before connecting.
func (c *Client) PDUSize() int {
	return int(c.pduSize.Load())
}

// MaxParallel returns the negotiated number of parallel jobs.
func (c *Client) MaxParallel() int {
	return int(c.parallel.Load())
}

// Close disconnects and rejects everything pending with ErrClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		done := make(chan struct{})
		if c.post(closeCmd{done: done}) {
			<-done
		}
	})
	return nil
}

// AddTranslations registers alias -> address mappings used by every
// tag-taking method.
func (c *Client) AddTranslations(m map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for alias, raw := range m {
		if raw == "" {
			return fmt.Errorf("translation for %q is empty", alias)
		}
	}
	for alias, raw := range m {
		c.translations[alias] = raw
	}
	return nil
}

// DeleteTranslation removes an alias mapping.
func (c *Client) DeleteTranslation(alias string) {
	c.mu.Lock()
	delete(c.translations, alias)
	c.mu.Unlock()
}

func (c *Client) translate(tag string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if raw, ok := c.translations[tag]; ok {
		return raw
	}
	return tag
}

// AddTags registers tags for ReadAllTags. Tags already present are skipped.
// Tags that fail to parse are reported in the returned TagErrors and the
// rest are still added.
func (c *Client) AddTags(tags ...string) error {
	errs := TagErrors{}
	for _, tag := range tags {
		raw := c.translate(tag)
		addr, err := ParseAddress(raw, tag, IntentRead)
		if err != nil {
			errs[tag] = err
			continue
		}

		c.mu.Lock()
		dup := false
		for _, a := range c.tags {
			if a.Name == addr.Name {
				dup = true
				break
			}
		}
		if !dup {
			c.tags = append(c.tags, addr)
		}
		c.mu.Unlock()
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RemoveTags unregisters tags.
func (c *Client) RemoveTags(tags ...string) {
	for _, tag := range tags {
		raw := c.translate(tag)
		c.mu.Lock()
		kept := c.tags[:0]
		for _, a := range c.tags {
			if a.Name != raw {
				kept = append(kept, a)
			}
		}
		c.tags = kept
		c.mu.Unlock()
	}
}

// Tags returns the aliases of the registered tags.
func (c *Client) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.tags))
	for i, a := range c.tags {
		out[i] = a.Alias
	}
	return out
}

// ReadTags reads tags in as few packets as the PDU allows and returns the
// values keyed by tag. Per-tag failures come back as TagErrors alongside
// the values that did succeed.
func (c *Client) ReadTags(ctx context.Context, tags ...string) (map[string]interface{}, error) {
	if c.State() != StateOperational {
		return nil, ErrNotConnected
	}

	errs := TagErrors{}
	targets := make([]readTarget, 0, len(tags))
	for _, tag := range tags {
		addr, err := ParseAddress(c.translate(tag), tag, IntentRead)
		if err != nil {
			errs[tag] = err
			continue
		}
		targets = append(targets, readTarget{addr: *addr, done: newCompletion(tag)})
	}
	return c.read(ctx, targets, errs)
}

// ReadAllTags reads every tag registered with AddTags.
func (c *Client) ReadAllTags(ctx context.Context) (map[string]interface{}, error) {
	if c.State() != StateOperational {
		return nil, ErrNotConnected
	}

	c.mu.RLock()
	targets := make([]readTarget, len(c.tags))
	for i, a := range c.tags {
		targets[i] = readTarget{addr: *a, done: newCompletion(a.Alias)}
	}
	c.mu.RUnlock()

	return c.read(ctx, targets, TagErrors{})
}

func (c *Client) read(ctx context.Context, targets []readTarget, errs TagErrors) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(targets))
	if len(targets) > 0 {
		reply := make(chan error, 1)
		if err := c.submit(readCmd{targets: targets, reply: reply}, reply); err != nil {
			return nil, err
		}
		for _, t := range targets {
			select {
			case r := <-t.done.ch:
				if r.err != nil {
					errs[t.done.alias] = r.err
				} else {
					values[t.done.alias] = r.value
				}
			case <-ctx.Done():
				return values, ctx.Err()
			}
		}
	}
	if len(errs) > 0 {
		return values, errs
	}
	return values, nil
}

// WriteTags writes values[i] to tags[i]. Each tag is written as its own
// item; items are packed into as few packets as the PDU allows. The
// returned map holds the written value of every tag that succeeded.
func (c *Client) WriteTags(ctx context.Context, tags []string, values []interface{}) (map[string]interface{}, error) {
	if len(tags) != len(values) {
		return nil, ErrValueCountMismatch
	}
	if c.State() != StateOperational {
		return nil, ErrNotConnected
	}

	errs := TagErrors{}
	items := make([]*writeItem, 0, len(tags))
	for i, tag := range tags {
		addr, err := ParseAddress(c.translate(tag), tag, IntentWrite)
		if err != nil {
			errs[tag] = err
			continue
		}
		image, err := EncodeValue(addr, values[i])
		if err != nil {
			errs[tag] = fmt.Errorf("%w: %v", ErrValueEncoding, err)
			continue
		}
		items = append(items, &writeItem{addr: *addr, value: values[i], image: image, done: newCompletion(tag)})
	}

	written := make(map[string]interface{}, len(items))
	if len(items) > 0 {
		reply := make(chan error, 1)
		if err := c.submit(writeCmd{items: items, reply: reply}, reply); err != nil {
			return nil, err
		}
		for _, it := range items {
			select {
			case r := <-it.done.ch:
				if r.err != nil {
					errs[it.done.alias] = r.err
				} else {
					written[it.done.alias] = r.value
				}
			case <-ctx.Done():
				return written, ctx.Err()
			}
		}
	}
	if len(errs) > 0 {
		return written, errs
	}
	return written, nil
}

// submit hands a request to the run loop and waits for it to be planned.
func (c *Client) submit(cmd interface{}, reply chan error) error {
	if !c.post(cmd) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-c.quit:
		return ErrClosed
	}
}
