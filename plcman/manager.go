// Package plcman provides S7 connection management with background polling.
package plcman

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"s7link/config"
	"s7link/logging"
	"s7link/s7"
)

// ConnectionStatus represents the state of a PLC connection.
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

var (
	ErrPLCNotFound = errors.New("plc not found")
	ErrNotWritable = errors.New("tag is not writable")
)

// pollTimeout bounds a single poll of all tags of one PLC.
const pollTimeout = 10 * time.Second

// Client is the part of *s7.Client the manager depends on.
type Client interface {
	Connect()
	Events() <-chan s7.Event
	State() s7.State
	PDUSize() int
	MaxParallel() int
	AddTranslations(m map[string]string) error
	AddTags(tags ...string) error
	ReadAllTags(ctx context.Context) (map[string]interface{}, error)
	ReadTags(ctx context.Context, tags ...string) (map[string]interface{}, error)
	WriteTags(ctx context.Context, tags []string, values []interface{}) (map[string]interface{}, error)
	Close() error
}

// ClientFactory creates the client for one PLC. It must not connect.
type ClientFactory func(cfg *config.PLCConfig) Client

func newS7Client(cfg *config.PLCConfig) Client {
	return s7.NewClient(cfg.Address, cfg.ClientOptions()...)
}

type tagMeta struct {
	address  string
	typeName string
	writable bool
}

// ManagedPLC represents a PLC under management.
type ManagedPLC struct {
	Config      *config.PLCConfig
	Client      Client
	Values      map[string]*TagValue
	Status      ConnectionStatus
	LastError   error
	LastPoll    time.Time
	ConnectedAt time.Time
	PDUSize     int
	Parallel    int

	meta map[string]tagMeta
	mu   sync.RWMutex
}

// PLCInfo is a point-in-time snapshot of a managed PLC.
type PLCInfo struct {
	Name        string    `json:"name"`
	Address     string    `json:"address"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	PDUSize     int       `json:"pdu_size,omitempty"`
	Parallel    int       `json:"parallel,omitempty"`
	Tags        int       `json:"tags"`
	LastPoll    time.Time `json:"last_poll,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// GetStatus returns the current connection status thread-safely.
func (m *ManagedPLC) GetStatus() ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Status
}

// GetError returns the last error thread-safely.
func (m *ManagedPLC) GetError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastError
}

// GetValues returns a copy of the current tag values.
func (m *ManagedPLC) GetValues() map[string]*TagValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]*TagValue, len(m.Values))
	for k, v := range m.Values {
		result[k] = v
	}
	return result
}

// GetInfo returns a snapshot for status displays.
func (m *ManagedPLC) GetInfo() PLCInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info := PLCInfo{
		Name:        m.Config.Name,
		Address:     m.Config.Address,
		Status:      m.Status.String(),
		PDUSize:     m.PDUSize,
		Parallel:    m.Parallel,
		Tags:        len(m.Config.EnabledTags()),
		LastPoll:    m.LastPoll,
		ConnectedAt: m.ConnectedAt,
	}
	if m.LastError != nil {
		info.Error = m.LastError.Error()
	}
	return info
}

func (m *ManagedPLC) events() <-chan s7.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Client == nil {
		return nil
	}
	return m.Client.Events()
}

// ValueChange represents a tag value that has changed.
type ValueChange struct {
	PLCName   string
	TagName   string
	Address   string
	TypeName  string
	Value     interface{}
	Writable  bool
	Timestamp time.Time
}

// PollStats tracks polling statistics for debugging.
type PollStats struct {
	LastPollTime time.Time
	TagsPolled   int
	ChangesFound int
	LastError    error
}

// PLCWorker polls a single PLC and follows its lifecycle events in its
// own goroutine.
type PLCWorker struct {
	plc      *ManagedPLC
	manager  *Manager
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pollRate time.Duration

	tagsPolled   int
	changesFound int
	lastError    error
	statsMu      sync.RWMutex
}

func newPLCWorker(plc *ManagedPLC, manager *Manager, pollRate time.Duration) *PLCWorker {
	ctx, cancel := context.WithCancel(context.Background())
	if plc.Config.PollRate > 0 {
		pollRate = plc.Config.PollRate
	}
	return &PLCWorker{
		plc:      plc,
		manager:  manager,
		ctx:      ctx,
		cancel:   cancel,
		pollRate: pollRate,
	}
}

// Start begins the worker's poll loop.
func (w *PLCWorker) Start() {
	w.wg.Add(1)
	go w.pollLoop()
}

// Stop halts the worker and waits for it to finish.
func (w *PLCWorker) Stop() {
	w.cancel()
	w.wg.Wait()
}

// GetStats returns the worker's current stats.
func (w *PLCWorker) GetStats() (tagsPolled, changesFound int, lastError error) {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()
	return w.tagsPolled, w.changesFound, w.lastError
}

func (w *PLCWorker) setStats(polled, changes int, err error) {
	w.statsMu.Lock()
	w.tagsPolled = polled
	w.changesFound = changes
	w.lastError = err
	w.statsMu.Unlock()
}

func (w *PLCWorker) pollLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollRate)
	defer ticker.Stop()

	for {
		// The client can be replaced by Disconnect/Connect; a nil channel blocks.
		events := w.plc.events()
		select {
		case <-w.ctx.Done():
			return
		case ev := <-events:
			w.manager.handleEvent(w.plc, ev)
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *PLCWorker) poll() {
	plc := w.plc

	plc.mu.RLock()
	client := plc.Client
	plcName := plc.Config.Name
	tags := plc.Config.EnabledTags()
	meta := plc.meta
	oldValues := make(map[string]interface{}, len(plc.Values))
	for k, v := range plc.Values {
		if v.Error == nil {
			oldValues[k] = v.Value
		}
	}
	plc.mu.RUnlock()

	if client == nil || client.State() != s7.StateOperational || len(tags) == 0 {
		w.setStats(0, 0, nil)
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, pollTimeout)
	values, err := client.ReadAllTags(ctx)
	cancel()

	var tagErrs s7.TagErrors
	if err != nil && !errors.As(err, &tagErrs) {
		plc.mu.Lock()
		plc.LastError = err
		plc.mu.Unlock()
		w.setStats(len(tags), 0, err)
		logging.DebugLog("plcman", "%s: poll failed: %v", plcName, err)
		w.manager.markStatusDirty()
		return
	}

	now := time.Now()
	var changes []ValueChange
	plc.mu.Lock()
	for _, name := range tags {
		md := meta[name]
		tv := &TagValue{
			Name:      name,
			Address:   md.address,
			TypeName:  md.typeName,
			Writable:  md.writable,
			Timestamp: now,
		}
		if e, failed := tagErrs[name]; failed {
			tv.Error = e
		} else if v, ok := values[name]; ok {
			tv.Value = v
			old, existed := oldValues[name]
			if !existed || !valuesEqual(old, v) {
				changes = append(changes, ValueChange{
					PLCName:   plcName,
					TagName:   name,
					Address:   md.address,
					TypeName:  md.typeName,
					Value:     v,
					Writable:  md.writable,
					Timestamp: now,
				})
			}
		} else {
			continue
		}
		plc.Values[name] = tv
	}
	plc.LastPoll = now
	plc.mu.Unlock()

	w.setStats(len(tags), len(changes), nil)

	if len(changes) > 0 {
		w.manager.sendChanges(changes)
	}
	w.manager.markStatusDirty()
}

// Manager manages multiple PLC connections and polling.
type Manager struct {
	plcs    map[string]*ManagedPLC
	workers map[string]*PLCWorker
	mu      sync.RWMutex

	pollRate      time.Duration
	batchInterval time.Duration
	factory       ClientFactory
	eventLog      *logging.EventLog

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onChange      func()
	onValueChange func(changes []ValueChange)

	// Additional subscribers, keyed by listener ID
	changeListeners      map[int]func()
	valueChangeListeners map[int]func(changes []ValueChange)
	nextListenerID       int

	changeChan  chan []ValueChange // Aggregates value changes from workers
	statusDirty int32              // Atomic flag: 1 if a status refresh is due

	lastPollStats PollStats
	statsMu       sync.RWMutex
}

// NewManager creates a new PLC manager.
func NewManager(pollRate time.Duration) *Manager {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Manager{
		plcs:          make(map[string]*ManagedPLC),
		workers:       make(map[string]*PLCWorker),
		pollRate:      pollRate,
		batchInterval: 100 * time.Millisecond,
		factory:       newS7Client,
		changeChan:    make(chan []ValueChange, 100),

		changeListeners:      make(map[int]func()),
		valueChangeListeners: make(map[int]func(changes []ValueChange)),
	}
}

// SetClientFactory replaces how clients are created. Call before Connect.
func (m *Manager) SetClientFactory(f ClientFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factory = f
}

// SetEventLog records connection lifecycle events and writes to l.
func (m *Manager) SetEventLog(l *logging.EventLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventLog = l
}

// SetOnChange sets a callback that fires when PLC status changes.
func (m *Manager) SetOnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// SetOnValueChange sets a callback that fires when tag values change.
func (m *Manager) SetOnValueChange(fn func(changes []ValueChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onValueChange = fn
}

// AddOnChangeListener registers fn for PLC status changes and returns an
// ID for RemoveOnChangeListener.
func (m *Manager) AddOnChangeListener(fn func()) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListenerID++
	m.changeListeners[m.nextListenerID] = fn
	return m.nextListenerID
}

// RemoveOnChangeListener unregisters a status listener.
func (m *Manager) RemoveOnChangeListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.changeListeners, id)
}

// AddOnValueChangeListener registers fn for tag value changes and returns
// an ID for RemoveOnValueChangeListener.
func (m *Manager) AddOnValueChangeListener(fn func(changes []ValueChange)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextListenerID++
	m.valueChangeListeners[m.nextListenerID] = fn
	return m.nextListenerID
}

// RemoveOnValueChangeListener unregisters a value listener.
func (m *Manager) RemoveOnValueChangeListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.valueChangeListeners, id)
}

func (m *Manager) markStatusDirty() {
	atomic.StoreInt32(&m.statusDirty, 1)
}

func (m *Manager) logEvent(plc, format string, args ...interface{}) {
	m.mu.RLock()
	l := m.eventLog
	m.mu.RUnlock()
	l.Event(plc, format, args...)
}

// sendChanges sends value changes to the aggregator channel.
func (m *Manager) sendChanges(changes []ValueChange) {
	select {
	case m.changeChan <- changes:
	default:
		// Full: drop the oldest batch and retry once
		select {
		case <-m.changeChan:
		default:
		}
		select {
		case m.changeChan <- changes:
		default:
		}
	}
}

// handleEvent mirrors a client lifecycle event into the PLC status.
func (m *Manager) handleEvent(plc *ManagedPLC, ev s7.Event) {
	plc.mu.Lock()
	name := plc.Config.Name
	switch ev.Type {
	case s7.EventConnected:
		plc.Status = StatusConnected
		plc.LastError = nil
		plc.ConnectedAt = ev.Timestamp
		if plc.Client != nil {
			plc.PDUSize = plc.Client.PDUSize()
			plc.Parallel = plc.Client.MaxParallel()
		}
	case s7.EventDisconnected:
		if errors.Is(ev.Err, s7.ErrClosed) {
			plc.Status = StatusDisconnected
		} else {
			plc.Status = StatusError
			plc.LastError = ev.Err
		}
	case s7.EventConnectTimeout:
		plc.Status = StatusError
		plc.LastError = ev.Err
	case s7.EventError:
		plc.LastError = ev.Err
		if plc.Status != StatusConnected {
			plc.Status = StatusError
		}
	}
	plc.mu.Unlock()

	logging.DebugLog("plcman", "%s: %s %s", name, ev.Type, ev.Reason)
	m.logEvent(name, "%s: %s", ev.Type, ev.Reason)
	m.markStatusDirty()
}

// AddPLC adds a PLC to management.
func (m *Manager) AddPLC(cfg *config.PLCConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plcs[cfg.Name]; exists {
		return nil
	}

	plc := &ManagedPLC{
		Config: cfg,
		Status: StatusDisconnected,
		Values: make(map[string]*TagValue),
	}
	m.plcs[cfg.Name] = plc

	if m.ctx != nil {
		worker := newPLCWorker(plc, m, m.pollRate)
		m.workers[cfg.Name] = worker
		worker.Start()
	}
	return nil
}

// RemovePLC removes a PLC from management and disconnects it.
func (m *Manager) RemovePLC(name string) error {
	m.mu.Lock()
	plc, exists := m.plcs[name]
	worker := m.workers[name]
	if exists {
		delete(m.plcs, name)
		delete(m.workers, name)
	}
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrPLCNotFound, name)
	}
	if worker != nil {
		worker.Stop()
	}

	plc.mu.Lock()
	if plc.Client != nil {
		plc.Client.Close()
		plc.Client = nil
	}
	plc.mu.Unlock()

	m.markStatusDirty()
	return nil
}

// connectPLC creates the client on first use and starts connecting.
// The handshake runs in the background; progress arrives as events.
func (m *Manager) connectPLC(plc *ManagedPLC) error {
	m.mu.RLock()
	factory := m.factory
	m.mu.RUnlock()

	plc.mu.Lock()
	cfg := plc.Config
	client := plc.Client
	if client == nil {
		client = factory(cfg)
		if err := client.AddTranslations(cfg.Translations); err != nil {
			client.Close()
			plc.Status = StatusError
			plc.LastError = err
			plc.mu.Unlock()
			m.markStatusDirty()
			return err
		}
		if err := client.AddTags(cfg.EnabledTags()...); err != nil {
			// Bad tags are reported per poll; the rest still work
			logging.DebugLog("plcman", "%s: %v", cfg.Name, err)
		}

		plc.meta = make(map[string]tagMeta, len(cfg.Tags))
		for _, t := range cfg.Tags {
			address, typeName := describeTag(t.Name, cfg.Translations)
			plc.meta[t.Name] = tagMeta{address: address, typeName: typeName, writable: t.Writable}
		}
		plc.Client = client
	}
	if plc.Status != StatusConnected {
		plc.Status = StatusConnecting
	}
	plc.mu.Unlock()
	m.markStatusDirty()

	m.logEvent(cfg.Name, "connecting to %s", cfg.Address)
	client.Connect()
	return nil
}

// Connect starts connecting the named PLC in the background.
func (m *Manager) Connect(name string) error {
	plc := m.GetPLC(name)
	if plc == nil {
		return fmt.Errorf("%w: %s", ErrPLCNotFound, name)
	}
	return m.connectPLC(plc)
}

// Disconnect closes the connection to the named PLC.
func (m *Manager) Disconnect(name string) error {
	plc := m.GetPLC(name)
	if plc == nil {
		return nil
	}

	plc.mu.Lock()
	if plc.Client != nil {
		plc.Client.Close()
		plc.Client = nil
	}
	plc.Status = StatusDisconnected
	plc.LastError = nil
	plc.PDUSize = 0
	plc.Parallel = 0
	plc.mu.Unlock()

	m.logEvent(name, "disconnected by request")
	m.markStatusDirty()
	return nil
}

// GetPLC returns the managed PLC with the given name.
func (m *Manager) GetPLC(name string) *ManagedPLC {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plcs[name]
}

// ListPLCs returns all managed PLCs sorted by name.
func (m *Manager) ListPLCs() []*ManagedPLC {
	m.mu.RLock()
	result := make([]*ManagedPLC, 0, len(m.plcs))
	for _, plc := range m.plcs {
		result = append(result, plc)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Config.Name < result[j].Config.Name
	})
	return result
}

// Start begins background polling for all PLCs.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.ctx != nil {
		m.mu.Unlock()
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	for name, plc := range m.plcs {
		worker := newPLCWorker(plc, m, m.pollRate)
		m.workers[name] = worker
		worker.Start()
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.batchedUpdateLoop()

	m.wg.Add(1)
	go m.statsAggregatorLoop()
}

// Stop halts all background polling. Connections stay open.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}

	workers := make([]*PLCWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*PLCWorker)
	m.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}

	m.wg.Wait()

	m.mu.Lock()
	m.ctx = nil
	m.cancel = nil
	m.mu.Unlock()
}

// batchedUpdateLoop aggregates changes and fires callbacks at a controlled rate.
func (m *Manager) batchedUpdateLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.batchInterval)
	defer ticker.Stop()

	var pendingChanges []ValueChange

	for {
		select {
		case <-m.ctx.Done():
			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
			}
			return

		case changes := <-m.changeChan:
			pendingChanges = append(pendingChanges, changes...)

		case <-ticker.C:
			if atomic.CompareAndSwapInt32(&m.statusDirty, 1, 0) {
				m.flushStatusChange()
			}

			if len(pendingChanges) > 0 {
				m.flushValueChanges(pendingChanges)
				pendingChanges = nil
			}
		}
	}
}

func (m *Manager) flushStatusChange() {
	m.mu.RLock()
	fns := make([]func(), 0, len(m.changeListeners)+1)
	if m.onChange != nil {
		fns = append(fns, m.onChange)
	}
	for _, fn := range m.changeListeners {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

func (m *Manager) flushValueChanges(changes []ValueChange) {
	if len(changes) == 0 {
		return
	}
	m.mu.RLock()
	fns := make([]func([]ValueChange), 0, len(m.valueChangeListeners)+1)
	if m.onValueChange != nil {
		fns = append(fns, m.onValueChange)
	}
	for _, fn := range m.valueChangeListeners {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(changes)
	}
}

func (m *Manager) statsAggregatorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.aggregateStats()
		}
	}
}

func (m *Manager) aggregateStats() {
	m.mu.RLock()
	workers := make([]*PLCWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	totalTags := 0
	totalChanges := 0
	var lastErr error

	for _, w := range workers {
		tags, changes, err := w.GetStats()
		totalTags += tags
		totalChanges += changes
		if err != nil {
			lastErr = err
		}
	}

	m.statsMu.Lock()
	m.lastPollStats = PollStats{
		LastPollTime: time.Now(),
		TagsPolled:   totalTags,
		ChangesFound: totalChanges,
		LastError:    lastErr,
	}
	m.statsMu.Unlock()
}

func (m *Manager) connectedClient(plcName string) (*ManagedPLC, Client, error) {
	plc := m.GetPLC(plcName)
	if plc == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrPLCNotFound, plcName)
	}

	plc.mu.RLock()
	client := plc.Client
	plc.mu.RUnlock()

	if client == nil || client.State() != s7.StateOperational {
		return plc, nil, fmt.Errorf("%s: %w", plcName, s7.ErrNotConnected)
	}
	return plc, client, nil
}

// ReadTag reads one tag directly from the PLC, bypassing the poll cache.
// The tag does not need to be configured for polling.
func (m *Manager) ReadTag(ctx context.Context, plcName, tagName string) (*TagValue, error) {
	plc, client, err := m.connectedClient(plcName)
	if err != nil {
		return nil, err
	}

	values, err := client.ReadTags(ctx, tagName)
	if err != nil {
		return nil, err
	}

	plc.mu.RLock()
	address, typeName := describeTag(tagName, plc.Config.Translations)
	writable := plc.Config.IsWritable(tagName)
	plc.mu.RUnlock()

	return &TagValue{
		Name:      tagName,
		Address:   address,
		TypeName:  typeName,
		Writable:  writable,
		Value:     values[tagName],
		Timestamp: time.Now(),
	}, nil
}

// WriteTag writes a value to a tag configured as writable.
func (m *Manager) WriteTag(ctx context.Context, plcName, tagName string, value interface{}) error {
	plc := m.GetPLC(plcName)
	if plc == nil {
		return fmt.Errorf("%w: %s", ErrPLCNotFound, plcName)
	}
	plc.mu.RLock()
	writable := plc.Config.IsWritable(tagName)
	plc.mu.RUnlock()
	if !writable {
		return fmt.Errorf("%w: %s", ErrNotWritable, tagName)
	}

	_, client, err := m.connectedClient(plcName)
	if err != nil {
		return err
	}

	if _, err := client.WriteTags(ctx, []string{tagName}, []interface{}{value}); err != nil {
		logging.DebugLog("plcman", "%s: write %s failed: %v", plcName, tagName, err)
		return err
	}
	m.logEvent(plcName, "wrote %s = %v", tagName, value)
	return nil
}

// LoadFromConfig adds all PLCs from configuration.
func (m *Manager) LoadFromConfig(cfg *config.Config) error {
	for i := range cfg.PLCs {
		if err := m.AddPLC(&cfg.PLCs[i]); err != nil {
			return err
		}
	}
	return nil
}

// ConnectEnabled connects all PLCs marked as enabled.
func (m *Manager) ConnectEnabled() {
	for _, plc := range m.ListPLCs() {
		if plc.Config.Enabled {
			m.connectPLC(plc)
		}
	}
}

// DisconnectAll disconnects all PLCs.
func (m *Manager) DisconnectAll() {
	for _, plc := range m.ListPLCs() {
		m.Disconnect(plc.Config.Name)
	}
}

// GetPollStats returns the aggregated stats from all workers.
func (m *Manager) GetPollStats() PollStats {
	m.statsMu.RLock()
	defer m.statsMu.RUnlock()
	return m.lastPollStats
}

// GetAllCurrentValues returns every cached tag value of every PLC.
// Sinks use it for the initial publish after a broker connects.
func (m *Manager) GetAllCurrentValues() []ValueChange {
	var results []ValueChange
	for _, plc := range m.ListPLCs() {
		plc.mu.RLock()
		plcName := plc.Config.Name
		for tagName, val := range plc.Values {
			if val.Error == nil {
				results = append(results, ValueChange{
					PLCName:   plcName,
					TagName:   tagName,
					Address:   val.Address,
					TypeName:  val.TypeName,
					Value:     val.Value,
					Writable:  val.Writable,
					Timestamp: val.Timestamp,
				})
			}
		}
		plc.mu.RUnlock()
	}
	return results
}
