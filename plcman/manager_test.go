package plcman

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"s7link/config"
	"s7link/s7"
)

// fakeClient is an in-memory Client. Values are returned by ReadAllTags
// for every registered tag; writes land in the same map.
type fakeClient struct {
	mu       sync.Mutex
	state    s7.State
	events   chan s7.Event
	tags     []string
	trans    map[string]string
	values   map[string]interface{}
	tagErrs  s7.TagErrors
	closed   bool
	connects int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		events: make(chan s7.Event, 16),
		values: make(map[string]interface{}),
	}
}

func (f *fakeClient) Connect() {
	f.mu.Lock()
	f.connects++
	f.state = s7.StateOperational
	f.mu.Unlock()
	f.events <- s7.Event{Type: s7.EventConnected, Timestamp: time.Now(), Reason: "PDU 480"}
}

func (f *fakeClient) drop(err error) {
	f.mu.Lock()
	f.state = s7.StateDisconnected
	f.mu.Unlock()
	f.events <- s7.Event{Type: s7.EventError, Err: err, Reason: err.Error()}
	f.events <- s7.Event{Type: s7.EventDisconnected, Err: err, Reason: err.Error()}
}

func (f *fakeClient) Events() <-chan s7.Event { return f.events }
func (f *fakeClient) PDUSize() int            { return 480 }
func (f *fakeClient) MaxParallel() int        { return 3 }

func (f *fakeClient) State() s7.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClient) set(tag string, v interface{}) {
	f.mu.Lock()
	f.values[tag] = v
	f.mu.Unlock()
}

func (f *fakeClient) get(tag string) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.values[tag]
}

func (f *fakeClient) AddTranslations(m map[string]string) error {
	f.mu.Lock()
	f.trans = m
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) AddTags(tags ...string) error {
	f.mu.Lock()
	f.tags = append(f.tags, tags...)
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) ReadAllTags(ctx context.Context) (map[string]interface{}, error) {
	f.mu.Lock()
	tags := append([]string(nil), f.tags...)
	f.mu.Unlock()
	return f.ReadTags(ctx, tags...)
}

func (f *fakeClient) ReadTags(_ context.Context, tags ...string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != s7.StateOperational {
		return nil, s7.ErrNotConnected
	}
	out := make(map[string]interface{})
	errs := s7.TagErrors{}
	for _, t := range tags {
		if err, ok := f.tagErrs[t]; ok {
			errs[t] = err
			continue
		}
		out[t] = f.values[t]
	}
	if len(errs) > 0 {
		return out, errs
	}
	return out, nil
}

func (f *fakeClient) WriteTags(_ context.Context, tags []string, values []interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]interface{})
	for i, t := range tags {
		f.values[t] = values[i]
		out[t] = values[i]
	}
	return out, nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.state = s7.StateDisconnected
	f.mu.Unlock()
	return nil
}

func testPLC(name string) *config.PLCConfig {
	return &config.PLCConfig{
		Name:         name,
		Address:      "10.0.0.1",
		Enabled:      true,
		Translations: map[string]string{"speed": "DB1,REAL4"},
		Tags: []config.TagConfig{
			{Name: "speed", Enabled: true, Writable: true},
			{Name: "MW10", Enabled: true},
			{Name: "M0.0", Enabled: false},
		},
	}
}

func newTestManager(t *testing.T, clients map[string]*fakeClient) *Manager {
	t.Helper()
	m := NewManager(20 * time.Millisecond)
	m.batchInterval = 10 * time.Millisecond
	m.SetClientFactory(func(cfg *config.PLCConfig) Client {
		return clients[cfg.Name]
	})
	t.Cleanup(m.Stop)
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagerPollsAndReportsChanges(t *testing.T) {
	client := newFakeClient()
	client.set("speed", float32(12.5))
	client.set("MW10", uint16(7))
	m := newTestManager(t, map[string]*fakeClient{"line1": client})

	var mu sync.Mutex
	var got []ValueChange
	m.SetOnValueChange(func(changes []ValueChange) {
		mu.Lock()
		got = append(got, changes...)
		mu.Unlock()
	})
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}

	if err := m.AddPLC(testPLC("line1")); err != nil {
		t.Fatalf("AddPLC failed: %v", err)
	}
	m.Start()
	m.ConnectEnabled()

	plc := m.GetPLC("line1")
	waitFor(t, "connected", func() bool { return plc.GetStatus() == StatusConnected })
	if info := plc.GetInfo(); info.PDUSize != 480 || info.Parallel != 3 || info.Tags != 2 {
		t.Errorf("GetInfo() = %+v", info)
	}
	if len(client.tags) != 2 {
		t.Errorf("registered tags = %v, want only the enabled ones", client.tags)
	}

	waitFor(t, "initial values", func() bool { return count() == 2 })

	// Unchanged values produce no further changes
	time.Sleep(60 * time.Millisecond)
	if n := count(); n != 2 {
		t.Errorf("got %d changes without a value change, want 2", n)
	}

	client.set("MW10", uint16(8))
	waitFor(t, "MW10 change", func() bool { return count() == 3 })

	mu.Lock()
	last := got[2]
	mu.Unlock()
	if last.TagName != "MW10" || last.Value != uint16(8) || last.TypeName != "WORD" {
		t.Errorf("change = %+v", last)
	}

	values := plc.GetValues()
	if v := values["speed"]; v == nil || v.Address != "DB1,REAL4" || v.TypeName != "REAL" || !v.Writable {
		t.Errorf("speed value = %+v", v)
	}
	if all := m.GetAllCurrentValues(); len(all) != 2 {
		t.Errorf("GetAllCurrentValues() returned %d values, want 2", len(all))
	}
}

func TestManagerListeners(t *testing.T) {
	client := newFakeClient()
	client.set("speed", float32(1))
	m := newTestManager(t, map[string]*fakeClient{"line1": client})

	var mu sync.Mutex
	var values, statuses, removed int
	m.AddOnValueChangeListener(func(changes []ValueChange) {
		mu.Lock()
		values += len(changes)
		mu.Unlock()
	})
	m.AddOnChangeListener(func() {
		mu.Lock()
		statuses++
		mu.Unlock()
	})
	id := m.AddOnValueChangeListener(func([]ValueChange) {
		mu.Lock()
		removed++
		mu.Unlock()
	})
	m.RemoveOnValueChangeListener(id)

	if err := m.AddPLC(testPLC("line1")); err != nil {
		t.Fatalf("AddPLC failed: %v", err)
	}
	m.Start()
	m.ConnectEnabled()

	waitFor(t, "listener calls", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return values >= 1 && statuses >= 1
	})
	mu.Lock()
	defer mu.Unlock()
	if removed != 0 {
		t.Errorf("removed listener called %d times", removed)
	}
}

func TestManagerTagErrors(t *testing.T) {
	client := newFakeClient()
	client.set("MW10", uint16(1))
	client.tagErrs = s7.TagErrors{"speed": &s7.ResponseError{Tag: "speed", Reason: "object does not exist"}}
	m := newTestManager(t, map[string]*fakeClient{"line1": client})

	m.AddPLC(testPLC("line1"))
	m.Start()
	m.Connect("line1")

	plc := m.GetPLC("line1")
	waitFor(t, "values", func() bool { return len(plc.GetValues()) == 2 })

	values := plc.GetValues()
	if !errors.Is(values["speed"].Error, s7.ErrResponseSemantic) || values["speed"].GoValue() != nil {
		t.Errorf("speed = %+v, want response error", values["speed"])
	}
	if values["MW10"].GoValue() != uint16(1) {
		t.Errorf("MW10 = %v, want 1", values["MW10"].GoValue())
	}
}

func TestManagerFollowsEvents(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(t, map[string]*fakeClient{"line1": client})

	m.AddPLC(testPLC("line1"))
	m.Start()
	m.Connect("line1")
	plc := m.GetPLC("line1")
	waitFor(t, "connected", func() bool { return plc.GetStatus() == StatusConnected })

	reset := &s7.TransportError{Op: "read", Err: errors.New("connection reset by peer")}
	client.drop(reset)
	waitFor(t, "error status", func() bool { return plc.GetStatus() == StatusError })
	if !errors.Is(plc.GetError(), s7.ErrTransport) {
		t.Errorf("GetError() = %v, want transport error", plc.GetError())
	}

	m.Connect("line1")
	waitFor(t, "reconnected", func() bool { return plc.GetStatus() == StatusConnected })
	if plc.GetError() != nil {
		t.Errorf("GetError() after reconnect = %v, want nil", plc.GetError())
	}
	if client.connects != 2 {
		t.Errorf("Connect called %d times, want 2", client.connects)
	}
}

func TestManagerWriteTag(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(t, map[string]*fakeClient{"line1": client})
	m.AddPLC(testPLC("line1"))
	ctx := context.Background()

	if err := m.WriteTag(ctx, "line1", "speed", 1.5); !errors.Is(err, s7.ErrNotConnected) {
		t.Errorf("WriteTag before connect = %v, want ErrNotConnected", err)
	}

	m.Connect("line1")
	if err := m.WriteTag(ctx, "line1", "speed", 1.5); err != nil {
		t.Fatalf("WriteTag failed: %v", err)
	}
	if client.get("speed") != 1.5 {
		t.Errorf("client value = %v, want 1.5", client.get("speed"))
	}

	if err := m.WriteTag(ctx, "line1", "MW10", 1); !errors.Is(err, ErrNotWritable) {
		t.Errorf("WriteTag(MW10) = %v, want ErrNotWritable", err)
	}
	if err := m.WriteTag(ctx, "nope", "speed", 1); !errors.Is(err, ErrPLCNotFound) {
		t.Errorf("WriteTag(unknown plc) = %v, want ErrPLCNotFound", err)
	}
}

func TestManagerReadTag(t *testing.T) {
	client := newFakeClient()
	client.set("DB5,INT0", int16(-3))
	m := newTestManager(t, map[string]*fakeClient{"line1": client})
	m.AddPLC(testPLC("line1"))
	m.Connect("line1")

	tv, err := m.ReadTag(context.Background(), "line1", "DB5,INT0")
	if err != nil {
		t.Fatalf("ReadTag failed: %v", err)
	}
	if tv.Value != int16(-3) || tv.TypeName != "INT" || tv.Writable {
		t.Errorf("ReadTag = %+v", tv)
	}

	if _, err := m.ReadTag(context.Background(), "nope", "MW0"); !errors.Is(err, ErrPLCNotFound) {
		t.Errorf("ReadTag(unknown plc) = %v, want ErrPLCNotFound", err)
	}
}

func TestManagerAddRemove(t *testing.T) {
	a, b := newFakeClient(), newFakeClient()
	m := newTestManager(t, map[string]*fakeClient{"a": a, "b": b})

	if err := m.AddPLC(&config.PLCConfig{Name: "bad"}); err == nil {
		t.Error("AddPLC with invalid config expected error")
	}

	m.AddPLC(testPLC("b"))
	m.AddPLC(testPLC("a"))
	m.AddPLC(testPLC("a")) // Already present
	plcs := m.ListPLCs()
	if len(plcs) != 2 || plcs[0].Config.Name != "a" || plcs[1].Config.Name != "b" {
		t.Fatalf("ListPLCs() returned %d PLCs, want [a b]", len(plcs))
	}

	m.ConnectEnabled()
	if err := m.RemovePLC("a"); err != nil {
		t.Fatalf("RemovePLC failed: %v", err)
	}
	if !a.closed {
		t.Error("removed PLC's client was not closed")
	}
	if m.GetPLC("a") != nil {
		t.Error("PLC still present after RemovePLC")
	}
	if err := m.RemovePLC("a"); !errors.Is(err, ErrPLCNotFound) {
		t.Errorf("second RemovePLC = %v, want ErrPLCNotFound", err)
	}

	m.DisconnectAll()
	if !b.closed || m.GetPLC("b").GetStatus() != StatusDisconnected {
		t.Error("DisconnectAll left b connected")
	}
}

func TestConnectionStatusString(t *testing.T) {
	tests := []struct {
		s    ConnectionStatus
		want string
	}{
		{StatusDisconnected, "Disconnected"},
		{StatusConnecting, "Connecting"},
		{StatusConnected, "Connected"},
		{StatusError, "Error"},
		{ConnectionStatus(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.s, got, tt.want)
		}
	}
}
