package valkey

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"s7link/config"
)

func newTestPublisher(selector string) *Publisher {
	return NewPublisher(&config.ValkeyConfig{
		Name:     "cache",
		Address:  "localhost:6379",
		Selector: selector,
	}, "factory")
}

func TestJoinKey(t *testing.T) {
	tests := []struct {
		segments []string
		want     string
	}{
		{[]string{"factory", "press1", "tags", "Speed"}, "factory:press1:tags:Speed"},
		{[]string{"factory", "", "tags"}, "factory:tags"},
		{[]string{":factory:", "press1:", ":tags"}, "factory:press1:tags"},
		{[]string{"factory", "press1", "tags", "DB1,INT0"}, "factory:press1:tags:DB1,INT0"},
		{nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := joinKey(tt.segments...); got != tt.want {
				t.Errorf("joinKey(%q) = %q, want %q", tt.segments, got, tt.want)
			}
		})
	}
}

func TestPublisher_Keys(t *testing.T) {
	tests := []struct {
		selector string
		factory  string
		tagKey   string
	}{
		{"", "factory", "factory:press1:tags:Speed"},
		{"line2", "factory:line2", "factory:line2:press1:tags:Speed"},
	}

	for _, tt := range tests {
		t.Run(tt.factory, func(t *testing.T) {
			pub := newTestPublisher(tt.selector)
			if got := pub.Factory(); got != tt.factory {
				t.Errorf("Factory() = %q, want %q", got, tt.factory)
			}
			if got := pub.TagKey("press1", "Speed"); got != tt.tagKey {
				t.Errorf("TagKey() = %q, want %q", got, tt.tagKey)
			}
		})
	}
}

func TestTagMessage_Structure(t *testing.T) {
	t.Run("all fields present", func(t *testing.T) {
		msg := TagMessage{
			Factory:   "factory",
			PLC:       "press1",
			Tag:       "Speed",
			Address:   "DB1,INT0",
			Value:     int16(100),
			Type:      "INT",
			Writable:  true,
			Timestamp: time.Now().UTC(),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("marshal error: %v", err)
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		for _, field := range []string{"factory", "plc", "tag", "address", "value", "type", "writable", "timestamp"} {
			if _, ok := decoded[field]; !ok {
				t.Errorf("missing field: %s", field)
			}
		}
	})

	t.Run("raw address omits address", func(t *testing.T) {
		data, _ := json.Marshal(TagMessage{Tag: "MW10", Type: "WORD"})
		var decoded map[string]interface{}
		json.Unmarshal(data, &decoded)
		if _, ok := decoded["address"]; ok {
			t.Error("empty address should be omitted")
		}
	})

	t.Run("array values", func(t *testing.T) {
		data, _ := json.Marshal(TagMessage{Value: []interface{}{float32(1.5), float32(2.5)}})
		var decoded TagMessage
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		arr, ok := decoded.Value.([]interface{})
		if !ok || len(arr) != 2 || arr[1] != 2.5 {
			t.Errorf("Value = %v, want [1.5 2.5]", decoded.Value)
		}
	})

	t.Run("null value", func(t *testing.T) {
		data, _ := json.Marshal(TagMessage{Tag: "Broken"})
		var decoded map[string]interface{}
		json.Unmarshal(data, &decoded)
		if v, ok := decoded["value"]; !ok || v != nil {
			t.Errorf("value = %v, want null", v)
		}
	})
}

func TestHandleWriteRequest(t *testing.T) {
	var written []string
	pub := newTestPublisher("")
	pub.SetWriteValidator(func(plc, tag string) bool { return tag != "ReadOnly" })
	pub.SetWriteHandler(func(plc, tag string, value interface{}) error {
		if tag == "Fails" {
			return errors.New("write rejected by PLC")
		}
		written = append(written, plc+"/"+tag)
		return nil
	})

	tests := []struct {
		name    string
		payload string
		success bool
		errText string
	}{
		{"valid", `{"plc":"press1","tag":"Setpoint","value":12}`, true, ""},
		{"not writable", `{"plc":"press1","tag":"ReadOnly","value":1}`, false, "tag is not writable"},
		{"handler error", `{"plc":"press1","tag":"Fails","value":1}`, false, "write rejected by PLC"},
		{"missing tag", `{"plc":"press1","value":1}`, false, "plc and tag are required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := pub.handleWriteRequest([]byte(tt.payload))
			if resp.Success != tt.success {
				t.Errorf("Success = %v, want %v (error %q)", resp.Success, tt.success, resp.Error)
			}
			if resp.Error != tt.errText {
				t.Errorf("Error = %q, want %q", resp.Error, tt.errText)
			}
			if resp.Factory != "factory" {
				t.Errorf("Factory = %q, want %q", resp.Factory, "factory")
			}
		})
	}

	if len(written) != 1 || written[0] != "press1/Setpoint" {
		t.Errorf("written = %v, want [press1/Setpoint]", written)
	}

	t.Run("invalid json", func(t *testing.T) {
		resp := pub.handleWriteRequest([]byte(`{`))
		if resp.Success || resp.Error == "" {
			t.Errorf("resp = %+v, want failure", resp)
		}
	})

	t.Run("no handler", func(t *testing.T) {
		bare := newTestPublisher("")
		resp := bare.handleWriteRequest([]byte(`{"plc":"p","tag":"t","value":1}`))
		if resp.Error != "no write handler configured" {
			t.Errorf("Error = %q, want %q", resp.Error, "no write handler configured")
		}
	})
}

func TestPublisher_NotRunning(t *testing.T) {
	pub := newTestPublisher("")
	if pub.IsRunning() {
		t.Fatal("new publisher should not be running")
	}
	if err := pub.Publish("press1", "Speed", "MW10", "INT", 1, false); err != nil {
		t.Errorf("Publish() on stopped publisher = %v, want nil", err)
	}
	if err := pub.PublishHealth("press1", false, "disconnected", ""); err != nil {
		t.Errorf("PublishHealth() on stopped publisher = %v, want nil", err)
	}
	if err := pub.Stop(); err != nil {
		t.Errorf("Stop() = %v", err)
	}
}

func TestPublisher_Address(t *testing.T) {
	pub := newTestPublisher("")
	if got := pub.Address(); got != "redis://localhost:6379" {
		t.Errorf("Address() = %q, want redis://localhost:6379", got)
	}
	pub.config.UseTLS = true
	if got := pub.Address(); got != "rediss://localhost:6379" {
		t.Errorf("Address() = %q, want rediss://localhost:6379", got)
	}
}

func TestManager(t *testing.T) {
	m := NewManager("factory")
	m.SetWriteValidator(func(plc, tag string) bool { return true })
	m.LoadFromConfig([]config.ValkeyConfig{{Name: "a"}, {Name: "b", Selector: "line2"}})
	pub := m.Add(&config.ValkeyConfig{Name: "c"})

	if pub.writeValidator == nil {
		t.Error("Add() should apply the write validator")
	}
	if n := len(m.List()); n != 3 {
		t.Fatalf("len(List()) = %d, want 3", n)
	}
	if got := m.Get("b").Factory(); got != "factory:line2" {
		t.Errorf("Factory() = %q, want factory:line2", got)
	}
	if !m.Remove("a") || m.Remove("a") {
		t.Error("Remove(a) should succeed exactly once")
	}

	m.SetWriteHandler(func(plc, tag string, v interface{}) error { return nil })
	if m.Get("c").writeHandler == nil {
		t.Error("SetWriteHandler() should reach publishers added earlier")
	}

	replaced := m.Add(&config.ValkeyConfig{Name: "b", Selector: "line3"})
	if m.Get("b") != replaced {
		t.Error("Add() with an existing name should replace the publisher")
	}
	var names []string
	for _, p := range m.List() {
		names = append(names, p.Config().Name)
	}
	if want := []string{"b", "c"}; !reflect.DeepEqual(names, want) {
		t.Errorf("List() = %v, want %v", names, want)
	}
	if replaced.writeHandler == nil || replaced.writeValidator == nil {
		t.Error("replacement publisher should carry the shared callbacks")
	}
	if m.AnyRunning() {
		t.Error("AnyRunning() = true before start")
	}
	m.Publish("press1", "Speed", "MW10", "INT", 1, false)
	m.StopAll()
}
