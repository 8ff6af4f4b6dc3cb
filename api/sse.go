package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"s7link/logging"
	"s7link/plcman"
)

// SSE event type constants.
const (
	eventValueChange  = "value-change"
	eventStatusChange = "status-change"
	eventHealth       = "health"
)

const (
	sseKeepalive      = 30 * time.Second
	healthInterval    = 10 * time.Second
	healthStartupWait = 2 * time.Second
)

// sseEvent is an internal event for the API SSE hub.
type sseEvent struct {
	Type string
	PLC  string // set when event is PLC-specific (for filtering)
	Tag  string // set when event is tag-specific (for filtering)
	Data interface{}
}

// apiValueUpdate is the JSON payload for value-change events.
type apiValueUpdate struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Address   string      `json:"address,omitempty"`
	Value     interface{} `json:"value"`
	Type      string      `json:"type,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type apiSSEClient struct {
	id     string
	events chan sseEvent
}

// eventHub manages SSE client connections and broadcasts events.
type eventHub struct {
	clients    map[string]*apiSSEClient
	register   chan *apiSSEClient
	unregister chan *apiSSEClient
	broadcast  chan sseEvent
	mu         sync.RWMutex
	done       chan struct{}
	stopOnce   sync.Once
}

func newEventHub() *eventHub {
	hub := &eventHub{
		clients:    make(map[string]*apiSSEClient),
		register:   make(chan *apiSSEClient),
		unregister: make(chan *apiSSEClient),
		broadcast:  make(chan sseEvent, 256),
		done:       make(chan struct{}),
	}
	go hub.run()
	return hub
}

func (h *eventHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.events)
			}
			h.mu.Unlock()

		case event := <-h.broadcast:
			h.mu.RLock()
			for _, client := range h.clients {
				select {
				case client.events <- event:
				default:
					logging.DebugLog("api-sse", "client %s buffer full, dropping %s event", client.id, event.Type)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast queues an event for all clients, dropping it when the hub is backed up.
func (h *eventHub) Broadcast(event sseEvent) {
	select {
	case h.broadcast <- event:
	default:
		logging.DebugLog("api-sse", "broadcast channel full, dropping %s event", event.Type)
	}
}

func (h *eventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

func splitFilter(param string) map[string]bool {
	if param == "" {
		return nil
	}
	set := make(map[string]bool)
	for _, s := range strings.Split(param, ",") {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = true
		}
	}
	return set
}

// sseFilter selects the events a client asked for. PLC and tag filters only
// apply to events that carry a PLC or tag.
type sseFilter struct {
	types map[string]bool
	plcs  map[string]bool
	tags  map[string]bool
}

func parseSSEFilter(r *http.Request) sseFilter {
	q := r.URL.Query()
	f := sseFilter{
		types: splitFilter(q.Get("types")),
		plcs:  splitFilter(q.Get("plcs")),
		tags:  splitFilter(q.Get("tags")),
	}
	if plc := q.Get("plc"); plc != "" {
		if f.plcs == nil {
			f.plcs = make(map[string]bool)
		}
		f.plcs[plc] = true
	}
	return f
}

func (f sseFilter) match(event sseEvent) bool {
	if f.types != nil && !f.types[event.Type] {
		return false
	}
	if f.plcs != nil && event.PLC != "" && !f.plcs[event.PLC] {
		return false
	}
	if f.tags != nil && event.Tag != "" && !f.tags[event.Tag] {
		return false
	}
	return true
}

// handleSSE serves the /events endpoint.
func (h *handlers) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	filter := parseSSEFilter(r)
	client := &apiSSEClient{
		id:     fmt.Sprintf("api-%d", time.Now().UnixNano()),
		events: make(chan sseEvent, 64),
	}

	select {
	case h.hub.register <- client:
	case <-h.hub.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	fmt.Fprintf(w, "event: connected\ndata: {\"id\":%q}\n\n", client.id)
	flusher.Flush()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			select {
			case h.hub.unregister <- client:
			case <-h.hub.done:
			}
			return

		case event, ok := <-client.events:
			if !ok {
				return
			}
			if !filter.match(event) {
				continue
			}
			data, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()

		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// setupSSE attaches the hub to the manager's listeners. The returned
// function detaches them and stops the hub.
func (h *handlers) setupSSE() func() {
	h.valueListenerID = h.manager.AddOnValueChangeListener(func(changes []plcman.ValueChange) {
		for _, change := range changes {
			update := apiValueUpdate{
				PLC:       change.PLCName,
				Tag:       change.TagName,
				Value:     change.Value,
				Type:      change.TypeName,
				Timestamp: change.Timestamp.UTC().Format(time.RFC3339Nano),
			}
			if change.Address != change.TagName {
				update.Address = change.Address
			}
			h.hub.Broadcast(sseEvent{
				Type: eventValueChange,
				PLC:  change.PLCName,
				Tag:  change.TagName,
				Data: update,
			})
		}
	})

	h.changeListenerID = h.manager.AddOnChangeListener(func() {
		for _, plc := range h.manager.ListPLCs() {
			info := plc.GetInfo()
			h.hub.Broadcast(sseEvent{
				Type: eventStatusChange,
				PLC:  info.Name,
				Data: info,
			})
		}
	})

	go h.pollHealth()

	return func() {
		h.manager.RemoveOnValueChangeListener(h.valueListenerID)
		h.manager.RemoveOnChangeListener(h.changeListenerID)
		h.hub.Stop()
	}
}

// pollHealth broadcasts health events for all PLCs while clients are attached.
func (h *handlers) pollHealth() {
	select {
	case <-time.After(healthStartupWait):
	case <-h.hub.done:
		return
	}

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.hub.done:
			return
		case <-ticker.C:
			if h.hub.ClientCount() == 0 {
				continue
			}
			for _, plc := range h.manager.ListPLCs() {
				h.hub.Broadcast(sseEvent{
					Type: eventHealth,
					PLC:  plc.Config.Name,
					Data: healthOf(plc),
				})
			}
		}
	}
}
