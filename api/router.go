package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"s7link/plcman"
)

// writeTimeout bounds a REST write, including the PLC round trip.
const writeTimeout = 3 * time.Second

// TagResponse is the JSON response for a tag value.
type TagResponse struct {
	PLC       string      `json:"plc"`
	Name      string      `json:"name"`
	Address   string      `json:"address,omitempty"`
	Type      string      `json:"type"`
	Value     interface{} `json:"value"`
	Writable  bool        `json:"writable"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// HealthResponse is the JSON structure for PLC health status.
type HealthResponse struct {
	PLC       string `json:"plc"`
	Online    bool   `json:"online"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WriteRequest is the JSON request for writing a tag value.
type WriteRequest struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// WriteResponse is the JSON response after writing a tag value.
type WriteResponse struct {
	PLC       string      `json:"plc"`
	Tag       string      `json:"tag"`
	Value     interface{} `json:"value"`
	Success   bool        `json:"success"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type handlers struct {
	manager *plcman.Manager
	hub     *eventHub

	valueListenerID  int
	changeListenerID int
}

// NewRouter creates the REST API router. The returned cleanup function
// detaches the event stream from the manager.
func NewRouter(manager *plcman.Manager) (chi.Router, func()) {
	r := chi.NewRouter()
	h := &handlers{manager: manager, hub: newEventHub()}
	cleanup := h.setupSSE()

	r.Get("/", h.handleListPLCs)
	r.Get("/events", h.handleSSE)

	r.Route("/{plc}", func(r chi.Router) {
		r.Get("/", h.handlePLCDetails)
		r.Get("/health", h.handlePLCHealth)
		r.Get("/tags", h.handleAllTags)
		r.Get("/tags/*", h.handleSingleTag)
		r.Post("/write", h.handleWrite)
		r.Post("/connect", h.handleConnectPLC)
		r.Post("/disconnect", h.handleDisconnectPLC)
	})

	return r, cleanup
}

func (h *handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSONStatus(w, status, map[string]string{"error": message})
}

// lookupPLC resolves the {plc} URL parameter, answering 404 when unknown.
func (h *handlers) lookupPLC(w http.ResponseWriter, r *http.Request) *plcman.ManagedPLC {
	plcName, _ := url.PathUnescape(chi.URLParam(r, "plc"))
	plc := h.manager.GetPLC(plcName)
	if plc == nil {
		h.writeError(w, http.StatusNotFound, "PLC not found")
	}
	return plc
}

func tagResponse(plcName string, v *plcman.TagValue) TagResponse {
	resp := TagResponse{
		PLC:      plcName,
		Name:     v.Name,
		Type:     v.TypeName,
		Value:    v.GoValue(),
		Writable: v.Writable,
	}
	if v.Address != v.Name {
		resp.Address = v.Address
	}
	if v.Error != nil {
		resp.Error = v.Error.Error()
	}
	if !v.Timestamp.IsZero() {
		resp.Timestamp = v.Timestamp.UTC().Format(time.RFC3339)
	}
	return resp
}

func (h *handlers) handleListPLCs(w http.ResponseWriter, r *http.Request) {
	plcs := h.manager.ListPLCs()
	response := make([]plcman.PLCInfo, 0, len(plcs))
	for _, plc := range plcs {
		response = append(response, plc.GetInfo())
	}
	h.writeJSON(w, response)
}

func (h *handlers) handlePLCDetails(w http.ResponseWriter, r *http.Request) {
	if plc := h.lookupPLC(w, r); plc != nil {
		h.writeJSON(w, plc.GetInfo())
	}
}

func (h *handlers) handlePLCHealth(w http.ResponseWriter, r *http.Request) {
	plc := h.lookupPLC(w, r)
	if plc == nil {
		return
	}
	h.writeJSON(w, healthOf(plc))
}

func healthOf(plc *plcman.ManagedPLC) HealthResponse {
	info := plc.GetInfo()
	return HealthResponse{
		PLC:       info.Name,
		Online:    plc.GetStatus() == plcman.StatusConnected,
		Status:    info.Status,
		Error:     info.Error,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (h *handlers) handleAllTags(w http.ResponseWriter, r *http.Request) {
	plc := h.lookupPLC(w, r)
	if plc == nil {
		return
	}

	values := plc.GetValues()
	response := make(map[string]TagResponse)
	for _, name := range plc.Config.EnabledTags() {
		v, ok := values[name]
		if !ok {
			v = &plcman.TagValue{Name: name, Writable: plc.Config.IsWritable(name)}
		}
		response[name] = tagResponse(plc.Config.Name, v)
	}
	h.writeJSON(w, response)
}

// handleSingleTag serves a polled tag from the cache. Any other tag name
// or raw address is read from the PLC on demand.
func (h *handlers) handleSingleTag(w http.ResponseWriter, r *http.Request) {
	plc := h.lookupPLC(w, r)
	if plc == nil {
		return
	}
	tagName, _ := url.PathUnescape(chi.URLParam(r, "*"))
	if tagName == "" {
		h.writeError(w, http.StatusBadRequest, "tag name required")
		return
	}

	if v, ok := plc.GetValues()[tagName]; ok {
		h.writeJSON(w, tagResponse(plc.Config.Name, v))
		return
	}

	v, err := h.manager.ReadTag(r.Context(), plc.Config.Name, tagName)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeJSON(w, tagResponse(plc.Config.Name, v))
}

func (h *handlers) handleWrite(w http.ResponseWriter, r *http.Request) {
	plc := h.lookupPLC(w, r)
	if plc == nil {
		return
	}

	var req WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Tag == "" {
		h.writeError(w, http.StatusBadRequest, "tag is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), writeTimeout)
	defer cancel()
	writeErr := h.manager.WriteTag(ctx, plc.Config.Name, req.Tag, req.Value)
	if ctx.Err() == context.DeadlineExceeded && writeErr != nil {
		writeErr = fmt.Errorf("write timeout: PLC did not respond within %v", writeTimeout)
	}

	resp := WriteResponse{
		PLC:       plc.Config.Name,
		Tag:       req.Tag,
		Value:     req.Value,
		Success:   writeErr == nil,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if writeErr != nil {
		resp.Error = writeErr.Error()
		h.writeJSONStatus(w, statusForError(writeErr), resp)
		return
	}
	h.writeJSON(w, resp)
}
