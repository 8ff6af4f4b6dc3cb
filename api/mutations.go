package api

import (
	"errors"
	"net/http"

	"s7link/plcman"
	"s7link/s7"
)

// statusForError maps manager and engine errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, plcman.ErrPLCNotFound):
		return http.StatusNotFound
	case errors.Is(err, plcman.ErrNotWritable):
		return http.StatusForbidden
	case errors.Is(err, s7.ErrNotConnected), errors.Is(err, s7.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, s7.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, s7.ErrAddressParse),
		errors.Is(err, s7.ErrValueEncoding),
		errors.Is(err, s7.ErrValueCountMismatch):
		return http.StatusBadRequest
	case errors.Is(err, s7.ErrResponseSemantic):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeManagerError(w http.ResponseWriter, err error) {
	h.writeError(w, statusForError(err), err.Error())
}

func (h *handlers) handleConnectPLC(w http.ResponseWriter, r *http.Request) {
	plc := h.lookupPLC(w, r)
	if plc == nil {
		return
	}
	if err := h.manager.Connect(plc.Config.Name); err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "connecting"})
}

func (h *handlers) handleDisconnectPLC(w http.ResponseWriter, r *http.Request) {
	plc := h.lookupPLC(w, r)
	if plc == nil {
		return
	}
	if err := h.manager.Disconnect(plc.Config.Name); err != nil {
		h.writeManagerError(w, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "disconnected"})
}
