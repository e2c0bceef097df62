package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/clawplay/go/clients/claw_api_client"
	"github.com/mcdev12/clawplay/go/internal/config"
	"github.com/mcdev12/clawplay/go/internal/control"
	"github.com/mcdev12/clawplay/go/internal/lifecycle"
)

// Controller is the lifecycle surface the gateway drives.
type Controller interface {
	Snapshot() lifecycle.Snapshot
	Subscribe() (<-chan lifecycle.Snapshot, func())
	Start(ctx context.Context) error
	Exit(ctx context.Context) error
	Grab(ctx context.Context) error
	Drop(ctx context.Context) error
	Move(ctx context.Context, dir control.Direction) error
	LeaveQueue() error
	Acknowledge() (lifecycle.Result, error)
}

// StateHandler serves the REST half of the gateway
type StateHandler struct {
	ctrl    Controller
	catalog *config.Catalog
}

func NewStateHandler(ctrl Controller, catalog *config.Catalog) *StateHandler {
	if catalog == nil {
		catalog = &config.Catalog{}
	}
	return &StateHandler{ctrl: ctrl, catalog: catalog}
}

type errorResponse struct {
	Error string          `json:"error"`
	State lifecycle.State `json:"state"`
}

type ackResponse struct {
	Result   lifecycle.Result   `json:"result"`
	Snapshot lifecycle.Snapshot `json:"snapshot"`
}

// RegisterRoutes registers the REST routes
func (h *StateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", h.HandleGetState)
	mux.HandleFunc("GET /api/machines", h.HandleGetMachines)

	mux.HandleFunc("POST /api/start", h.action(h.ctrl.Start))
	mux.HandleFunc("POST /api/exit", h.action(h.ctrl.Exit))
	mux.HandleFunc("POST /api/grab", h.action(h.ctrl.Grab))
	mux.HandleFunc("POST /api/drop", h.action(h.ctrl.Drop))
	mux.HandleFunc("POST /api/leave", h.action(func(context.Context) error { return h.ctrl.LeaveQueue() }))
	mux.HandleFunc("POST /api/move", h.HandleMove)
	mux.HandleFunc("POST /api/ack", h.HandleAcknowledge)
}

// HandleGetState handles GET /api/state
func (h *StateHandler) HandleGetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

// HandleGetMachines handles GET /api/machines
func (h *StateHandler) HandleGetMachines(w http.ResponseWriter, r *http.Request) {
	machines := h.catalog.Machines
	if machines == nil {
		machines = []config.Machine{}
	}
	writeJSON(w, http.StatusOK, machines)
}

// HandleMove handles POST /api/move?direction=
func (h *StateHandler) HandleMove(w http.ResponseWriter, r *http.Request) {
	dir, err := control.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.action(func(ctx context.Context) error { return h.ctrl.Move(ctx, dir) })(w, r)
}

// HandleAcknowledge handles POST /api/ack
func (h *StateHandler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	result, err := h.ctrl.Acknowledge()
	if err != nil {
		h.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Result: result, Snapshot: h.ctrl.Snapshot()})
}

func (h *StateHandler) action(fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			status := statusFor(err)
			log.Debug().
				Err(err).
				Str("path", r.URL.Path).
				Int("status", status).
				Msg("gateway action failed")
			h.writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
	}
}

func (h *StateHandler) writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), State: h.ctrl.Snapshot().State})
}

// statusFor maps controller errors onto HTTP status codes.
func statusFor(err error) int {
	var rejected *lifecycle.StartRejectedError
	var apiRejected *claw_api_client.RejectedError
	switch {
	case errors.Is(err, lifecycle.ErrSessionActive),
		errors.Is(err, lifecycle.ErrAlreadyQueued),
		errors.Is(err, lifecycle.ErrResultPending),
		errors.Is(err, lifecycle.ErrBusy),
		errors.Is(err, lifecycle.ErrNotActive),
		errors.Is(err, lifecycle.ErrNotQueued),
		errors.Is(err, lifecycle.ErrNoResult),
		errors.Is(err, lifecycle.ErrRemovedFromQueue),
		errors.Is(err, lifecycle.ErrNoControls):
		return http.StatusConflict
	case errors.As(err, &rejected), errors.As(err, &apiRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, lifecycle.ErrDisposed), errors.Is(err, control.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, control.ErrInvalidDirection):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
