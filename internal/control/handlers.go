package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/partscout/api/schemas"
	"github.com/xkilldash9x/partscout/internal/agent"
)

const (
	defaultLogLines = 50
	maxLogLines     = 500
)

// Handlers implements the REST endpoints.
type Handlers struct {
	log              *zap.Logger
	controller       Controller
	logs             LogReader
	identifierLength int
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(logger *zap.Logger, controller Controller, logs LogReader, identifierLength int) *Handlers {
	return &Handlers{
		log:              logger.Named("control_handlers"),
		controller:       controller,
		logs:             logs,
		identifierLength: identifierLength,
	}
}

// RegisterRoutes mounts the health check and the v1 API on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/session", h.HandleStatus)
		r.Post("/session", h.HandleStart)
		r.Delete("/session", h.HandleStop)
		r.Get("/logs", h.HandleLogs)
	})
}

func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, Response{Status: "success", Data: h.controller.Status()})
}

// HandleStart begins a session. The session runs after the response is sent.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "", fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	goal, err := agent.NormalizeGoal(schemas.Goal{Identifier: req.Identifier, Description: req.Description, StepBudget: req.StepBudget}, h.identifierLength)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, "", err.Error())
		return
	}

	session, err := h.controller.Start(r.Context(), goal)
	if err != nil {
		code := agent.CodeOf(err)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, agent.ErrAlreadyRunning):
			status = http.StatusConflict
		case code == agent.CodeChannelFailure:
			status = http.StatusBadGateway
		}
		h.log.Warn("Start rejected.", zap.String("code", string(code)), zap.Error(err))
		h.respondWithError(w, status, string(code), err.Error())
		return
	}
	h.respond(w, http.StatusAccepted, Response{Status: "accepted", Data: session})
}

func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if err := h.controller.Stop(r.Context()); err != nil {
		h.respondWithError(w, http.StatusInternalServerError, string(agent.CodeOf(err)), err.Error())
		return
	}
	h.respond(w, http.StatusOK, Response{Status: "success", Data: h.controller.Status()})
}

func (h *Handlers) HandleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			h.respondWithError(w, http.StatusBadRequest, "", "n must be a positive integer")
			return
		}
		n = min(v, maxLogLines)
	}
	entries, err := h.logs.RecentLogs(r.Context(), n)
	if err != nil {
		h.log.Error("Failed to read logs", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "", "Internal error reading logs.")
		return
	}
	if entries == nil {
		entries = []schemas.LogEntry{}
	}
	h.respond(w, http.StatusOK, Response{Status: "success", Data: entries})
}

func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, code, message string) {
	h.respond(w, statusCode, Response{Status: "error", Error: message, Code: code})
}

func (h *Handlers) respond(w http.ResponseWriter, statusCode int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
