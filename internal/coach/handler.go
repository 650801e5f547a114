package coach

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Handler struct {
	reg      *Registry
	log      *zap.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
}

func NewHandler(reg *Registry, log *zap.Logger) *Handler {
	return &Handler{
		reg:      reg,
		log:      log,
		validate: validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The HUD front end runs on its own origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type CreateCaseRequest struct {
	PatientRef string    `json:"patient_ref"`
	Imaging    []Finding `json:"imaging,omitempty" validate:"omitempty,dive"`
}

type CreateCaseResponse struct {
	CaseID string `json:"case_id"`
}

type SubmitUtteranceRequest struct {
	Text    string `json:"text" validate:"required"`
	Speaker string `json:"speaker,omitempty"`
}

func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := h.validate.Struct(req); err != nil {
			http.Error(w, "invalid imaging findings", http.StatusBadRequest)
			return
		}
	}
	id := h.reg.CreateCase(req.PatientRef, req.Imaging)
	writeJSON(w, http.StatusCreated, CreateCaseResponse{CaseID: id})
}

func (h *Handler) SubmitUtterance(w http.ResponseWriter, r *http.Request) {
	var req SubmitUtteranceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	if err := h.reg.SubmitUtterance(chi.URLParam(r, "caseID"), req.Speaker, req.Text); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.reg.GetSnapshot(chi.URLParam(r, "caseID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) CloseCase(w http.ResponseWriter, r *http.Request) {
	if err := h.reg.CloseCase(chi.URLParam(r, "caseID")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AttachImage(w http.ResponseWriter, r *http.Request) {
	// Chest films are a few MB; cap uploads at 20MB.
	r.Body = http.MaxBytesReader(w, r.Body, 20<<20)
	if err := r.ParseMultipartForm(20 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "missing image file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read image", http.StatusInternalServerError)
		return
	}
	if err := h.reg.AttachImage(chi.URLParam(r, "caseID"), image); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// StreamSSE is the server-sent-events subscription: current snapshot first,
// then every update, terminated by a closed event.
func (h *Handler) StreamSSE(w http.ResponseWriter, r *http.Request) {
	obs, err := h.reg.Subscribe(chi.URLParam(r, "caseID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer obs.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for {
		select {
		case ev, open := <-obs.Events():
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.log.Error("failed to marshal observer event", zap.Error(err))
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if ev.Kind == EventClosed {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// StreamWS is the websocket subscription, same event stream as SSE.
func (h *Handler) StreamWS(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	// Subscribe before upgrading so NotFound still maps to a plain HTTP status.
	obs, err := h.reg.Subscribe(caseID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Close()
		return
	}
	defer conn.Close()
	defer obs.Close()

	// Drain the read side so peer close frames are noticed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, open := <-obs.Events():
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Kind == EventClosed {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "case closed"))
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrCaseClosed):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.log.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/cases", h.CreateCase)
	r.Post("/cases/{caseID}/utterances", h.SubmitUtterance)
	r.Post("/cases/{caseID}/image", h.AttachImage)
	r.Get("/cases/{caseID}/snapshot", h.GetSnapshot)
	r.Get("/cases/{caseID}/stream", h.StreamSSE)
	r.Get("/cases/{caseID}/ws", h.StreamWS)
	r.Delete("/cases/{caseID}", h.CloseCase)
}
