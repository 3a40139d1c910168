package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "tradepulse/internal/errors"

	"tradepulse/internal/chat"
)

const maxQuestionLength = 4000

// ChatHandler exposes the conversational API. Answers stream back as
// server-sent events, one JSON event per data frame.
type ChatHandler struct {
	engine *chat.Engine
	errs   *apierrors.ErrorHandler
	logger *slog.Logger
}

// NewChatHandler creates the chat handler
func NewChatHandler(engine *chat.Engine, errs *apierrors.ErrorHandler, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{
		engine: engine,
		errs:   errs,
		logger: logger.With(slog.String("handler", "chat")),
	}
}

// Routes returns the router for /api/chat
func (h *ChatHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/ask", h.Ask)
	r.Post("/{id}/ask", h.Ask)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	return r
}

// AskRequest carries one question
type AskRequest struct {
	Question string `json:"question"`
}

// Bind implements render.Binder
func (a *AskRequest) Bind(_ *http.Request) error {
	if a.Question == "" {
		return errors.New("question is required")
	}
	if len(a.Question) > maxQuestionLength {
		return fmt.Errorf("question exceeds %d characters", maxQuestionLength)
	}
	return nil
}

// sseStream lazily opens a server-sent event stream on the first
// emitted event, so pre-stream failures can still answer with a
// problem document
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	wrote   bool
}

func (s *sseStream) emit(ev chat.Event) error {
	if !s.wrote {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.wrote = true
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Ask handles POST /api/chat/ask and POST /api/chat/{id}/ask
func (h *ChatHandler) Ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convID := chi.URLParam(r, "id")

	data := &AskRequest{}
	if err := render.Bind(r, data); err != nil {
		h.errs.HandleError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.errs.HandleError(w, r, apierrors.ErrInternalServer)
		return
	}

	stream := &sseStream{w: w, flusher: flusher}
	err := h.engine.Ask(ctx, convID, data.Question, stream.emit)
	if err != nil && !stream.wrote {
		h.errs.HandleError(w, r, mapDomainError(err))
		return
	}
	if err != nil {
		// The stream is already open, the engine emitted the terminal
		// error event before returning
		h.logger.WarnContext(ctx, "ask ended with error",
			slog.String("conversation_id", convID),
			slog.String("error", err.Error()))
	}
}

// Get handles GET /api/chat/{id}
func (h *ChatHandler) Get(w http.ResponseWriter, r *http.Request) {
	info, err := h.engine.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.errs.HandleError(w, r, mapDomainError(err))
		return
	}
	render.JSON(w, r, info)
}

// ConversationsResponse lists conversation summaries
type ConversationsResponse struct {
	Conversations []chat.Info `json:"conversations"`
}

// List handles GET /api/chat
func (h *ChatHandler) List(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, ConversationsResponse{Conversations: h.engine.List()})
}

// Delete handles DELETE /api/chat/{id}
func (h *ChatHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(chi.URLParam(r, "id")); err != nil {
		h.errs.HandleError(w, r, mapDomainError(err))
		return
	}
	render.NoContent(w, r)
}
