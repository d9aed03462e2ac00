package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/parley-im/parley/internal/adapter/driven/gateway/ws"
	"github.com/parley-im/parley/internal/core/service"
)

type Handler struct {
	ChatService *service.ChatService
	Hub         *ws.Hub
}

func NewHandler(chatService *service.ChatService, hub *ws.Hub) *Handler {
	return &Handler{
		ChatService: chatService,
		Hub:         hub,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	fs := http.FileServer(http.Dir("./static"))
	r.Handle("/*", fs)

	r.Get("/ws", h.ServeWS)
	r.Get("/api/messages", h.ListMessages)

	return r
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.ChatService.History(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	type messageDTO struct {
		ID       string `json:"id"`
		SenderID string `json:"senderId"`
		Content  string `json:"content"`
	}
	out := make([]messageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageDTO{
			ID:       m.ID.String(),
			SenderID: m.SenderID.String(),
			Content:  m.Content,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
