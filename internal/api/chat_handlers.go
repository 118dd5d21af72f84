package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/bmdtechnologies/portal/internal/chat"
	"github.com/bmdtechnologies/portal/internal/models"
)

const msgChatNotFound = "Conversation introuvable"

type openChatRequest struct {
	Kind models.ChatKind `json:"kind"`
}

type chatMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) openChatHandler(w http.ResponseWriter, r *http.Request) {
	var req openChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = models.ChatKindWidget
	}
	sess, err := s.chats.Open(req.Kind)
	if err != nil {
		if errors.Is(err, chat.ErrUnknownKind) {
			writeJSONResponse(w, http.StatusUnprocessableEntity,
				models.Invalid("Type de conversation inconnu", models.FieldErrors{"kind": "Type de conversation inconnu"}))
			return
		}
		slog.Error("Server.openChatHandler: failed to open chat", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to open chat"))
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(sess.State()))
}

func (s *Server) getChatHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.chats.Get(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error(msgChatNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(sess.State()))
}

func (s *Server) sendChatHandler(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.chats.Get(r.PathValue("id"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, models.Error(msgChatNotFound))
		return
	}
	var req chatMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	state, err := sess.Send(req.Text)
	if err != nil {
		if errors.Is(err, chat.ErrClosed) {
			writeJSONResponse(w, http.StatusNotFound, models.Error(msgChatNotFound))
			return
		}
		slog.Error("Server.sendChatHandler: send failed", "error", err, "id", sess.ID())
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to send message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(state))
}

func (s *Server) closeChatHandler(w http.ResponseWriter, r *http.Request) {
	if !s.chats.CloseSession(r.PathValue("id")) {
		writeJSONResponse(w, http.StatusNotFound, models.Error(msgChatNotFound))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Chat closed", nil))
}

func (s *Server) quickActionsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(chat.QuickActions()))
}
