package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/rs/zerolog"
)

const maxHistoryLimit = 500

var validate = validator.New()

type HistoryHandler struct {
	db  readModel
	log zerolog.Logger
}

func NewHistoryHandler(rm readModel, log zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{db: rm, log: log}
}

// ServeHTTP answers GET /history?conversation_id=c&from_id=1&limit=100 from
// the projected copy of the conversation.
func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	conversationID := q.Get("conversation_id")
	if conversationID == "" {
		http.Error(w, "conversation_id is required", http.StatusBadRequest)
		return
	}
	fromID, err := intParam(q.Get("from_id"), 1)
	if err != nil || fromID < 1 {
		http.Error(w, "invalid from_id", http.StatusBadRequest)
		return
	}
	limit, err := intParam(q.Get("limit"), 100)
	if err != nil || limit < 1 || limit > maxHistoryLimit {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}

	member, err := h.db.IsMember(r.Context(), conversationID, claims.UserID)
	if err != nil {
		h.log.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to check membership")
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}
	if !member {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	messages, err := h.db.History(r.Context(), conversationID, fromID, int(limit))
	if err != nil {
		h.log.Error().Err(err).Str("conversation_id", conversationID).Msg("failed to read history")
		http.Error(w, "Failed to retrieve history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func intParam(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

type LoginRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

// LoginHandler issues a token for any user id. It is a development login;
// real deployments put an identity provider in front of the gateway.
func LoginHandler(tokens *auth.Tokens) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		token, err := tokens.GenerateToken(req.UserID)
		if err != nil {
			http.Error(w, "Failed to generate token", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, LoginResponse{Token: token})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
