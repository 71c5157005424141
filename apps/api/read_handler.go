package main

import (
	"encoding/json"
	"net/http"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/rs/zerolog"
)

type ReadRequest struct {
	ConversationID string `json:"conversation_id" validate:"required,max=128"`
}

// ReadHandler resets the caller's unread counter for a conversation.
func ReadHandler(rm readModel, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFrom(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		var req ReadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			http.Error(w, "conversation_id is required", http.StatusBadRequest)
			return
		}

		if err := rm.ResetUnread(r.Context(), claims.UserID, req.ConversationID); err != nil {
			log.Error().Err(err).Str("user_id", claims.UserID).Str("conversation_id", req.ConversationID).Msg("failed to reset unread count")
			http.Error(w, "Failed to reset unread count", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
