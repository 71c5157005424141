package main

import (
	"context"
	"net/http"
	"sort"

	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/projection"
	"github.com/rs/zerolog"
)

// readModel is the projection surface the API serves from.
type readModel interface {
	Conversations(ctx context.Context, userID string) ([]projection.Conversation, error)
	ResetUnread(ctx context.Context, userID, conversationID string) error
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	History(ctx context.Context, conversationID string, fromID int64, limit int) ([]model.Message, error)
}

// ConversationsHandler lists the caller's conversations, most recent first.
func ConversationsHandler(rm readModel, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFrom(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conversations, err := rm.Conversations(r.Context(), claims.UserID)
		if err != nil {
			log.Error().Err(err).Str("user_id", claims.UserID).Msg("failed to list conversations")
			http.Error(w, "Failed to list conversations", http.StatusInternalServerError)
			return
		}
		sort.SliceStable(conversations, func(i, j int) bool {
			return conversations[i].LastUpdated.After(conversations[j].LastUpdated)
		})
		if conversations == nil {
			conversations = []projection.Conversation{}
		}
		writeJSON(w, http.StatusOK, conversations)
	}
}
