package main

import (
	"context"
	"net/http"
	"sort"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type presenceReader interface {
	Online(ctx context.Context, identity string) (bool, error)
	Nodes(ctx context.Context, identity string) (map[string]string, error)
}

type PresenceHandler struct {
	presence presenceReader
	log      zerolog.Logger
}

func NewPresenceHandler(p presenceReader, log zerolog.Logger) *PresenceHandler {
	return &PresenceHandler{presence: p, log: log}
}

type presenceResponse struct {
	Identity    string   `json:"identity"`
	Online      bool     `json:"online"`
	Connections int      `json:"connections"`
	Nodes       []string `json:"nodes"`
}

// ServeHTTP answers GET /presence/{identity} from the Redis presence mirror.
func (h *PresenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	if identity == "" {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	online, err := h.presence.Online(r.Context(), identity)
	if err != nil {
		h.log.Error().Err(err).Str("identity", identity).Msg("failed to fetch presence")
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}
	if !online {
		writeJSON(w, http.StatusOK, presenceResponse{Identity: identity, Nodes: []string{}})
		return
	}

	conns, err := h.presence.Nodes(r.Context(), identity)
	if err != nil {
		h.log.Error().Err(err).Str("identity", identity).Msg("failed to fetch presence")
		http.Error(w, "Failed to fetch presence", http.StatusInternalServerError)
		return
	}

	nodes := lo.Uniq(lo.Values(conns))
	sort.Strings(nodes)
	writeJSON(w, http.StatusOK, presenceResponse{
		Identity:    identity,
		Online:      len(conns) > 0,
		Connections: len(conns),
		Nodes:       nodes,
	})
}
