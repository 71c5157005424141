// Package gateway is the websocket and HTTP boundary of the chat core. It
// authenticates connections, turns wire frames into session commands and
// registers every socket as a delivery channel.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/delivery"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/registry"
	"github.com/mahaj/dupahar-chat/pkg/session"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/time/rate"
)

// Sessions is the command surface the gateway drives.
type Sessions interface {
	Create(ctx context.Context, conversationID string, members []string) (model.Conversation, error)
	Conversation(ctx context.Context, conversationID string) (model.Conversation, error)
	Send(ctx context.Context, conversationID, senderID, payload string) (model.Message, error)
	History(ctx context.Context, conversationID, reader string, fromID int64, limit int) ([]model.Message, error)
	MarkRead(ctx context.Context, conversationID, reader string, upToID int64) (int, error)
	Typing(ctx context.Context, conversationID, identity string) (int, error)
	AddMember(ctx context.Context, conversationID, identity string) error
	RemoveMember(ctx context.Context, conversationID, identity string) error
	Archive(ctx context.Context, conversationID string) error
	Stats() session.Stats
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Node           string
	MaxMessageSize int64
	RateLimit      rate.Limit
	Burst          int
	HistoryLimit   int
	Logger         zerolog.Logger
}

type Gateway struct {
	sessions Sessions
	reg      *registry.Registry
	router   *delivery.Router
	tokens   *auth.Tokens
	store    Pinger
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func New(sessions Sessions, reg *registry.Registry, router *delivery.Router, tokens *auth.Tokens, store Pinger, opts Options) *Gateway {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 8192
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	return &Gateway{
		sessions: sessions,
		reg:      reg,
		router:   router,
		tokens:   tokens,
		store:    store,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "gateway").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}
}

// Handler returns every route of the gateway.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.HandleFunc("GET /ws", g.serveWs)

	admin := func(h http.HandlerFunc) http.Handler { return g.tokens.Middleware(h) }
	mux.Handle("POST /conversations", admin(g.handleCreate))
	mux.Handle("GET /conversations/{id}", admin(g.handleGet))
	mux.Handle("POST /conversations/{id}/members", admin(g.handleAddMember))
	mux.Handle("DELETE /conversations/{id}/members/{identity}", admin(g.handleRemoveMember))
	mux.Handle("POST /conversations/{id}/archive", admin(g.handleArchive))
	return mux
}

// serveWs handles websocket requests from the peer.
func (g *Gateway) serveWs(w http.ResponseWriter, r *http.Request) {
	claims, err := g.tokens.FromRequest(r)
	if err != nil {
		g.log.Debug().Err(err).Msg("unauthorized websocket request")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(g, conn, claims.UserID)
	handle, err := g.reg.Register(claims.UserID, client)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	entry, ok := g.reg.Lookup(handle)
	if !ok {
		conn.Close()
		return
	}
	client.handle = handle
	client.ctx = entry.Context()
	client.log = client.log.With().Int64("handle", handle.ID).Logger()
	client.log.Info().Msg("client connected")

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()
}

// handle runs one validated command and returns the frame to send back.
func (g *Gateway) handle(ctx context.Context, identity string, in Inbound) Outbound {
	switch in.Type {
	case FrameSend:
		msg, err := g.sessions.Send(ctx, in.ConversationID, identity, in.Payload)
		if err != nil {
			return errorFrame(in.RequestID, err)
		}
		return Outbound{Type: FrameAck, RequestID: in.RequestID, ConversationID: in.ConversationID, Message: &msg}

	case FrameRead:
		n, err := g.sessions.MarkRead(ctx, in.ConversationID, identity, in.UpToID)
		if err != nil {
			return errorFrame(in.RequestID, err)
		}
		return Outbound{Type: FrameAck, RequestID: in.RequestID, ConversationID: in.ConversationID, Count: n}

	case FrameTyping:
		n, err := g.sessions.Typing(ctx, in.ConversationID, identity)
		if err != nil {
			return errorFrame(in.RequestID, err)
		}
		return Outbound{Type: FrameAck, RequestID: in.RequestID, ConversationID: in.ConversationID, Count: n}

	case FrameHistory:
		limit := in.Limit
		if limit == 0 || limit > g.opts.HistoryLimit {
			limit = g.opts.HistoryLimit
		}
		msgs, err := g.sessions.History(ctx, in.ConversationID, identity, in.FromID, limit)
		if err != nil {
			return errorFrame(in.RequestID, err)
		}
		return Outbound{Type: FrameHistory, RequestID: in.RequestID, ConversationID: in.ConversationID, Messages: msgs, Count: len(msgs)}
	}
	return errorFrame(in.RequestID, fmt.Errorf("%w: unknown frame type %q", session.ErrInvalid, in.Type))
}

func (g *Gateway) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "Hello from the chat gateway!")
}

type health struct {
	Status      string         `json:"status"`
	Node        string         `json:"node"`
	Store       string         `json:"store"`
	Connections int            `json:"connections"`
	Sessions    session.Stats  `json:"sessions"`
	Delivery    delivery.Stats `json:"delivery"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	h := health{
		Status:      "ok",
		Node:        g.opts.Node,
		Store:       "ok",
		Connections: g.reg.Count(),
		Sessions:    g.sessions.Stats(),
	}
	if g.router != nil {
		h.Delivery = g.router.Stats()
	}
	status := http.StatusOK
	if err := g.store.Ping(ctx); err != nil {
		h.Status, h.Store = "degraded", err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

type createRequest struct {
	ID      string   `json:"id" validate:"required,max=128"`
	Members []string `json:"members" validate:"dive,required,max=128"`
}

type memberRequest struct {
	Identity string `json:"identity" validate:"required,max=128"`
}

func (g *Gateway) handleCreate(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	var req createRequest
	if !g.decode(w, r, &req) {
		return
	}
	members := lo.Uniq(append(req.Members, claims.UserID))
	conv, err := g.sessions.Create(r.Context(), req.ID, members)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.log.Info().Str("conversation_id", conv.ID).Strs("members", conv.Members).Str("by", claims.UserID).Msg("conversation created")
	writeJSON(w, http.StatusCreated, conv)
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.ClaimsFrom(r.Context())
	conv, err := g.sessions.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		g.writeError(w, err)
		return
	}
	if !conv.IsMember(claims.UserID) {
		g.writeError(w, model.ErrNotMember)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !g.decode(w, r, &req) {
		return
	}
	g.membership(w, r, func(ctx context.Context, id string) error {
		return g.sessions.AddMember(ctx, id, req.Identity)
	})
}

func (g *Gateway) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")
	g.membership(w, r, func(ctx context.Context, id string) error {
		return g.sessions.RemoveMember(ctx, id, identity)
	})
}

func (g *Gateway) handleArchive(w http.ResponseWriter, r *http.Request) {
	g.membership(w, r, g.sessions.Archive)
}

// membership runs a change on behalf of a member of the conversation and
// answers with the resulting state.
func (g *Gateway) membership(w http.ResponseWriter, r *http.Request, change func(ctx context.Context, id string) error) {
	claims, _ := auth.ClaimsFrom(r.Context())
	id := r.PathValue("id")

	conv, err := g.sessions.Conversation(r.Context(), id)
	if err != nil {
		g.writeError(w, err)
		return
	}
	if !conv.IsMember(claims.UserID) {
		g.writeError(w, model.ErrNotMember)
		return
	}
	if err := change(r.Context(), id); err != nil {
		g.writeError(w, err)
		return
	}
	conv, err = g.sessions.Conversation(r.Context(), id)
	if err != nil {
		g.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		g.writeError(w, err)
		return false
	}
	return true
}

func statusOf(err error) int {
	switch errorCode(err) {
	case "invalid":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "not_member":
		return http.StatusForbidden
	case "archived", "exists", "conflict":
		return http.StatusConflict
	case "unavailable", "shutting_down":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		g.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorFrame("", err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var (
	_ registry.Channel      = (*Client)(nil)
	_ registry.EventChannel = (*Client)(nil)
)
