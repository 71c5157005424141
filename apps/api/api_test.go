package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/projection"
	"github.com/mahaj/dupahar-chat/pkg/registry"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type fakeReadModel struct {
	mu       sync.Mutex
	convs    map[string][]projection.Conversation
	members  map[string][]string
	messages map[string][]model.Message
	resets   []string
	err      error
}

func (f *fakeReadModel) Conversations(_ context.Context, userID string) ([]projection.Conversation, error) {
	return f.convs[userID], f.err
}

func (f *fakeReadModel) ResetUnread(_ context.Context, userID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, userID+"/"+conversationID)
	return f.err
}

func (f *fakeReadModel) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	for _, m := range f.members[conversationID] {
		if m == userID {
			return true, f.err
		}
	}
	return false, f.err
}

func (f *fakeReadModel) History(_ context.Context, conversationID string, fromID int64, limit int) ([]model.Message, error) {
	var out []model.Message
	for _, m := range f.messages[conversationID] {
		if m.ID >= fromID && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, f.err
}

type apiFixture struct {
	t      *testing.T
	srv    *httptest.Server
	tokens *auth.Tokens
	rm     *fakeReadModel
	mr     *miniredis.Miniredis
	rdb    *redis.Client
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	now := time.Now().UTC()
	rm := &fakeReadModel{
		convs: map[string][]projection.Conversation{
			"alice": {
				{UserID: "alice", ConversationID: "old", LastUpdated: now.Add(-time.Hour)},
				{UserID: "alice", ConversationID: "new", LastUpdated: now, UnreadCount: 2},
			},
		},
		members: map[string][]string{"c1": {"alice", "bob"}},
		messages: map[string][]model.Message{"c1": {
			{ID: 1, ConversationID: "c1", SenderID: "alice", Payload: "a"},
			{ID: 2, ConversationID: "c1", SenderID: "bob", Payload: "b"},
			{ID: 3, ConversationID: "c1", SenderID: "alice", Payload: "c"},
		}},
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tokens := auth.New("test-secret", time.Hour)
	srv := httptest.NewServer(newMux(tokens, rm, registry.NewRedisPresence(rdb, time.Minute, zerolog.Nop()), zerolog.Nop()))
	t.Cleanup(srv.Close)
	return &apiFixture{t: t, srv: srv, tokens: tokens, rm: rm, mr: mr, rdb: rdb}
}

func (f *apiFixture) do(method, path, identity string, body any) *http.Response {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	r, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(f.t, err)
	if identity != "" {
		tok, err := f.tokens.GenerateToken(identity)
		require.NoError(f.t, err)
		r.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(r)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestLogin(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)

	resp := f.do(http.MethodPost, "/login", "", LoginRequest{UserID: "alice"})
	req.Equal(http.StatusOK, resp.StatusCode)
	var out LoginResponse
	req.NoError(json.NewDecoder(resp.Body).Decode(&out))

	claims, err := f.tokens.ValidateToken(out.Token)
	req.NoError(err)
	req.Equal("alice", claims.UserID)

	resp = f.do(http.MethodPost, "/login", "", LoginRequest{})
	req.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)

	resp := f.do(http.MethodGet, "/history?conversation_id=c1", "", nil)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(http.MethodGet, "/history?conversation_id=c1&from_id=2&limit=1", "bob", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	var msgs []model.Message
	req.NoError(json.NewDecoder(resp.Body).Decode(&msgs))
	req.Len(msgs, 1)
	req.EqualValues(2, msgs[0].ID)

	resp = f.do(http.MethodGet, "/history?conversation_id=c1", "mallory", nil)
	req.Equal(http.StatusForbidden, resp.StatusCode)

	resp = f.do(http.MethodGet, "/history?conversation_id=c1&limit=9999", "bob", nil)
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	resp = f.do(http.MethodGet, "/history", "bob", nil)
	req.Equal(http.StatusBadRequest, resp.StatusCode)
}

func TestConversationsAndRead(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)

	resp := f.do(http.MethodGet, "/conversations", "alice", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	var convs []projection.Conversation
	req.NoError(json.NewDecoder(resp.Body).Decode(&convs))
	req.Len(convs, 2)
	req.Equal("new", convs[0].ConversationID)
	req.EqualValues(2, convs[0].UnreadCount)

	resp = f.do(http.MethodGet, "/conversations", "nobody", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.NewDecoder(resp.Body).Decode(&convs))
	req.Empty(convs)

	resp = f.do(http.MethodPost, "/conversations/read", "alice", ReadRequest{ConversationID: "new"})
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal([]string{"alice/new"}, f.rm.resets)

	resp = f.do(http.MethodPost, "/conversations/read", "alice", ReadRequest{})
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	f.rm.err = errors.New("scylla down")
	resp = f.do(http.MethodGet, "/conversations", "alice", nil)
	req.Equal(http.StatusInternalServerError, resp.StatusCode)
}

func TestPresence(t *testing.T) {
	req := require.New(t)
	f := newAPIFixture(t)
	presence := registry.NewRedisPresence(f.rdb, time.Minute, zerolog.Nop())
	presence.Handle(registry.PresenceEvent{Kind: registry.Online, Handle: registry.Handle{ID: 1, Identity: "bob"}, Node: "gw-1"})
	presence.Handle(registry.PresenceEvent{Kind: registry.Online, Handle: registry.Handle{ID: 2, Identity: "bob"}, Node: "gw-2"})

	resp := f.do(http.MethodGet, "/presence/bob", "alice", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	var out presenceResponse
	req.NoError(json.NewDecoder(resp.Body).Decode(&out))
	req.True(out.Online)
	req.Equal(2, out.Connections)
	req.Equal([]string{"gw-1", "gw-2"}, out.Nodes)

	resp = f.do(http.MethodGet, "/presence/carol", "alice", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	var offline presenceResponse
	req.NoError(json.NewDecoder(resp.Body).Decode(&offline))
	req.False(offline.Online)
	req.Zero(offline.Connections)
	req.Empty(offline.Nodes)

	f.mr.SetError("redis down")
	resp = f.do(http.MethodGet, "/presence/bob", "alice", nil)
	req.Equal(http.StatusInternalServerError, resp.StatusCode)
}
