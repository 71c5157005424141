package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/dupahar-chat/pkg/auth"
	"github.com/mahaj/dupahar-chat/pkg/delivery"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/registry"
	"github.com/mahaj/dupahar-chat/pkg/retry"
	"github.com/mahaj/dupahar-chat/pkg/session"
	"github.com/mahaj/dupahar-chat/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fixture struct {
	t       *testing.T
	srv     *httptest.Server
	store   *store.Memory
	reg     *registry.Registry
	router  *delivery.Router
	tokens  *auth.Tokens
	manager *session.Manager
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	reg, err := registry.New(registry.Options{Node: "test"})
	require.NoError(t, err)

	s := store.NewMemory()
	router := delivery.NewRouter(reg, s, delivery.Options{
		Retry:  retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond},
		Logger: zerolog.Nop(),
	})
	reg.Subscribe(router.HandlePresence)
	manager := session.NewManager(s, router, nil, session.Options{Node: "test", Logger: zerolog.Nop()})
	tokens := auth.New("test-secret", time.Hour)

	opts.Node = "test"
	opts.Logger = zerolog.Nop()
	gw := New(manager, reg, router, tokens, s, opts)
	srv := httptest.NewServer(gw.Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Close(ctx)
		reg.Close()
		router.Wait()
	})
	return &fixture{t: t, srv: srv, store: s, reg: reg, router: router, tokens: tokens, manager: manager}
}

func (f *fixture) token(identity string) string {
	f.t.Helper()
	tok, err := f.tokens.GenerateToken(identity)
	require.NoError(f.t, err)
	return tok
}

func (f *fixture) dial(identity string) *websocket.Conn {
	f.t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + f.token(identity)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { conn.Close() })

	require.Eventually(f.t, func() bool {
		conns := f.reg.ChannelsFor(identity)
		for _, c := range conns {
			if !f.router.Ready(c.Handle) {
				return false
			}
		}
		return len(conns) > 0
	}, time.Second, time.Millisecond)
	return conn
}

func (f *fixture) do(method, path, identity string, body any) *http.Response {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(f.t, err)
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+f.token(identity))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func send(t *testing.T, conn *websocket.Conn, in Inbound) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(in))
}

func next(t *testing.T, conn *websocket.Conn) Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out Outbound
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func TestWebsocketRequiresToken(t *testing.T) {
	f := newFixture(t, Options{})
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendIsAckedAndPushed(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	_, err := f.manager.Create(context.Background(), "c1", []string{"alice", "bob"})
	req.NoError(err)

	alice := f.dial("alice")
	bob := f.dial("bob")

	send(t, alice, Inbound{Type: FrameSend, RequestID: "r1", ConversationID: "c1", Payload: "hi bob"})
	ack := next(t, alice)
	req.Equal(FrameAck, ack.Type)
	req.Equal("r1", ack.RequestID)
	req.NotNil(ack.Message)
	req.EqualValues(1, ack.Message.ID)

	pushed := next(t, bob)
	req.Equal(FrameMessage, pushed.Type)
	req.Equal("c1", pushed.ConversationID)
	req.Equal("hi bob", pushed.Message.Payload)
	req.Equal("alice", pushed.Message.SenderID)

	req.Eventually(func() bool {
		receipts, err := f.store.Receipts(context.Background(), "c1", 1)
		return err == nil && len(receipts) == 1 && receipts[0].Status == model.StatusDelivered
	}, time.Second, 5*time.Millisecond)
}

func TestQueuedMessagesArriveOnConnect(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.manager.Create(ctx, "c1", []string{"alice", "bob"})
	req.NoError(err)

	for _, p := range []string{"one", "two", "three"} {
		_, err := f.manager.Send(ctx, "c1", "alice", p)
		req.NoError(err)
	}

	bob := f.dial("bob")
	for i, want := range []string{"one", "two", "three"} {
		out := next(t, bob)
		req.Equal(FrameMessage, out.Type)
		req.EqualValues(i+1, out.Message.ID)
		req.Equal(want, out.Message.Payload)
	}
}

func TestHistoryReadAndTyping(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	ctx := context.Background()
	_, err := f.manager.Create(ctx, "c1", []string{"alice", "bob"})
	req.NoError(err)
	for _, p := range []string{"a", "b", "c"} {
		_, err := f.manager.Send(ctx, "c1", "bob", p)
		req.NoError(err)
	}

	alice := f.dial("alice")
	for range 3 {
		req.Equal(FrameMessage, next(t, alice).Type)
	}
	bob := f.dial("bob")

	send(t, alice, Inbound{Type: FrameHistory, RequestID: "h", ConversationID: "c1", FromID: 2})
	hist := next(t, alice)
	req.Equal(FrameHistory, hist.Type)
	req.Len(hist.Messages, 2)
	req.EqualValues(2, hist.Messages[0].ID)

	send(t, alice, Inbound{Type: FrameRead, RequestID: "r", ConversationID: "c1", UpToID: 3})
	ack := next(t, alice)
	req.Equal(FrameAck, ack.Type)
	req.Equal(3, ack.Count)

	evt := next(t, bob)
	req.Equal(FrameReceipt, evt.Type)
	req.Equal(model.TypeReadReceipt, evt.Event.Type)
	req.EqualValues(3, evt.Event.MessageID)

	send(t, alice, Inbound{Type: FrameTyping, RequestID: "t", ConversationID: "c1"})
	ack = next(t, alice)
	req.Equal(FrameAck, ack.Type)
	req.Equal(1, ack.Count)
	evt = next(t, bob)
	req.Equal(FrameTyping, evt.Type)
	req.Equal(model.TypeTyping, evt.Event.Type)
	req.Equal("alice", evt.Event.UserID)
}

func TestErrorFrames(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})
	_, err := f.manager.Create(context.Background(), "c1", []string{"alice", "bob"})
	req.NoError(err)
	mallory := f.dial("mallory")

	req.NoError(mallory.WriteMessage(websocket.TextMessage, []byte("{not json")))
	out := next(t, mallory)
	req.Equal(FrameError, out.Type)
	req.Equal("invalid", out.Code)

	send(t, mallory, Inbound{Type: FrameSend, RequestID: "1", ConversationID: "c1"})
	out = next(t, mallory)
	req.Equal("invalid", out.Code)
	req.Equal("1", out.RequestID)

	send(t, mallory, Inbound{Type: FrameSend, RequestID: "2", ConversationID: "c1", Payload: "let me in"})
	req.Equal("not_member", next(t, mallory).Code)

	send(t, mallory, Inbound{Type: FrameSend, RequestID: "3", ConversationID: "nope", Payload: "x"})
	req.Equal("not_found", next(t, mallory).Code)
}

func TestRateLimit(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{RateLimit: rate.Every(time.Hour), Burst: 1})
	_, err := f.manager.Create(context.Background(), "c1", []string{"alice"})
	req.NoError(err)
	alice := f.dial("alice")

	send(t, alice, Inbound{Type: FrameTyping, RequestID: "1", ConversationID: "c1"})
	req.Equal(FrameAck, next(t, alice).Type)

	send(t, alice, Inbound{Type: FrameTyping, RequestID: "2", ConversationID: "c1"})
	out := next(t, alice)
	req.Equal(FrameError, out.Type)
	req.Equal("rate_limited", out.Code)
	req.Equal("2", out.RequestID)
}

func TestConversationAdmin(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})

	resp := f.do(http.MethodPost, "/conversations", "", createRequest{ID: "c1"})
	req.Equal(http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(http.MethodPost, "/conversations", "alice", createRequest{ID: "c1", Members: []string{"bob", "alice"}})
	req.Equal(http.StatusCreated, resp.StatusCode)
	var conv model.Conversation
	req.NoError(json.NewDecoder(resp.Body).Decode(&conv))
	req.ElementsMatch([]string{"alice", "bob"}, conv.Members)

	resp = f.do(http.MethodPost, "/conversations", "alice", createRequest{ID: "c1"})
	req.Equal(http.StatusConflict, resp.StatusCode)

	resp = f.do(http.MethodPost, "/conversations", "alice", map[string]any{"members": []string{"x"}})
	req.Equal(http.StatusBadRequest, resp.StatusCode)

	resp = f.do(http.MethodGet, "/conversations/c1", "carol", nil)
	req.Equal(http.StatusForbidden, resp.StatusCode)

	resp = f.do(http.MethodPost, "/conversations/c1/members", "bob", memberRequest{Identity: "carol"})
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.NewDecoder(resp.Body).Decode(&conv))
	req.Contains(conv.Members, "carol")

	resp = f.do(http.MethodDelete, "/conversations/c1/members/bob", "alice", nil)
	req.Equal(http.StatusOK, resp.StatusCode)

	resp = f.do(http.MethodGet, "/conversations/missing", "alice", nil)
	req.Equal(http.StatusNotFound, resp.StatusCode)

	resp = f.do(http.MethodPost, "/conversations/c1/archive", "carol", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	req.NoError(json.NewDecoder(resp.Body).Decode(&conv))
	req.True(conv.Archived())

	_, err := f.manager.Send(context.Background(), "c1", "alice", "late")
	req.ErrorIs(err, model.ErrArchived)
}

func TestHealth(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, Options{})

	resp := f.do(http.MethodGet, "/healthz", "", nil)
	req.Equal(http.StatusOK, resp.StatusCode)
	var h health
	req.NoError(json.NewDecoder(resp.Body).Decode(&h))
	req.Equal("ok", h.Status)
	req.Equal("test", h.Node)

	f.store.SetAvailable(false)
	resp = f.do(http.MethodGet, "/healthz", "", nil)
	req.Equal(http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusMapping(t *testing.T) {
	req := require.New(t)
	req.Equal(http.StatusNotFound, statusOf(model.ErrConversationNotFound))
	req.Equal(http.StatusForbidden, statusOf(model.ErrNotMember))
	req.Equal(http.StatusConflict, statusOf(model.ErrArchived))
	req.Equal(http.StatusConflict, statusOf(model.ErrConflict))
	req.Equal(http.StatusBadRequest, statusOf(session.ErrEmptyPayload))
	req.Equal(http.StatusServiceUnavailable, statusOf(model.Unavailable("append", context.DeadlineExceeded)))
	req.Equal(http.StatusServiceUnavailable, statusOf(session.ErrClosed))
}
