package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/registry"
	"github.com/mahaj/dupahar-chat/pkg/session"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	sendBuffer = 256
)

var errRateLimited = errors.New("rate limit exceeded")

// Client is a middleman between the websocket connection and the core. It is
// the registry.Channel of one connection.
type Client struct {
	gw      *Gateway
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
	log     zerolog.Logger

	identity string
	handle   registry.Handle
	ctx      context.Context
}

func newClient(gw *Gateway, conn *websocket.Conn, identity string) *Client {
	return &Client{
		gw:       gw,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		limiter:  rate.NewLimiter(gw.opts.RateLimit, gw.opts.Burst),
		log:      gw.log.With().Str("identity", identity).Str("remote", conn.RemoteAddr().String()).Logger(),
		identity: identity,
	}
}

// Push queues a persisted message for this connection.
func (c *Client) Push(ctx context.Context, msg model.Message) error {
	return c.write(ctx, Outbound{Type: FrameMessage, ConversationID: msg.ConversationID, Message: &msg})
}

// PushEvent queues an ephemeral event for this connection.
func (c *Client) PushEvent(ctx context.Context, evt model.Event) error {
	return c.write(ctx, Outbound{Type: eventFrame(evt.Type), ConversationID: evt.ConversationID, Event: &evt})
}

// Close stops the write pump, which sends a close frame and drops the socket.
func (c *Client) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Client) write(ctx context.Context, frame Outbound) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", frame.Type, err)
	}
	select {
	case <-c.done:
		return model.ErrChannelClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return model.ErrChannelClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", model.ErrChannelBusy, ctx.Err())
	}
}

// reply answers a client command; replies are dropped if the buffer stays full.
func (c *Client) reply(frame Outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := c.write(ctx, frame); err != nil && !errors.Is(err, model.ErrChannelClosed) {
		c.log.Warn().Err(err).Str("frame", frame.Type).Msg("dropping reply")
	}
}

// readPump pumps commands from the websocket connection to the session manager.
func (c *Client) readPump() {
	defer func() {
		c.gw.reg.Unregister(c.handle)
		c.Close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.gw.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.gw.reg.Touch(c.handle)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Info().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}
		c.gw.reg.Touch(c.handle)

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			c.reply(errorFrame("", fmt.Errorf("%w: malformed frame", session.ErrInvalid)))
			continue
		}
		if !c.limiter.Allow() {
			c.reply(Outbound{Type: FrameError, RequestID: in.RequestID, Code: "rate_limited", Error: errRateLimited.Error()})
			continue
		}
		if err := in.Validate(); err != nil {
			c.reply(errorFrame(in.RequestID, err))
			continue
		}
		c.reply(c.gw.handle(c.ctx, c.identity, in))
	}
}

// writePump pumps frames to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
