package main

import (
	"testing"

	"github.com/mahaj/dupahar-chat/pkg/gateway"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	req := require.New(t)

	in, ok, err := parseCommand("c1", "hello there")
	req.NoError(err)
	req.True(ok)
	req.Equal(gateway.FrameSend, in.Type)
	req.Equal("hello there", in.Payload)
	req.NotEmpty(in.RequestID)
	req.NoError(in.Validate())

	in, ok, err = parseCommand("c1", "/history 5")
	req.NoError(err)
	req.True(ok)
	req.Equal(gateway.FrameHistory, in.Type)
	req.EqualValues(5, in.FromID)

	in, ok, err = parseCommand("c1", "/read 7")
	req.NoError(err)
	req.True(ok)
	req.EqualValues(7, in.UpToID)
	req.NoError(in.Validate())

	_, ok, err = parseCommand("c1", "/read")
	req.Error(err)
	req.False(ok)

	_, ok, err = parseCommand("c1", "")
	req.NoError(err)
	req.False(ok)
}

func TestRender(t *testing.T) {
	req := require.New(t)
	req.Equal("[3] bob: hi", render(gateway.Outbound{Type: gateway.FrameMessage, Message: &model.Message{ID: 3, SenderID: "bob", Payload: "hi"}}))
	req.Equal("User bob is typing...", render(gateway.Outbound{Type: gateway.FrameTyping, Event: &model.Event{Type: model.TypeTyping, UserID: "bob"}}))
	req.Equal("error (not_member): nope", render(gateway.Outbound{Type: gateway.FrameError, Code: "not_member", Error: "nope"}))
	req.Empty(render(gateway.Outbound{Type: gateway.FrameAck, Count: 1}))
}
