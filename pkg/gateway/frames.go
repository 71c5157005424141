package gateway

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/mahaj/dupahar-chat/pkg/model"
	"github.com/mahaj/dupahar-chat/pkg/session"
)

const (
	FrameSend    = "send"
	FrameRead    = "read"
	FrameTyping  = "typing"
	FrameHistory = "history"

	FrameAck     = "ack"
	FrameMessage = "message"
	FrameReceipt = "receipt"
	FrameEvent   = "event"
	FrameError   = "error"
)

// eventFrame names the outbound frame of an ephemeral event. Typing reuses
// the inbound frame name.
func eventFrame(t model.MessageType) string {
	switch t {
	case model.TypeTyping:
		return FrameTyping
	case model.TypeReadReceipt:
		return FrameReceipt
	default:
		return FrameEvent
	}
}

var validate = validator.New()

// Inbound is a client command.
type Inbound struct {
	Type           string `json:"type" validate:"required,oneof=send read typing history"`
	RequestID      string `json:"request_id,omitempty" validate:"max=64"`
	ConversationID string `json:"conversation_id" validate:"required,max=128"`
	Payload        string `json:"payload,omitempty" validate:"required_if=Type send"`
	UpToID         int64  `json:"up_to_id,omitempty" validate:"required_if=Type read,gte=0"`
	FromID         int64  `json:"from_id,omitempty" validate:"gte=0"`
	Limit          int    `json:"limit,omitempty" validate:"gte=0,lte=500"`
}

func (in Inbound) Validate() error {
	return validate.Struct(in)
}

// Outbound is everything the server writes to a client. Ack echoes the
// request id; message, history, typing, receipt and event frames carry
// their data.
type Outbound struct {
	Type           string          `json:"type"`
	RequestID      string          `json:"request_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Message        *model.Message  `json:"message,omitempty"`
	Messages       []model.Message `json:"messages,omitempty"`
	Event          *model.Event    `json:"event,omitempty"`
	Count          int             `json:"count,omitempty"`
	Code           string          `json:"code,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// errorCode maps the core error taxonomy onto stable wire codes.
func errorCode(err error) string {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, session.ErrInvalid):
		return "invalid"
	case errors.Is(err, model.ErrConversationNotFound):
		return "not_found"
	case errors.Is(err, model.ErrNotMember):
		return "not_member"
	case errors.Is(err, model.ErrArchived):
		return "archived"
	case errors.Is(err, model.ErrConversationExists):
		return "exists"
	case errors.Is(err, model.ErrConflict):
		return "conflict"
	case errors.Is(err, model.ErrStorageUnavailable):
		return "unavailable"
	case errors.Is(err, session.ErrClosed):
		return "shutting_down"
	default:
		return "internal"
	}
}

func errorFrame(requestID string, err error) Outbound {
	return Outbound{Type: FrameError, RequestID: requestID, Code: errorCode(err), Error: err.Error()}
}
