package model

import (
	"errors"
	"fmt"
)

var (
	ErrConflict              = errors.New("conflict")
	ErrStorageUnavailable    = errors.New("storage unavailable")
	ErrChannelPush           = errors.New("channel push failed")
	ErrRegistryInconsistency = errors.New("registry inconsistency")

	ErrConversationNotFound = fmt.Errorf("%w: conversation not found", ErrConflict)
	ErrConversationExists   = fmt.Errorf("%w: conversation already exists", ErrConflict)
	ErrNotMember            = fmt.Errorf("%w: not a conversation member", ErrConflict)
	ErrArchived             = fmt.Errorf("%w: conversation archived", ErrConflict)
	ErrChannelClosed        = fmt.Errorf("%w: channel closed", ErrRegistryInconsistency)
	ErrChannelBusy          = fmt.Errorf("%w: send buffer full", ErrChannelPush)
)

// Unavailable wraps a driver error so that callers can match it with
// errors.Is(err, ErrStorageUnavailable) while keeping the cause.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
