package model

import "time"

type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// rank orders statuses so that a receipt never moves backwards. Failed and
// pending share a rank: a failed receipt can still be delivered on flush.
func (s DeliveryStatus) rank() int {
	switch s {
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return 1
	}
}

// Advances reports whether moving from s to next is allowed.
func (s DeliveryStatus) Advances(next DeliveryStatus) bool {
	if s == "" {
		return true
	}
	if s.rank() == next.rank() {
		return s != next
	}
	return next.rank() > s.rank()
}

// Undelivered reports whether the recipient still has to receive the message.
func (s DeliveryStatus) Undelivered() bool {
	return s == StatusPending || s == StatusFailed
}

// Receipt tracks one (message, recipient) pair.
type Receipt struct {
	ConversationID string         `json:"conversation_id"`
	MessageID      int64          `json:"message_id"`
	RecipientID    string         `json:"recipient_id"`
	Status         DeliveryStatus `json:"status"`
	Attempts       int            `json:"attempts"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
}

// Apply moves the receipt to status at the given time when allowed and
// reports whether anything changed.
func (r *Receipt) Apply(status DeliveryStatus, attempts int, at time.Time) bool {
	if !r.Status.Advances(status) {
		return false
	}
	r.Status = status
	r.Attempts += attempts
	r.UpdatedAt = at
	switch status {
	case StatusDelivered:
		r.DeliveredAt = &at
	case StatusRead:
		if r.DeliveredAt == nil {
			r.DeliveredAt = &at
		}
		r.ReadAt = &at
	}
	return true
}
