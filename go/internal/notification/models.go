package notification

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrInvalidState = errors.New("only failed notifications can be retried")
	ErrUnknownType  = errors.New("unknown notification type")
)

type Type string

const (
	TypeOrderConfirmation Type = "order_confirmation"
	TypeOrderStatusUpdate Type = "order_status_update"
)

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Notification is the durable record of one logical delivery attempt.
// A sent row never carries an error message and a failed row always does.
type Notification struct {
	ID             int64           `json:"id"`
	Type           Type            `json:"type"`
	RecipientEmail string          `json:"recipient_email"`
	Subject        string          `json:"subject"`
	OrderID        int64           `json:"order_id"`
	UserID         int64           `json:"user_id"`
	Status         Status          `json:"status"`
	ErrorMessage   *string         `json:"error_message"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	EventKey       string          `json:"-"`
	Payload        json.RawMessage `json:"-"`
}

// Outcome is the result of one send.
type Outcome struct {
	Status       Status
	ErrorMessage *string
}

// OutcomeOf maps a send error to an outcome. Failed outcomes always carry
// a message.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Outcome{Status: StatusSent}
	}
	msg := err.Error()
	if msg == "" {
		msg = "unknown error"
	}
	return Outcome{Status: StatusFailed, ErrorMessage: &msg}
}

// Attempt is what Upsert writes. (OrderID, Type, EventKey) identifies the
// logical attempt across redeliveries.
type Attempt struct {
	Type           Type
	RecipientEmail string
	Subject        string
	OrderID        int64
	UserID         int64
	EventKey       string
	Payload        json.RawMessage
	Outcome
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Filter struct {
	Recipient string
	Status    Status
	OrderID   int64
	Page      int
	PageSize  int
}

func (f Filter) normalized() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

type ListResult struct {
	Notifications []Notification `json:"notifications"`
	Total         int            `json:"total"`
}
