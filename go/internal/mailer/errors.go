package mailer

import (
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
)

type ErrorKind string

const (
	KindConnection ErrorKind = "connection"
	KindAuth       ErrorKind = "auth"
	KindRecipient  ErrorKind = "recipient"
	KindTemplate   ErrorKind = "template"
	KindUnknown    ErrorKind = "unknown"
)

// SendError is returned for any failed render or delivery.
type SendError struct {
	Kind ErrorKind
	Err  error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("email %s error: %v", e.Kind, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Classify maps an SMTP or dial error to a SendError.
func Classify(err error) *SendError {
	if err == nil {
		return nil
	}
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Kind: classifyKind(err), Err: err}
}

func classifyKind(err error) ErrorKind {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		return kindForCode(tp.Code)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindConnection
	}

	// the SMTP client does not always keep the reply code wrapped
	msg := strings.ToLower(err.Error())
	for _, code := range []int{530, 534, 535, 501, 550, 551, 552, 553, 554} {
		if strings.Contains(msg, fmt.Sprintf("%d ", code)) {
			return kindForCode(code)
		}
	}
	switch {
	case strings.Contains(msg, "auth"):
		return KindAuth
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "timeout"), strings.Contains(msg, "no such host"), strings.Contains(msg, "eof"):
		return KindConnection
	}
	return KindUnknown
}

func kindForCode(code int) ErrorKind {
	switch code {
	case 530, 534, 535:
		return KindAuth
	case 501, 550, 551, 552, 553, 554:
		return KindRecipient
	case 421, 450, 451, 452:
		return KindConnection
	}
	return KindUnknown
}
