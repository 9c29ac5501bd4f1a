package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// naiveLayout covers producers that emit ISO-8601 without an offset.
const naiveLayout = "2006-01-02T15:04:05.999999999"

type envelope struct {
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Subject returns the broker subject an event kind is published on.
func Subject(prefix string, kind Kind) string {
	return fmt.Sprintf("%s.%s", prefix, kind)
}

// Encode renders ev as a wire envelope.
func Encode(ev Event) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	if ev.Payload.Kind() != ev.Kind {
		return nil, fmt.Errorf("%w: kind %s carries %s payload", ErrMalformed, ev.Kind, ev.Payload.Kind())
	}

	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Kind, err)
	}

	ts := ev.OccurredAt
	if ts.IsZero() {
		ts = time.Now()
	}

	return json.Marshal(envelope{
		EventType: string(ev.Kind),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
}

// Decode parses a wire envelope. Errors wrap ErrMalformed or ErrUnknownKind.
func Decode(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind, err := ParseKind(env.EventType)
	if err != nil {
		return Event{}, err
	}

	ts, err := parseTimestamp(env.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	if len(env.Data) == 0 {
		return Event{}, fmt.Errorf("%w: missing data", ErrMalformed)
	}

	ev := Event{Kind: kind, OccurredAt: ts}
	switch kind {
	case KindOrderCreated:
		var p OrderCreated
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %s data: %v", ErrMalformed, kind, err)
		}
		ev.Payload = p
	case KindOrderStatusUpdated:
		var p OrderStatusUpdated
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Event{}, fmt.Errorf("%w: %s data: %v", ErrMalformed, kind, err)
		}
		ev.Payload = p
	}

	if ev.OrderID() == 0 {
		return Event{}, fmt.Errorf("%w: %s without order_id", ErrMalformed, kind)
	}
	return ev, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.ParseInLocation(naiveLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
