package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventSource identifies where an event originated.
type EventSource string

const (
	SourceFlutterApp EventSource = "flutter_app"
	SourceBotApp     EventSource = "bot_app"
)

// Event is one record of the remote events collection. The supervisor deletes
// it before dispatch so a crash cannot replay it.
type Event struct {
	ID       string       `json:"id"`
	UUID     string       `json:"uuid"`
	Account  string       `json:"account"`
	Bot      string       `json:"bot"`
	Strategy string       `json:"strategy"`
	Content  EventContent `json:"content"`
	Created  time.Time    `json:"created"`
}

// EventContent is the nested document carried by an event. The remote store
// delivers it either inline or as a JSON string; UnmarshalJSON accepts both.
type EventContent struct {
	EventType   string                 `json:"event_type"`
	Source      EventSource            `json:"source"`
	Target      string                 `json:"target"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details"`
	ResponseTo  string                 `json:"response_to"`
	UserName    string                 `json:"user_name"`
	UserID      string                 `json:"user_id"`
	SentByAdmin bool                   `json:"sent_by_admin"`
}

// UnmarshalJSON decodes content delivered as an object or as a JSON string.
func (c *EventContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*c = EventContent{}
			return nil
		}
		data = []byte(s)
	}
	type alias EventContent
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decode event content: %w", err)
	}
	*c = EventContent(a)
	return nil
}

// Detail returns a detail value by key, nil when absent.
func (c *EventContent) Detail(key string) interface{} {
	if c.Details == nil {
		return nil
	}
	return c.Details[key]
}

// DetailString returns a detail as a string, "" when absent or not a string.
func (c *EventContent) DetailString(key string) string {
	if s, ok := c.Detail(key).(string); ok {
		return s
	}
	return ""
}

// DetailFloat coerces a detail to float64. JSON numbers arrive as float64;
// strings are parsed; anything else yields the fallback.
func (c *EventContent) DetailFloat(key string, fallback float64) float64 {
	switch v := c.Detail(key).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return fallback
		}
		return f
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
			return fallback
		}
		return f
	default:
		return fallback
	}
}

// DetailUint coerces a detail to an order ticket.
func (c *EventContent) DetailUint(key string) uint64 {
	switch v := c.Detail(key).(type) {
	case float64:
		if v < 0 {
			return 0
		}
		return uint64(v)
	case string:
		var t uint64
		if _, err := fmt.Sscanf(v, "%d", &t); err != nil {
			return 0
		}
		return t
	default:
		return 0
	}
}
