package events

import "encoding/json"

// Message is the envelope republished to account groups. Data keeps the
// original payload bytes so field names survive the hop untouched.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}
