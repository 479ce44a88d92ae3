// Package bridge consumes broker events off the message queue, de-duplicates
// them, resolves the internal account, and republishes to fan-out groups.
package bridge

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Envelope is the wire shape every broker event arrives in. Payload stays raw
// so unknown fields survive the hop into websocket groups.
type Envelope struct {
	EventID      string          `json:"event_id"`
	EventVersion int             `json:"event_version"`
	Source       string          `json:"source"`
	Platform     string          `json:"platform"`
	Type         string          `json:"type"`
	AccountID    string          `json:"account_id"`
	InternalID   string          `json:"internal_account_id"`
	BrokerLogin  int64           `json:"broker_login"`
	OccurredAt   string          `json:"occurred_at"`
	SentAt       string          `json:"sent_at"`
	Payload      json.RawMessage `json:"payload"`
}

// ID returns the producer-assigned event id, or a derived one when the
// producer sent none. The fallback is deterministic so replays of the same
// event still deduplicate.
func (e *Envelope) ID() string {
	if e.EventID != "" {
		return e.EventID
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", e.Type, e.BrokerLogin, e.OccurredAt)))
	return "derived-" + hex.EncodeToString(sum[:16])
}

// canonicalType folds tolerated producer aliases onto the names the fan-out
// dispatch switches on.
func canonicalType(t string) string {
	switch t {
	case "position_closed":
		return "position.closed"
	case "account_info":
		return "account.info"
	case "price":
		return "price.tick"
	case "candle":
		return "candle.update"
	}
	return t
}
