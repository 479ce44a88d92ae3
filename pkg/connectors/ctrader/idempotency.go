package ctrader

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// IdempotencyKey derives a deterministic key for a mutating call so the
// downstream service can drop retried duplicates. The canonical form is
// JSON with sorted keys, which encoding/json produces for maps.
func IdempotencyKey(accountID, operation, naturalKey string) string {
	canonical, _ := json.Marshal(map[string]string{
		"account_id":  accountID,
		"natural_key": naturalKey,
		"operation":   operation,
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
