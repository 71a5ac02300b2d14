package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// IdempotencyKey derives the at-most-once fingerprint of a ledger action.
// The tuple deliberately excludes timestamp and actor so the same logical
// movement is detected as a replay under any caller.
func IdempotencyKey(dealID string, action Action) string {
	parts := []string{
		dealID,
		action.ReferenceID,
		string(action.Type),
		action.Amount.String(),
		action.Currency,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
