package app

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// SessionIdempotencyKey derives the gateway key for a session payout. The same contractor
// and session set always yield the same key regardless of session order.
func SessionIdempotencyKey(contractorID string, sessionIDs []string) string {
	sorted := append([]string(nil), sessionIDs...)
	sort.Strings(sorted)
	digest := blake2b.Sum256([]byte(contractorID + "|" + strings.Join(sorted, ",")))
	return "payout_" + hex.EncodeToString(digest[:16])
}

// CommissionIdempotencyKey derives the gateway key for a direct commission transfer made
// inside a scheduled batch.
func CommissionIdempotencyKey(batchID, contractorID string, scheduledDate time.Time) string {
	return fmt.Sprintf("batch_%s_%s_%s", batchID, contractorID, scheduledDate.Format("20060102"))
}
