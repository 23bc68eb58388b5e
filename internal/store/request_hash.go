package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// transferRequestHash fingerprints the parts of a create-transfer request that
// must match for an idempotent replay.
func transferRequestHash(amount int64, to string) string {
	var b strings.Builder
	b.WriteString(strconv.FormatInt(amount, 10))
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(to))
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func truncateReason(reason string) string {
	if len(reason) > 2000 {
		return reason[:2000]
	}
	return reason
}
