package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeHash returns the hex SHA-256 digest of a block's fields in fixed
// order: "<index>|<prevHash>|<canonical data>|<timestamp>". Identical logical
// input yields an identical digest regardless of payload key order or
// numeric spelling.
func ComputeHash(index int64, prevHash string, data BlockData, timestamp int64) (string, error) {
	enc, err := CanonicalData(data)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%d", index, prevHash, enc, timestamp)
	return hex.EncodeToString(h.Sum(nil)), nil
}
