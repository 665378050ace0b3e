package config

import (
	"encoding/hex"
	"strings"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/logger"
)

const pubKeyLength = 48

// ParsePubKeys reads comma or newline separated public keys. Whitespace is stripped,
// duplicates are dropped, and entries that are not 0x-prefixed 48-byte hex strings are
// reported and skipped. Order of first appearance is kept.
func ParsePubKeys(list string) []domain.BLSPubKey {
	fields := strings.FieldsFunc(list, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})

	seen := make(map[domain.BLSPubKey]struct{}, len(fields))
	keys := make([]domain.BLSPubKey, 0, len(fields))
	for _, f := range fields {
		f = strings.Join(strings.Fields(f), "")
		if f == "" {
			continue
		}
		if !strings.HasPrefix(f, "0x") && !strings.HasPrefix(f, "0X") {
			logger.Warn("Ignoring public key %q: it does not start with 0x", f)
			continue
		}
		raw, err := hex.DecodeString(f[2:])
		if err != nil || len(raw) != pubKeyLength {
			logger.Warn("Ignoring public key %q: not a %d-byte hex string", f, pubKeyLength)
			continue
		}

		pk := domain.NormalizePubKey(f)
		if _, dup := seen[pk]; dup {
			continue
		}
		seen[pk] = struct{}{}
		keys = append(keys, pk)
	}
	return keys
}
