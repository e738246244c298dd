package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"arbiter/internal/domain"
)

// canonicalBytes serializes the content fields of an entry into a
// deterministic byte sequence: fixed field order, sorted metadata keys, and
// length-prefixed values so no value can masquerade as a field boundary.
// The same logical content always yields the same bytes, regardless of map
// iteration order or how the entry was loaded.
func canonicalBytes(e *domain.AuditEntry) []byte {
	var b bytes.Buffer

	writeField := func(key, value string) {
		fmt.Fprintf(&b, "%s:%d:%s;", key, len(value), value)
	}

	writeField("id", e.ID)
	writeField("action", string(e.Action))
	writeField("actor", e.ActorUserID)
	writeField("case", e.SubjectCaseID)
	writeField("ip", e.IPAddress)
	writeField("ua", e.UserAgent)
	writeField("ts", e.Timestamp.UTC().Format(time.RFC3339Nano))

	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField("meta."+k, e.Metadata[k])
	}

	return b.Bytes()
}

// ComputeHash returns the integrity hash for an entry: SHA-256 over the
// canonical serialization of its content followed by its previous hash.
func ComputeHash(e *domain.AuditEntry) string {
	h := sha256.New()
	h.Write(canonicalBytes(e))
	h.Write([]byte(e.PreviousHash))
	return hex.EncodeToString(h.Sum(nil))
}
