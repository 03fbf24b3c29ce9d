package audit

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"security-core/internal/security"
)

// TimestampLayout is the timestamp format inside the checksum payload.
// Changing it invalidates every stored checksum.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// CanonicalJSON encodes v with sorted object keys, no insignificant
// whitespace and no HTML escaping.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// checksumPayload is the exact document that is hashed.
// Empty user_id and ip_address are encoded as null; missing changes as {}.
func checksumPayload(e security.AuditLog) map[string]any {
	changes := map[string]any(e.Changes)
	if changes == nil {
		changes = map[string]any{}
	}
	return map[string]any{
		"user_id":    nullable(e.UserID),
		"action":     string(e.Action),
		"model_name": e.ModelName,
		"object_id":  e.ObjectID,
		"changes":    changes,
		"ip_address": nullable(e.IPAddress),
		"timestamp":  e.CreatedAt.UTC().Format(TimestampLayout),
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Checksum returns hex(SHA-256(canonical payload)) for e.
func Checksum(e security.AuditLog) (string, error) {
	raw, err := CanonicalJSON(checksumPayload(e))
	if err != nil {
		return "", fmt.Errorf("audit: canonical json: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyIntegrity recomputes the checksum from the entry's current fields.
// It never errors: anything that cannot be hashed counts as tampered.
func VerifyIntegrity(e security.AuditLog) bool {
	if len(e.Checksum) != sha256.Size*2 {
		return false
	}
	want, err := Checksum(e)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(e.Checksum)) == 1
}

// stamp truncates to the precision Postgres timestamptz keeps, so the
// checksummed timestamp survives a round trip through storage.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
