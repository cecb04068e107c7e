// Package canonical computes deterministic content hashes for ingestion
// records.
//
// Records decoded from different files (or from the same file on different
// runs) must hash identically whenever their content is identical, because
// the merge step deduplicates on these hashes. To that end a record is first
// normalized into a canonical value tree, then serialised as compact JSON
// with sorted object keys, and finally hashed with SHA-256.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// HashRecord returns the SHA-256 hex digest of the record's canonical form.
//
// Normalization rules:
//   - nil, booleans, strings and numbers pass through unchanged. Numbers
//     decoded as json.Number keep their source text, so integers and floats
//     stay distinct after serialisation.
//   - time.Time values become ISO 8601 strings. A value without a clock
//     reading serialises as a plain date.
//   - maps and slices are normalized recursively.
//   - anything else falls back to its string representation.
//
// Identical content always yields an identical digest regardless of map
// iteration order, because object keys are sorted during serialisation.
//
// Example:
//
//	h1, _ := HashRecord(map[string]any{"a": json.Number("1"), "b": "x"})
//	h2, _ := HashRecord(map[string]any{"b": "x", "a": json.Number("1")})
//	// h1 == h2
func HashRecord(record map[string]any) (string, error) {
	canonicalJSON, err := marshalCanonical(normalizeValue(record))
	if err != nil {
		return "", fmt.Errorf("canonical: marshaling record: %w", err)
	}

	return hashSHA256(canonicalJSON), nil
}

// MarshalValue serialises any value through the same normalization and
// canonical JSON encoding that backs HashRecord. Rejected-row payloads are
// persisted in this form so they stay byte-comparable across runs.
func MarshalValue(value any) ([]byte, error) {
	canonicalJSON, err := marshalCanonical(normalizeValue(value))
	if err != nil {
		return nil, fmt.Errorf("canonical: marshaling value: %w", err)
	}

	return canonicalJSON, nil
}

// normalizeValue rewrites a decoded value tree into its canonical form.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case bool, string, json.Number, int, int32, int64, float64:
		return v
	case time.Time:
		return formatTime(v)
	case map[string]any:
		normalized := make(map[string]any, len(v))
		for key, item := range v {
			normalized[key] = normalizeValue(item)
		}

		return normalized
	case []any:
		normalized := make([]any, len(v))
		for i, item := range v {
			normalized[i] = normalizeValue(item)
		}

		return normalized
	default:
		return fmt.Sprintf("%v", v)
	}
}

// formatTime renders a time value as ISO 8601. Values without a clock
// reading render as a date so that pure dates and datetimes stay distinct.
func formatTime(t time.Time) string {
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}

	if t.Nanosecond() == 0 {
		return t.Format("2006-01-02T15:04:05")
	}

	return t.Format("2006-01-02T15:04:05.000000")
}

// marshalCanonical serialises a normalized value as compact JSON with sorted
// object keys and without HTML escaping.
func marshalCanonical(value any) ([]byte, error) {
	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(value); err != nil {
		return nil, err
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// hashSHA256 computes the SHA-256 hash of the input and returns it as a
// lowercase hexadecimal string.
func hashSHA256(input []byte) string {
	hash := sha256.Sum256(input)

	return hex.EncodeToString(hash[:])
}
