package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// maxNumberLen bounds numeric literals accepted for normalization.
const maxNumberLen = 128

// canonicalTime is the timestamp form that survives a timestamptz round trip.
func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// marshalSnapshot renders a snapshot map as canonical JSON. A nil map stays nil.
func marshalSnapshot(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return canonicalJSON(raw)
}

// canonicalJSON re-encodes raw JSON with sorted object keys, no insignificant
// whitespace and numbers in their shortest exact decimal form. The output for
// a document and for its jsonb round trip must be identical.
func canonicalJSON(raw []byte) ([]byte, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	v, err := normalizeNumbers(v)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return out, nil
}

func normalizeNumbers(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			n, err := normalizeNumbers(item)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, item := range t {
			n, err := normalizeNumbers(item)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	case json.Number:
		return normalizeNumber(t)
	default:
		return v, nil
	}
}

// normalizeNumber rewrites 1.50, 15e-1 and 1.5 to the same literal.
func normalizeNumber(n json.Number) (json.Number, error) {
	if len(n) > maxNumberLen {
		return "", fmt.Errorf("numeric literal too long: %d bytes", len(n))
	}
	r, ok := new(big.Rat).SetString(string(n))
	if !ok {
		return "", fmt.Errorf("invalid numeric literal %q", string(n))
	}
	if r.IsInt() {
		return json.Number(r.Num().String()), nil
	}

	// A decimal literal's denominator divides a power of ten; find the
	// smallest one to get an exact, minimal fractional digit count.
	denom := r.Denom()
	ten := big.NewInt(10)
	pow := big.NewInt(10)
	digits := 1
	rem := new(big.Int)
	for rem.Mod(pow, denom).Sign() != 0 {
		pow.Mul(pow, ten)
		digits++
		if digits > maxNumberLen*4 {
			return "", fmt.Errorf("numeric literal %q has no finite decimal form", string(n))
		}
	}
	return json.Number(r.FloatString(digits)), nil
}
