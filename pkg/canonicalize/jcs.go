// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for every byte sequence that certledger hashes or signs.
//
// On top of RFC 8785 the ledger profile is stricter:
//  1. Strings (keys and values) are NFC normalized before encoding.
//  2. Non-integer numbers are rejected; amounts travel as decimal strings.
//  3. Integers must lie in the IEEE-754 safe range (|n| ≤ 2^53-1), so every
//     implementation can reproduce the digits exactly.
//  4. Strings must be valid UTF-8. encoding/json replaces invalid bytes with
//     U+FFFD, so callers check Go strings with CheckString and CheckStrings
//     before they are marshaled.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

const maxSafeInteger = 1<<53 - 1

var (
	// ErrFloat is returned when a value contains a fractional or exponent number.
	ErrFloat = errors.New("canonicalize: floating-point numbers are not allowed")
	// ErrUnsafeInteger is returned for integers outside ±(2^53-1).
	ErrUnsafeInteger = errors.New("canonicalize: integer outside safe range")
	// ErrInvalidUTF8 is returned for strings that are not valid UTF-8.
	ErrInvalidUTF8 = errors.New("canonicalize: invalid utf-8")
)

// JCS returns the canonical JSON representation of v.
//
// v is marshaled with encoding/json first so struct tags and custom
// marshalers are honored; the generic tree is then normalized and handed to
// the RFC 8785 transformer for key ordering and string escaping.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Transform canonicalizes raw JSON bytes.
func Transform(raw []byte) ([]byte, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("jcs: %w in input", ErrInvalidUTF8)
	}
	var generic any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
	}

	normalized, err := normalize(generic, "$")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("jcs: re-marshal failed: %w", err)
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CheckString returns ErrInvalidUTF8 when s is not valid UTF-8.
func CheckString(field, s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w in %s: %q", ErrInvalidUTF8, field, s)
	}
	return nil
}

// CheckStrings applies CheckString to every key and value of m.
func CheckStrings(m map[string]string) error {
	for k, v := range m {
		if err := CheckString("key", k); err != nil {
			return err
		}
		if err := CheckString(k, v); err != nil {
			return err
		}
	}
	return nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 of data and returns it hex encoded.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func normalize(v any, path string) (any, error) {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t), nil
	case json.Number:
		s := t.String()
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("%w at %s: %s", ErrFloat, path, s)
		}
		n, err := t.Int64()
		if err != nil || n > maxSafeInteger || n < -maxSafeInteger {
			return nil, fmt.Errorf("%w at %s: %s", ErrUnsafeInteger, path, s)
		}
		return t, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			n, err := normalize(elem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			key := norm.NFC.String(k)
			if _, dup := out[key]; dup {
				return nil, fmt.Errorf("jcs: duplicate key after normalization at %s: %q", path, key)
			}
			n, err := normalize(elem, path+"."+key)
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	default:
		return t, nil
	}
}
