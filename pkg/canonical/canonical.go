// Package canonical provides the deterministic JSON encoding used as the
// preimage for every signature and HMAC in the licensing protocol.
//
// Contract: object keys are emitted in byte-lexicographic order at every
// nesting level, arrays keep their source order, there is no whitespace
// between tokens, and HTML characters are not escaped. The issuer and every
// agent must produce byte-identical output for the same logical document or
// signature verification fails on correct inputs. Do not substitute the
// default encoder; its key order follows struct declaration, not the wire
// contract.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal returns the canonical encoding of v.
//
// v is first marshaled through encoding/json to honor struct tags, then
// decoded with UseNumber so numeric literals survive byte-for-byte, then
// re-emitted with sorted keys.
func Marshal(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("intermediate marshal failed: %w", err)
	}

	var decoded interface{}
	dec := json.NewDecoder(bytes.NewReader(intermediate))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := marshalRecursive(&buf, decoded); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalString is Marshal returning a string.
func MarshalString(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding of v.
// Used as the content address when archiving issued certificates.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func marshalRecursive(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := marshalRecursive(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalRecursive(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case json.Number:
		// Emitted verbatim; re-encoding through float64 would alter precision.
		buf.WriteString(string(val))
		return nil

	default:
		return encodeScalar(buf, val)
	}
}

// encodeScalar writes strings, bools and null without HTML escaping and
// without the trailing newline json.Encoder appends.
func encodeScalar(buf *bytes.Buffer, v interface{}) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("scalar encode failed: %w", err)
	}
	buf.Write(bytes.TrimRight(tmp.Bytes(), "\n"))
	return nil
}
