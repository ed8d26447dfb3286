// Package canonicalize produces the canonical byte form used for every hash in
// the audit trail: strings NFC-normalized, then serialized per RFC 8785 (JCS).
//
// Canonicalization fails on values that have no deterministic encoding instead
// of coercing them.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Version identifies the canonicalization profile and digest algorithm. It is
// recorded alongside hashes so a later profile change cannot be mistaken for tampering.
const Version = "jcs-nfc-sha256/v1"

// HashPrefix is prepended to every hex digest.
const HashPrefix = "sha256:"

// maxExactInt is the largest integer an IEEE-754 double represents exactly.
const maxExactInt = 1 << 53

// ErrNonDeterministic is returned for values without a stable canonical form.
var ErrNonDeterministic = errors.New("canonicalize: non-deterministic value")

// JCS returns the canonical JSON representation of v.
//
// v is checked for non-deterministic types, marshaled with encoding/json so
// struct tags apply, NFC-normalized, and finally passed through the RFC 8785
// transform which fixes key order, string escaping and number formatting.
func JCS(v interface{}) ([]byte, error) {
	if err := check(reflect.ValueOf(v), "$"); err != nil {
		return nil, err
	}

	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Transform canonicalizes an existing JSON document.
func Transform(data []byte) ([]byte, error) {
	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("canonicalize: trailing data after JSON value")
	}

	normalized, err := normalize(generic, "$")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canonicalize: normalized marshal failed: %w", err)
	}

	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Hash returns the prefixed SHA-256 digest of the canonical form of v.
func Hash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the prefixed SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// Set is an unordered collection. It encodes as an array sorted by the
// canonical form of each element, with duplicates rejected.
type Set []interface{}

// MarshalJSON implements json.Marshaler.
func (s Set) MarshalJSON() ([]byte, error) {
	encoded := make([][]byte, 0, len(s))
	for i, elem := range s {
		b, err := JCS(elem)
		if err != nil {
			return nil, fmt.Errorf("set element %d: %w", i, err)
		}
		encoded = append(encoded, b)
	}
	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, b := range encoded {
		if i > 0 {
			if bytes.Equal(encoded[i-1], b) {
				return nil, fmt.Errorf("%w: duplicate set element %s", ErrNonDeterministic, b)
			}
			buf.WriteByte(',')
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

var marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

func check(v reflect.Value, path string) error {
	if !v.IsValid() {
		return nil
	}
	if v.Type().Implements(marshalerType) && v.Kind() != reflect.Interface {
		return nil
	}

	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return fmt.Errorf("%w: %s has type %s", ErrNonDeterministic, path, v.Type())
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: %s is %v", ErrNonDeterministic, path, f)
		}
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return check(v.Elem(), path)
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := check(v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case reflect.Map:
		switch v.Type().Key().Kind() {
		case reflect.String,
			reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		default:
			return fmt.Errorf("%w: %s has unordered key type %s", ErrNonDeterministic, path, v.Type().Key())
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := check(iter.Value(), fmt.Sprintf("%s[%v]", path, iter.Key())); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := check(v.Field(i), path+"."+t.Field(i).Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func normalize(v interface{}, path string) (interface{}, error) {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t), nil
	case json.Number:
		if !strings.ContainsAny(t.String(), ".eE") {
			if n, err := t.Int64(); err != nil || n > maxExactInt || n < -maxExactInt {
				return nil, fmt.Errorf("%w: %s integer %s outside exact range", ErrNonDeterministic, path, t)
			}
		}
		return t, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, elem := range t {
			n, err := normalize(elem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, elem := range t {
			nk := norm.NFC.String(k)
			if _, dup := out[nk]; dup {
				return nil, fmt.Errorf("%w: %s key %q collides after NFC normalization", ErrNonDeterministic, path, k)
			}
			n, err := normalize(elem, path+"."+nk)
			if err != nil {
				return nil, err
			}
			out[nk] = n
		}
		return out, nil
	default:
		return t, nil
	}
}
