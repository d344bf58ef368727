// Package wire implements the dispatcher JSON codec extensions: timestamps,
// binary blobs, regular expressions, and opaque secrets, each carried as a
// single-key JSON object (e.g. {"$date": "..."}). It mirrors the encode/decode
// hooks of the original Python client's jsonenc module.
//
// Encode and Decode operate on generic "tree" values built from the usual
// JSON primitives (nil, bool, float64, string, []any, map[string]any) plus
// the extension types defined here (time.Time, Binary, *regexp.Regexp,
// Password). The $fd extension is deliberately NOT handled here: it is the
// responsibility of package fd, which walks the same tree before Encode and
// after Decode.
package wire

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"time"
)

// Binary is a byte blob that round-trips through the "$binary" extension.
type Binary []byte

// Password is an opaque secret value that round-trips through the
// "$password" extension. Its String/GoString methods never reveal the
// underlying text, matching the original's intent of marking credentials
// so they are not accidentally logged.
type Password string

func (Password) String() string   { return "<password>" }
func (Password) GoString() string { return "<password>" }

const (
	keyDate     = "$date"
	keyBinary   = "$binary"
	keyRegex    = "$regex"
	keyPassword = "$password"
)

// Encode walks v and returns an equivalent tree in which every extension
// type has been replaced by its wire representation (a map with exactly one
// of the reserved keys above). The result is suitable for json.Marshal.
func Encode(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, float64, int, int64:
		return t, nil
	case time.Time:
		return map[string]any{keyDate: t.UTC().Format(time.RFC3339Nano)}, nil
	case Binary:
		return map[string]any{keyBinary: base64.StdEncoding.EncodeToString(t)}, nil
	case []byte:
		return map[string]any{keyBinary: base64.StdEncoding.EncodeToString(t)}, nil
	case *regexp.Regexp:
		return map[string]any{keyRegex: t.String()}, nil
	case Password:
		return map[string]any{keyPassword: string(t)}, nil
	case []any:
		out := make([]any, len(t))
		for i, elt := range t {
			enc, err := Encode(elt)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elt := range t {
			enc, err := Encode(elt)
			if err != nil {
				return nil, err
			}
			out[k] = enc
		}
		return out, nil
	default:
		return nil, fmt.Errorf("wire: cannot encode value of type %T", v)
	}
}

// Decode walks v (as produced by json.Unmarshal into an any) and returns an
// equivalent tree in which every recognized extension object has been
// replaced by its native Go value.
func Decode(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if s, ok := extensionValue(t, keyDate); ok {
				ts, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return nil, fmt.Errorf("wire: invalid $date %q: %w", s, err)
				}
				return ts, nil
			}
			if s, ok := extensionValue(t, keyBinary); ok {
				b, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("wire: invalid $binary: %w", err)
				}
				return Binary(b), nil
			}
			if s, ok := extensionValue(t, keyRegex); ok {
				re, err := regexp.Compile(s)
				if err != nil {
					return nil, fmt.Errorf("wire: invalid $regex %q: %w", s, err)
				}
				return re, nil
			}
			if s, ok := extensionValue(t, keyPassword); ok {
				return Password(s), nil
			}
		}
		out := make(map[string]any, len(t))
		for k, elt := range t {
			dec, err := Decode(elt)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elt := range t {
			dec, err := Decode(elt)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	default:
		return v, nil
	}
}

func extensionValue(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// SortedKeys returns the keys of m in lexical order, used by callers that
// need deterministic traversal (for example tests comparing wire output).
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
