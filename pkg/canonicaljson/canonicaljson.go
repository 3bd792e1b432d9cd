// Package canonicaljson implements the Matrix canonical JSON encoding used
// for event hashing and signing: UTF-8, object keys sorted lexicographically
// by codepoint, no insignificant whitespace, and minimal number formatting.
//
// Rather than round-tripping through encoding/json's map[string]interface{}
// (which silently upgrades every number to float64 and loses int64
// precision), values are re-serialized field-by-field with
// github.com/tidwall/gjson for reading and github.com/tidwall/sjson for
// writing, matching the raw-JSON-surgery idiom the rest of the Matrix Go
// ecosystem in this pack (matrix-org/lb, gomuks, complement-crypto) uses
// gjson/sjson for.
package canonicaljson

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// Canonicalize returns the canonical-JSON re-serialization of raw.
func Canonicalize(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("canonicaljson: input is not valid JSON")
	}
	result := gjson.ParseBytes(raw)
	var buf bytes.Buffer
	if err := writeValue(&buf, result); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v gjson.Result) error {
	switch v.Type {
	case gjson.Null:
		buf.WriteString("null")
	case gjson.False:
		buf.WriteString("false")
	case gjson.True:
		buf.WriteString("true")
	case gjson.Number:
		writeNumber(buf, v)
	case gjson.String:
		writeString(buf, v.String())
	case gjson.JSON:
		if v.IsArray() {
			return writeArray(buf, v)
		}
		return writeObject(buf, v)
	default:
		return fmt.Errorf("canonicaljson: unsupported value type %v", v.Type)
	}
	return nil
}

func writeNumber(buf *bytes.Buffer, v gjson.Result) {
	// Matrix canonical JSON requires integers to be serialized without a
	// decimal point or exponent. gjson's Raw preserves the original
	// lexical form for integers (no '.' or 'e'); only fall back to Num
	// formatting for values that were already written as floats upstream,
	// which canonical JSON forbids from non-integer content anyway.
	raw := v.Raw
	if raw != "" && !bytes.ContainsAny([]byte(raw), ".eE") {
		buf.WriteString(raw)
		return
	}
	fmt.Fprintf(buf, "%d", int64(v.Num))
}

func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func writeArray(buf *bytes.Buffer, v gjson.Result) error {
	buf.WriteByte('[')
	first := true
	var outerErr error
	v.ForEach(func(_, value gjson.Result) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := writeValue(buf, value); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	buf.WriteByte(']')
	return outerErr
}

func writeObject(buf *bytes.Buffer, v gjson.Result) error {
	type kv struct {
		key string
		val gjson.Result
	}
	var fields []kv
	v.ForEach(func(key, value gjson.Result) bool {
		fields = append(fields, kv{key.String(), value})
		return true
	})
	sort.Slice(fields, func(i, j int) bool { return fields[i].key < fields[j].key })

	buf.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, f.key)
		buf.WriteByte(':')
		if err := writeValue(buf, f.val); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
