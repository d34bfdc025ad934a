// Package canonical implements deterministic encoding of structured
// records into bytes. Two semantically equal records always encode to
// identical output regardless of map key insertion order, which is what
// makes the forensic hash chain reproducible across processes and
// machines.
//
// The encoding is canonical JSON: map keys are NFC-normalized and sorted
// lexicographically, sequences keep their positional order, and scalars
// use fixed locale-independent textual forms.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrUnsupportedType is returned for values with no canonical form
	// (channels, functions, structs that were not projected to a map).
	ErrUnsupportedType = errors.New("canonical: unsupported type")

	// ErrNonStringMapKey is returned for maps not keyed by strings.
	ErrNonStringMapKey = errors.New("canonical: non-string map key")
)

// cycleSentinel is emitted in place of a value that is already being
// encoded higher up the walk. Callers never legitimately produce cycles,
// but the encoder must terminate if one appears.
const cycleSentinel = `"<cycle>"`

// Marshal encodes v as canonical bytes.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	seen := make(map[uintptr]struct{})
	if err := writeValue(&buf, v, seen); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeValue(buf *bytes.Buffer, v any, seen map[uintptr]struct{}) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}

	if n, ok := v.(json.Number); ok {
		return writeNumber(buf, n)
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		writeString(buf, rv.String())
		return nil
	case reflect.Bool:
		if rv.Bool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		buf.WriteString(strconv.FormatInt(rv.Int(), 10))
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		buf.WriteString(strconv.FormatUint(rv.Uint(), 10))
		return nil
	case reflect.Float32, reflect.Float64:
		// Shortest round-trip form; never locale-dependent.
		buf.WriteString(strconv.FormatFloat(rv.Float(), 'g', -1, 64))
		return nil
	case reflect.Map:
		return writeMap(buf, rv, seen)
	case reflect.Slice, reflect.Array:
		return writeSlice(buf, rv, seen)
	case reflect.Invalid:
		buf.WriteString("null")
		return nil
	default:
		return ErrUnsupportedType
	}
}

func writeString(buf *bytes.Buffer, s string) {
	normalized := norm.NFC.String(s)
	encoded, err := json.Marshal(normalized)
	if err != nil {
		// json.Marshal of a string cannot fail.
		panic(err)
	}
	buf.Write(encoded)
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return ErrUnsupportedType
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

type mapEntry struct {
	key   string
	value any
}

func writeMap(buf *bytes.Buffer, rv reflect.Value, seen map[uintptr]struct{}) error {
	if rv.Type().Key().Kind() != reflect.String {
		return ErrNonStringMapKey
	}

	ptr := rv.Pointer()
	if _, ok := seen[ptr]; ok {
		buf.WriteString(cycleSentinel)
		return nil
	}
	seen[ptr] = struct{}{}
	defer delete(seen, ptr)

	entries := make([]mapEntry, 0, rv.Len())
	for _, key := range rv.MapKeys() {
		entries = append(entries, mapEntry{
			key:   norm.NFC.String(key.String()),
			value: rv.MapIndex(key).Interface(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].key < entries[j].key
	})

	buf.WriteByte('{')
	for i, entry := range entries {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, entry.key)
		buf.WriteByte(':')
		if err := writeValue(buf, entry.value, seen); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeSlice(buf *bytes.Buffer, rv reflect.Value, seen map[uintptr]struct{}) error {
	if rv.Kind() == reflect.Slice {
		if rv.IsNil() {
			buf.WriteString("null")
			return nil
		}
		ptr := rv.Pointer()
		if _, ok := seen[ptr]; ok {
			buf.WriteString(cycleSentinel)
			return nil
		}
		seen[ptr] = struct{}{}
		defer delete(seen, ptr)
	}

	buf.WriteByte('[')
	for i := 0; i < rv.Len(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, rv.Index(i).Interface(), seen); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
