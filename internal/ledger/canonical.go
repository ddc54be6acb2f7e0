package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

// maxExponent bounds the exponent of a JSON number before it is expanded.
const maxExponent = 1000

// maxFloat is the largest magnitude a payload number may have.
var maxFloat = new(big.Rat).SetFloat64(math.MaxFloat64)

// CanonicalData returns the canonical JSON encoding of d. Keys appear in byte
// order (action, actorId, entity, entityId, payload) and empty optional fields
// are omitted.
func CanonicalData(d BlockData) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	fields := []struct {
		key, val string
		optional bool
	}{
		{"action", d.Action, false},
		{"actorId", d.ActorID, false},
		{"entity", d.Entity, false},
		{"entityId", d.EntityID, true},
	}
	first := true
	for _, f := range fields {
		if f.optional && f.val == "" {
			continue
		}
		if !utf8.ValidString(f.val) {
			return nil, fmt.Errorf("%w: field %s is not valid UTF-8", ErrSerialization, f.key)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		writeString(&buf, f.key)
		buf.WriteByte(':')
		writeString(&buf, f.val)
	}

	payload, err := CanonicalJSON(d.Payload)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		buf.WriteString(`,"payload":`)
		buf.Write(payload)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// CanonicalJSON re-encodes an arbitrary JSON value in canonical form.
// An empty input or a bare null yields nil, meaning "no value".
func CanonicalJSON(raw []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if !utf8.Valid(trimmed) {
		return nil, fmt.Errorf("%w: payload is not valid UTF-8", ErrSerialization)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var buf bytes.Buffer
	if err := writeValue(dec, &buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after payload", ErrSerialization)
	}
	return buf.Bytes(), nil
}

// NormalizeData returns d with its payload replaced by the canonical encoding.
func NormalizeData(d BlockData) (BlockData, error) {
	payload, err := CanonicalJSON(d.Payload)
	if err != nil {
		return BlockData{}, err
	}
	d.Payload = payload
	if _, err := CanonicalData(d); err != nil {
		return BlockData{}, err
	}
	return d, nil
}

func writeValue(dec *json.Decoder, buf *bytes.Buffer) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			return writeObject(dec, buf)
		case '[':
			return writeArray(dec, buf)
		default:
			return fmt.Errorf("unexpected delimiter %q", v)
		}
	case string:
		writeString(buf, v)
	case json.Number:
		n, err := canonicalNumber(v)
		if err != nil {
			return err
		}
		buf.WriteString(n)
	case bool:
		buf.WriteString(strconv.FormatBool(v))
	case nil:
		buf.WriteString("null")
	default:
		return fmt.Errorf("unexpected token %T", tok)
	}
	return nil
}

func writeObject(dec *json.Decoder, buf *bytes.Buffer) error {
	members := make(map[string][]byte)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("object key is %T, not string", tok)
		}
		if _, dup := members[key]; dup {
			return fmt.Errorf("duplicate object key %q", key)
		}
		var val bytes.Buffer
		if err := writeValue(dec, &val); err != nil {
			return err
		}
		members[key] = val.Bytes()
	}
	if _, err := dec.Token(); err != nil { // closing '}'
		return err
	}

	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, k)
		buf.WriteByte(':')
		buf.Write(members[k])
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(dec *json.Decoder, buf *bytes.Buffer) error {
	buf.WriteByte('[')
	for i := 0; dec.More(); i++ {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(dec, buf); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil { // closing ']'
		return err
	}
	buf.WriteByte(']')
	return nil
}

// writeString appends s as a JSON string without HTML escaping.
func writeString(buf *bytes.Buffer, s string) {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s) // strings always encode
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
}

// canonicalNumber renders n exactly. Whole values become plain integers
// however they are spelled (1e21, 10e20 and 1000000000000000000000 agree);
// fractions use the shortest float64 form and are rejected when that form
// would change their value.
func canonicalNumber(n json.Number) (string, error) {
	s := string(n)
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		exp, err := strconv.Atoi(s[i+1:])
		if err != nil || exp > maxExponent || exp < -maxExponent {
			return "", fmt.Errorf("number %q out of range", s)
		}
	}

	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return "", fmt.Errorf("malformed number %q", s)
	}
	if new(big.Rat).Abs(r).Cmp(maxFloat) > 0 {
		return "", fmt.Errorf("number %q out of range", s)
	}
	if r.IsInt() {
		return r.Num().String(), nil
	}

	f, _ := r.Float64()
	short := strconv.FormatFloat(f, 'g', -1, 64)
	if back, ok := new(big.Rat).SetString(short); !ok || back.Cmp(r) != 0 {
		return "", fmt.Errorf("number %q is not exactly representable", s)
	}
	return short, nil
}
