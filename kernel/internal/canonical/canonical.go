// Package canonical produces deterministic JSON for hashing ledger records.
package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// MarshalCanonical returns deterministic JSON bytes for v.
//
// Object keys are sorted, array order is preserved and no insignificant whitespace
// is emitted. Structs are first projected through encoding/json so their json tags
// decide the field names, and numbers keep their textual form.
func MarshalCanonical(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(vv))
	case json.Number:
		buf.WriteString(vv.String())
	case int:
		buf.WriteString(strconv.FormatInt(int64(vv), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(vv, 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(vv), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(vv, 10))
	case float64:
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical float: %w", err)
		}
		buf.Write(b)
	case string:
		writeString(buf, vv)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case []string:
		buf.WriteByte('[')
		for i, s := range vv {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, s)
		}
		buf.WriteByte(']')
	case map[string]string:
		m := make(map[string]interface{}, len(vv))
		for k, s := range vv {
			m[k] = s
		}
		return encodeObject(buf, m)
	case map[string]interface{}:
		return encodeObject(buf, vv)
	default:
		b, err := json.Marshal(vv)
		if err != nil {
			return fmt.Errorf("canonical marshal fallback: %w", err)
		}
		var tmp interface{}
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.UseNumber()
		if err := dec.Decode(&tmp); err != nil {
			return fmt.Errorf("canonical decode fallback: %w", err)
		}
		return encode(buf, tmp)
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
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
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeString(buf *bytes.Buffer, s string) {
	// strings always marshal
	b, _ := json.Marshal(s)
	buf.Write(b)
}
