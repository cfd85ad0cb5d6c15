package bencode

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Marshal returns the bencoded form of v.
//
// Supported types: string, []byte, all fixed-width signed and unsigned
// integers, int, uint, []any, and map[string]any. Dictionary keys are emitted
// in lexicographic order as the format requires, so output is canonical.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case string:
		encodeString(buf, x)
	case []byte:
		encodeString(buf, string(x))
	case int:
		encodeInt(buf, int64(x))
	case int8:
		encodeInt(buf, int64(x))
	case int16:
		encodeInt(buf, int64(x))
	case int32:
		encodeInt(buf, int64(x))
	case int64:
		encodeInt(buf, x)
	case uint:
		encodeUint(buf, uint64(x))
	case uint8:
		encodeUint(buf, uint64(x))
	case uint16:
		encodeUint(buf, uint64(x))
	case uint32:
		encodeUint(buf, uint64(x))
	case uint64:
		encodeUint(buf, x)
	case []any:
		buf.WriteByte(openList)
		for _, item := range x {
			if err := encode(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(closeValue)
	case map[string]any:
		return encodeDict(buf, x)
	default:
		return fmt.Errorf("bencode: cannot encode %T", v)
	}
	return nil
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(stringColon)
	buf.WriteString(s)
}

func encodeInt(buf *bytes.Buffer, n int64) {
	buf.WriteByte(openInteger)
	buf.WriteString(strconv.FormatInt(n, 10))
	buf.WriteByte(closeValue)
}

func encodeUint(buf *bytes.Buffer, n uint64) {
	buf.WriteByte(openInteger)
	buf.WriteString(strconv.FormatUint(n, 10))
	buf.WriteByte(closeValue)
}

func encodeDict(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte(openDict)
	for _, k := range keys {
		encodeString(buf, k)
		if err := encode(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte(closeValue)
	return nil
}
